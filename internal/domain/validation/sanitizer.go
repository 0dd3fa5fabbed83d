package validation

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

const (
	// MaxStringLength bounds any string argument, SQL text included.
	MaxStringLength = 512 << 10

	// MaxToolNameLength bounds a tool name.
	MaxToolNameLength = 128

	// maxDepth bounds nesting of argument objects and arrays.
	maxDepth = 16
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidateToolName rejects names that could not belong to a registered
// tool before the registry is consulted.
func ValidateToolName(name string) error {
	switch {
	case name == "":
		return NewValidationError(ErrCodeInvalidParams, "tool name is required")
	case len(name) > MaxToolNameLength:
		return NewValidationError(ErrCodeInvalidParams, "tool name too long")
	case strings.Contains(name, "..") || strings.Contains(name, "/"):
		return NewValidationError(ErrCodeInvalidParams, "invalid characters in tool name")
	case !toolNamePattern.MatchString(name):
		return NewValidationError(ErrCodeInvalidParams, "invalid tool name format")
	}
	return nil
}

// SanitizeArguments decodes raw tool arguments, strips NUL bytes from
// every string and re-encodes the result. Empty input becomes {}.
// Arguments must be a JSON object.
func SanitizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, NewValidationError(ErrCodeInvalidParams, "arguments are not valid JSON")
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, NewValidationError(ErrCodeInvalidParams, "arguments must be an object")
	}
	clean, err := sanitizeValue(v, 0)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(clean)
	if err != nil {
		return nil, NewValidationError(ErrCodeInternalError, "failed to encode arguments")
	}
	return out, nil
}

func sanitizeValue(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, NewValidationError(ErrCodeInvalidParams, "arguments nested too deeply")
	}
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			key, err := sanitizeString(k)
			if err != nil {
				return nil, err
			}
			if out[key], err = sanitizeValue(elem, depth+1); err != nil {
				return nil, err
			}
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			var err error
			if out[i], err = sanitizeValue(elem, depth+1); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return v, nil
	}
}

// sanitizeString removes NUL bytes. Oversized strings are rejected
// rather than truncated so SQL text is never silently cut.
func sanitizeString(s string) (string, error) {
	if len(s) > MaxStringLength {
		return "", NewValidationError(ErrCodeInvalidParams, "argument value too long")
	}
	return strings.ReplaceAll(s, "\x00", ""), nil
}
