// Package validation checks tool calls arriving over JSON-RPC before
// they reach business operations.
package validation

import "fmt"

// JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ValidationError carries a JSON-RPC code and a client-safe message.
type ValidationError struct {
	Code    int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error %d: %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(code int, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}
