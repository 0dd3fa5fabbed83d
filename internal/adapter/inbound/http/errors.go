package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sqlgate/sqlgate/internal/concurrency"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errInvalidBody marks a request body that could not be decoded.
var errInvalidBody = errors.New("invalid request body")

// describe maps err to a status, a stable code and a client-safe message.
func describe(err error) (int, string, string) {
	switch {
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, "invalid_request", "Request body is not valid"
	case errors.Is(err, service.ErrWorkspaceNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, service.ErrNoStream):
		return http.StatusConflict, "no_stream", "Open a stream before submitting async work"
	case errors.Is(err, concurrency.ErrBacklogFull), errors.Is(err, concurrency.ErrExecutorClosed):
		return http.StatusServiceUnavailable, "busy", "Server is busy, retry later"
	}

	code := auth.Code(err)
	switch code {
	case "missing_field":
		return http.StatusBadRequest, code, auth.SafeErrorMessage(err)
	case "invalid_credentials", "unauthenticated":
		return http.StatusUnauthorized, code, auth.SafeErrorMessage(err)
	case "permission_denied":
		return http.StatusForbidden, code, auth.SafeErrorMessage(err)
	case "upstream_unavailable":
		return http.StatusBadGateway, code, auth.SafeErrorMessage(err)
	default:
		return http.StatusInternalServerError, code, auth.SafeErrorMessage(err)
	}
}

// writeError logs err and writes the JSON error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := describe(err)
	logger := LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "code", code, "error", err)
	} else {
		logger.Debug("request rejected", "path", r.URL.Path, "code", code, "error", err)
	}
	writeErrorCode(w, r, status, code, msg)
}

func writeErrorCode(w http.ResponseWriter, _ *http.Request, status int, code, msg string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="sqlgate"`)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errInvalidBody, err)
	}
	return nil
}
