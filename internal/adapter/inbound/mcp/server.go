// Package mcp exposes the business operations as Model Context Protocol
// tools over a single JSON-RPC HTTP endpoint. It must be mounted behind
// authentication: tools run as the user bound to the request.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/validation"
	"github.com/sqlgate/sqlgate/internal/service"
)

// ProtocolVersion is the MCP revision this endpoint speaks.
const ProtocolVersion = "2025-06-18"

// maxMessageSize bounds one JSON-RPC message.
const maxMessageSize = 1 << 20

// JSON-RPC error codes.
const (
	codeParseError     = validation.ErrCodeParseError
	codeInvalidRequest = validation.ErrCodeInvalidRequest
	codeMethodNotFound = validation.ErrCodeMethodNotFound
	codeInvalidParams  = validation.ErrCodeInvalidParams
	codeInternalError  = validation.ErrCodeInternalError
)

// Operations is the business surface the tools call into.
type Operations interface {
	OptimizeSQL(ctx context.Context, req service.OptimizeRequest) (*service.Report, error)
	ListWorkspaces(ctx context.Context) (string, error)
	GetWorkspaceInfo(ctx context.Context, name, id string) (*service.WorkspaceInfo, error)
}

// Server is an http.Handler answering MCP requests.
type Server struct {
	ops     Operations
	tools   map[string]tool
	order   []string
	name    string
	version string
	logger  *slog.Logger
}

// NewServer creates the MCP endpoint for ops.
func NewServer(ops Operations, version string, logger *slog.Logger) *Server {
	s := &Server{
		ops:     ops,
		tools:   make(map[string]tool),
		name:    "sqlgate",
		version: version,
		logger:  logger,
	}
	for _, t := range s.toolset() {
		s.tools[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return s
}

// ServeHTTP handles one JSON-RPC message per POST.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		writeRPC(w, &jsonrpc.Response{Error: &jsonrpc.Error{Code: codeParseError, Message: "Parse error"}})
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeRPC(w, &jsonrpc.Response{Error: &jsonrpc.Error{Code: codeParseError, Message: "Parse error"}})
		return
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok || req.Method == "" {
		writeRPC(w, &jsonrpc.Response{Error: &jsonrpc.Error{Code: codeInvalidRequest, Message: "Invalid Request"}})
		return
	}
	if !req.IsCall() {
		// Notifications get no response body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	result, rpcErr := s.dispatch(r.Context(), req)
	resp := &jsonrpc.Response{ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			s.logger.Error("failed to marshal mcp result", "method", req.Method, "error", err)
			resp.Error = &jsonrpc.Error{Code: codeInternalError, Message: "Internal error"}
		} else {
			resp.Result = raw
		}
	}
	writeRPC(w, resp)
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	switch req.Method {
	case "initialize":
		return initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      implementation{Name: s.name, Version: s.version},
		}, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		out := toolsListResult{Tools: make([]toolEntry, 0, len(s.order))}
		for _, name := range s.order {
			t := s.tools[name]
			out.Tools = append(out.Tools, toolEntry{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
		}
		return out, nil
	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonrpc.Error{Code: codeInvalidParams, Message: "Invalid params"}
		}
		if err := validation.ValidateToolName(params.Name); err != nil {
			return nil, rpcError(err)
		}
		t, ok := s.tools[params.Name]
		if !ok {
			return nil, &jsonrpc.Error{Code: codeInvalidParams, Message: fmt.Sprintf("Unknown tool: %s", params.Name)}
		}
		args, err := validation.SanitizeArguments(params.Arguments)
		if err != nil {
			return nil, rpcError(err)
		}
		return s.call(ctx, t, args), nil
	default:
		return nil, &jsonrpc.Error{Code: codeMethodNotFound, Message: "Method not found"}
	}
}

// call runs a tool. Tool failures are results with isError set, not
// protocol errors.
func (s *Server) call(ctx context.Context, t tool, args json.RawMessage) callResult {
	text, err := t.run(ctx, args)
	if err != nil {
		s.logger.Info("mcp tool failed", "tool", t.Name, "code", auth.Code(err), "error", err)
		return errorResult(err)
	}
	return callResult{Content: []content{{Type: "text", Text: text}}}
}

func errorResult(err error) callResult {
	msg := auth.SafeErrorMessage(err)
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, service.ErrWorkspaceNotFound):
		msg = err.Error()
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		msg = "Invalid tool arguments"
	}
	return callResult{IsError: true, Content: []content{{Type: "text", Text: msg}}}
}

// rpcError converts a validation failure to a protocol error.
func rpcError(err error) *jsonrpc.Error {
	var ve *validation.ValidationError
	if errors.As(err, &ve) {
		return &jsonrpc.Error{Code: int64(ve.Code), Message: ve.Message}
	}
	return &jsonrpc.Error{Code: codeInternalError, Message: "Internal error"}
}

func writeRPC(w http.ResponseWriter, resp *jsonrpc.Response) {
	raw, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		http.Error(w, "encode failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// --- wire types ---

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      implementation `json:"serverInfo"`
}

type toolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolEntry `json:"tools"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}
