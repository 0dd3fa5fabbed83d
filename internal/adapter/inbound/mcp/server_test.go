package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/service"
)

type fakeOps struct {
	lastReq    service.OptimizeRequest
	workspaces string
	err        error
}

func (f *fakeOps) OptimizeSQL(_ context.Context, req service.OptimizeRequest) (*service.Report, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &service.Report{
		AnalysisID:     "an-1",
		AnalysisStmtID: "st-1",
		ReportLink:     "https://app.example/statement/st-1",
		Detail:         "## Detail",
		Suggestions:    "tips",
	}, nil
}

func (f *fakeOps) ListWorkspaces(context.Context) (string, error) {
	return f.workspaces, f.err
}

func (f *fakeOps) GetWorkspaceInfo(_ context.Context, name, id string) (*service.WorkspaceInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	if name != "orders" && id != "ws-1" {
		return nil, service.ErrWorkspaceNotFound
	}
	return &service.WorkspaceInfo{WorkspaceID: "ws-1", WorkspaceName: "orders", DBType: "mysql", Status: "ready"}, nil
}

type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func post(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, rpcReply) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body)))
	var reply rpcReply
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
			t.Fatalf("decode reply %q: %v", rec.Body.String(), err)
		}
	}
	return rec, reply
}

func newTestServer(ops Operations) *Server {
	return NewServer(ops, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestServer_InitializeAndList(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeOps{})

	_, reply := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if reply.Error != nil {
		t.Fatalf("initialize error = %+v", reply.Error)
	}
	var init initializeResult
	_ = json.Unmarshal(reply.Result, &init)
	if init.ProtocolVersion != ProtocolVersion || init.ServerInfo.Name != "sqlgate" {
		t.Errorf("initialize = %+v", init)
	}

	_, reply = post(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var list toolsListResult
	_ = json.Unmarshal(reply.Result, &list)
	var names []string
	for _, tl := range list.Tools {
		names = append(names, tl.Name)
	}
	if got := strings.Join(names, ","); got != "optimize_sql,list_workspaces,get_workspace_info" {
		t.Errorf("tools = %s", got)
	}
}

func TestServer_Notification(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeOps{})

	rec, _ := post(t, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestServer_ProtocolErrors(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeOps{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"parse", `{not json`, codeParseError},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, codeMethodNotFound},
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"drop_db"}}`, codeInvalidParams},
		{"missing name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, codeInvalidParams},
		{"bad tool name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"../optimize"}}`, codeInvalidParams},
		{"array arguments", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_workspaces","arguments":[1]}}`, codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, reply := post(t, s, tt.body)
			if reply.Error == nil || reply.Error.Code != tt.want {
				t.Errorf("error = %+v, want code %d", reply.Error, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestServer_ToolCalls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ops       *fakeOps
		params    string
		wantError bool
		wantText  string
	}{
		{
			name:     "optimize",
			ops:      &fakeOps{},
			params:   `{"name":"optimize_sql","arguments":{"sql":"select 1","dbType":"mysql","validateFlag":true}}`,
			wantText: "https://app.example/statement/st-1",
		},
		{
			name:      "optimize denied",
			ops:       &fakeOps{err: auth.ErrPermissionDenied},
			params:    `{"name":"optimize_sql","arguments":{"sql":"select 1","dbType":"mysql"}}`,
			wantError: true,
		},
		{
			name:      "optimize bad arguments",
			ops:       &fakeOps{},
			params:    `{"name":"optimize_sql","arguments":{"sql":5}}`,
			wantError: true,
			wantText:  "Invalid tool arguments",
		},
		{
			name:     "list empty",
			ops:      &fakeOps{},
			params:   `{"name":"list_workspaces"}`,
			wantText: "No workspaces available",
		},
		{
			name:     "list table",
			ops:      &fakeOps{workspaces: "| ID | Name |"},
			params:   `{"name":"list_workspaces","arguments":{}}`,
			wantText: "| ID | Name |",
		},
		{
			name:     "workspace by name",
			ops:      &fakeOps{},
			params:   `{"name":"get_workspace_info","arguments":{"workspaceName":"orders"}}`,
			wantText: "Workspace ID: ws-1",
		},
		{
			name:      "workspace missing",
			ops:       &fakeOps{},
			params:    `{"name":"get_workspace_info","arguments":{"workspaceName":"nope"}}`,
			wantError: true,
			wantText:  "workspace not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(tt.ops)
			_, reply := post(t, s, `{"jsonrpc":"2.0","id":"c1","method":"tools/call","params":`+tt.params+`}`)
			if reply.Error != nil {
				t.Fatalf("protocol error = %+v", reply.Error)
			}
			if string(reply.ID) != `"c1"` {
				t.Errorf("id = %s, want \"c1\"", reply.ID)
			}
			var res callResult
			if err := json.Unmarshal(reply.Result, &res); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if res.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v", res.IsError, tt.wantError)
			}
			if len(res.Content) != 1 || !strings.Contains(res.Content[0].Text, tt.wantText) {
				t.Errorf("content = %+v, want text containing %q", res.Content, tt.wantText)
			}
		})
	}
}

func TestServer_OptimizeArguments(t *testing.T) {
	t.Parallel()
	ops := &fakeOps{}
	s := newTestServer(ops)

	post(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"optimize_sql","arguments":{"sql":"select 1","dbType":"oracle","workspaceId":"ws-9","validateFlag":true}}}`)
	want := service.OptimizeRequest{SQL: "select 1", DBType: "oracle", WorkspaceID: "ws-9", Validate: true}
	if ops.lastReq != want {
		t.Errorf("request = %+v, want %+v", ops.lastReq, want)
	}
}
