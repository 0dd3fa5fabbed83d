package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sqlgate/sqlgate/internal/service"
)

// tool is one callable operation.
type tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	run         func(ctx context.Context, args json.RawMessage) (string, error)
}

var optimizeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "sql": {"type": "string", "description": "SQL statement to optimize"},
    "dbType": {"type": "string", "enum": ["mysql", "postgres", "opengauss", "oracle", "kingbase", "gaussdbx", "dws"]},
    "ddlText": {"type": "string", "description": "DDL used to build an offline workspace"},
    "useWorkspace": {"type": "boolean"},
    "workspaceId": {"type": "string"},
    "validateFlag": {"type": "boolean", "description": "Validate rewrites against the workspace database"}
  },
  "required": ["sql", "dbType"]
}`)

var emptySchema = json.RawMessage(`{"type": "object", "properties": {}}`)

var workspaceInfoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "workspaceName": {"type": "string"},
    "workspaceId": {"type": "string"}
  }
}`)

func (s *Server) toolset() []tool {
	return []tool{
		{
			Name:        "optimize_sql",
			Description: "Analyse a SQL statement and return an optimization report in markdown",
			InputSchema: optimizeSchema,
			run: func(ctx context.Context, args json.RawMessage) (string, error) {
				var req service.OptimizeRequest
				if err := json.Unmarshal(args, &req); err != nil {
					return "", err
				}
				report, err := s.ops.OptimizeSQL(ctx, req)
				if err != nil {
					return "", err
				}
				return report.Markdown(), nil
			},
		},
		{
			Name:        "list_workspaces",
			Description: "List the caller's workspaces as a markdown table",
			InputSchema: emptySchema,
			run: func(ctx context.Context, _ json.RawMessage) (string, error) {
				table, err := s.ops.ListWorkspaces(ctx)
				if err != nil {
					return "", err
				}
				if table == "" {
					return "No workspaces available", nil
				}
				return table, nil
			},
		},
		{
			Name:        "get_workspace_info",
			Description: "Look up one workspace by name or id",
			InputSchema: workspaceInfoSchema,
			run: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in struct {
					Name string `json:"workspaceName"`
					ID   string `json:"workspaceId"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", err
				}
				info, err := s.ops.GetWorkspaceInfo(ctx, in.Name, in.ID)
				if err != nil {
					return "", err
				}
				return formatWorkspace(info), nil
			},
		},
	}
}

func formatWorkspace(info *service.WorkspaceInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workspace ID: %s\n", info.WorkspaceID)
	fmt.Fprintf(&b, "Workspace Name: %s\n", info.WorkspaceName)
	fmt.Fprintf(&b, "Database Type: %s\n", info.DBType)
	fmt.Fprintf(&b, "Status: %s\n", info.Status)
	fmt.Fprintf(&b, "Can Validate: %t\n", info.CanValidate)
	return b.String()
}
