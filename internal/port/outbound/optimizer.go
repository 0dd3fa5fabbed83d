// Package outbound defines the outbound port interfaces for the upstream
// SQL-optimization API.
package outbound

import (
	"context"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

// OptimizerAPI is the upstream SQL-optimization API. Every call acts on
// behalf of exactly one user and carries that user's API key.
type OptimizerAPI interface {
	// ValidateUserKey reports whether the user's key is still accepted.
	ValidateUserKey(ctx context.Context, u *auth.User) (bool, error)

	// CreateWorkspace creates an offline workspace from DDL and returns its id.
	CreateWorkspace(ctx context.Context, u *auth.User, req WorkspaceRequest) (string, error)

	// CreateAnalysis submits a workload and returns the analysis id.
	CreateAnalysis(ctx context.Context, u *auth.User, req AnalysisRequest) (string, error)

	// GetAnalysisSummary returns the per-statement summary of an analysis.
	GetAnalysisSummary(ctx context.Context, u *auth.User, analysisID string) (*AnalysisSummary, error)

	// GetStatementDetails returns the report for one analysed statement.
	GetStatementDetails(ctx context.Context, u *auth.User, analysisStmtID string) (*StatementDetails, error)

	// ListWorkspaces returns one page of the user's workspaces.
	ListWorkspaces(ctx context.Context, u *auth.User, pageNumber, pageSize int) (*WorkspacePage, error)
}

// WorkspaceRequest describes an offline workspace built from DDL.
type WorkspaceRequest struct {
	DBType  string
	DDLText string
}

// AnalysisRequest submits SQL for optimization. WorkspaceID is optional.
type AnalysisRequest struct {
	Workload     string
	DBType       string
	WorkspaceID  string
	ValidateFlag bool
}

// AnalysisSummary lists the statements of one analysis.
type AnalysisSummary struct {
	AnalysisID string
	Statements []StatementSummary
}

// StatementSummary identifies one analysed statement.
type StatementSummary struct {
	AnalysisStmtID string
	SQL            string
}

// StatementDetails is the optimization report of one statement.
type StatementDetails struct {
	AnalysisStmtID string
	DetailMarkdown string
}

// Workspace is one upstream workspace.
type Workspace struct {
	ID     string
	Name   string
	DBType string
	// DBHost is set for workspaces backed by a live database connection.
	DBHost string
	Status string
}

// CanValidate reports whether optimizations can be validated against a
// real database in this workspace.
func (w Workspace) CanValidate() bool {
	return w.DBHost != ""
}

// WorkspacePage is one page of workspaces.
type WorkspacePage struct {
	Total   int
	Records []Workspace
}
