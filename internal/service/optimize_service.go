package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sqlgate/sqlgate/internal/concurrency"
	"github.com/sqlgate/sqlgate/internal/domain/audit"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/authctx"
	"github.com/sqlgate/sqlgate/internal/domain/permission"
	"github.com/sqlgate/sqlgate/internal/domain/stream"
	"github.com/sqlgate/sqlgate/internal/port/outbound"
)

// EventOptimizeResult carries the outcome of an async optimization.
const EventOptimizeResult = "optimize_result"

const (
	listPageSize   = 10
	lookupPageSize = 100
)

var (
	// ErrWorkspaceNotFound is returned by GetWorkspaceInfo when nothing matches.
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrNoStream is returned by OptimizeAsync when the caller has no open
	// stream to receive the result.
	ErrNoStream = errors.New("no open stream for session")
)

// SupportedDBTypes lists the database types the upstream analyser accepts.
var SupportedDBTypes = []string{"mysql", "postgres", "opengauss", "oracle", "kingbase", "gaussdbx", "dws"}

// OptimizeRequest asks for one SQL statement to be analysed.
type OptimizeRequest struct {
	SQL    string `json:"sql"`
	DBType string `json:"dbType"`
	// DDLText creates an offline workspace when UseWorkspace is set and no
	// WorkspaceID is given.
	DDLText      string `json:"ddlText,omitempty"`
	UseWorkspace bool   `json:"useWorkspace,omitempty"`
	WorkspaceID  string `json:"workspaceId,omitempty"`
	Validate     bool   `json:"validateFlag,omitempty"`
}

// Report is the markdown optimization report split into its parts.
type Report struct {
	AnalysisID     string `json:"analysisId"`
	AnalysisStmtID string `json:"analysisStmtId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	ReportLink     string `json:"reportLink,omitempty"`
	Detail         string `json:"detail,omitempty"`
	Suggestions    string `json:"suggestions,omitempty"`
}

// Markdown joins the report parts.
func (r *Report) Markdown() string {
	if r.AnalysisStmtID == "" {
		return fmt.Sprintf("# SQL Optimization Analysis Report\n\nAnalysis %s produced no statement results.\n", r.AnalysisID)
	}
	return r.ReportLink + "\n" + r.Detail + "\n" + r.Suggestions
}

// WorkspaceInfo is the lookup result for one workspace.
type WorkspaceInfo struct {
	WorkspaceID   string `json:"workspaceId"`
	WorkspaceName string `json:"workspaceName"`
	DBType        string `json:"dbType"`
	CanValidate   bool   `json:"canValidate"`
	Status        string `json:"status"`
}

// OptimizeService runs the business operations against the upstream API
// as the current user.
type OptimizeService struct {
	api         outbound.OptimizerAPI
	resolver    *authctx.Resolver
	permissions *PermissionService
	executor    *concurrency.Executor
	streams     *stream.Registry
	audit       *AuditService
	logger      *slog.Logger
	now         func() time.Time
}

// NewOptimizeService creates an OptimizeService. executor and streams are
// only needed for OptimizeAsync.
func NewOptimizeService(
	api outbound.OptimizerAPI,
	resolver *authctx.Resolver,
	permissions *PermissionService,
	executor *concurrency.Executor,
	streams *stream.Registry,
	auditSvc *AuditService,
	logger *slog.Logger,
) *OptimizeService {
	return &OptimizeService{
		api:         api,
		resolver:    resolver,
		permissions: permissions,
		executor:    executor,
		streams:     streams,
		audit:       auditSvc,
		logger:      logger,
		now:         time.Now,
	}
}

// OptimizeSQL analyses req.SQL and returns the report for its first
// statement.
func (s *OptimizeService) OptimizeSQL(ctx context.Context, req OptimizeRequest) (*Report, error) {
	u, err := s.resolver.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateOptimize(req); err != nil {
		return nil, err
	}
	if err := s.permissions.Check(ctx, u, permission.SQLOptimize); err != nil {
		return nil, err
	}

	start := s.now()
	report, err := s.optimize(ctx, u, req)
	s.recordCall(ctx, u, audit.EventOptimize, start, err, map[string]string{"db_type": req.DBType})
	return report, err
}

func (s *OptimizeService) optimize(ctx context.Context, u *auth.User, req OptimizeRequest) (*Report, error) {
	workspaceID := strings.TrimSpace(req.WorkspaceID)
	if workspaceID == "" && req.UseWorkspace && strings.TrimSpace(req.DDLText) != "" {
		if err := s.permissions.Check(ctx, u, permission.WorkspaceWrite); err != nil {
			return nil, err
		}
		id, err := s.api.CreateWorkspace(ctx, u, outbound.WorkspaceRequest{DBType: req.DBType, DDLText: req.DDLText})
		if err != nil {
			return nil, err
		}
		s.logger.Info("workspace created", "user", u, "workspace_id", id)
		workspaceID = id
	}

	analysisID, err := s.api.CreateAnalysis(ctx, u, outbound.AnalysisRequest{
		Workload:     req.SQL,
		DBType:       req.DBType,
		WorkspaceID:  workspaceID,
		ValidateFlag: req.Validate,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("analysis created", "user", u, "analysis_id", analysisID)

	summary, err := s.api.GetAnalysisSummary(ctx, u, analysisID)
	if err != nil {
		return nil, err
	}
	report := &Report{AnalysisID: analysisID, WorkspaceID: workspaceID}
	if len(summary.Statements) == 0 {
		return report, nil
	}

	stmtID := summary.Statements[0].AnalysisStmtID
	details, err := s.api.GetStatementDetails(ctx, u, stmtID)
	if err != nil {
		return nil, err
	}

	report.AnalysisStmtID = stmtID
	report.ReportLink = reportLink(u.FrontendURL, stmtID)
	report.Detail = details.DetailMarkdown
	report.Suggestions = suggestions(u.FrontendURL, workspaceID != "")
	return report, nil
}

// OptimizeAsync queues OptimizeSQL for the current user and returns a task
// id at once. The result is pushed to the user's stream as an
// optimize_result event.
func (s *OptimizeService) OptimizeAsync(ctx context.Context, req OptimizeRequest) (string, error) {
	u, err := s.resolver.Require(ctx)
	if err != nil {
		return "", err
	}
	if err := validateOptimize(req); err != nil {
		return "", err
	}
	if err := s.permissions.Check(ctx, u, permission.SQLOptimize); err != nil {
		return "", err
	}
	if u.SessionID == "" || s.streams == nil || s.streams.Get(u.SessionID) == nil {
		return "", ErrNoStream
	}
	if s.executor == nil {
		return "", concurrency.ErrExecutorClosed
	}

	taskID := uuid.NewString()
	err = s.executor.SubmitSnapshot(authctx.SnapshotOf(u), func(taskCtx context.Context) {
		report, err := s.OptimizeSQL(taskCtx, req)
		payload := map[string]any{"taskId": taskID}
		if err != nil {
			payload["error"] = map[string]string{"code": auth.Code(err), "message": auth.SafeErrorMessage(err)}
		} else {
			payload["report"] = report
			payload["markdown"] = report.Markdown()
		}
		if !s.streams.Send(u.SessionID, EventOptimizeResult, payload) {
			s.logger.Warn("optimize result undeliverable", "task_id", taskID, "session_id", u.SessionID)
		}
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// ListWorkspaces returns the first page of the user's workspaces as a
// markdown table, or an empty string when there are none.
func (s *OptimizeService) ListWorkspaces(ctx context.Context) (string, error) {
	u, err := s.resolver.Require(ctx)
	if err != nil {
		return "", err
	}
	if err := s.permissions.Check(ctx, u, permission.WorkspaceRead); err != nil {
		return "", err
	}

	start := s.now()
	page, err := s.api.ListWorkspaces(ctx, u, 1, listPageSize)
	s.recordCall(ctx, u, audit.EventListWorkspaces, start, err, nil)
	if err != nil {
		return "", err
	}
	if len(page.Records) == 0 {
		return "", nil
	}
	return workspaceTable(page.Records), nil
}

// GetWorkspaceInfo finds a workspace by exact name or id.
func (s *OptimizeService) GetWorkspaceInfo(ctx context.Context, name, id string) (*WorkspaceInfo, error) {
	u, err := s.resolver.Require(ctx)
	if err != nil {
		return nil, err
	}
	name, id = strings.TrimSpace(name), strings.TrimSpace(id)
	if name == "" && id == "" {
		return nil, &auth.FieldError{Field: "name", Reason: "name or id is required"}
	}
	if err := s.permissions.Check(ctx, u, permission.WorkspaceRead); err != nil {
		return nil, err
	}

	start := s.now()
	page, err := s.api.ListWorkspaces(ctx, u, 1, lookupPageSize)
	s.recordCall(ctx, u, audit.EventWorkspaceInfo, start, err, map[string]string{"name": name, "id": id})
	if err != nil {
		return nil, err
	}
	for _, w := range page.Records {
		if (name != "" && w.Name == name) || (id != "" && w.ID == id) {
			return &WorkspaceInfo{
				WorkspaceID:   w.ID,
				WorkspaceName: w.Name,
				DBType:        w.DBType,
				CanValidate:   w.CanValidate(),
				Status:        w.Status,
			}, nil
		}
	}
	if name != "" {
		return nil, fmt.Errorf("%w: name %q", ErrWorkspaceNotFound, name)
	}
	return nil, fmt.Errorf("%w: id %q", ErrWorkspaceNotFound, id)
}

func (s *OptimizeService) recordCall(ctx context.Context, u *auth.User, event string, start time.Time, err error, detail map[string]string) {
	outcome, reason := audit.OutcomeSuccess, ""
	if err != nil {
		outcome, reason = audit.OutcomeFailure, auth.Code(err)
		s.logger.Warn("upstream call failed", "event", event, "user", u, "error", err)
	}
	if s.audit == nil {
		return
	}
	s.audit.Record(audit.AuditRecord{
		Category:       audit.CategoryAPICall,
		Event:          event,
		Outcome:        outcome,
		SessionID:      u.SessionID,
		Email:          u.Email,
		Edition:        u.Edition,
		KeyFingerprint: auth.Fingerprint(u.APIKey),
		RequestID:      requestID(ctx),
		LatencyMicros:  s.now().Sub(start).Microseconds(),
		Reason:         reason,
		Detail:         detail,
	})
}

func validateOptimize(req OptimizeRequest) error {
	if strings.TrimSpace(req.SQL) == "" {
		return &auth.FieldError{Field: "sql"}
	}
	if strings.TrimSpace(req.DBType) == "" {
		return &auth.FieldError{Field: "dbType"}
	}
	if !IsSupportedDBType(req.DBType) {
		return &auth.FieldError{Field: "dbType", Reason: "supported types are " + strings.Join(SupportedDBTypes, ", ")}
	}
	return nil
}

// IsSupportedDBType reports whether dbType is accepted by the analyser.
func IsSupportedDBType(dbType string) bool {
	for _, t := range SupportedDBTypes {
		if t == dbType {
			return true
		}
	}
	return false
}

func reportLink(frontendURL, stmtID string) string {
	url := strings.TrimRight(frontendURL, "/") + "/statement/" + stmtID
	return fmt.Sprintf("# SQL Optimization Analysis Report\n\n## Analysis Report\nView detailed analysis report: [Detailed Analysis Report](%s)\n", url)
}

func suggestions(frontendURL string, withWorkspace bool) string {
	workspaces := strings.TrimRight(frontendURL, "/") + "/app/workspaces"
	var b strings.Builder
	if withWorkspace {
		b.WriteString("\n## Further Improve Optimization Results\n")
		b.WriteString("You are already using a workspace. For more precise analysis:\n\n")
		b.WriteString("### Upgrade to a Validation Workspace\n")
		b.WriteString("Visit: " + workspaces + "\n")
		b.WriteString("With database connection information configured you get:\n")
		b.WriteString("- Suggestions based on the real data distribution\n")
		b.WriteString("- Complete index usage and execution plan analysis\n")
		return b.String()
	}
	b.WriteString("\n## Improve Analysis Accuracy\n")
	b.WriteString("For more accurate suggestions you can:\n\n")
	b.WriteString("### Provide Table Definitions\n")
	b.WriteString("Send the CREATE TABLE statements of the tables involved.\n\n")
	b.WriteString("### Use a Workspace\n")
	b.WriteString("Visit: " + workspaces + "\n")
	b.WriteString("- Create a validation workspace from a database connection (recommended)\n")
	b.WriteString("- Or create an offline workspace from DDL\n")
	return b.String()
}

func workspaceTable(records []outbound.Workspace) string {
	var b strings.Builder
	b.WriteString("\n## Workspace List\n")
	b.WriteString("| Workspace Name | Workspace ID | Database Type | Can Validate Optimization | Status |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, w := range records {
		canValidate := "No"
		if w.CanValidate() {
			canValidate = "Yes"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			w.Name, w.ID, orDash(w.DBType), canValidate, orDash(w.Status))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
