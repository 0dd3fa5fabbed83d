// Package optapi is the HTTP adapter for the upstream SQL-optimization API.
package optapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/session"
	"github.com/sqlgate/sqlgate/internal/port/outbound"
)

const (
	apiPath = "/api/v1/"

	// DefaultTimeout bounds every upstream call.
	DefaultTimeout = 30 * time.Second

	// maxResponseBodySize caps what is read from upstream.
	maxResponseBodySize = 10 * 1024 * 1024

	tracerName = "github.com/sqlgate/sqlgate/internal/adapter/outbound/optapi"
)

// APIError is a well-formed upstream response with a failure code.
type APIError struct {
	Op      string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s: code %d: %s", e.Op, e.Code, e.Message)
}

// Unwrap classifies rejections of the caller's credentials separately
// from everything else.
func (e *APIError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return auth.ErrInvalidCredentials
	}
	return auth.ErrUpstreamUnavailable
}

// Client calls the upstream API. The base URL comes from the user on every
// call, so one Client serves every tenant.
type Client struct {
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithTracerProvider sets the tracer provider used for client spans.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates an upstream API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer(tracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetUserKey exchanges login credentials for the user's API key.
func (c *Client) GetUserKey(ctx context.Context, creds auth.Credentials) (*session.Grant, error) {
	body := map[string]string{
		"email":    creds.Email,
		"password": creds.Password,
		"edition":  creds.Edition,
	}
	var out userKeyResponse
	if err := c.call(ctx, creds.BaseURL, "getUserKey", body, &out); err != nil {
		return nil, err
	}
	if out.APIKey == "" {
		return nil, auth.ErrInvalidCredentials
	}
	return &session.Grant{APIKey: out.APIKey, FrontendURL: out.FrontendURL}, nil
}

// ValidateUserKey reports whether the user's key is still accepted.
func (c *Client) ValidateUserKey(ctx context.Context, u *auth.User) (bool, error) {
	var valid bool
	if err := c.call(ctx, u.BaseURL, "validateUserKey", keyed(u, nil), &valid); err != nil {
		return false, err
	}
	return valid, nil
}

// CreateWorkspace creates an offline workspace from DDL.
func (c *Client) CreateWorkspace(ctx context.Context, u *auth.User, req outbound.WorkspaceRequest) (string, error) {
	body := keyed(u, map[string]any{
		"mode":    "offline",
		"dbType":  req.DBType,
		"ddlText": req.DDLText,
	})
	var out workspaceCreated
	if err := c.call(ctx, u.BaseURL, "createWorkspace", body, &out); err != nil {
		return "", err
	}
	if out.WorkspaceID == "" {
		return "", &auth.UpstreamError{Op: "createWorkspace", Err: errors.New("empty workspace id")}
	}
	return string(out.WorkspaceID), nil
}

// CreateAnalysis submits SQL for optimization.
func (c *Client) CreateAnalysis(ctx context.Context, u *auth.User, req outbound.AnalysisRequest) (string, error) {
	body := keyed(u, map[string]any{
		"workload":  req.Workload,
		"queryMode": "plain_sql",
		"dbType":    req.DBType,
	})
	if req.WorkspaceID != "" {
		body["workspace"] = req.WorkspaceID
		body["validateFlag"] = fmt.Sprint(req.ValidateFlag)
	}
	var out analysisCreated
	if err := c.call(ctx, u.BaseURL, "createAnalysis", body, &out); err != nil {
		return "", err
	}
	if out.AnalysisID == "" {
		return "", &auth.UpstreamError{Op: "createAnalysis", Err: errors.New("empty analysis id")}
	}
	return string(out.AnalysisID), nil
}

// GetAnalysisSummary returns the per-statement summary of an analysis.
func (c *Client) GetAnalysisSummary(ctx context.Context, u *auth.User, analysisID string) (*outbound.AnalysisSummary, error) {
	var out summaryResponse
	if err := c.call(ctx, u.BaseURL, "getAnalysisSummary", keyed(u, map[string]any{"analysisId": analysisID}), &out); err != nil {
		return nil, err
	}
	summary := &outbound.AnalysisSummary{AnalysisID: analysisID}
	for _, s := range out.SummaryStatementInfo {
		summary.Statements = append(summary.Statements, outbound.StatementSummary{
			AnalysisStmtID: string(s.AnalysisStmtID),
			SQL:            s.StmtText,
		})
	}
	return summary, nil
}

// GetStatementDetails returns the report for one analysed statement.
func (c *Client) GetStatementDetails(ctx context.Context, u *auth.User, analysisStmtID string) (*outbound.StatementDetails, error) {
	var out detailsResponse
	if err := c.call(ctx, u.BaseURL, "getStatementDetails", keyed(u, map[string]any{"analysisStmtId": analysisStmtID}), &out); err != nil {
		return nil, err
	}
	return &outbound.StatementDetails{AnalysisStmtID: analysisStmtID, DetailMarkdown: out.DetailMarkdown}, nil
}

// ListWorkspaces returns one page of the user's workspaces.
func (c *Client) ListWorkspaces(ctx context.Context, u *auth.User, pageNumber, pageSize int) (*outbound.WorkspacePage, error) {
	body := keyed(u, map[string]any{
		"pageNumber": pageNumber,
		"pageSize":   pageSize,
	})
	var out workspacePage
	if err := c.call(ctx, u.BaseURL, "listWorkspaces", body, &out); err != nil {
		return nil, err
	}
	page := &outbound.WorkspacePage{Total: out.total()}
	for _, r := range out.Records {
		w := outbound.Workspace{
			ID:     string(r.WorkspaceID),
			Name:   r.WorkspaceName,
			DBType: r.DBType,
			Status: string(r.Status),
		}
		if r.DBHost != nil {
			w.DBHost = *r.DBHost
		}
		page.Records = append(page.Records, w)
	}
	return page, nil
}

// keyed attaches the user's key to a request body.
func keyed(u *auth.User, body map[string]any) map[string]any {
	if body == nil {
		body = make(map[string]any, 1)
	}
	body["userKey"] = u.APIKey
	return body
}

// call POSTs body to endpoint and decodes the envelope's data into out.
// Transport failures, 5xx responses and malformed bodies become
// auth.UpstreamError; nothing is retried.
func (c *Client) call(ctx context.Context, baseURL, endpoint string, body, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "optapi."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("optapi.endpoint", endpoint)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, auth.Code(err))
		}
		span.End()
	}()

	if baseURL == "" {
		return &auth.FieldError{Field: "base_url"}
	}
	url := strings.TrimRight(baseURL, "/") + apiPath + endpoint

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &auth.UpstreamError{Op: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("upstream call failed", "endpoint", endpoint, "error", err)
		return &auth.UpstreamError{Op: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return &auth.UpstreamError{Op: endpoint, Err: err}
	}
	c.logger.Debug("upstream call", "endpoint", endpoint, "status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &APIError{Op: endpoint, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &auth.UpstreamError{Op: endpoint, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &auth.UpstreamError{Op: endpoint, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if !env.ok() {
		return &APIError{Op: endpoint, Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &auth.UpstreamError{Op: endpoint, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

// Compile-time interface verification.
var (
	_ outbound.OptimizerAPI   = (*Client)(nil)
	_ session.IdentityChecker = (*Client)(nil)
)
