// Package http is the inbound HTTP adapter of SQLGate.
//
// # Endpoints
//
//	POST   /auth               - Log in with email, password, edition and optional api_base_url
//	DELETE /auth               - Log out the calling session
//	GET    /stream             - Open the SSE push channel for the caller's session
//	POST   /optimize           - Optimize one SQL statement synchronously
//	POST   /optimize/async     - Queue an optimization; the result arrives as an optimize_result event
//	GET    /workspaces         - List workspaces as a markdown table
//	GET    /workspaces/lookup  - Find a workspace by name or id
//	GET    /audit/recent       - Most recent audit records (admin:read)
//	       /mcp                - Model Context Protocol endpoint (when configured)
//	GET    /health, /metrics   - Health and Prometheus metrics
//
// # Credentials
//
// Every authenticated route accepts, in priority order:
//
//	sessionId query / X-Session-ID header
//	apiKey query / X-API-Key header
//	Authorization: Bearer <session id or JWT>
//
// GET /stream additionally accepts X-Auth-Email, X-Auth-Password,
// X-Auth-Edition and X-Auth-ApiBaseUrl, which log the caller in when both
// email and password are present.
//
// POST /auth is throttled per client address when a login limiter is
// configured. Excess attempts get 429 with Retry-After.
//
// # Middleware Chain
//
//  1. RequestIDMiddleware - Extract or generate the request ID and enrich the logger
//  2. RealIPMiddleware - Resolve the client address from proxy headers
//  3. DNSRebindingProtection - Validate the Origin header
//  4. MetricsMiddleware - Per-route duration and status
//  5. AuthMiddleware - Bind the caller for the request (authenticated routes)
//
// Errors are returned as {"error": {"code": "...", "message": "..."}}.
package http
