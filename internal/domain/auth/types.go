// Package auth contains the domain types for authenticated users and the
// error kinds shared by every layer that acts on their behalf.
package auth

import (
	"log/slog"
	"strings"
)

// Role represents a user role for authorization purposes.
type Role string

const (
	// RoleAdmin has full access to all operations.
	RoleAdmin Role = "admin"
	// RoleUser has standard access to workspace and optimize operations.
	RoleUser Role = "user"
	// RoleReadOnly can only read workspaces and analyses.
	RoleReadOnly Role = "read-only"
)

// IsValid returns true if the role is a known valid role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleReadOnly:
		return true
	default:
		return false
	}
}

// Editions understood by the upstream API.
const (
	EditionCloud      = "cloud"
	EditionEnterprise = "enterprise"
	EditionCommunity  = "community"
)

// DefaultCloudBaseURL is used when a cloud user does not supply a base URL.
const DefaultCloudBaseURL = "https://www.pawsql.com"

// Credentials are the raw login parameters exchanged for an upstream API key.
type Credentials struct {
	Email    string
	Password string
	Edition  string
	BaseURL  string
}

// Missing returns the name of the first empty field, or "" when all are set.
func (c Credentials) Missing() string {
	switch {
	case strings.TrimSpace(c.Email) == "":
		return "email"
	case c.Password == "":
		return "password"
	case strings.TrimSpace(c.Edition) == "":
		return "edition"
	case strings.TrimSpace(c.BaseURL) == "":
		return "base_url"
	}
	return ""
}

// User is the identity an execution context acts as. It carries the
// upstream credentials every business call must attach.
type User struct {
	// SessionID is the server-side session id, or TokenSessionID of the
	// API key for users decoded from a bearer token.
	SessionID   string
	Email       string
	Edition     string
	APIKey      string
	BaseURL     string
	FrontendURL string
	Role        Role
}

// Clone returns an independent copy. Nil-safe.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// LogValue keeps the API key out of log output.
func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.StringValue("<none>")
	}
	return slog.GroupValue(
		slog.String("email", u.Email),
		slog.String("edition", u.Edition),
		slog.String("session_id", u.SessionID),
		slog.String("key", Fingerprint(u.APIKey)),
	)
}
