// Package permission decides which operations a user may perform.
package permission

import (
	"context"
	"time"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

// Permission is a resource:action capability.
type Permission struct {
	Resource string
	Action   string
}

func (p Permission) String() string { return p.Resource + ":" + p.Action }

// Capabilities checked by the broker.
var (
	WorkspaceRead   = Permission{"workspace", "read"}
	WorkspaceWrite  = Permission{"workspace", "write"}
	WorkspaceDelete = Permission{"workspace", "delete"}
	SQLRead         = Permission{"sql", "read"}
	SQLWrite        = Permission{"sql", "write"}
	SQLOptimize     = Permission{"sql", "optimize"}
	AdminRead       = Permission{"admin", "read"}
	AdminManage     = Permission{"admin", "manage_users"}
	StreamConnect   = Permission{"stream", "connect"}
)

// Grants lists what each role may do before rules are applied.
var Grants = map[auth.Role][]Permission{
	auth.RoleAdmin: {
		WorkspaceRead, WorkspaceWrite, WorkspaceDelete,
		SQLRead, SQLWrite, SQLOptimize,
		AdminRead, AdminManage,
		StreamConnect,
	},
	auth.RoleUser: {
		WorkspaceRead, WorkspaceWrite,
		SQLRead, SQLWrite, SQLOptimize,
		StreamConnect,
	},
	auth.RoleReadOnly: {
		WorkspaceRead, SQLRead,
		StreamConnect,
	},
}

// RoleAllows reports whether role grants p.
func RoleAllows(role auth.Role, p Permission) bool {
	for _, g := range Grants[role] {
		if g == p {
			return true
		}
	}
	return false
}

// Effect of a matching rule.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule overrides the role grant when its condition matches. Rules are
// checked in order; the first match wins.
type Rule struct {
	Name      string
	Condition string
	Effect    Effect
}

// EvaluationContext is the input a rule condition sees.
type EvaluationContext struct {
	Email       string
	Edition     string
	Role        string
	BaseURL     string
	Resource    string
	Action      string
	RequestTime time.Time
}

// RuleEvaluator evaluates compiled rule conditions.
type RuleEvaluator interface {
	// Compile validates a condition and prepares it for evaluation.
	Compile(condition string) (CompiledRule, error)
}

// CompiledRule is a prepared condition.
type CompiledRule interface {
	Matches(ctx context.Context, in EvaluationContext) (bool, error)
}
