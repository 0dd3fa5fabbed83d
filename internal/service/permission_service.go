package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlgate/sqlgate/internal/domain/audit"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/permission"
)

// PermissionConfig assigns roles by email and adds rule overrides.
type PermissionConfig struct {
	Admins   []string
	ReadOnly []string
	Rules    []permission.Rule
}

type compiledRule struct {
	name   string
	effect permission.Effect
	rule   permission.CompiledRule
}

// PermissionService decides whether a user may perform an operation.
// Rules are checked first, in order; without a match the role grant applies.
type PermissionService struct {
	admins   map[string]struct{}
	readOnly map[string]struct{}
	rules    []compiledRule
	audit    *AuditService
	logger   *slog.Logger
	now      func() time.Time
}

// NewPermissionService compiles cfg.Rules with evaluator. evaluator may be
// nil when no rules are configured.
func NewPermissionService(cfg PermissionConfig, evaluator permission.RuleEvaluator, auditSvc *AuditService, logger *slog.Logger) (*PermissionService, error) {
	s := &PermissionService{
		admins:   emailSet(cfg.Admins),
		readOnly: emailSet(cfg.ReadOnly),
		audit:    auditSvc,
		logger:   logger,
		now:      time.Now,
	}

	for i, r := range cfg.Rules {
		if evaluator == nil {
			return nil, fmt.Errorf("permission rule %q: no evaluator configured", r.Name)
		}
		if r.Effect != permission.EffectAllow && r.Effect != permission.EffectDeny {
			return nil, fmt.Errorf("permission rule %q: unknown effect %q", r.Name, r.Effect)
		}
		compiled, err := evaluator.Compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("permission rule %d (%s): %w", i, r.Name, err)
		}
		s.rules = append(s.rules, compiledRule{name: r.Name, effect: r.Effect, rule: compiled})
	}
	return s, nil
}

// RoleFor returns the user's explicit role, or the one configured for its email.
func (s *PermissionService) RoleFor(u *auth.User) auth.Role {
	if u.Role.IsValid() {
		return u.Role
	}
	email := strings.ToLower(u.Email)
	if _, ok := s.admins[email]; ok {
		return auth.RoleAdmin
	}
	if _, ok := s.readOnly[email]; ok {
		return auth.RoleReadOnly
	}
	return auth.RoleUser
}

// Check returns nil if u may perform p, ErrPermissionDenied otherwise.
func (s *PermissionService) Check(ctx context.Context, u *auth.User, p permission.Permission) error {
	if u == nil {
		return auth.ErrUnauthenticated
	}

	allowed, by := s.decide(ctx, u, p)
	if allowed {
		return nil
	}

	s.logger.Warn("permission denied", "user", u, "permission", p.String(), "by", by)
	s.audit.RecordUser(ctx, audit.CategoryPermission, audit.EventPermissionDenied, audit.OutcomeFailure, u,
		by, map[string]string{"permission": p.String()})
	return fmt.Errorf("%w: %s", auth.ErrPermissionDenied, p)
}

func (s *PermissionService) decide(ctx context.Context, u *auth.User, p permission.Permission) (bool, string) {
	role := s.RoleFor(u)
	if len(s.rules) > 0 {
		in := permission.EvaluationContext{
			Email:       u.Email,
			Edition:     u.Edition,
			Role:        string(role),
			BaseURL:     u.BaseURL,
			Resource:    p.Resource,
			Action:      p.Action,
			RequestTime: s.now().UTC(),
		}
		for _, r := range s.rules {
			matched, err := r.rule.Matches(ctx, in)
			if err != nil {
				// A broken rule never grants access.
				s.logger.Error("permission rule evaluation failed", "rule", r.name, "error", err)
				return false, "rule:" + r.name
			}
			if matched {
				return r.effect == permission.EffectAllow, "rule:" + r.name
			}
		}
	}
	return permission.RoleAllows(role, p), "role:" + string(role)
}

func emailSet(emails []string) map[string]struct{} {
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		set[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	return set
}
