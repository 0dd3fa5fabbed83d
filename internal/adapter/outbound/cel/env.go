package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/sqlgate/sqlgate/internal/domain/permission"
)

// NewPermissionEnvironment creates the CEL environment permission rules
// are compiled in. Variables:
//   - email, edition, role, base_url: the user
//   - resource, action: the capability being checked
//   - request_time: evaluation time
//
// Functions: glob(pattern, s) and email_domain(email).
func NewPermissionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("email", cel.StringType),
		cel.Variable("edition", cel.StringType),
		cel.Variable("role", cel.StringType),
		cel.Variable("base_url", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, s ref.Val) ref.Val {
					matched, _ := filepath.Match(pattern.Value().(string), s.Value().(string))
					return types.Bool(matched)
				}),
			),
		),

		cel.Function("email_domain",
			cel.Overload("email_domain_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(func(email ref.Val) ref.Val {
					s := email.Value().(string)
					if i := strings.LastIndexByte(s, '@'); i >= 0 {
						return types.String(strings.ToLower(s[i+1:]))
					}
					return types.String("")
				}),
			),
		),
	)
}

// buildActivation maps the evaluation context onto CEL variables.
func buildActivation(in permission.EvaluationContext) map[string]any {
	return map[string]any{
		"email":        in.Email,
		"edition":      in.Edition,
		"role":         in.Role,
		"base_url":     in.BaseURL,
		"resource":     in.Resource,
		"action":       in.Action,
		"request_time": in.RequestTime,
	}
}
