// Package cel provides the CEL-based permission rule evaluator.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/sqlgate/sqlgate/internal/domain/permission"
)

// maxExpressionLength is the maximum allowed length for CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single evaluation.
const evalTimeout = time.Second

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates permission rule conditions.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates a new CEL evaluator with the permission environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewPermissionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create permission environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile validates a condition and returns a ready-to-evaluate rule.
func (e *Evaluator) Compile(expression string) (permission.CompiledRule, error) {
	if err := e.ValidateExpression(expression); err != nil {
		return nil, err
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	return &compiledRule{prg: prg}, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting rejects expressions nested deeper than maxNestingDepth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that an expression is well formed and within
// the length and nesting limits.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if expr == "" {
		return errors.New("expression is empty")
	}
	return validateNesting(expr)
}

type compiledRule struct {
	prg cel.Program
}

// Matches evaluates the rule with a bounded timeout.
func (r *compiledRule) Matches(ctx context.Context, in permission.EvaluationContext) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := r.prg.ContextEval(ctx, buildActivation(in))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return matched, nil
}

var _ permission.RuleEvaluator = (*Evaluator)(nil)
