package registry

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/opensource-credit/kestrel/internal/domain"
)

// RuleValidator compiles fraud-rule CEL expressions against the scoring
// request environment. Versions carrying an expression that does not compile
// are rejected at creation time, before they can ever serve traffic.
type RuleValidator struct {
	env *cel.Env
}

// NewRuleValidator creates a validator with the scoring request variables.
func NewRuleValidator() (*RuleValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("features", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("partner_id", cel.StringType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("velocity_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &RuleValidator{env: env}, nil
}

// Validate compiles every non-empty rule expression. Rules without an
// expression are threshold-only and always valid.
func (v *RuleValidator) Validate(rules []domain.FraudRule) error {
	for _, rule := range rules {
		if rule.Expression == "" {
			continue
		}

		ast, issues := v.env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("failed to compile fraud rule %s: %w", rule.ID, issues.Err())
		}

		outputType := ast.OutputType()
		if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
			return fmt.Errorf("fraud rule %s: expression must return bool, int, or double, got %s", rule.ID, outputType)
		}

		if _, err := v.env.Program(ast); err != nil {
			return fmt.Errorf("failed to create program for fraud rule %s: %w", rule.ID, err)
		}
	}
	return nil
}
