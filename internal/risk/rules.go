package risk

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"pocketSettle/internal/model"
)

// RuleConfig is a configurable boolean CEL expression that adds Score when true.
// Expressions see: action, platform, user, origin (strings), amount (double)
// and flags (list of strings).
type RuleConfig struct {
	Name     string         `mapstructure:"name"`
	Expr     string         `mapstructure:"expr"`
	Score    int            `mapstructure:"score"`
	Severity model.Severity `mapstructure:"severity"`
}

type compiledRule struct {
	cfg RuleConfig
	prg cel.Program
}

// RuleSet evaluates compiled CEL rules against a claim request.
type RuleSet struct {
	rules []compiledRule
}

// NewRuleSet compiles every rule up front so a bad expression fails at startup.
func NewRuleSet(rules []RuleConfig) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("platform", cel.StringType),
		cel.Variable("user", cel.StringType),
		cel.Variable("origin", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	set := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", rule.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q must evaluate to bool", rule.Name)
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("program rule %q: %w", rule.Name, err)
		}
		if rule.Severity == "" {
			rule.Severity = model.SeverityMedium
		}
		set.rules = append(set.rules, compiledRule{cfg: rule, prg: prg})
	}
	return set, nil
}

// Match returns a signal for every rule that evaluates to true.
func (s *RuleSet) Match(req Request) ([]model.RiskSignal, error) {
	if s == nil || len(s.rules) == 0 {
		return nil, nil
	}
	amount, _ := req.Amount.Float64()
	flags := req.Flags
	if flags == nil {
		flags = []string{}
	}
	input := map[string]any{
		"action":   req.Action,
		"platform": req.Identity.Platform,
		"user":     req.Identity.PlatformUserID,
		"origin":   req.Origin,
		"amount":   amount,
		"flags":    flags,
	}

	var signals []model.RiskSignal
	for _, rule := range s.rules {
		out, _, err := rule.prg.Eval(input)
		if err != nil {
			return nil, fmt.Errorf("eval rule %q: %w", rule.cfg.Name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("rule %q returned %T", rule.cfg.Name, out.Value())
		}
		if matched {
			signals = append(signals, model.RiskSignal{
				Name:     "rule:" + rule.cfg.Name,
				Severity: rule.cfg.Severity,
				Score:    rule.cfg.Score,
			})
		}
	}
	return signals, nil
}
