// Package registry provides the risk rule catalog and the CEL-based
// expression rule engine.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/defterlab/kestrel/internal/domain"
)

// Registry is the source of truth for rule metadata, keyed by code.
// It is read-mostly: scoring runs read it concurrently, configuration
// changes reload it. A reload takes effect only for runs performed
// after it; there is no retroactive rescoring.
type Registry struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules map[string]*compiledRule
}

// compiledRule pairs a rule with its pre-compiled CEL program.
// program is nil for builtin rules, which are evaluated by detectors.
type compiledRule struct {
	rule    domain.RiskRule
	program cel.Program
}

// New creates an empty registry with the CEL environment used by
// expression rules. Snapshot variables cover the document and its
// history baseline.
func New() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("doc_type", cel.StringType),
		cel.Variable("counterparty_id", cel.StringType),
		cel.Variable("counterparty_tax_no", cel.StringType),
		cel.Variable("due_in_days", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("history_count", cel.IntType),
		cel.Variable("history_mean", cel.DoubleType),
		cel.Variable("history_stddev", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Registry{
		env:   env,
		rules: make(map[string]*compiledRule),
	}, nil
}

// Register validates, compiles and loads a single rule. Expression
// rules must compile and return bool; anything else is rejected here,
// at registration time, not at evaluation time.
func (r *Registry) Register(rule *domain.RiskRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(rule)
}

func (r *Registry) register(rule *domain.RiskRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if rule.Code == "" {
		return fmt.Errorf("rule code is required")
	}
	if rule.Weight < 0 {
		return fmt.Errorf("rule %s: weight must be non-negative", rule.Code)
	}
	if domain.SeverityRank(rule.Severity) == 0 {
		return fmt.Errorf("rule %s: invalid severity %q", rule.Code, rule.Severity)
	}

	compiled := &compiledRule{rule: *rule}

	switch rule.Kind {
	case domain.RuleKindBuiltin:
		// Detector-backed; nothing to compile.
	case domain.RuleKindExpression:
		program, err := r.compile(rule)
		if err != nil {
			return err
		}
		compiled.program = program
	default:
		return fmt.Errorf("rule %s: unknown kind %q", rule.Code, rule.Kind)
	}

	r.rules[rule.Code] = compiled
	return nil
}

func (r *Registry) compile(rule *domain.RiskRule) (cel.Program, error) {
	ast, issues := r.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.Code, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.Code, ast.OutputType())
	}
	program, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.Code, err)
	}
	return program, nil
}

// Load registers multiple rules, skipping inactive ones.
func (r *Registry) Load(rules []*domain.RiskRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if err := r.register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Reload replaces the full rule set atomically (hot reload from the
// repository). A failed reload leaves the current set untouched.
func (r *Registry) Reload(rules []*domain.RiskRule) error {
	staged, err := New()
	if err != nil {
		return err
	}
	if err := staged.Load(rules); err != nil {
		return err
	}

	r.mu.Lock()
	r.rules = staged.rules
	r.mu.Unlock()
	return nil
}

// GetRule returns the rule for a code, or UnknownRuleError. Callers
// treat the error as non-fatal: the code is excluded from the numeric
// score, not the whole run.
func (r *Registry) GetRule(code string) (domain.RiskRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	compiled, ok := r.rules[code]
	if !ok {
		return domain.RiskRule{}, &domain.UnknownRuleError{Code: code}
	}
	return compiled.rule, nil
}

// ListActiveRules returns active rules ordered by code ascending so
// scoring runs are reproducible. An empty category matches all.
func (r *Registry) ListActiveRules(category domain.RuleCategory) []domain.RiskRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.RiskRule, 0, len(r.rules))
	for _, compiled := range r.rules {
		if category != "" && compiled.rule.Category != category {
			continue
		}
		out = append(out, compiled.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// RulesCount returns the number of loaded rules.
func (r *Registry) RulesCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Snapshot builds the CEL activation for a document and its baseline.
func Snapshot(doc *domain.Document, baseline domain.StatsBaseline) map[string]any {
	dueInDays := int64(0)
	if !doc.DueDate.IsZero() {
		dueInDays = int64(doc.DueDate.Sub(doc.IssueDate) / (24 * time.Hour))
	}
	return map[string]any{
		"doc": map[string]any{
			"id":         doc.ID,
			"company_id": doc.CompanyID,
			"reference":  doc.Reference,
		},
		"amount":              doc.Amount,
		"currency":            doc.Currency,
		"doc_type":            doc.Type,
		"counterparty_id":     doc.Counterparty.ID,
		"counterparty_tax_no": doc.Counterparty.TaxNumber,
		"due_in_days":         dueInDays,
		"weekday":             int64(doc.IssueDate.Weekday()),
		"history_count":       int64(baseline.Count),
		"history_mean":        baseline.Mean,
		"history_stddev":      baseline.StdDev,
	}
}

// EvaluateExpressions runs every active expression rule against a
// snapshot. A failing rule is isolated: it evaluates as not triggered
// and carries the error text in its explanation for the warn log.
func (r *Registry) EvaluateExpressions(ctx context.Context, activation map[string]any) []domain.TriggerResult {
	r.mu.RLock()
	programs := make([]*compiledRule, 0, len(r.rules))
	for _, compiled := range r.rules {
		if compiled.rule.Kind == domain.RuleKindExpression {
			programs = append(programs, compiled)
		}
	}
	r.mu.RUnlock()

	sort.Slice(programs, func(i, j int) bool { return programs[i].rule.Code < programs[j].rule.Code })

	results := make([]domain.TriggerResult, 0, len(programs))
	for _, compiled := range programs {
		result := domain.TriggerResult{RuleCode: compiled.rule.Code}

		out, _, err := compiled.program.ContextEval(ctx, activation)
		if err != nil {
			result.Skipped = true
			result.SkipReason = fmt.Sprintf("evaluation error: %v", err)
			results = append(results, result)
			continue
		}

		if truth, ok := out.(types.Bool); ok && bool(truth) {
			result.Triggered = true
			result.Explanation = compiled.rule.Description
		}
		results = append(results, result)
	}
	return results
}
