package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/defterlab/kestrel/internal/domain"
)

func exprRule(code, expression string) *domain.RiskRule {
	return &domain.RiskRule{
		Code:        code,
		Description: "test expression rule",
		Severity:    domain.SeverityMedium,
		Weight:      30,
		Category:    domain.CategoryOperational,
		Kind:        domain.RuleKindExpression,
		Expression:  expression,
		Active:      true,
	}
}

func TestRegister(t *testing.T) {
	t.Run("BuiltinRule", func(t *testing.T) {
		reg, err := New()
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		rule := &domain.RiskRule{
			Code:     domain.RuleAmountOutlier,
			Severity: domain.SeverityHigh,
			Weight:   70,
			Category: domain.CategoryFinancial,
			Kind:     domain.RuleKindBuiltin,
			Active:   true,
		}
		if err := reg.Register(rule); err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		got, err := reg.GetRule(domain.RuleAmountOutlier)
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.Weight != 70 {
			t.Errorf("expected weight 70, got %.0f", got.Weight)
		}
	})

	t.Run("ExpressionRule", func(t *testing.T) {
		reg, _ := New()

		if err := reg.Register(exprRule("EXPR-BIG", "amount > 10000.0")); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if reg.RulesCount() != 1 {
			t.Errorf("expected 1 rule, got %d", reg.RulesCount())
		}
	})

	t.Run("RejectsBadExpression", func(t *testing.T) {
		reg, _ := New()

		if err := reg.Register(exprRule("EXPR-BROKEN", "amount >")); err == nil {
			t.Error("expected compile error for malformed expression")
		}
	})

	t.Run("RejectsNonBoolExpression", func(t *testing.T) {
		reg, _ := New()

		if err := reg.Register(exprRule("EXPR-NONBOOL", "amount + 1.0")); err == nil {
			t.Error("expected error for non-bool expression")
		}
	})

	t.Run("RejectsUnknownVariable", func(t *testing.T) {
		reg, _ := New()

		if err := reg.Register(exprRule("EXPR-UNDECLARED", "not_a_variable > 1.0")); err == nil {
			t.Error("expected error for undeclared variable")
		}
	})

	t.Run("RejectsInvalidMetadata", func(t *testing.T) {
		reg, _ := New()

		cases := map[string]*domain.RiskRule{
			"MissingCode":     {Severity: domain.SeverityLow, Kind: domain.RuleKindBuiltin},
			"NegativeWeight":  {Code: "X", Severity: domain.SeverityLow, Weight: -1, Kind: domain.RuleKindBuiltin},
			"InvalidSeverity": {Code: "X", Severity: "extreme", Kind: domain.RuleKindBuiltin},
			"UnknownKind":     {Code: "X", Severity: domain.SeverityLow, Kind: "magic"},
		}
		for name, rule := range cases {
			if err := reg.Register(rule); err == nil {
				t.Errorf("%s: expected validation error", name)
			}
		}
	})

	t.Run("ReplacesExistingCode", func(t *testing.T) {
		reg, _ := New()

		rule := exprRule("EXPR-W", "amount > 100.0")
		rule.Weight = 10
		reg.Register(rule)

		updated := exprRule("EXPR-W", "amount > 100.0")
		updated.Weight = 55
		reg.Register(updated)

		got, _ := reg.GetRule("EXPR-W")
		if got.Weight != 55 {
			t.Errorf("expected updated weight 55, got %.0f", got.Weight)
		}
		if reg.RulesCount() != 1 {
			t.Errorf("expected 1 rule after replace, got %d", reg.RulesCount())
		}
	})
}

func TestLoadAndReload(t *testing.T) {
	t.Run("LoadSkipsInactive", func(t *testing.T) {
		reg, _ := New()

		inactive := exprRule("EXPR-OFF", "amount > 1.0")
		inactive.Active = false

		if err := reg.Load([]*domain.RiskRule{exprRule("EXPR-ON", "amount > 1.0"), inactive}); err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if reg.RulesCount() != 1 {
			t.Errorf("expected 1 active rule, got %d", reg.RulesCount())
		}
		var unknownErr *domain.UnknownRuleError
		if _, err := reg.GetRule("EXPR-OFF"); !errors.As(err, &unknownErr) {
			t.Errorf("expected UnknownRuleError for inactive rule, got %v", err)
		}
	})

	t.Run("LoadDefaults", func(t *testing.T) {
		reg, _ := New()

		if err := reg.Load(DefaultRules()); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if reg.RulesCount() != 8 {
			t.Errorf("expected 8 builtin rules, got %d", reg.RulesCount())
		}
	})

	t.Run("ReloadReplacesSet", func(t *testing.T) {
		reg, _ := New()
		reg.Load(DefaultRules())

		if err := reg.Reload([]*domain.RiskRule{exprRule("EXPR-ONLY", "amount > 1.0")}); err != nil {
			t.Fatalf("Reload failed: %v", err)
		}

		if reg.RulesCount() != 1 {
			t.Errorf("expected 1 rule after reload, got %d", reg.RulesCount())
		}
		if _, err := reg.GetRule(domain.RuleAmountOutlier); err == nil {
			t.Error("expected builtin rules to be gone after reload")
		}
	})

	t.Run("FailedReloadKeepsCurrentSet", func(t *testing.T) {
		reg, _ := New()
		reg.Load(DefaultRules())

		err := reg.Reload([]*domain.RiskRule{exprRule("EXPR-BAD", "amount >")})
		if err == nil {
			t.Fatal("expected reload to fail on bad expression")
		}

		if reg.RulesCount() != 8 {
			t.Errorf("expected original 8 rules to survive failed reload, got %d", reg.RulesCount())
		}
	})
}

func TestListActiveRules(t *testing.T) {
	reg, _ := New()
	reg.Load(DefaultRules())

	t.Run("AllCategories", func(t *testing.T) {
		rules := reg.ListActiveRules("")
		if len(rules) != 8 {
			t.Fatalf("expected 8 rules, got %d", len(rules))
		}
		for i := 1; i < len(rules); i++ {
			if rules[i-1].Code >= rules[i].Code {
				t.Errorf("expected code-ascending order, got %s before %s", rules[i-1].Code, rules[i].Code)
			}
		}
	})

	t.Run("FilterByCategory", func(t *testing.T) {
		rules := reg.ListActiveRules(domain.CategoryFraud)
		if len(rules) == 0 {
			t.Fatal("expected fraud-category rules")
		}
		for _, rule := range rules {
			if rule.Category != domain.CategoryFraud {
				t.Errorf("rule %s has category %s", rule.Code, rule.Category)
			}
		}
	})
}

func TestEvaluateExpressions(t *testing.T) {
	ctx := context.Background()

	baseDoc := &domain.Document{
		ID:        "doc-001",
		CompanyID: "comp-001",
		Type:      "invoice",
		Counterparty: domain.Party{
			ID:        "cp-001",
			TaxNumber: "1234567890",
		},
		Amount:    15000,
		Currency:  "TRY",
		IssueDate: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC), // Saturday
		Reference: "FTR-0042",
	}

	t.Run("TriggersOnMatch", func(t *testing.T) {
		reg, _ := New()
		reg.Register(exprRule("EXPR-BIG", "amount > 10000.0"))

		results := reg.EvaluateExpressions(ctx, Snapshot(baseDoc, domain.StatsBaseline{}))
		if len(results) != 1 {
			t.Fatalf("expected 1 result, got %d", len(results))
		}
		if !results[0].Triggered {
			t.Error("expected amount > 10000 to trigger at 15000")
		}
	})

	t.Run("PassesOnNoMatch", func(t *testing.T) {
		reg, _ := New()
		reg.Register(exprRule("EXPR-HUGE", "amount > 100000.0"))

		results := reg.EvaluateExpressions(ctx, Snapshot(baseDoc, domain.StatsBaseline{}))
		if results[0].Triggered {
			t.Error("expected amount > 100000 not to trigger at 15000")
		}
	})

	t.Run("WeekdayVariable", func(t *testing.T) {
		reg, _ := New()
		reg.Register(exprRule("EXPR-WEEKEND", "weekday == 0 || weekday == 6"))

		results := reg.EvaluateExpressions(ctx, Snapshot(baseDoc, domain.StatsBaseline{}))
		if !results[0].Triggered {
			t.Error("expected Saturday issue date to trigger the weekend rule")
		}
	})

	t.Run("BaselineVariables", func(t *testing.T) {
		reg, _ := New()
		reg.Register(exprRule("EXPR-SPIKE", "history_count >= 10 && amount > history_mean * 3.0"))

		baseline := domain.StatsBaseline{Count: 12, Mean: 1000, StdDev: 50}
		results := reg.EvaluateExpressions(ctx, Snapshot(baseDoc, baseline))
		if !results[0].Triggered {
			t.Error("expected 15000 against mean 1000 to trigger the spike rule")
		}
	})

	t.Run("ResultsOrderedByCode", func(t *testing.T) {
		reg, _ := New()
		reg.Register(exprRule("EXPR-Z", "amount > 0.0"))
		reg.Register(exprRule("EXPR-A", "amount > 0.0"))

		results := reg.EvaluateExpressions(ctx, Snapshot(baseDoc, domain.StatsBaseline{}))
		if results[0].RuleCode != "EXPR-A" || results[1].RuleCode != "EXPR-Z" {
			t.Errorf("expected code-ascending order, got %s then %s",
				results[0].RuleCode, results[1].RuleCode)
		}
	})

	t.Run("BuiltinRulesNotEvaluated", func(t *testing.T) {
		reg, _ := New()
		reg.Load(DefaultRules())

		results := reg.EvaluateExpressions(ctx, Snapshot(baseDoc, domain.StatsBaseline{}))
		if len(results) != 0 {
			t.Errorf("expected no expression results from builtin-only set, got %d", len(results))
		}
	})
}
