package registry

import "github.com/defterlab/kestrel/internal/domain"

// DefaultRules returns the builtin rule catalog seeded on first start.
// Weights sum well past 100 on purpose; the aggregator clamps and damps.
func DefaultRules() []*domain.RiskRule {
	return []*domain.RiskRule{
		{
			Code:        domain.RuleAmountOutlier,
			Description: "Amount deviates strongly from the subject's historical distribution",
			Severity:    domain.SeverityHigh,
			Weight:      70,
			Category:    domain.CategoryFinancial,
			Kind:        domain.RuleKindBuiltin,
			Active:      true,
		},
		{
			Code:        domain.RuleDateAnomaly,
			Description: "Issue or due date outside plausible bounds",
			Severity:    domain.SeverityMedium,
			Weight:      20,
			Category:    domain.CategoryCompliance,
			Kind:        domain.RuleKindBuiltin,
			Active:      true,
		},
		{
			Code:        domain.RuleDuplicateDoc,
			Description: "Document matches an existing record within the lookback window",
			Severity:    domain.SeverityHigh,
			Weight:      40,
			Category:    domain.CategoryOperational,
			Kind:        domain.RuleKindBuiltin,
			Active:      true,
		},
		{
			Code:        domain.RuleBenford,
			Description: "Leading-digit distribution deviates from Benford's law",
			Severity:    domain.SeverityMedium,
			Weight:      30,
			Category:    domain.CategoryFraud,
			Kind:        domain.RuleKindBuiltin,
			Active:      true,
		},
		{
			Code:        domain.RuleCircularFlow,
			Description: "Material circular transaction chain between counterparties",
			Severity:    domain.SeverityCritical,
			Weight:      90,
			Category:    domain.CategoryFraud,
			Kind:        domain.RuleKindBuiltin,
			Active:      true,
		},
		{
			Code:        domain.RuleRelatedParty,
			Description: "Cluster of related counterparties transacting disproportionately",
			Severity:    domain.SeverityHigh,
			Weight:      50,
			Category:    domain.CategoryFraud,
			Kind:        domain.RuleKindBuiltin,
			Active:      true,
		},
		{
			Code:        domain.RuleSequenceGap,
			Description: "Invoice number sequence has gaps or out-of-order jumps",
			Severity:    domain.SeverityMedium,
			Weight:      25,
			Category:    domain.CategoryCompliance,
			Kind:        domain.RuleKindBuiltin,
			Active:      true,
		},
		{
			Code:        domain.RuleRoundAmounts,
			Description: "Unusually high proportion of round-number amounts",
			Severity:    domain.SeverityMedium,
			Weight:      20,
			Category:    domain.CategoryFraud,
			Kind:        domain.RuleKindBuiltin,
			Active:      true,
		},
	}
}
