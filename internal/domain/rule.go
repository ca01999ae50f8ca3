package domain

import "time"

// Severity classifies rules, scores and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank returns the ordering of a severity for floor comparisons.
// Unknown severities rank below low.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// RuleCategory groups rules by concern.
type RuleCategory string

const (
	CategoryFraud       RuleCategory = "fraud"
	CategoryCompliance  RuleCategory = "compliance"
	CategoryFinancial   RuleCategory = "financial"
	CategoryOperational RuleCategory = "operational"
)

// RuleKind distinguishes detector-backed rules from tenant-defined
// CEL expression rules.
type RuleKind string

const (
	RuleKindBuiltin    RuleKind = "builtin"
	RuleKindExpression RuleKind = "expression"
)

// Builtin rule codes. Each maps to one detector check. Rules are
// immutable once referenced by historical scores: changed behavior
// requires a new code.
const (
	RuleAmountOutlier = "ANOM-AMOUNT-OUTLIER"
	RuleDateAnomaly   = "ANOM-DATE"
	RuleDuplicateDoc  = "ANOM-DUPLICATE"
	RuleBenford       = "ANOM-BENFORD"
	RuleCircularFlow  = "FRAUD-CIRCULAR"
	RuleRelatedParty  = "FRAUD-RELATED-PARTY"
	RuleSequenceGap   = "FRAUD-SEQUENCE"
	RuleRoundAmounts  = "FRAUD-ROUNDING"
)

// RiskRule is a named, versioned risk check configuration.
type RiskRule struct {
	Code        string       `json:"code"`
	TenantID    string       `json:"tenantId"`
	Description string       `json:"description"`
	Severity    Severity     `json:"severity"`
	Weight      float64      `json:"weight"`
	Category    RuleCategory `json:"category"`
	Kind        RuleKind     `json:"kind"`

	// Expression is the CEL predicate over a subject snapshot.
	// Empty for builtin rules.
	Expression string `json:"expression,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// TriggerResult is the output of a single detector check or expression
// rule evaluation. Checks never mutate their input.
type TriggerResult struct {
	RuleCode    string `json:"ruleCode"`
	Triggered   bool   `json:"triggered"`
	Explanation string `json:"explanation,omitempty"`

	// Skipped marks checks that could not run (e.g., not enough
	// history). A skipped check is neither a pass nor a trigger.
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`
}
