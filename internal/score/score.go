// Package score implements the aggregation of triggered rules into a
// single risk score and severity bucket.
package score

import (
	"sort"

	"github.com/defterlab/kestrel/internal/domain"
)

// Severity bucket boundaries. A score on a boundary belongs to the
// higher bucket.
const (
	mediumFloor   = 40.0
	highFloor     = 70.0
	criticalFloor = 90.0

	maxScore = 100.0
)

// Aggregator combines triggered rules into one score. It is a pure
// function of its input: no hidden state, so re-computation is
// deterministic and unit-testable.
type Aggregator struct {
	// DampingThreshold is the number of triggers whose weights apply in
	// full; subsequent weights apply at DampingFactor. Damps runaway
	// scores from many redundant low-weight rules.
	DampingThreshold int
	DampingFactor    float64
}

// NewAggregator returns an aggregator with the default damping.
func NewAggregator(cfg domain.ScoringConfig) *Aggregator {
	threshold := cfg.DampingThreshold
	if threshold <= 0 {
		threshold = 5
	}
	factor := cfg.DampingFactor
	if factor <= 0 || factor > 1 {
		factor = 0.5
	}
	return &Aggregator{DampingThreshold: threshold, DampingFactor: factor}
}

// Result is the outcome of one aggregation.
type Result struct {
	Score    float64
	Severity domain.Severity

	// Rules is the input with contributions filled, ordered by raw
	// weight descending then code ascending — the order weights were
	// applied in, so damping is deterministic.
	Rules []domain.TriggeredRule

	// CriticalOverride is set when a fraud-category critical rule
	// forced the bucket regardless of the numeric score.
	CriticalOverride bool
}

// Aggregate computes the clamped weighted score and severity bucket for
// a set of triggered rules. Unknown rule codes stay in the output for
// audit but contribute no weight and consume no damping slot.
func (a *Aggregator) Aggregate(triggered []domain.TriggeredRule) Result {
	rules := make([]domain.TriggeredRule, len(triggered))
	copy(rules, triggered)

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Weight != rules[j].Weight {
			return rules[i].Weight > rules[j].Weight
		}
		return rules[i].Code < rules[j].Code
	})

	var total float64
	applied := 0
	override := false

	for i := range rules {
		if rules[i].Unknown {
			rules[i].Contribution = 0
			continue
		}

		contribution := rules[i].Weight
		if applied >= a.DampingThreshold {
			contribution *= a.DampingFactor
		}
		rules[i].Contribution = contribution
		total += contribution
		applied++

		if rules[i].Category == domain.CategoryFraud && rules[i].Severity == domain.SeverityCritical {
			override = true
		}
	}

	score := clamp(total)
	severity := bucket(score)
	if override {
		severity = domain.SeverityCritical
	}

	return Result{
		Score:            score,
		Severity:         severity,
		Rules:            rules,
		CriticalOverride: override,
	}
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

// bucket maps a numeric score to its severity bucket.
func bucket(score float64) domain.Severity {
	switch {
	case score >= criticalFloor:
		return domain.SeverityCritical
	case score >= highFloor:
		return domain.SeverityHigh
	case score >= mediumFloor:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
