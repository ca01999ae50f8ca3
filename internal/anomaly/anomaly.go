// Package anomaly implements statistical checks over a single document
// and its subject's bounded history window.
package anomaly

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/defterlab/kestrel/internal/domain"
)

// Detector runs the per-document statistical checks. It holds only
// immutable configuration; every method is safe for concurrent use and
// never mutates its input.
type Detector struct {
	cfg domain.DetectorConfig

	// now is injectable for tests.
	now func() time.Time
}

// New creates a detector with the given thresholds.
func New(cfg domain.DetectorConfig) *Detector {
	return &Detector{cfg: cfg, now: time.Now}
}

type check struct {
	code string
	run  func(doc *domain.Document, history []*domain.Document) (domain.TriggerResult, error)
}

// Evaluate runs all checks for a document against its history. Each
// check is isolated: a panicking or failing check logs a warning and
// counts as not triggered, never aborting the run. Insufficient
// history marks the check skipped rather than failed.
func (d *Detector) Evaluate(doc *domain.Document, history []*domain.Document) []domain.TriggerResult {
	checks := []check{
		{domain.RuleAmountOutlier, d.amountOutlier},
		{domain.RuleDateAnomaly, d.dateAnomaly},
		{domain.RuleDuplicateDoc, d.duplicate},
		{domain.RuleBenford, d.benford},
	}

	results := make([]domain.TriggerResult, 0, len(checks))
	for _, c := range checks {
		results = append(results, runIsolated(c, doc, history))
	}
	return results
}

func runIsolated(c check, doc *domain.Document, history []*domain.Document) (result domain.TriggerResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("anomaly check panicked",
				"rule_code", c.code,
				"document_id", doc.ID,
				"panic", r,
			)
			result = domain.TriggerResult{RuleCode: c.code}
		}
	}()

	result, err := c.run(doc, history)
	result.RuleCode = c.code

	if err != nil {
		var insufficient *domain.InsufficientHistoryError
		if errors.As(err, &insufficient) {
			result.Skipped = true
			result.SkipReason = insufficient.Error()
			return result
		}
		slog.Warn("anomaly check failed",
			"rule_code", c.code,
			"document_id", doc.ID,
			"error", err,
		)
		result = domain.TriggerResult{RuleCode: c.code}
	}
	return result
}

// EvaluateCompany runs the checks that apply to a company's amount set
// as a whole; used by the periodic company batch alongside the pattern
// detector.
func (d *Detector) EvaluateCompany(docs []*domain.Document) []domain.TriggerResult {
	amounts := make([]float64, 0, len(docs))
	for _, doc := range docs {
		amounts = append(amounts, doc.Amount)
	}

	result := domain.TriggerResult{RuleCode: domain.RuleBenford}
	r, err := d.benfordAmounts(amounts)
	if err != nil {
		var insufficient *domain.InsufficientHistoryError
		if errors.As(err, &insufficient) {
			result.Skipped = true
			result.SkipReason = insufficient.Error()
		}
		return []domain.TriggerResult{result}
	}
	r.RuleCode = domain.RuleBenford
	return []domain.TriggerResult{r}
}

// Baseline computes the amount mean and standard deviation over a
// history slice.
func Baseline(history []*domain.Document) domain.StatsBaseline {
	n := len(history)
	if n == 0 {
		return domain.StatsBaseline{ComputedAt: time.Now().UTC()}
	}

	var sum float64
	for _, h := range history {
		sum += h.Amount
	}
	mean := sum / float64(n)

	var sq float64
	for _, h := range history {
		diff := h.Amount - mean
		sq += diff * diff
	}

	return domain.StatsBaseline{
		Count:      n,
		Mean:       mean,
		StdDev:     math.Sqrt(sq / float64(n)),
		ComputedAt: time.Now().UTC(),
	}
}

// amountOutlier flags amounts more than OutlierSigma standard
// deviations from the subject's historical mean.
func (d *Detector) amountOutlier(doc *domain.Document, history []*domain.Document) (domain.TriggerResult, error) {
	if len(history) < d.cfg.OutlierMinHistory {
		return domain.TriggerResult{}, &domain.InsufficientHistoryError{
			Check: "amount outlier", Have: len(history), Need: d.cfg.OutlierMinHistory,
		}
	}

	baseline := Baseline(history)
	if baseline.StdDev == 0 {
		// Constant history: any different amount is an outlier.
		if doc.Amount != baseline.Mean {
			return domain.TriggerResult{
				Triggered:   true,
				Explanation: fmt.Sprintf("amount %.2f differs from constant historical amount %.2f", doc.Amount, baseline.Mean),
			}, nil
		}
		return domain.TriggerResult{}, nil
	}

	deviation := math.Abs(doc.Amount-baseline.Mean) / baseline.StdDev
	if deviation > d.cfg.OutlierSigma {
		return domain.TriggerResult{
			Triggered: true,
			Explanation: fmt.Sprintf("amount %.2f is %.1f standard deviations from historical mean %.2f (threshold %.1f)",
				doc.Amount, deviation, baseline.Mean, d.cfg.OutlierSigma),
		}, nil
	}
	return domain.TriggerResult{}, nil
}

// dateAnomaly flags future-dated documents beyond the grace window and
// due dates before issue dates.
func (d *Detector) dateAnomaly(doc *domain.Document, _ []*domain.Document) (domain.TriggerResult, error) {
	grace := time.Duration(d.cfg.FutureDateGraceDays) * 24 * time.Hour

	if doc.IssueDate.After(d.now().Add(grace)) {
		return domain.TriggerResult{
			Triggered: true,
			Explanation: fmt.Sprintf("issue date %s is more than %d days in the future",
				doc.IssueDate.Format("2006-01-02"), d.cfg.FutureDateGraceDays),
		}, nil
	}

	if !doc.DueDate.IsZero() && doc.DueDate.Before(doc.IssueDate) {
		return domain.TriggerResult{
			Triggered: true,
			Explanation: fmt.Sprintf("due date %s precedes issue date %s",
				doc.DueDate.Format("2006-01-02"), doc.IssueDate.Format("2006-01-02")),
		}, nil
	}

	return domain.TriggerResult{}, nil
}

// duplicate flags a document whose (counterparty, amount, date,
// reference) tuple matches a prior record in the lookback window.
// Amounts match exactly or within the configured fuzzy tolerance.
func (d *Detector) duplicate(doc *domain.Document, history []*domain.Document) (domain.TriggerResult, error) {
	lookback := doc.IssueDate.AddDate(0, 0, -d.cfg.DuplicateLookbackDays)

	for _, h := range history {
		if h.ID == doc.ID {
			continue
		}
		if h.IssueDate.Before(lookback) {
			continue
		}
		if h.Counterparty.ID != doc.Counterparty.ID {
			continue
		}
		if h.Reference != doc.Reference {
			continue
		}
		if !sameDay(h.IssueDate, doc.IssueDate) {
			continue
		}
		if !amountsMatch(h.Amount, doc.Amount, d.cfg.DuplicateAmountTolerance) {
			continue
		}

		return domain.TriggerResult{
			Triggered: true,
			Explanation: fmt.Sprintf("matches document %s (counterparty %s, amount %.2f, reference %q, date %s)",
				h.ID, h.Counterparty.ID, h.Amount, h.Reference, h.IssueDate.Format("2006-01-02")),
		}, nil
	}
	return domain.TriggerResult{}, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func amountsMatch(a, b, tolerance float64) bool {
	if a == b {
		return true
	}
	larger := math.Max(math.Abs(a), math.Abs(b))
	if larger == 0 {
		return true
	}
	return math.Abs(a-b)/larger <= tolerance
}
