// Package pattern implements structural fraud checks over a bounded
// window of a tenant's document graph.
package pattern

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/defterlab/kestrel/internal/domain"
)

// Detector runs the company-level structural checks. All checks are
// read-only over the documents passed in; cost is linear in window
// size, never in total tenant history.
type Detector struct {
	cfg domain.DetectorConfig
}

// New creates a detector with the given thresholds.
func New(cfg domain.DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

type check struct {
	code string
	run  func(companyID string, docs []*domain.Document) domain.TriggerResult
}

// Evaluate runs all structural checks for a company over a document
// window. Checks are isolated the same way anomaly checks are: a
// panicking check logs a warning and counts as not triggered.
func (d *Detector) Evaluate(companyID string, docs []*domain.Document) []domain.TriggerResult {
	checks := []check{
		{domain.RuleCircularFlow, d.circularFlows},
		{domain.RuleRelatedParty, d.relatedParties},
		{domain.RuleSequenceGap, d.sequenceAnomaly},
		{domain.RuleRoundAmounts, d.roundingPattern},
	}

	results := make([]domain.TriggerResult, 0, len(checks))
	for _, c := range checks {
		results = append(results, runIsolated(c, companyID, docs))
	}
	return results
}

func runIsolated(c check, companyID string, docs []*domain.Document) (result domain.TriggerResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("pattern check panicked",
				"rule_code", c.code,
				"company_id", companyID,
				"panic", r,
			)
			result = domain.TriggerResult{RuleCode: c.code}
		}
	}()

	result = c.run(companyID, docs)
	result.RuleCode = c.code
	return result
}

// circularFlows flags counterparty cycles of length 2..CycleMaxLength
// whose flow exceeds the materiality threshold. Cycle flow is the
// bottleneck: the smallest edge total along the cycle, so a chain is
// material only when every leg is.
func (d *Detector) circularFlows(_ string, docs []*domain.Document) domain.TriggerResult {
	g := buildGraph(docs)
	cycles := g.findCycles(d.cfg.CycleMaxLength)

	for _, cycle := range cycles {
		flow := g.bottleneckFlow(cycle)
		if flow >= d.cfg.CycleMinFlow {
			return domain.TriggerResult{
				Triggered: true,
				Explanation: fmt.Sprintf("circular flow %s with bottleneck amount %.2f (threshold %.2f)",
					strings.Join(cycle, " -> "), flow, d.cfg.CycleMinFlow),
			}
		}
	}
	return domain.TriggerResult{}
}

// relatedParties flags clusters of counterparties sharing an
// identifying attribute (tax number prefix, address, contact) that
// together account for a disproportionate share of the company's
// transaction volume.
func (d *Detector) relatedParties(_ string, docs []*domain.Document) domain.TriggerResult {
	if len(docs) == 0 {
		return domain.TriggerResult{}
	}

	type partyStats struct {
		party  domain.Party
		volume float64
	}

	parties := make(map[string]*partyStats)
	var totalVolume float64
	for _, doc := range docs {
		totalVolume += doc.Amount
		if p, ok := parties[doc.Counterparty.ID]; ok {
			p.volume += doc.Amount
		} else {
			parties[doc.Counterparty.ID] = &partyStats{party: doc.Counterparty, volume: doc.Amount}
		}
	}
	if totalVolume == 0 {
		return domain.TriggerResult{}
	}

	// Group counterparties by each shared attribute independently.
	clusters := make(map[string][]*partyStats)
	for _, p := range parties {
		for _, key := range clusterKeys(p.party) {
			clusters[key] = append(clusters[key], p)
		}
	}

	for key, members := range clusters {
		if len(members) < d.cfg.RelatedMinCluster {
			continue
		}
		var clusterVolume float64
		ids := make([]string, 0, len(members))
		for _, m := range members {
			clusterVolume += m.volume
			ids = append(ids, m.party.ID)
		}
		share := clusterVolume / totalVolume
		if share >= d.cfg.RelatedShareThreshold {
			sort.Strings(ids)
			return domain.TriggerResult{
				Triggered: true,
				Explanation: fmt.Sprintf("%d counterparties sharing %s account for %.0f%% of volume: %s",
					len(members), key, share*100, strings.Join(ids, ", ")),
			}
		}
	}
	return domain.TriggerResult{}
}

// clusterKeys derives the identifying attribute keys for a party.
func clusterKeys(p domain.Party) []string {
	var keys []string
	if len(p.TaxNumber) >= 5 {
		keys = append(keys, "tax-prefix:"+p.TaxNumber[:5])
	}
	if addr := normalize(p.Address); addr != "" {
		keys = append(keys, "address:"+addr)
	}
	if email := normalize(p.Email); email != "" {
		keys = append(keys, "contact:"+email)
	}
	return keys
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

var trailingNumber = regexp.MustCompile(`(\d+)\s*$`)

// sequenceAnomaly flags gaps or out-of-order jumps in invoice-number
// sequences per counterparty, tolerating legitimate skips (voided
// invoices) up to the configured tolerance.
func (d *Detector) sequenceAnomaly(_ string, docs []*domain.Document) domain.TriggerResult {
	type numbered struct {
		doc *domain.Document
		seq int64
	}

	byParty := make(map[string][]numbered)
	for _, doc := range docs {
		m := trailingNumber.FindStringSubmatch(doc.Reference)
		if m == nil {
			continue
		}
		seq, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		byParty[doc.Counterparty.ID] = append(byParty[doc.Counterparty.ID], numbered{doc, seq})
	}

	for partyID, seq := range byParty {
		if len(seq) < 2 {
			continue
		}
		sort.Slice(seq, func(i, j int) bool {
			if seq[i].doc.IssueDate.Equal(seq[j].doc.IssueDate) {
				return seq[i].seq < seq[j].seq
			}
			return seq[i].doc.IssueDate.Before(seq[j].doc.IssueDate)
		})

		for i := 1; i < len(seq); i++ {
			prev, cur := seq[i-1].seq, seq[i].seq
			if cur < prev {
				return domain.TriggerResult{
					Triggered: true,
					Explanation: fmt.Sprintf("counterparty %s: invoice number %d issued after %d (out of order)",
						partyID, cur, prev),
				}
			}
			if gap := cur - prev - 1; gap > int64(d.cfg.SequenceSkipTolerance) {
				return domain.TriggerResult{
					Triggered: true,
					Explanation: fmt.Sprintf("counterparty %s: gap of %d between invoice numbers %d and %d (tolerance %d)",
						partyID, gap, prev, cur, d.cfg.SequenceSkipTolerance),
				}
			}
		}
	}
	return domain.TriggerResult{}
}

// roundingPattern flags a round-number amount proportion more than
// twice the expected baseline over the window.
func (d *Detector) roundingPattern(_ string, docs []*domain.Document) domain.TriggerResult {
	if len(docs) < d.cfg.RoundMinSamples {
		return domain.TriggerResult{}
	}

	round := 0
	for _, doc := range docs {
		if isRound(doc.Amount, d.cfg.RoundAmountMultiple) {
			round++
		}
	}

	proportion := float64(round) / float64(len(docs))
	if proportion > 2*d.cfg.RoundBaseline {
		return domain.TriggerResult{
			Triggered: true,
			Explanation: fmt.Sprintf("%.0f%% of %d amounts are multiples of %.0f (expected baseline %.0f%%)",
				proportion*100, len(docs), d.cfg.RoundAmountMultiple, d.cfg.RoundBaseline*100),
		}
	}
	return domain.TriggerResult{}
}

func isRound(amount, multiple float64) bool {
	if multiple <= 0 {
		return false
	}
	_, frac := math.Modf(math.Abs(amount) / multiple)
	return frac < 1e-9 || frac > 1-1e-9
}
