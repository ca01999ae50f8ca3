package pattern

import (
	"fmt"
	"testing"
	"time"

	"github.com/defterlab/kestrel/internal/domain"
)

func newTestDetector() *Detector {
	return New(domain.DefaultConfig().Detector)
}

func flowDoc(id, debtor, creditor string, amount float64) *domain.Document {
	return &domain.Document{
		ID:         id,
		TenantID:   "tenant-001",
		CompanyID:  "comp-001",
		Type:       "invoice",
		DebtorID:   debtor,
		CreditorID: creditor,
		Counterparty: domain.Party{
			ID: creditor,
		},
		Amount:    amount,
		Currency:  "TRY",
		IssueDate: time.Now().UTC(),
	}
}

func findResult(t *testing.T, results []domain.TriggerResult, code string) domain.TriggerResult {
	t.Helper()
	for _, r := range results {
		if r.RuleCode == code {
			return r
		}
	}
	t.Fatalf("no result for rule %s", code)
	return domain.TriggerResult{}
}

func TestCircularFlows(t *testing.T) {
	det := newTestDetector()

	t.Run("MaterialTriangle", func(t *testing.T) {
		docs := []*domain.Document{
			flowDoc("d1", "A", "B", 50000),
			flowDoc("d2", "B", "C", 40000),
			flowDoc("d3", "C", "A", 45000),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleCircularFlow)
		if !r.Triggered {
			t.Fatal("expected material cycle to trigger")
		}
	})

	t.Run("BottleneckBelowThreshold", func(t *testing.T) {
		// Two legs are material but the weakest leg carries only 500,
		// so the cycle as a whole is immaterial.
		docs := []*domain.Document{
			flowDoc("d1", "A", "B", 50000),
			flowDoc("d2", "B", "C", 40000),
			flowDoc("d3", "C", "A", 500),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleCircularFlow)
		if r.Triggered {
			t.Errorf("expected bottleneck below threshold to pass: %s", r.Explanation)
		}
	})

	t.Run("TwoNodeCycle", func(t *testing.T) {
		docs := []*domain.Document{
			flowDoc("d1", "A", "B", 20000),
			flowDoc("d2", "B", "A", 15000),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleCircularFlow)
		if !r.Triggered {
			t.Error("expected mutual invoicing above threshold to trigger")
		}
	})

	t.Run("EdgeAmountsSum", func(t *testing.T) {
		// Each individual document is below the threshold but the summed
		// edges cross it.
		docs := []*domain.Document{
			flowDoc("d1", "A", "B", 6000),
			flowDoc("d2", "A", "B", 6000),
			flowDoc("d3", "B", "A", 6000),
			flowDoc("d4", "B", "A", 6000),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleCircularFlow)
		if !r.Triggered {
			t.Error("expected summed edge amounts to cross the threshold")
		}
	})

	t.Run("NoCycle", func(t *testing.T) {
		docs := []*domain.Document{
			flowDoc("d1", "A", "B", 50000),
			flowDoc("d2", "B", "C", 50000),
			flowDoc("d3", "A", "C", 50000),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleCircularFlow)
		if r.Triggered {
			t.Errorf("expected acyclic flow to pass: %s", r.Explanation)
		}
	})

	t.Run("SelfEdgeIgnored", func(t *testing.T) {
		docs := []*domain.Document{
			flowDoc("d1", "A", "A", 99999),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleCircularFlow)
		if r.Triggered {
			t.Error("expected self-edge to be ignored")
		}
	})
}

func TestRelatedParties(t *testing.T) {
	det := newTestDetector()

	t.Run("SharedTaxPrefixCluster", func(t *testing.T) {
		// Three counterparties sharing a tax-number prefix carry all of
		// the volume.
		docs := make([]*domain.Document, 0, 6)
		for i := 0; i < 3; i++ {
			for j := 0; j < 2; j++ {
				d := flowDoc(fmt.Sprintf("d%d-%d", i, j), "comp-001", fmt.Sprintf("cp-%d", i), 10000)
				d.Counterparty = domain.Party{
					ID:        fmt.Sprintf("cp-%d", i),
					Name:      fmt.Sprintf("Firma %d", i),
					TaxNumber: fmt.Sprintf("12345%04d", i),
				}
				docs = append(docs, d)
			}
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleRelatedParty)
		if !r.Triggered {
			t.Fatal("expected shared tax-prefix cluster to trigger")
		}
	})

	t.Run("SmallClusterIgnored", func(t *testing.T) {
		// Only two related counterparties: below the minimum cluster size.
		docs := make([]*domain.Document, 0, 4)
		for i := 0; i < 2; i++ {
			d := flowDoc(fmt.Sprintf("d%d", i), "comp-001", fmt.Sprintf("cp-%d", i), 10000)
			d.Counterparty = domain.Party{
				ID:        fmt.Sprintf("cp-%d", i),
				TaxNumber: fmt.Sprintf("12345%04d", i),
			}
			docs = append(docs, d)
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleRelatedParty)
		if r.Triggered {
			t.Errorf("expected two-party cluster to pass: %s", r.Explanation)
		}
	})

	t.Run("MinorityShareIgnored", func(t *testing.T) {
		// Cluster exists but carries well under half the volume.
		docs := []*domain.Document{}
		for i := 0; i < 3; i++ {
			d := flowDoc(fmt.Sprintf("rel-%d", i), "comp-001", fmt.Sprintf("cp-rel-%d", i), 1000)
			d.Counterparty = domain.Party{
				ID:        fmt.Sprintf("cp-rel-%d", i),
				TaxNumber: fmt.Sprintf("98765%04d", i),
			}
			docs = append(docs, d)
		}
		unrelated := flowDoc("big", "comp-001", "cp-big", 100000)
		unrelated.Counterparty = domain.Party{ID: "cp-big", TaxNumber: "55555000001"}
		docs = append(docs, unrelated)

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleRelatedParty)
		if r.Triggered {
			t.Errorf("expected minority cluster to pass: %s", r.Explanation)
		}
	})

	t.Run("SharedAddressCluster", func(t *testing.T) {
		docs := []*domain.Document{}
		for i := 0; i < 3; i++ {
			d := flowDoc(fmt.Sprintf("addr-%d", i), "comp-001", fmt.Sprintf("cp-addr-%d", i), 5000)
			d.Counterparty = domain.Party{
				ID:      fmt.Sprintf("cp-addr-%d", i),
				Address: "  Ataturk Cad. No:17   Kadikoy\tIstanbul ",
			}
			docs = append(docs, d)
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleRelatedParty)
		if !r.Triggered {
			t.Error("expected shared address (whitespace-normalized) to cluster")
		}
	})
}

func TestSequenceAnomaly(t *testing.T) {
	det := newTestDetector()
	base := time.Now().UTC().AddDate(0, 0, -30)

	seqDoc := func(id string, day int, ref string) *domain.Document {
		d := flowDoc(id, "comp-001", "cp-seq", 1000)
		d.IssueDate = base.AddDate(0, 0, day)
		d.Reference = ref
		return d
	}

	t.Run("ContiguousSequencePasses", func(t *testing.T) {
		docs := []*domain.Document{
			seqDoc("s1", 0, "FTR-1001"),
			seqDoc("s2", 1, "FTR-1002"),
			seqDoc("s3", 2, "FTR-1003"),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleSequenceGap)
		if r.Triggered {
			t.Errorf("expected contiguous sequence to pass: %s", r.Explanation)
		}
	})

	t.Run("SmallGapTolerated", func(t *testing.T) {
		// Gap of 3 equals the tolerance, so it passes.
		docs := []*domain.Document{
			seqDoc("s1", 0, "FTR-1001"),
			seqDoc("s2", 1, "FTR-1005"),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleSequenceGap)
		if r.Triggered {
			t.Errorf("expected gap within tolerance to pass: %s", r.Explanation)
		}
	})

	t.Run("LargeGapTriggers", func(t *testing.T) {
		docs := []*domain.Document{
			seqDoc("s1", 0, "FTR-1001"),
			seqDoc("s2", 1, "FTR-1050"),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleSequenceGap)
		if !r.Triggered {
			t.Error("expected large gap to trigger")
		}
	})

	t.Run("OutOfOrderTriggers", func(t *testing.T) {
		// Later issue date carries an earlier invoice number.
		docs := []*domain.Document{
			seqDoc("s1", 0, "FTR-1010"),
			seqDoc("s2", 5, "FTR-1002"),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleSequenceGap)
		if !r.Triggered {
			t.Error("expected out-of-order numbering to trigger")
		}
	})

	t.Run("NonNumericReferencesIgnored", func(t *testing.T) {
		docs := []*domain.Document{
			seqDoc("s1", 0, "DRAFT"),
			seqDoc("s2", 1, "PROFORMA"),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleSequenceGap)
		if r.Triggered {
			t.Errorf("expected non-numeric references to be skipped: %s", r.Explanation)
		}
	})
}

func TestRoundingPattern(t *testing.T) {
	det := newTestDetector()

	t.Run("ExcessiveRoundAmounts", func(t *testing.T) {
		// 10 of 20 documents are multiples of 100: 50% versus a 15%
		// baseline.
		docs := make([]*domain.Document, 0, 20)
		for i := 0; i < 10; i++ {
			docs = append(docs, flowDoc(fmt.Sprintf("r-%d", i), "comp-001", "cp-1", float64(100*(i+1))))
		}
		for i := 0; i < 10; i++ {
			docs = append(docs, flowDoc(fmt.Sprintf("n-%d", i), "comp-001", "cp-1", 137.45+float64(i)))
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleRoundAmounts)
		if !r.Triggered {
			t.Fatal("expected excessive round amounts to trigger")
		}
	})

	t.Run("NormalProportionPasses", func(t *testing.T) {
		docs := make([]*domain.Document, 0, 20)
		for i := 0; i < 2; i++ {
			docs = append(docs, flowDoc(fmt.Sprintf("r-%d", i), "comp-001", "cp-1", float64(100*(i+1))))
		}
		for i := 0; i < 18; i++ {
			docs = append(docs, flowDoc(fmt.Sprintf("n-%d", i), "comp-001", "cp-1", 137.45+float64(i)))
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleRoundAmounts)
		if r.Triggered {
			t.Errorf("expected normal round proportion to pass: %s", r.Explanation)
		}
	})

	t.Run("SmallSampleSkipped", func(t *testing.T) {
		docs := []*domain.Document{
			flowDoc("r-1", "comp-001", "cp-1", 100),
			flowDoc("r-2", "comp-001", "cp-1", 200),
		}

		r := findResult(t, det.Evaluate("comp-001", docs), domain.RuleRoundAmounts)
		if r.Triggered {
			t.Error("expected small sample to be ignored")
		}
	})
}

func TestGraph(t *testing.T) {
	t.Run("FindCyclesAnchorsOnce", func(t *testing.T) {
		docs := []*domain.Document{
			flowDoc("d1", "A", "B", 100),
			flowDoc("d2", "B", "A", 100),
		}
		g := buildGraph(docs)

		cycles := g.findCycles(5)
		if len(cycles) != 1 {
			t.Fatalf("expected 1 cycle, got %d: %v", len(cycles), cycles)
		}
		if cycles[0][0] != "A" {
			t.Errorf("expected cycle anchored at smallest node A, got %v", cycles[0])
		}
	})

	t.Run("MaxLengthHonored", func(t *testing.T) {
		// A 4-node ring cannot be found with maxLen 3.
		docs := []*domain.Document{
			flowDoc("d1", "A", "B", 100),
			flowDoc("d2", "B", "C", 100),
			flowDoc("d3", "C", "D", 100),
			flowDoc("d4", "D", "A", 100),
		}
		g := buildGraph(docs)

		if cycles := g.findCycles(3); len(cycles) != 0 {
			t.Errorf("expected no cycles within maxLen 3, got %v", cycles)
		}
		if cycles := g.findCycles(4); len(cycles) != 1 {
			t.Errorf("expected the 4-ring with maxLen 4, got %v", cycles)
		}
	})

	t.Run("BottleneckFlow", func(t *testing.T) {
		docs := []*domain.Document{
			flowDoc("d1", "A", "B", 300),
			flowDoc("d2", "B", "C", 100),
			flowDoc("d3", "C", "A", 200),
		}
		g := buildGraph(docs)

		if flow := g.bottleneckFlow([]string{"A", "B", "C"}); flow != 100 {
			t.Errorf("expected bottleneck 100, got %.2f", flow)
		}
	})
}
