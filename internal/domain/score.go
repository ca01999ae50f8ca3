package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// RiskScore is a computed snapshot for one subject at a point in time.
// Re-running scoring produces a new snapshot rather than mutating the
// old one; snapshots are never deleted, only superseded.
type RiskScore struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenantId"`
	Subject  SubjectRef `json:"subject"`

	// Score is in [0, 100].
	Score    float64  `json:"score"`
	Severity Severity `json:"severity"`

	// TriggeredRules is ordered by contribution descending, code
	// ascending on ties.
	TriggeredRules []TriggeredRule `json:"triggeredRules"`

	// DocumentID is set when the run was triggered by a single document.
	DocumentID string `json:"documentId,omitempty"`

	// Fingerprint identifies the underlying condition (subject +
	// sorted triggered rule codes) for alert deduplication.
	Fingerprint string `json:"fingerprint"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// TriggeredRule records one rule that fired during a scoring run. The
// description and severity are captured at scoring time so retired
// rule codes still render against historical scores.
type TriggeredRule struct {
	Code         string       `json:"code"`
	Weight       float64      `json:"weight"`
	Contribution float64      `json:"contribution"`
	Severity     Severity     `json:"severity"`
	Category     RuleCategory `json:"category"`
	Description  string       `json:"description,omitempty"`
	Explanation  string       `json:"explanation,omitempty"`

	// Unknown marks codes that had no registry entry at scoring time.
	// They are recorded for audit but contribute no weight.
	Unknown bool `json:"unknown,omitempty"`
}

// Fingerprint computes the dedup fingerprint for a subject and a set of
// triggered rule codes. Codes are sorted so the fingerprint is stable
// regardless of evaluation order.
func Fingerprint(subject SubjectRef, codes []string) string {
	sorted := make([]string, len(codes))
	copy(sorted, codes)
	sort.Strings(sorted)

	h := sha256.Sum256([]byte(subject.Key() + "|" + strings.Join(sorted, ",")))
	return hex.EncodeToString(h[:])
}

// RuleFrequency is one row of the "top triggered rules" breakdown.
type RuleFrequency struct {
	RuleCode    string `json:"ruleCode"`
	Description string `json:"description,omitempty"`
	Count       int64  `json:"count"`
}

// StatsBaseline is a cached statistical summary of a subject's amount
// history, used by the anomaly detector.
type StatsBaseline struct {
	Count      int       `json:"count"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"stdDev"`
	ComputedAt time.Time `json:"computedAt"`
}

// BatchReport collects per-subject outcomes of a batch scoring run. The
// batch runner continues past individual failures; a failed subject
// appears here instead of aborting the batch.
type BatchReport struct {
	TenantID  string       `json:"tenantId"`
	StartedAt time.Time    `json:"startedAt"`
	Entries   []BatchEntry `json:"entries"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
}

// BatchEntry is the outcome for one subject in a batch run.
type BatchEntry struct {
	Subject  SubjectRef `json:"subject"`
	ScoreID  string     `json:"scoreId,omitempty"`
	Severity Severity   `json:"severity,omitempty"`
	Skipped  bool       `json:"skipped,omitempty"`
	Error    string     `json:"error,omitempty"`
}
