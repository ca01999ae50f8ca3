package domain

import "time"

// AlertStatus is the lifecycle state of a risk alert.
type AlertStatus string

const (
	AlertOpen       AlertStatus = "open"
	AlertInProgress AlertStatus = "in_progress"
	AlertClosed     AlertStatus = "closed"
	AlertIgnored    AlertStatus = "ignored"
)

// Terminal reports whether no transition may leave the status.
func (s AlertStatus) Terminal() bool {
	return s == AlertClosed || s == AlertIgnored
}

// AlertType distinguishes how an alert came to be.
type AlertType string

const (
	AlertThresholdExceeded AlertType = "threshold_exceeded"
	AlertAnomalyDetected   AlertType = "anomaly_detected"
)

// RiskAlert is a human-actionable record derived from a RiskScore
// crossing the alerting floor. Alerts are an audit record and are never
// auto-deleted.
type RiskAlert struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenantId"`
	Subject  SubjectRef `json:"subject"`

	// DocumentID is set when a single document triggered the run.
	DocumentID string `json:"documentId,omitempty"`

	Type     AlertType   `json:"type"`
	Title    string      `json:"title"`
	Message  string      `json:"message"`
	Severity Severity    `json:"severity"`
	Status   AlertStatus `json:"status"`

	// ScoreID links back to the snapshot that produced the alert.
	ScoreID string `json:"scoreId"`

	// Fingerprint deduplicates open alerts for the same condition.
	Fingerprint string `json:"fingerprint"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
}

// AlertFilter narrows alert list queries for dashboards.
type AlertFilter struct {
	Severity Severity
	Status   AlertStatus
	Since    time.Time
	Until    time.Time
	Limit    int
}
