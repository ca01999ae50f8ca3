// Package alerting turns risk scores crossing the alerting floor into
// persisted alerts and exposes the manual lifecycle API.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/defterlab/kestrel/internal/domain"
	"github.com/defterlab/kestrel/internal/repository"
)

// Manager is the alert state machine. Transitions are one-directional
// except open <-> in_progress; closed and ignored are terminal.
type Manager struct {
	repo domain.Repository
	bus  domain.EventBus

	floor       domain.Severity
	dedupWindow time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewManager creates an alert manager. bus may be nil when event
// publication is not wired (tests).
func NewManager(repo domain.Repository, bus domain.EventBus, cfg domain.ScoringConfig) *Manager {
	floor := cfg.AlertFloor
	if domain.SeverityRank(floor) == 0 {
		floor = domain.SeverityHigh
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Manager{
		repo:        repo,
		bus:         bus,
		floor:       floor,
		dedupWindow: window,
		now:         time.Now,
	}
}

// ProcessScore creates at most one open alert for a scoring run. It is
// idempotent: when a non-terminal alert with the same fingerprint
// already exists inside the dedup window, no duplicate is created and
// the existing alert is returned with created=false.
func (m *Manager) ProcessScore(ctx context.Context, tenantID string, rs *domain.RiskScore) (alert *domain.RiskAlert, created bool, err error) {
	if domain.SeverityRank(rs.Severity) < domain.SeverityRank(m.floor) {
		return nil, false, nil
	}
	if len(rs.TriggeredRules) == 0 {
		return nil, false, nil
	}

	since := m.now().Add(-m.dedupWindow)
	existing, err := m.repo.FindOpenAlert(ctx, tenantID, rs.Fingerprint, since)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("alert dedup lookup failed: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	now := m.now().UTC()
	alert = &domain.RiskAlert{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Subject:     rs.Subject,
		DocumentID:  rs.DocumentID,
		Type:        alertType(rs),
		Title:       alertTitle(rs),
		Message:     alertMessage(rs),
		Severity:    rs.Severity,
		Status:      domain.AlertOpen,
		ScoreID:     rs.ID,
		Fingerprint: rs.Fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		return nil, false, fmt.Errorf("failed to save alert: %w", err)
	}

	m.publish(ctx, tenantID, alert)
	return alert, true, nil
}

// Acknowledge moves an open alert to in_progress. Acknowledging an
// alert already in progress is a no-op, not an error.
func (m *Manager) Acknowledge(ctx context.Context, tenantID string, alertID string) (*domain.RiskAlert, error) {
	alert, err := m.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	if alert.Status == domain.AlertInProgress {
		return alert, nil
	}
	if alert.Status != domain.AlertOpen {
		return nil, &domain.InvalidTransitionError{AlertID: alertID, From: alert.Status, To: domain.AlertInProgress}
	}

	alert.Status = domain.AlertInProgress
	alert.UpdatedAt = m.now().UTC()
	if err := m.repo.UpdateAlert(ctx, tenantID, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Resolve moves an open or in_progress alert to closed, stamping the
// resolving actor.
func (m *Manager) Resolve(ctx context.Context, tenantID string, alertID string, actorID string) (*domain.RiskAlert, error) {
	return m.terminate(ctx, tenantID, alertID, actorID, domain.AlertClosed)
}

// Ignore moves an open or in_progress alert to ignored, stamping the
// resolving actor.
func (m *Manager) Ignore(ctx context.Context, tenantID string, alertID string, actorID string) (*domain.RiskAlert, error) {
	return m.terminate(ctx, tenantID, alertID, actorID, domain.AlertIgnored)
}

func (m *Manager) terminate(ctx context.Context, tenantID string, alertID string, actorID string, to domain.AlertStatus) (*domain.RiskAlert, error) {
	alert, err := m.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	if alert.Status.Terminal() {
		return nil, &domain.InvalidTransitionError{AlertID: alertID, From: alert.Status, To: to}
	}

	now := m.now().UTC()
	alert.Status = to
	alert.UpdatedAt = now
	alert.ResolvedAt = &now
	alert.ResolvedBy = actorID

	if err := m.repo.UpdateAlert(ctx, tenantID, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

func (m *Manager) publish(ctx context.Context, tenantID string, alert *domain.RiskAlert) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(alert)
	if err := m.bus.Publish(ctx, tenantID, domain.TopicAlertCreated, payload); err != nil {
		slog.Error("failed to publish alert event",
			"alert_id", alert.ID,
			"error", err,
		)
	}
}

// alertType is anomaly_detected when any detector-backed rule fired,
// otherwise threshold_exceeded (score-only conditions).
func alertType(rs *domain.RiskScore) domain.AlertType {
	builtin := map[string]bool{
		domain.RuleAmountOutlier: true,
		domain.RuleDateAnomaly:   true,
		domain.RuleDuplicateDoc:  true,
		domain.RuleBenford:       true,
		domain.RuleCircularFlow:  true,
		domain.RuleRelatedParty:  true,
		domain.RuleSequenceGap:   true,
		domain.RuleRoundAmounts:  true,
	}
	for _, r := range rs.TriggeredRules {
		if builtin[r.Code] {
			return domain.AlertAnomalyDetected
		}
	}
	return domain.AlertThresholdExceeded
}

func alertTitle(rs *domain.RiskScore) string {
	return fmt.Sprintf("%s risk on %s %s (score %.0f)",
		strings.ToUpper(string(rs.Severity)), rs.Subject.Kind, rs.Subject.ID, rs.Score)
}

func alertMessage(rs *domain.RiskScore) string {
	parts := make([]string, 0, len(rs.TriggeredRules))
	for _, r := range rs.TriggeredRules {
		if r.Explanation != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Code, r.Explanation))
		} else {
			parts = append(parts, r.Code)
		}
	}
	return strings.Join(parts, "; ")
}
