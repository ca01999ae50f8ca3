package alerting

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/defterlab/kestrel/internal/domain"
	"github.com/defterlab/kestrel/internal/repository"
)

func newTestManager(t *testing.T) (*Manager, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-alerting-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return NewManager(repo, nil, domain.DefaultConfig().Scoring), repo
}

func highScore(tenantID, companyID string) *domain.RiskScore {
	subject := domain.SubjectRef{Kind: domain.SubjectCompany, ID: companyID}
	triggered := []domain.TriggeredRule{
		{
			Code:        domain.RuleAmountOutlier,
			Weight:      70,
			Severity:    domain.SeverityHigh,
			Category:    domain.CategoryFinancial,
			Explanation: "amount 80000.00 is 12.4 std devs above mean 1005.75",
		},
	}
	codes := []string{domain.RuleAmountOutlier}
	return &domain.RiskScore{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Subject:        subject,
		Score:          70,
		Severity:       domain.SeverityHigh,
		TriggeredRules: triggered,
		Fingerprint:    domain.Fingerprint(subject, codes),
		GeneratedAt:    time.Now().UTC(),
	}
}

func TestProcessScore(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesAlertAtFloor", func(t *testing.T) {
		mgr, _ := newTestManager(t)

		alert, created, err := mgr.ProcessScore(ctx, "tenant-001", highScore("tenant-001", "comp-001"))
		if err != nil {
			t.Fatalf("ProcessScore failed: %v", err)
		}
		if !created {
			t.Fatal("expected alert to be created")
		}
		if alert.Status != domain.AlertOpen {
			t.Errorf("expected open alert, got %s", alert.Status)
		}
		if alert.Severity != domain.SeverityHigh {
			t.Errorf("expected high severity, got %s", alert.Severity)
		}
		if alert.Type != domain.AlertAnomalyDetected {
			t.Errorf("expected anomaly_detected type, got %s", alert.Type)
		}
		if alert.Title == "" || alert.Message == "" {
			t.Error("expected title and message to be populated")
		}
	})

	t.Run("BelowFloorNoAlert", func(t *testing.T) {
		mgr, _ := newTestManager(t)

		rs := highScore("tenant-001", "comp-002")
		rs.Score = 45
		rs.Severity = domain.SeverityMedium

		alert, created, err := mgr.ProcessScore(ctx, "tenant-001", rs)
		if err != nil {
			t.Fatalf("ProcessScore failed: %v", err)
		}
		if created || alert != nil {
			t.Error("expected no alert below the floor")
		}
	})

	t.Run("NoTriggersNoAlert", func(t *testing.T) {
		mgr, _ := newTestManager(t)

		rs := highScore("tenant-001", "comp-003")
		rs.TriggeredRules = nil

		alert, created, err := mgr.ProcessScore(ctx, "tenant-001", rs)
		if err != nil {
			t.Fatalf("ProcessScore failed: %v", err)
		}
		if created || alert != nil {
			t.Error("expected no alert without triggered rules")
		}
	})

	t.Run("DedupReturnsExisting", func(t *testing.T) {
		mgr, _ := newTestManager(t)

		first, created, err := mgr.ProcessScore(ctx, "tenant-001", highScore("tenant-001", "comp-004"))
		if err != nil || !created {
			t.Fatalf("first ProcessScore: created=%v err=%v", created, err)
		}

		// Same subject and trigger set yields the same fingerprint.
		second, created, err := mgr.ProcessScore(ctx, "tenant-001", highScore("tenant-001", "comp-004"))
		if err != nil {
			t.Fatalf("second ProcessScore failed: %v", err)
		}
		if created {
			t.Error("expected dedup to suppress the second alert")
		}
		if second.ID != first.ID {
			t.Errorf("expected existing alert %s, got %s", first.ID, second.ID)
		}
	})

	t.Run("DedupScopedToTenant", func(t *testing.T) {
		mgr, _ := newTestManager(t)

		_, created, err := mgr.ProcessScore(ctx, "tenant-a", highScore("tenant-a", "comp-005"))
		if err != nil || !created {
			t.Fatalf("tenant-a ProcessScore: created=%v err=%v", created, err)
		}

		_, created, err = mgr.ProcessScore(ctx, "tenant-b", highScore("tenant-b", "comp-005"))
		if err != nil {
			t.Fatalf("tenant-b ProcessScore failed: %v", err)
		}
		if !created {
			t.Error("expected separate alert for the other tenant")
		}
	})

	t.Run("ResolvedAlertDoesNotSuppress", func(t *testing.T) {
		mgr, _ := newTestManager(t)

		first, _, err := mgr.ProcessScore(ctx, "tenant-001", highScore("tenant-001", "comp-006"))
		if err != nil {
			t.Fatalf("ProcessScore failed: %v", err)
		}

		if _, err := mgr.Resolve(ctx, "tenant-001", first.ID, "auditor-1"); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}

		second, created, err := mgr.ProcessScore(ctx, "tenant-001", highScore("tenant-001", "comp-006"))
		if err != nil {
			t.Fatalf("second ProcessScore failed: %v", err)
		}
		if !created {
			t.Fatal("expected a new alert after the first was resolved")
		}
		if second.ID == first.ID {
			t.Error("expected a distinct alert ID")
		}
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("AcknowledgeThenResolve", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		alert, _, _ := mgr.ProcessScore(ctx, "tenant-001", highScore("tenant-001", "comp-010"))

		acked, err := mgr.Acknowledge(ctx, "tenant-001", alert.ID)
		if err != nil {
			t.Fatalf("Acknowledge failed: %v", err)
		}
		if acked.Status != domain.AlertInProgress {
			t.Errorf("expected in_progress, got %s", acked.Status)
		}

		resolved, err := mgr.Resolve(ctx, "tenant-001", alert.ID, "auditor@defterlab.com")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if resolved.Status != domain.AlertClosed {
			t.Errorf("expected closed, got %s", resolved.Status)
		}
		if resolved.ResolvedBy != "auditor@defterlab.com" {
			t.Errorf("expected resolvedBy stamp, got %q", resolved.ResolvedBy)
		}
		if resolved.ResolvedAt == nil {
			t.Error("expected resolvedAt stamp")
		}
	})

	t.Run("AcknowledgeIdempotent", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		alert, _, _ := mgr.ProcessScore(ctx, "tenant-001", highScore("tenant-001", "comp-011"))

		if _, err := mgr.Acknowledge(ctx, "tenant-001", alert.ID); err != nil {
			t.Fatalf("first Acknowledge failed: %v", err)
		}
		if _, err := mgr.Acknowledge(ctx, "tenant-001", alert.ID); err != nil {
			t.Errorf("expected repeated acknowledge to be a no-op, got %v", err)
		}
	})

	t.Run("IgnoreFromOpen", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		alert, _, _ := mgr.ProcessScore(ctx, "tenant-001", highScore("tenant-001", "comp-012"))

		ignored, err := mgr.Ignore(ctx, "tenant-001", alert.ID, "auditor-2")
		if err != nil {
			t.Fatalf("Ignore failed: %v", err)
		}
		if ignored.Status != domain.AlertIgnored {
			t.Errorf("expected ignored, got %s", ignored.Status)
		}
	})

	t.Run("TerminalStatesAreFinal", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		alert, _, _ := mgr.ProcessScore(ctx, "tenant-001", highScore("tenant-001", "comp-013"))

		if _, err := mgr.Resolve(ctx, "tenant-001", alert.ID, "auditor-1"); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}

		var transitionErr *domain.InvalidTransitionError

		if _, err := mgr.Acknowledge(ctx, "tenant-001", alert.ID); !errors.As(err, &transitionErr) {
			t.Errorf("expected InvalidTransitionError acknowledging closed alert, got %v", err)
		}
		if _, err := mgr.Ignore(ctx, "tenant-001", alert.ID, "x"); !errors.As(err, &transitionErr) {
			t.Errorf("expected InvalidTransitionError ignoring closed alert, got %v", err)
		}
		if _, err := mgr.Resolve(ctx, "tenant-001", alert.ID, "x"); !errors.As(err, &transitionErr) {
			t.Errorf("expected InvalidTransitionError re-resolving closed alert, got %v", err)
		}
	})

	t.Run("UnknownAlert", func(t *testing.T) {
		mgr, _ := newTestManager(t)

		if _, err := mgr.Acknowledge(ctx, "tenant-001", "nonexistent"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
