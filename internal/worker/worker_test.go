package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defterlab/kestrel/internal/alerting"
	"github.com/defterlab/kestrel/internal/bus"
	"github.com/defterlab/kestrel/internal/cache"
	"github.com/defterlab/kestrel/internal/domain"
	"github.com/defterlab/kestrel/internal/registry"
	"github.com/defterlab/kestrel/internal/repository"
	"github.com/defterlab/kestrel/internal/scoring"
)

func newTestRunner(t *testing.T, eventBus domain.EventBus) (*scoring.Runner, domain.Repository, domain.Cache) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-worker-*.db")
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

	reg, err := registry.New()
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	if err := reg.Load(registry.DefaultRules()); err != nil {
		t.Fatalf("failed to load default rules: %v", err)
	}

	cacheImpl := cache.NewLRUCache(100)
	t.Cleanup(func() { cacheImpl.Close() })

	cfg := domain.DefaultConfig()
	alerts := alerting.NewManager(repo, eventBus, cfg.Scoring)
	runner := scoring.NewRunner(repo, cacheImpl, eventBus, reg, alerts, cfg.Detector, cfg.Scoring)

	return runner, repo, cacheImpl
}

func seedDocument(t *testing.T, repo domain.Repository, tenantID, docID string, amount float64) {
	t.Helper()

	doc := &domain.Document{
		ID:         docID,
		CompanyID:  "comp-001",
		Type:       "invoice",
		DebtorID:   "comp-001",
		CreditorID: "cp-001",
		Counterparty: domain.Party{
			ID:   "cp-001",
			Name: "Aydin Lojistik",
		},
		Amount:    amount,
		Currency:  "TRY",
		IssueDate: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.SaveDocument(context.Background(), tenantID, doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	runner, repo, cacheImpl := newTestRunner(t, eventBus)

	worker := NewWorker(eventBus, repo, cacheImpl, runner)

	t.Run("StartAndStop", func(t *testing.T) {
		cfg := Config{
			TenantIDs: []string{"tenant-001"},
		}

		err := worker.Start(cfg)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessDocument", func(t *testing.T) {
		tenantID := "tenant-test"
		seedDocument(t, repo, tenantID, "doc-001", 1500.00)

		w := NewWorker(eventBus, repo, cacheImpl, runner)

		cfg := Config{
			TenantIDs: []string{tenantID},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track score snapshots
		var scoreReceived atomic.Bool
		var scorePayload []byte

		eventBus.Subscribe(context.Background(), tenantID, domain.TopicScoreComputed, func(ctx context.Context, msg *domain.Message) error {
			scorePayload = msg.Payload
			scoreReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		docMsg := DocumentMessage{
			DocumentID: "doc-001",
			TenantID:   tenantID,
			CompanyID:  "comp-001",
			TraceID:    "trace-001",
		}

		payload, _ := json.Marshal(docMsg)
		err := eventBus.Publish(context.Background(), tenantID, domain.TopicDocumentIngested, payload)
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		time.Sleep(200 * time.Millisecond)

		if !scoreReceived.Load() {
			t.Fatal("expected score snapshot to be published")
		}

		var rs domain.RiskScore
		if err := json.Unmarshal(scorePayload, &rs); err != nil {
			t.Fatalf("failed to parse score: %v", err)
		}

		if rs.Subject.ID != "doc-001" {
			t.Errorf("expected subject 'doc-001', got '%s'", rs.Subject.ID)
		}
		if rs.TenantID != tenantID {
			t.Errorf("expected tenantID '%s', got '%s'", tenantID, rs.TenantID)
		}
	})

	t.Run("AlertPublished", func(t *testing.T) {
		tenantID := "tenant-alert"

		// Build a stable history, then one extreme outlier.
		for i := 0; i < 12; i++ {
			seedDocument(t, repo, tenantID, "hist-"+string(rune('a'+i)), 1000.00+float64(i))
		}
		seedDocument(t, repo, tenantID, "doc-outlier", 50000.00)

		w := NewWorker(eventBus, repo, cacheImpl, runner)

		cfg := Config{
			TenantIDs: []string{tenantID},
		}
		w.Start(cfg)
		defer w.Stop()

		var alertReceived atomic.Bool

		eventBus.Subscribe(context.Background(), tenantID, domain.TopicAlertCreated, func(ctx context.Context, msg *domain.Message) error {
			alertReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		docMsg := DocumentMessage{
			DocumentID: "doc-outlier",
			TenantID:   tenantID,
		}

		payload, _ := json.Marshal(docMsg)
		eventBus.Publish(context.Background(), tenantID, domain.TopicDocumentIngested, payload)

		time.Sleep(300 * time.Millisecond)

		if !alertReceived.Load() {
			t.Error("expected alert to be published for outlier document")
		}
	})

	t.Run("BatchLoop", func(t *testing.T) {
		tenantID := "tenant-batch"
		seedDocument(t, repo, tenantID, "batch-doc-001", 2500.00)

		w := NewWorker(eventBus, repo, cacheImpl, runner)

		cfg := Config{
			TenantIDs:     []string{tenantID},
			BatchInterval: 50 * time.Millisecond,
		}
		w.Start(cfg)
		defer w.Stop()

		subject := domain.SubjectRef{Kind: domain.SubjectCompany, ID: "comp-001"}
		window := domain.Window{
			From: time.Now().UTC().Add(-time.Hour),
			To:   time.Now().UTC().Add(time.Hour),
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			scores, err := repo.GetScoresBySubject(context.Background(), tenantID, subject, window)
			if err != nil {
				t.Fatalf("GetScoresBySubject failed: %v", err)
			}
			if len(scores) > 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("expected batch loop to produce a company score snapshot")
			}
			time.Sleep(25 * time.Millisecond)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, repo, cacheImpl, runner)

		cfg := Config{
			TenantIDs: []string{"tenant-a", "tenant-b"},
		}
		w.Start(cfg)
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestDocumentMessageParsing(t *testing.T) {
	msg := DocumentMessage{
		DocumentID: "doc-123",
		TenantID:   "tenant-001",
		CompanyID:  "comp-001",
		TraceID:    "trace-456",
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed DocumentMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.DocumentID != msg.DocumentID {
		t.Errorf("expected DocumentID '%s', got '%s'", msg.DocumentID, parsed.DocumentID)
	}
	if parsed.TraceID != msg.TraceID {
		t.Errorf("expected TraceID '%s', got '%s'", msg.TraceID, parsed.TraceID)
	}
}
