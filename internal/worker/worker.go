// Package worker provides async scoring for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/defterlab/kestrel/internal/domain"
	"github.com/defterlab/kestrel/internal/scoring"
)

// statsWindow is the rolling window for the per-tenant processed
// counter exposed in worker stats.
const statsWindow = time.Hour

// Worker consumes document-ingested events from the EventBus and runs
// the scoring pipeline for each one.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	cache  domain.Cache
	runner *scoring.Runner

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// BatchInterval, when positive, runs a periodic company-wide batch
	// scoring pass for each tenant in TenantIDs.
	BatchInterval time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, cacheImpl domain.Cache, runner *scoring.Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		cache:  cacheImpl,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	if cfg.BatchInterval > 0 {
		w.wg.Add(1)
		go w.runBatchLoop(cfg.TenantIDs, cfg.BatchInterval)
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// runBatchLoop rescans every configured tenant's companies on a fixed
// interval so scores stay fresh even when no documents arrive.
func (w *Worker) runBatchLoop(tenantIDs []string, interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range tenantIDs {
				report, err := w.runner.RunBatch(w.ctx, tenantID)
				if err != nil {
					slog.Error("batch scoring pass failed",
						"tenant_id", tenantID,
						"error", err,
					)
					continue
				}
				slog.Info("batch scoring pass completed",
					"tenant_id", tenantID,
					"scored", report.Succeeded,
					"failed", report.Failed,
					"skipped", report.Skipped,
				)
			}
		}
	}
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicDocumentIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicDocumentIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processDocument(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicDocumentIngested,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processDocument(ctx, msg.TenantID, msg)
}

// DocumentMessage is the message payload for document scoring.
type DocumentMessage struct {
	DocumentID string `json:"documentId"`
	TenantID   string `json:"tenantId"`
	CompanyID  string `json:"companyId"`
	TraceID    string `json:"traceId,omitempty"`
}

// processDocument loads the ingested document and runs the per-document
// scoring pipeline.
func (w *Worker) processDocument(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var docMsg DocumentMessage
	if err := json.Unmarshal(msg.Payload, &docMsg); err != nil {
		slog.Error("failed to parse document message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if docMsg.TenantID != "" {
		tenantID = docMsg.TenantID
	}

	traceID := docMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing document",
		"document_id", docMsg.DocumentID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	doc, err := w.repo.GetDocument(ctx, tenantID, docMsg.DocumentID)
	if err != nil {
		slog.Error("failed to load ingested document",
			"document_id", docMsg.DocumentID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	result, err := w.runner.ScoreDocument(ctx, tenantID, doc)
	if err != nil {
		// Another run already holds the subject lock; it will produce
		// the snapshot this message would have.
		if errors.Is(err, domain.ErrRunInProgress) {
			slog.Debug("scoring run already in flight, skipping",
				"document_id", docMsg.DocumentID,
				"tenant_id", tenantID,
			)
			return nil
		}
		slog.Error("scoring run failed",
			"document_id", docMsg.DocumentID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	if w.cache != nil {
		if _, err := w.cache.IncrementCounter(ctx, tenantID, "worker:processed", statsWindow); err != nil {
			slog.Debug("failed to bump processed counter", "tenant_id", tenantID, "error", err)
		}
	}

	slog.Info("document processed",
		"document_id", docMsg.DocumentID,
		"tenant_id", tenantID,
		"score", result.Score.Score,
		"severity", result.Score.Severity,
		"alert_created", result.AlertCreated,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
