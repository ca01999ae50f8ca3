// Package scoring orchestrates a single scoring run: history load,
// detector and expression rule evaluation, aggregation, persistence,
// and alerting.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/defterlab/kestrel/internal/alerting"
	"github.com/defterlab/kestrel/internal/anomaly"
	"github.com/defterlab/kestrel/internal/domain"
	"github.com/defterlab/kestrel/internal/pattern"
	"github.com/defterlab/kestrel/internal/registry"
	"github.com/defterlab/kestrel/internal/score"
)

var tracer = otel.Tracer("kestrel-scoring")

// baselineTTL bounds how stale a cached history baseline may be.
const baselineTTL = 10 * time.Minute

// Runner executes scoring runs. Runs for different subjects may execute
// in parallel; runs for the same subject are serialized — a second
// concurrent run for an in-flight subject is skipped with
// ErrRunInProgress and retried by the caller's schedule.
type Runner struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	registry *registry.Registry
	anomaly  *anomaly.Detector
	pattern  *pattern.Detector
	agg      *score.Aggregator
	alerts   *alerting.Manager
	cfg      domain.ScoringConfig
	detector domain.DetectorConfig

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRunner wires a scoring runner from its collaborators. Everything
// is passed in explicitly; the runner holds no global state.
func NewRunner(
	repo domain.Repository,
	cacheImpl domain.Cache,
	bus domain.EventBus,
	reg *registry.Registry,
	alerts *alerting.Manager,
	detectorCfg domain.DetectorConfig,
	scoringCfg domain.ScoringConfig,
) *Runner {
	return &Runner{
		repo:     repo,
		cache:    cacheImpl,
		bus:      bus,
		registry: reg,
		anomaly:  anomaly.New(detectorCfg),
		pattern:  pattern.New(detectorCfg),
		agg:      score.NewAggregator(scoringCfg),
		alerts:   alerts,
		cfg:      scoringCfg,
		detector: detectorCfg,
		inflight: make(map[string]struct{}),
	}
}

// RunResult is the outcome of one scoring run.
type RunResult struct {
	Score        *domain.RiskScore `json:"score"`
	Alert        *domain.RiskAlert `json:"alert,omitempty"`
	AlertCreated bool              `json:"alertCreated"`
	Elapsed      time.Duration     `json:"-"`
}

// ScoreDocument runs the per-document pipeline: anomaly checks plus
// expression rules against the document and its company history.
func (r *Runner) ScoreDocument(ctx context.Context, tenantID string, doc *domain.Document) (*RunResult, error) {
	subject := domain.SubjectRef{Kind: domain.SubjectDocument, ID: doc.ID}

	release, err := r.acquire(subject)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := tracer.Start(ctx, "scoring.document")
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("document.id", doc.ID),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.runTimeout())
	defer cancel()

	start := time.Now()

	history, err := r.loadHistory(ctx, tenantID, doc.CompanyID)
	if err != nil {
		return nil, r.mapErr(subject, err)
	}
	// The current document is excluded from its own baseline.
	history = exclude(history, doc.ID)

	baseline := r.loadBaseline(ctx, tenantID, doc.CompanyID, history)

	results := r.anomaly.Evaluate(doc, history)
	results = append(results, r.registry.EvaluateExpressions(ctx, registry.Snapshot(doc, baseline))...)

	if err := ctx.Err(); err != nil {
		return nil, r.mapErr(subject, err)
	}

	return r.finish(ctx, tenantID, subject, doc.ID, results, start)
}

// ScoreCompany runs the company-level pipeline: structural pattern
// checks plus set-wide statistical checks over the window.
func (r *Runner) ScoreCompany(ctx context.Context, tenantID string, companyID string) (*RunResult, error) {
	subject := domain.SubjectRef{Kind: domain.SubjectCompany, ID: companyID}

	release, err := r.acquire(subject)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := tracer.Start(ctx, "scoring.company")
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("company.id", companyID),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.runTimeout())
	defer cancel()

	start := time.Now()

	docs, err := r.loadHistory(ctx, tenantID, companyID)
	if err != nil {
		return nil, r.mapErr(subject, err)
	}

	results := r.pattern.Evaluate(companyID, docs)
	results = append(results, r.anomaly.EvaluateCompany(docs)...)

	if err := ctx.Err(); err != nil {
		return nil, r.mapErr(subject, err)
	}

	return r.finish(ctx, tenantID, subject, "", results, start)
}

// finish aggregates trigger results, persists one snapshot, and drives
// the alert manager. There are no partial side effects before this
// point, so an aborted run needs no cleanup.
func (r *Runner) finish(ctx context.Context, tenantID string, subject domain.SubjectRef, docID string, results []domain.TriggerResult, start time.Time) (*RunResult, error) {
	triggered := r.resolveTriggered(results)

	agg := r.agg.Aggregate(triggered)

	codes := make([]string, 0, len(agg.Rules))
	for _, rule := range agg.Rules {
		codes = append(codes, rule.Code)
	}

	rs := &domain.RiskScore{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Subject:        subject,
		Score:          agg.Score,
		Severity:       agg.Severity,
		TriggeredRules: agg.Rules,
		DocumentID:     docID,
		Fingerprint:    domain.Fingerprint(subject, codes),
		GeneratedAt:    time.Now().UTC(),
	}

	if err := r.repo.SaveScore(ctx, tenantID, rs); err != nil {
		return nil, fmt.Errorf("failed to save score: %w", err)
	}

	alert, created, err := r.alerts.ProcessScore(ctx, tenantID, rs)
	if err != nil {
		return nil, err
	}

	r.publishScore(ctx, tenantID, rs)

	elapsed := time.Since(start)
	slog.Info("scoring run complete",
		"tenant_id", tenantID,
		"subject", subject.Key(),
		"score", rs.Score,
		"severity", rs.Severity,
		"rules_triggered", len(rs.TriggeredRules),
		"alert_created", created,
		"duration_ms", elapsed.Milliseconds(),
	)

	return &RunResult{Score: rs, Alert: alert, AlertCreated: created, Elapsed: elapsed}, nil
}

// resolveTriggered joins trigger results with the rule catalog. Codes
// without a registry entry are recorded for audit with zero weight
// instead of aborting the run.
func (r *Runner) resolveTriggered(results []domain.TriggerResult) []domain.TriggeredRule {
	var triggered []domain.TriggeredRule
	for _, result := range results {
		if result.Skipped {
			slog.Debug("check skipped", "rule_code", result.RuleCode, "reason", result.SkipReason)
			continue
		}
		if !result.Triggered {
			continue
		}

		rule, err := r.registry.GetRule(result.RuleCode)
		if err != nil {
			var unknown *domain.UnknownRuleError
			if errors.As(err, &unknown) {
				slog.Warn("triggered rule not in registry, excluded from score",
					"rule_code", result.RuleCode,
				)
				triggered = append(triggered, domain.TriggeredRule{
					Code:        result.RuleCode,
					Explanation: result.Explanation,
					Unknown:     true,
				})
			}
			continue
		}

		triggered = append(triggered, domain.TriggeredRule{
			Code:        rule.Code,
			Weight:      rule.Weight,
			Severity:    rule.Severity,
			Category:    rule.Category,
			Description: rule.Description,
			Explanation: result.Explanation,
		})
	}
	return triggered
}

func (r *Runner) loadHistory(ctx context.Context, tenantID, companyID string) ([]*domain.Document, error) {
	now := time.Now().UTC()
	window := domain.Window{
		From: now.AddDate(0, 0, -r.detector.PatternWindowDays),
		To:   now.AddDate(0, 0, r.detector.FutureDateGraceDays+1),
	}
	return r.repo.GetDocumentsByCompany(ctx, tenantID, companyID, window)
}

// loadBaseline serves the CEL snapshot from cache when possible;
// recomputes and repopulates on miss. Cache failures degrade to a
// recompute, never to a failed run.
func (r *Runner) loadBaseline(ctx context.Context, tenantID, companyID string, history []*domain.Document) domain.StatsBaseline {
	key := domain.SubjectRef{Kind: domain.SubjectCompany, ID: companyID}.Key()

	if r.cache != nil {
		if cached, err := r.cache.GetBaseline(ctx, tenantID, key); err == nil && cached != nil && cached.Count == len(history) {
			return *cached
		}
	}

	baseline := anomaly.Baseline(history)

	if r.cache != nil {
		if err := r.cache.SetBaseline(ctx, tenantID, key, &baseline, baselineTTL); err != nil {
			slog.Debug("failed to cache baseline", "company_id", companyID, "error", err)
		}
	}
	return baseline
}

func (r *Runner) publishScore(ctx context.Context, tenantID string, rs *domain.RiskScore) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(rs)
	if err := r.bus.Publish(ctx, tenantID, domain.TopicScoreComputed, payload); err != nil {
		slog.Error("failed to publish score event", "score_id", rs.ID, "error", err)
	}
}

// acquire takes the per-subject advisory lock. It never blocks: a held
// lock means another run is in flight and this one is skipped.
func (r *Runner) acquire(subject domain.SubjectRef) (func(), error) {
	key := subject.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.inflight[key]; held {
		return nil, domain.ErrRunInProgress
	}
	r.inflight[key] = struct{}{}

	return func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}, nil
}

func (r *Runner) runTimeout() time.Duration {
	if r.cfg.RunTimeout > 0 {
		return r.cfg.RunTimeout
	}
	return 5 * time.Second
}

// mapErr converts a context deadline into the scoring timeout error so
// callers can fail closed: log, skip, retry next pass.
func (r *Runner) mapErr(subject domain.SubjectRef, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		timeoutErr := &domain.ScoringTimeoutError{Subject: subject, Budget: r.runTimeout()}
		slog.Error("scoring run abandoned", "subject", subject.Key(), "error", timeoutErr)
		return timeoutErr
	}
	return err
}

func exclude(docs []*domain.Document, id string) []*domain.Document {
	out := docs[:0:0]
	for _, doc := range docs {
		if doc.ID != id {
			out = append(out, doc)
		}
	}
	return out
}
