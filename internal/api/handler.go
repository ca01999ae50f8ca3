package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/defterlab/kestrel/internal/alerting"
	"github.com/defterlab/kestrel/internal/domain"
	"github.com/defterlab/kestrel/internal/registry"
	"github.com/defterlab/kestrel/internal/repository"
	"github.com/defterlab/kestrel/internal/scoring"
	"github.com/defterlab/kestrel/internal/worker"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// ActorIDHeader identifies the user performing a manual alert action.
const ActorIDHeader = "X-Actor-ID"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	registry *registry.Registry
	runner   *scoring.Runner
	alerts   *alerting.Manager
	version  string
	tier     domain.Tier
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, reg *registry.Registry, runner *scoring.Runner, alerts *alerting.Manager, version string, tier domain.Tier) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		registry: reg,
		runner:   runner,
		alerts:   alerts,
		version:  version,
		tier:     tier,
	}
}

// IngestResponse is the response for POST /documents.
type IngestResponse struct {
	DocumentID string            `json:"documentId"`
	Mode       string            `json:"mode"` // "sync" or "async"
	Score      *domain.RiskScore `json:"score,omitempty"`
	Alert      *domain.RiskAlert `json:"alert,omitempty"`
	Metadata   struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// IngestDocument handles POST /documents.
//
// Community tier scores the document synchronously and returns the
// snapshot inline. Pro tier persists the document, publishes an
// ingestion event, and returns 202; the async worker scores it.
func (h *Handler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.CompanyID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "companyId is required",
		})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type is required",
		})
		return
	}
	if req.DebtorID == "" || req.CreditorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "debtorId and creditorId are required",
		})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}

	doc := req.ToDocument(tenantID)
	doc.ID = uuid.New().String()

	if err := h.repo.SaveDocument(ctx, tenantID, doc); err != nil {
		slog.Error("failed to save document", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save document",
		})
		return
	}

	resp := IngestResponse{DocumentID: doc.ID}
	resp.Metadata.TraceID = traceID
	resp.Metadata.Version = h.version

	if h.tier == domain.TierPro && h.bus != nil {
		// Async path: the worker picks this up from the bus.
		msg := worker.DocumentMessage{
			DocumentID: doc.ID,
			TenantID:   tenantID,
			CompanyID:  doc.CompanyID,
			TraceID:    traceID,
		}
		payload, _ := json.Marshal(msg)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicDocumentIngested, payload); err != nil {
			slog.Error("failed to publish ingestion event", "document_id", doc.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to queue document for scoring",
			})
			return
		}

		resp.Mode = "async"
		resp.Metadata.TotalMs = time.Since(start).Milliseconds()
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	// Sync path: score inline and return the snapshot.
	result, err := h.runner.ScoreDocument(ctx, tenantID, doc)
	if err != nil {
		h.writeScoringError(w, doc.ID, err)
		return
	}

	resp.Mode = "sync"
	resp.Score = result.Score
	resp.Alert = result.Alert
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

// GetDocument retrieves a document by ID.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	docID := chi.URLParam(r, "id")

	doc, err := h.repo.GetDocument(ctx, tenantID, docID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "document not found",
			})
			return
		}
		slog.Error("failed to get document", "id", docID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get document",
		})
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// GetScore retrieves a score snapshot by ID.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	scoreID := chi.URLParam(r, "id")

	score, err := h.repo.GetScore(ctx, tenantID, scoreID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "score not found",
			})
			return
		}
		slog.Error("failed to get score", "id", scoreID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get score",
		})
		return
	}

	writeJSON(w, http.StatusOK, score)
}

// ListSubjectScores returns a subject's score history inside a window,
// oldest first, for trend charts.
func (h *Handler) ListSubjectScores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	subject, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	window := windowFromQuery(r, 90)

	scores, err := h.repo.GetScoresBySubject(ctx, tenantID, subject, window)
	if err != nil {
		slog.Error("failed to list scores", "subject", subject.Key(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list scores",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject": subject,
		"window":  window,
		"scores":  scores,
		"count":   len(scores),
	})
}

// GetLatestSubjectScore returns the newest snapshot for a subject.
func (h *Handler) GetLatestSubjectScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	subject, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	score, err := h.repo.GetLatestScore(ctx, tenantID, subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no score for subject",
			})
			return
		}
		slog.Error("failed to get latest score", "subject", subject.Key(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get latest score",
		})
		return
	}

	writeJSON(w, http.StatusOK, score)
}

// ScoreCompany handles POST /companies/{id}/score: an on-demand
// company-level scoring run.
func (h *Handler) ScoreCompany(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	companyID := chi.URLParam(r, "id")

	result, err := h.runner.ScoreCompany(ctx, tenantID, companyID)
	if err != nil {
		h.writeScoringError(w, companyID, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// RunBatch handles POST /batch/score: score every company with
// documents in the evaluation window.
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	report, err := h.runner.RunBatch(ctx, tenantID)
	if err != nil {
		slog.Error("batch run failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "batch run failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ListAlerts returns alerts matching the filter query parameters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	filter := domain.AlertFilter{
		Severity: domain.Severity(r.URL.Query().Get("severity")),
		Status:   domain.AlertStatus(r.URL.Query().Get("status")),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := r.URL.Query().Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}

	alerts, err := h.repo.ListAlerts(ctx, tenantID, filter)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	alert, err := h.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "alert not found",
			})
			return
		}
		slog.Error("failed to get alert", "id", alertID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get alert",
		})
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// AcknowledgeAlert handles POST /alerts/{id}/acknowledge.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	alert, err := h.alerts.Acknowledge(ctx, tenantID, alertID)
	if err != nil {
		h.writeAlertError(w, alertID, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// ResolveAlert handles POST /alerts/{id}/resolve.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	alert, err := h.alerts.Resolve(ctx, tenantID, alertID, r.Header.Get(ActorIDHeader))
	if err != nil {
		h.writeAlertError(w, alertID, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// IgnoreAlert handles POST /alerts/{id}/ignore.
func (h *Handler) IgnoreAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	alert, err := h.alerts.Ignore(ctx, tenantID, alertID, r.Header.Get(ActorIDHeader))
	if err != nil {
		h.writeAlertError(w, alertID, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// ListRules returns all rules currently loaded in the registry.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	category := domain.RuleCategory(r.URL.Query().Get("category"))
	loaded := h.registry.ListActiveRules(category)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule retrieves a rule by code from the loaded registry.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	rule, err := h.registry.GetRule(code)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	Code        string              `json:"code"`
	Description string              `json:"description,omitempty"`
	Severity    domain.Severity     `json:"severity"`
	Weight      float64             `json:"weight"`
	Category    domain.RuleCategory `json:"category"`
	Expression  string              `json:"expression"`
	Active      bool                `json:"active"`
}

// CreateRule registers a tenant-defined expression rule and saves it to
// the database. Rules are saved globally (tenant_id = "*") so they
// apply to all tenants. A rule with a bad expression is rejected here,
// at registration time, never during a scoring run.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Code == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "code and expression are required",
		})
		return
	}

	rule := &domain.RiskRule{
		Code:        req.Code,
		TenantID:    GlobalTenantID,
		Description: req.Description,
		Severity:    req.Severity,
		Weight:      req.Weight,
		Category:    req.Category,
		Kind:        domain.RuleKindExpression,
		Expression:  req.Expression,
		Active:      req.Active,
	}

	// Compiles the CEL expression; a rejected rule never reaches the
	// registry or the database.
	if err := h.registry.Register(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, GlobalTenantID, rule); err != nil {
		slog.Error("failed to save rule", "code", rule.Code, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "code", rule.Code, "category", rule.Category)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created and registered.",
	})
}

// ReloadRules reloads all rules from the database into the registry.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbRules, err := h.repo.ListRules(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.registry.Reload(dbRules); err != nil {
		slog.Error("failed to reload rules into registry", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// TopRules handles GET /reports/top-rules: the most frequently
// triggered rule codes in a window.
func (h *Handler) TopRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	days := 30
	if d := r.URL.Query().Get("days"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			days = n
		}
	}
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	now := time.Now().UTC()
	window := domain.Window{From: now.AddDate(0, 0, -days), To: now}

	freqs, err := h.repo.TopTriggeredRules(ctx, tenantID, window, limit)
	if err != nil {
		slog.Error("failed to compute top rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute top rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window": window,
		"rules":  freqs,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeScoringError maps scoring pipeline errors onto HTTP statuses:
// an in-flight run is a conflict, a blown time budget is a gateway
// timeout, anything else is a 500.
func (h *Handler) writeScoringError(w http.ResponseWriter, subjectID string, err error) {
	if errors.Is(err, domain.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "scoring run already in progress",
		})
		return
	}

	var timeout *domain.ScoringTimeoutError
	if errors.As(err, &timeout) {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{
			"error": timeout.Error(),
		})
		return
	}

	slog.Error("scoring run failed", "subject_id", subjectID, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "scoring run failed",
	})
}

func (h *Handler) writeAlertError(w http.ResponseWriter, alertID string, err error) {
	var transition *domain.InvalidTransitionError
	if errors.As(err, &transition) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": transition.Error(),
		})
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "alert not found",
		})
		return
	}

	slog.Error("alert action failed", "id", alertID, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "alert action failed",
	})
}

func subjectFromRequest(w http.ResponseWriter, r *http.Request) (domain.SubjectRef, bool) {
	kind := domain.SubjectKind(chi.URLParam(r, "kind"))
	id := chi.URLParam(r, "id")

	if kind != domain.SubjectDocument && kind != domain.SubjectCompany {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "subject kind must be 'document' or 'company'",
		})
		return domain.SubjectRef{}, false
	}

	return domain.SubjectRef{Kind: kind, ID: id}, true
}

// windowFromQuery parses from/to query parameters, defaulting to the
// trailing defaultDays.
func windowFromQuery(r *http.Request, defaultDays int) domain.Window {
	now := time.Now().UTC()
	window := domain.Window{From: now.AddDate(0, 0, -defaultDays), To: now}

	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			window.From = t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			window.To = t
		}
	}
	return window
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
