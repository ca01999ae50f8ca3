// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/defterlab/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDocument stores a document with tenant isolation.
func (r *SQLRepository) SaveDocument(ctx context.Context, tenantID string, doc *domain.Document) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(doc.Metadata)

	query := `
		INSERT INTO documents (
			id, tenant_id, company_id, type, debtor_id, creditor_id,
			counterparty_id, counterparty_name, counterparty_tax_number,
			counterparty_address, counterparty_email,
			amount, currency, issue_date, due_date, reference, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		doc.ID, tenantID, doc.CompanyID, doc.Type,
		doc.DebtorID, doc.CreditorID,
		doc.Counterparty.ID, doc.Counterparty.Name, doc.Counterparty.TaxNumber,
		doc.Counterparty.Address, doc.Counterparty.Email,
		doc.Amount, doc.Currency,
		doc.IssueDate, nullTime(doc.DueDate), doc.Reference, doc.CreatedAt,
		string(metadata),
	)
	return err
}

// GetDocument retrieves a document by ID with tenant isolation.
func (r *SQLRepository) GetDocument(ctx context.Context, tenantID string, docID string) (*domain.Document, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, company_id, type, debtor_id, creditor_id,
		       counterparty_id, counterparty_name, counterparty_tax_number,
		       counterparty_address, counterparty_email,
		       amount, currency, issue_date, due_date, reference, created_at, metadata
		FROM documents
		WHERE tenant_id = ? AND id = ?
	`

	doc, err := scanDocument(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, docID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// GetDocumentsByCompany retrieves a company's documents inside an
// explicit window, oldest first.
func (r *SQLRepository) GetDocumentsByCompany(ctx context.Context, tenantID string, companyID string, window domain.Window) ([]*domain.Document, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, company_id, type, debtor_id, creditor_id,
		       counterparty_id, counterparty_name, counterparty_tax_number,
		       counterparty_address, counterparty_email,
		       amount, currency, issue_date, due_date, reference, created_at, metadata
		FROM documents
		WHERE tenant_id = ?
		  AND company_id = ?
		  AND issue_date >= ? AND issue_date <= ?
		ORDER BY issue_date ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, companyID, window.From, window.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListCompanyIDs returns the distinct company ids with documents in the window.
func (r *SQLRepository) ListCompanyIDs(ctx context.Context, tenantID string, window domain.Window) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT DISTINCT company_id FROM documents
		WHERE tenant_id = ? AND issue_date >= ? AND issue_date <= ?
		ORDER BY company_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, window.From, window.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveRule stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.RiskRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	active := 0
	if rule.Active {
		active = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO risk_rules (
			code, tenant_id, description, severity, weight, category, kind, expression, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, tenant_id) DO UPDATE SET
			description = excluded.description,
			severity = excluded.severity,
			weight = excluded.weight,
			category = excluded.category,
			kind = excluded.kind,
			expression = excluded.expression,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Code, tenantID, rule.Description, string(rule.Severity), rule.Weight,
		string(rule.Category), string(rule.Kind), rule.Expression, active,
		now, now,
	)
	return err
}

// GetRule retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, code string) (*domain.RiskRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT code, tenant_id, description, severity, weight, category, kind, expression, active, created_at, updated_at
		FROM risk_rules
		WHERE tenant_id = ? AND code = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all rule configurations for a tenant, ordered by
// code for reproducible registry loads.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.RiskRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT code, tenant_id, description, severity, weight, category, kind, expression, active, created_at, updated_at
		FROM risk_rules
		WHERE tenant_id = ?
		ORDER BY code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RiskRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveScore appends a score snapshot and its triggered-rule rows.
// Snapshots are never updated or deleted.
func (r *SQLRepository) SaveScore(ctx context.Context, tenantID string, score *domain.RiskScore) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	triggered, _ := json.Marshal(score.TriggeredRules)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO risk_scores (
			id, tenant_id, subject_kind, subject_id, score, severity,
			triggered_rules, document_id, fingerprint, generated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, r.rebind(query),
		score.ID, tenantID, string(score.Subject.Kind), score.Subject.ID,
		score.Score, string(score.Severity),
		string(triggered), score.DocumentID, score.Fingerprint, score.GeneratedAt,
	); err != nil {
		return err
	}

	ruleQuery := `
		INSERT INTO risk_score_rules (score_id, tenant_id, rule_code, description, contribution, generated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, rule := range score.TriggeredRules {
		if _, err := tx.ExecContext(ctx, r.rebind(ruleQuery),
			score.ID, tenantID, rule.Code, rule.Description, rule.Contribution, score.GeneratedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetScore retrieves a score snapshot by ID with tenant isolation.
func (r *SQLRepository) GetScore(ctx context.Context, tenantID string, scoreID string) (*domain.RiskScore, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_kind, subject_id, score, severity,
		       triggered_rules, document_id, fingerprint, generated_at
		FROM risk_scores
		WHERE tenant_id = ? AND id = ?
	`

	score, err := scanScore(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, scoreID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return score, err
}

// GetScoresBySubject returns a subject's snapshots inside a window,
// time-ordered for trend charts.
func (r *SQLRepository) GetScoresBySubject(ctx context.Context, tenantID string, subject domain.SubjectRef, window domain.Window) ([]*domain.RiskScore, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_kind, subject_id, score, severity,
		       triggered_rules, document_id, fingerprint, generated_at
		FROM risk_scores
		WHERE tenant_id = ? AND subject_kind = ? AND subject_id = ?
		  AND generated_at >= ? AND generated_at <= ?
		ORDER BY generated_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		tenantID, string(subject.Kind), subject.ID, window.From, window.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []*domain.RiskScore
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

// GetLatestScore returns the newest snapshot for a subject.
func (r *SQLRepository) GetLatestScore(ctx context.Context, tenantID string, subject domain.SubjectRef) (*domain.RiskScore, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_kind, subject_id, score, severity,
		       triggered_rules, document_id, fingerprint, generated_at
		FROM risk_scores
		WHERE tenant_id = ? AND subject_kind = ? AND subject_id = ?
		ORDER BY generated_at DESC
		LIMIT 1
	`

	score, err := scanScore(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(subject.Kind), subject.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return score, err
}

// TopTriggeredRules returns the most frequently triggered rule codes in
// a window, for the breakdown report.
func (r *SQLRepository) TopTriggeredRules(ctx context.Context, tenantID string, window domain.Window, limit int) ([]domain.RuleFrequency, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT rule_code, MAX(description), COUNT(*) AS cnt
		FROM risk_score_rules
		WHERE tenant_id = ? AND generated_at >= ? AND generated_at <= ?
		GROUP BY rule_code
		ORDER BY cnt DESC, rule_code
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, window.From, window.To, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var freqs []domain.RuleFrequency
	for rows.Next() {
		var f domain.RuleFrequency
		var desc sql.NullString
		if err := rows.Scan(&f.RuleCode, &desc, &f.Count); err != nil {
			return nil, err
		}
		f.Description = desc.String
		freqs = append(freqs, f)
	}
	return freqs, rows.Err()
}

// SaveAlert stores a new alert with tenant isolation.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, alert *domain.RiskAlert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO risk_alerts (
			id, tenant_id, subject_kind, subject_id, document_id, type,
			title, message, severity, status, score_id, fingerprint,
			created_at, updated_at, resolved_at, resolved_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, string(alert.Subject.Kind), alert.Subject.ID,
		alert.DocumentID, string(alert.Type),
		alert.Title, alert.Message, string(alert.Severity), string(alert.Status),
		alert.ScoreID, alert.Fingerprint,
		alert.CreatedAt, alert.UpdatedAt, alert.ResolvedAt, alert.ResolvedBy,
	)
	return err
}

// UpdateAlert persists a status transition. Only lifecycle fields
// change; the alert record itself is an audit trail.
func (r *SQLRepository) UpdateAlert(ctx context.Context, tenantID string, alert *domain.RiskAlert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE risk_alerts
		SET status = ?, updated_at = ?, resolved_at = ?, resolved_by = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(alert.Status), alert.UpdatedAt, alert.ResolvedAt, alert.ResolvedBy,
		tenantID, alert.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert retrieves an alert by ID with tenant isolation.
func (r *SQLRepository) GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.RiskAlert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_kind, subject_id, document_id, type,
		       title, message, severity, status, score_id, fingerprint,
		       created_at, updated_at, resolved_at, resolved_by
		FROM risk_alerts
		WHERE tenant_id = ? AND id = ?
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// ListAlerts retrieves alerts matching the filter, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.RiskAlert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_kind, subject_id, document_id, type,
		       title, message, severity, status, score_id, fingerprint,
		       created_at, updated_at, resolved_at, resolved_by
		FROM risk_alerts
		WHERE tenant_id = ?
	`
	args := []any{tenantID}

	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.Until)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.RiskAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// FindOpenAlert returns the newest non-terminal alert with the given
// fingerprint created after since.
func (r *SQLRepository) FindOpenAlert(ctx context.Context, tenantID string, fingerprint string, since time.Time) (*domain.RiskAlert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_kind, subject_id, document_id, type,
		       title, message, severity, status, score_id, fingerprint,
		       created_at, updated_at, resolved_at, resolved_by
		FROM risk_alerts
		WHERE tenant_id = ? AND fingerprint = ?
		  AND status IN ('open', 'in_progress')
		  AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, fingerprint, since))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*domain.Document, error) {
	var doc domain.Document
	var due sql.NullTime
	var name, taxNo, addr, email, reference, metadata sql.NullString

	err := row.Scan(
		&doc.ID, &doc.TenantID, &doc.CompanyID, &doc.Type,
		&doc.DebtorID, &doc.CreditorID,
		&doc.Counterparty.ID, &name, &taxNo, &addr, &email,
		&doc.Amount, &doc.Currency, &doc.IssueDate, &due, &reference, &doc.CreatedAt,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	doc.Counterparty.Name = name.String
	doc.Counterparty.TaxNumber = taxNo.String
	doc.Counterparty.Address = addr.String
	doc.Counterparty.Email = email.String
	doc.Reference = reference.String
	if due.Valid {
		doc.DueDate = due.Time
	}
	if metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &doc.Metadata)
	}
	return &doc, nil
}

func scanRule(row scanner) (*domain.RiskRule, error) {
	var rule domain.RiskRule
	var desc, expression sql.NullString
	var active int

	err := row.Scan(
		&rule.Code, &rule.TenantID, &desc, &rule.Severity, &rule.Weight,
		&rule.Category, &rule.Kind, &expression, &active,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = desc.String
	rule.Expression = expression.String
	rule.Active = active == 1
	return &rule, nil
}

func scanScore(row scanner) (*domain.RiskScore, error) {
	var score domain.RiskScore
	var triggered string
	var docID sql.NullString

	err := row.Scan(
		&score.ID, &score.TenantID, &score.Subject.Kind, &score.Subject.ID,
		&score.Score, &score.Severity,
		&triggered, &docID, &score.Fingerprint, &score.GeneratedAt,
	)
	if err != nil {
		return nil, err
	}

	score.DocumentID = docID.String
	if triggered != "" {
		json.Unmarshal([]byte(triggered), &score.TriggeredRules)
	}
	return &score, nil
}

func scanAlert(row scanner) (*domain.RiskAlert, error) {
	var alert domain.RiskAlert
	var docID, message, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&alert.ID, &alert.TenantID, &alert.Subject.Kind, &alert.Subject.ID,
		&docID, &alert.Type,
		&alert.Title, &message, &alert.Severity, &alert.Status,
		&alert.ScoreID, &alert.Fingerprint,
		&alert.CreatedAt, &alert.UpdatedAt, &resolvedAt, &resolvedBy,
	)
	if err != nil {
		return nil, err
	}

	alert.DocumentID = docID.String
	alert.Message = message.String
	alert.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	return &alert, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
