package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Document operations
	SaveDocument(ctx context.Context, tenantID string, doc *Document) error
	GetDocument(ctx context.Context, tenantID string, docID string) (*Document, error)

	// GetDocumentsByCompany returns the bounded history used as the
	// statistical baseline and the pattern-detection window.
	GetDocumentsByCompany(ctx context.Context, tenantID string, companyID string, window Window) ([]*Document, error)

	// ListCompanyIDs returns the distinct company ids with documents in
	// the window; the batch runner iterates these.
	ListCompanyIDs(ctx context.Context, tenantID string, window Window) ([]string, error)

	// Rule catalog operations
	SaveRule(ctx context.Context, tenantID string, rule *RiskRule) error
	GetRule(ctx context.Context, tenantID string, code string) (*RiskRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*RiskRule, error)

	// Score snapshots (append-only)
	SaveScore(ctx context.Context, tenantID string, score *RiskScore) error
	GetScore(ctx context.Context, tenantID string, scoreID string) (*RiskScore, error)
	GetScoresBySubject(ctx context.Context, tenantID string, subject SubjectRef, window Window) ([]*RiskScore, error)
	GetLatestScore(ctx context.Context, tenantID string, subject SubjectRef) (*RiskScore, error)
	TopTriggeredRules(ctx context.Context, tenantID string, window Window, limit int) ([]RuleFrequency, error)

	// Alert operations
	SaveAlert(ctx context.Context, tenantID string, alert *RiskAlert) error
	UpdateAlert(ctx context.Context, tenantID string, alert *RiskAlert) error
	GetAlert(ctx context.Context, tenantID string, alertID string) (*RiskAlert, error)
	ListAlerts(ctx context.Context, tenantID string, filter AlertFilter) ([]*RiskAlert, error)

	// FindOpenAlert returns the newest non-terminal alert with the given
	// fingerprint created after since, or ErrNotFound.
	FindOpenAlert(ctx context.Context, tenantID string, fingerprint string, since time.Time) (*RiskAlert, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
