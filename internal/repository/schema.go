package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    type TEXT NOT NULL,
    debtor_id TEXT NOT NULL,
    creditor_id TEXT NOT NULL,
    counterparty_id TEXT NOT NULL,
    counterparty_name TEXT,
    counterparty_tax_number TEXT,
    counterparty_address TEXT,
    counterparty_email TEXT,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    issue_date TIMESTAMP NOT NULL,
    due_date TIMESTAMP,
    reference TEXT,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);
CREATE INDEX IF NOT EXISTS idx_documents_company ON documents(tenant_id, company_id, issue_date);
CREATE INDEX IF NOT EXISTS idx_documents_counterparty ON documents(tenant_id, counterparty_id);
`

const schemaRiskRules = `
CREATE TABLE IF NOT EXISTS risk_rules (
    code TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    description TEXT,
    severity TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    category TEXT NOT NULL,
    kind TEXT NOT NULL,
    expression TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (code, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_risk_rules_tenant ON risk_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_risk_rules_active ON risk_rules(tenant_id, active);
`

// Scores are append-only snapshots; a re-run inserts a new row and the
// old one stays for trend history.
const schemaRiskScores = `
CREATE TABLE IF NOT EXISTS risk_scores (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_kind TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    score REAL NOT NULL,
    severity TEXT NOT NULL,
    triggered_rules TEXT NOT NULL,
    document_id TEXT,
    fingerprint TEXT NOT NULL,
    generated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_scores_tenant ON risk_scores(tenant_id);
CREATE INDEX IF NOT EXISTS idx_risk_scores_subject ON risk_scores(tenant_id, subject_kind, subject_id, generated_at);
CREATE INDEX IF NOT EXISTS idx_risk_scores_generated ON risk_scores(tenant_id, generated_at);
`

// risk_score_rules denormalizes triggered codes per snapshot so the
// top-triggered-rules breakdown is a plain GROUP BY.
const schemaRiskScoreRules = `
CREATE TABLE IF NOT EXISTS risk_score_rules (
    score_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    rule_code TEXT NOT NULL,
    description TEXT,
    contribution REAL NOT NULL,
    generated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (score_id, rule_code)
);

CREATE INDEX IF NOT EXISTS idx_score_rules_code ON risk_score_rules(tenant_id, rule_code, generated_at);
`

const schemaRiskAlerts = `
CREATE TABLE IF NOT EXISTS risk_alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_kind TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    document_id TEXT,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    message TEXT,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    score_id TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    resolved_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_risk_alerts_tenant ON risk_alerts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_risk_alerts_status ON risk_alerts(tenant_id, status, severity);
CREATE INDEX IF NOT EXISTS idx_risk_alerts_fingerprint ON risk_alerts(tenant_id, fingerprint, status);
CREATE INDEX IF NOT EXISTS idx_risk_alerts_created ON risk_alerts(tenant_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDocuments,
		schemaRiskRules,
		schemaRiskScores,
		schemaRiskScoreRules,
		schemaRiskAlerts,
	}
}
