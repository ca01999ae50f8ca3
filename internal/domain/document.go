// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// SubjectKind identifies what kind of entity a score or alert refers to.
type SubjectKind string

const (
	SubjectDocument SubjectKind = "document"
	SubjectCompany  SubjectKind = "company"
)

// SubjectRef identifies the entity being scored.
type SubjectRef struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// Key returns a stable string form used for lock keys and fingerprints.
func (s SubjectRef) Key() string {
	return string(s.Kind) + ":" + s.ID
}

// Document represents an ingested accounting document (invoice, payment,
// transfer) to be scored. Direction is debtor -> creditor; one side is
// always the owning client company.
type Document struct {
	// Core identifiers
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	CompanyID string `json:"companyId"`

	// Document type (e.g., "invoice", "payment", "transfer")
	Type string `json:"type"`

	// Parties involved
	DebtorID     string `json:"debtorId"`
	CreditorID   string `json:"creditorId"`
	Counterparty Party  `json:"counterparty"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Temporal
	IssueDate time.Time `json:"issueDate"`
	DueDate   time.Time `json:"dueDate"`
	CreatedAt time.Time `json:"createdAt"`

	// Reference is the counterparty's document number (e.g., "INV-2024-0042").
	Reference string `json:"reference"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Party represents the non-company side of a document, with the
// identifying attributes used by related-party clustering.
type Party struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	TaxNumber string `json:"taxNumber,omitempty"`
	Address   string `json:"address,omitempty"`
	Email     string `json:"email,omitempty"`
}

// DocumentRequest is the API request payload for document ingestion.
type DocumentRequest struct {
	CompanyID    string                 `json:"companyId"`
	Type         string                 `json:"type"`
	DebtorID     string                 `json:"debtorId"`
	CreditorID   string                 `json:"creditorId"`
	Counterparty Party                  `json:"counterparty"`
	Amount       float64                `json:"amount"`
	Currency     string                 `json:"currency"`
	IssueDate    time.Time              `json:"issueDate"`
	DueDate      time.Time              `json:"dueDate"`
	Reference    string                 `json:"reference"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToDocument converts a request to a Document domain object.
func (r *DocumentRequest) ToDocument(tenantID string) *Document {
	now := time.Now().UTC()
	issue := r.IssueDate
	if issue.IsZero() {
		issue = now
	}
	return &Document{
		TenantID:     tenantID,
		CompanyID:    r.CompanyID,
		Type:         r.Type,
		DebtorID:     r.DebtorID,
		CreditorID:   r.CreditorID,
		Counterparty: r.Counterparty,
		Amount:       r.Amount,
		Currency:     r.Currency,
		IssueDate:    issue,
		DueDate:      r.DueDate,
		Reference:    r.Reference,
		CreatedAt:    now,
		Metadata:     r.Metadata,
	}
}

// Window bounds a detector evaluation to an explicit time range so cost
// stays linear in window size, not total tenant history.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}
