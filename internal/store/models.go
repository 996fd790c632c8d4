package store

import "time"

type Document struct {
	ID               string    `json:"id"`
	DocType          string    `json:"docType"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	CurrentVersion   int       `json:"currentVersion"`
	EffectiveVersion *int      `json:"effectiveVersion,omitempty"`
	TemplateID       string    `json:"templateId"`
	Owner            string    `json:"owner"`
	ReviewStage      int       `json:"reviewStage"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Version is an immutable content snapshot. Numbers per document form a
// gap-free increasing sequence starting at 1.
type Version struct {
	DocumentID    string     `json:"documentId"`
	Number        int        `json:"number"`
	ContentRef    string     `json:"contentRef"`
	Author        string     `json:"author"`
	Predecessor   *int       `json:"predecessor,omitempty"`
	EffectiveFrom *time.Time `json:"effectiveFrom,omitempty"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// ApprovalRecord is one approver's response for one document version within
// one stage. Role records which template role the decision was cast under.
type ApprovalRecord struct {
	DocumentID string    `json:"documentId"`
	Version    int       `json:"version"`
	StageIndex int       `json:"stageIndex"`
	Approver   string    `json:"approver"`
	Role       string    `json:"role"`
	Decision   string    `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decidedAt"`
}

// AuditEvent is an append-only, hash-chained log entry. Seq is per document
// and strictly increasing; Hash covers the event fields and PrevHash.
type AuditEvent struct {
	DocumentID string    `json:"documentId"`
	Seq        int64     `json:"seq"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	PrevStatus string    `json:"prevStatus"`
	NewStatus  string    `json:"newStatus"`
	Version    int       `json:"version"`
	PrevHash   string    `json:"prevHash"`
	Hash       string    `json:"hash"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Actor struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Roles       []string  `json:"roles"`
	CreatedAt   time.Time `json:"createdAt"`
}
