package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"registra/internal/workflow"
)

// ErrSequenceConflict is returned when an insert raced another writer for the
// same (document, sequence) or (document, version) slot.
var ErrSequenceConflict = errors.New("sequence slot already taken")

// ErrDuplicate is returned when an insert collides with an existing primary
// key that is caller-chosen rather than sequence-assigned.
var ErrDuplicate = errors.New("already exists")

// Queries is the set of operations available both on the plain store and
// inside a transaction.
type Queries interface {
	GetDocument(ctx context.Context, documentID string) (Document, error)
	GetDocumentForUpdate(ctx context.Context, documentID string) (Document, error)
	InsertDocument(ctx context.Context, doc Document) error
	UpdateDocumentState(ctx context.Context, doc Document) error
	ListDocuments(ctx context.Context, status, docType string) ([]Document, error)
	CountDocumentsByStatus(ctx context.Context) (map[string]int, error)

	InsertVersion(ctx context.Context, v Version) error
	GetVersion(ctx context.Context, documentID string, number int) (Version, error)
	MarkVersionEffective(ctx context.Context, documentID string, number int, at time.Time) error
	CloseEffectiveVersion(ctx context.Context, documentID string, number int, at time.Time) error

	InsertTemplate(ctx context.Context, t workflow.Template) error
	GetTemplate(ctx context.Context, templateID string) (workflow.Template, error)

	UpsertApproval(ctx context.Context, rec ApprovalRecord) error
	ListApprovals(ctx context.Context, documentID string, version, stageIndex int) ([]ApprovalRecord, error)

	LastAuditEvent(ctx context.Context, documentID string) (AuditEvent, bool, error)
	InsertAuditEvent(ctx context.Context, ev AuditEvent) error
	ListAuditEvents(ctx context.Context, documentID string, afterSeq int64, limit int) ([]AuditEvent, error)

	GetActor(ctx context.Context, actorID string) (Actor, error)
	EnsureActor(ctx context.Context, actorID, displayName string, roles []string) (Actor, error)
	ListActorsByRole(ctx context.Context, role string) ([]Actor, error)
	ActorHasRole(ctx context.Context, actorID, role string) (bool, error)
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	queries
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, queries: queries{db: db}}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a single database transaction. Every mutating
// lifecycle operation uses this so that version, status, approval, and audit
// writes land atomically or not at all.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&queries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type queries struct {
	db dbtx
}

const documentColumns = `id, doc_type, title, status, current_version, effective_version, template_id, owner, review_stage, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID,
		&doc.DocType,
		&doc.Title,
		&doc.Status,
		&doc.CurrentVersion,
		&doc.EffectiveVersion,
		&doc.TemplateID,
		&doc.Owner,
		&doc.ReviewStage,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	return doc, err
}

func (q *queries) GetDocument(ctx context.Context, documentID string) (Document, error) {
	return scanDocument(q.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id=$1
	`, documentID))
}

// GetDocumentForUpdate locks the document row for the remainder of the
// transaction, serializing concurrent transitions per document.
func (q *queries) GetDocumentForUpdate(ctx context.Context, documentID string) (Document, error) {
	return scanDocument(q.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id=$1
		FOR UPDATE
	`, documentID))
}

func (q *queries) InsertDocument(ctx context.Context, doc Document) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO documents (id, doc_type, title, status, current_version, effective_version, template_id, owner, review_stage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, doc.ID, doc.DocType, doc.Title, doc.Status, doc.CurrentVersion, doc.EffectiveVersion, doc.TemplateID, doc.Owner, doc.ReviewStage)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert document %s: %w", doc.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (q *queries) UpdateDocumentState(ctx context.Context, doc Document) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE documents
		SET status=$2, current_version=$3, effective_version=$4, review_stage=$5, updated_at=NOW()
		WHERE id=$1
	`, doc.ID, doc.Status, doc.CurrentVersion, doc.EffectiveVersion, doc.ReviewStage)
	if err != nil {
		return fmt.Errorf("update document state: %w", err)
	}
	return nil
}

func (q *queries) ListDocuments(ctx context.Context, status, docType string) ([]Document, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE ($1='' OR status=$1)
		  AND ($2='' OR doc_type=$2)
		ORDER BY updated_at DESC
	`, status, docType)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (q *queries) CountDocumentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*)::int
		FROM documents
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan document count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document counts: %w", err)
	}
	return counts, nil
}

const versionColumns = `document_id, number, content_ref, author, predecessor, effective_from, effective_to, created_at`

func scanVersion(row interface{ Scan(...any) error }) (Version, error) {
	var v Version
	err := row.Scan(
		&v.DocumentID,
		&v.Number,
		&v.ContentRef,
		&v.Author,
		&v.Predecessor,
		&v.EffectiveFrom,
		&v.EffectiveTo,
		&v.CreatedAt,
	)
	return v, err
}

// InsertVersion appends an immutable version row. The (document_id, number)
// primary key turns a raced insert into ErrSequenceConflict so the caller can
// surface a version conflict without ever consuming a number.
func (q *queries) InsertVersion(ctx context.Context, v Version) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO versions (document_id, number, content_ref, author, predecessor)
		VALUES ($1, $2, $3, $4, $5)
	`, v.DocumentID, v.Number, v.ContentRef, v.Author, v.Predecessor)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert version %d: %w", v.Number, ErrSequenceConflict)
	}
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (q *queries) GetVersion(ctx context.Context, documentID string, number int) (Version, error) {
	return scanVersion(q.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE document_id=$1 AND number=$2
	`, documentID, number))
}

func (q *queries) MarkVersionEffective(ctx context.Context, documentID string, number int, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE versions
		SET effective_from=$3, effective_to=NULL
		WHERE document_id=$1 AND number=$2
	`, documentID, number, at)
	if err != nil {
		return fmt.Errorf("mark version effective: %w", err)
	}
	return nil
}

func (q *queries) CloseEffectiveVersion(ctx context.Context, documentID string, number int, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE versions
		SET effective_to=$3
		WHERE document_id=$1 AND number=$2 AND effective_to IS NULL
	`, documentID, number, at)
	if err != nil {
		return fmt.Errorf("close effective version: %w", err)
	}
	return nil
}

func (q *queries) InsertTemplate(ctx context.Context, t workflow.Template) error {
	spec, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template spec: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO workflow_templates (id, name, doc_type, spec_json)
		VALUES ($1, $2, $3, $4::jsonb)
	`, t.ID, t.Name, t.DocType, string(spec))
	if isUniqueViolation(err) {
		return fmt.Errorf("insert template %s: %w", t.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (q *queries) GetTemplate(ctx context.Context, templateID string) (workflow.Template, error) {
	var raw []byte
	err := q.db.QueryRowContext(ctx, `
		SELECT spec_json FROM workflow_templates WHERE id=$1
	`, templateID).Scan(&raw)
	if err != nil {
		return workflow.Template{}, err
	}
	var t workflow.Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return workflow.Template{}, fmt.Errorf("unmarshal template spec: %w", err)
	}
	return t, nil
}

// UpsertApproval records a decision, overwriting the approver's earlier
// decision for the same (version, stage). Stage-closure immutability is
// enforced above the store, where the active stage index is known.
func (q *queries) UpsertApproval(ctx context.Context, rec ApprovalRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO approval_records (document_id, version, stage_index, approver, role, decision, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, version, stage_index, approver)
		DO UPDATE SET role=EXCLUDED.role, decision=EXCLUDED.decision, comment=EXCLUDED.comment, decided_at=NOW()
	`, rec.DocumentID, rec.Version, rec.StageIndex, rec.Approver, rec.Role, rec.Decision, rec.Comment)
	if err != nil {
		return fmt.Errorf("upsert approval: %w", err)
	}
	return nil
}

func (q *queries) ListApprovals(ctx context.Context, documentID string, version, stageIndex int) ([]ApprovalRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT document_id, version, stage_index, approver, role, decision, COALESCE(comment, ''), decided_at
		FROM approval_records
		WHERE document_id=$1 AND version=$2 AND ($3 < 0 OR stage_index=$3)
		ORDER BY stage_index ASC, decided_at ASC
	`, documentID, version, stageIndex)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalRecord, 0)
	for rows.Next() {
		var item ApprovalRecord
		if err := rows.Scan(
			&item.DocumentID,
			&item.Version,
			&item.StageIndex,
			&item.Approver,
			&item.Role,
			&item.Decision,
			&item.Comment,
			&item.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

const auditColumns = `document_id, seq, actor, action, prev_status, new_status, version, prev_hash, hash, created_at`

func scanAuditEvent(row interface{ Scan(...any) error }) (AuditEvent, error) {
	var ev AuditEvent
	err := row.Scan(
		&ev.DocumentID,
		&ev.Seq,
		&ev.Actor,
		&ev.Action,
		&ev.PrevStatus,
		&ev.NewStatus,
		&ev.Version,
		&ev.PrevHash,
		&ev.Hash,
		&ev.CreatedAt,
	)
	return ev, err
}

func (q *queries) LastAuditEvent(ctx context.Context, documentID string) (AuditEvent, bool, error) {
	ev, err := scanAuditEvent(q.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_events
		WHERE document_id=$1
		ORDER BY seq DESC
		LIMIT 1
	`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return AuditEvent{}, false, nil
	}
	if err != nil {
		return AuditEvent{}, false, fmt.Errorf("last audit event: %w", err)
	}
	return ev, true, nil
}

// InsertAuditEvent writes one chained event. A raced sequence slot surfaces
// as ErrSequenceConflict via the (document_id, seq) primary key; the audit
// trail retries with a recomputed predecessor hash.
func (q *queries) InsertAuditEvent(ctx context.Context, ev AuditEvent) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_events (document_id, seq, actor, action, prev_status, new_status, version, prev_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.DocumentID, ev.Seq, ev.Actor, ev.Action, ev.PrevStatus, ev.NewStatus, ev.Version, ev.PrevHash, ev.Hash, ev.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert audit event seq %d: %w", ev.Seq, ErrSequenceConflict)
	}
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (q *queries) ListAuditEvents(ctx context.Context, documentID string, afterSeq int64, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_events
		WHERE document_id=$1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, documentID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		item, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

func scanActor(row interface{ Scan(...any) error }) (Actor, error) {
	var actor Actor
	var rolesRaw []byte
	if err := row.Scan(&actor.ID, &actor.DisplayName, &rolesRaw, &actor.CreatedAt); err != nil {
		return Actor{}, err
	}
	if err := json.Unmarshal(rolesRaw, &actor.Roles); err != nil {
		return Actor{}, fmt.Errorf("unmarshal actor roles: %w", err)
	}
	return actor, nil
}

func (q *queries) GetActor(ctx context.Context, actorID string) (Actor, error) {
	return scanActor(q.db.QueryRowContext(ctx, `
		SELECT id, display_name, roles_json, created_at FROM actors WHERE id=$1
	`, actorID))
}

func (q *queries) EnsureActor(ctx context.Context, actorID, displayName string, roles []string) (Actor, error) {
	if roles == nil {
		roles = []string{}
	}
	encoded, err := json.Marshal(roles)
	if err != nil {
		return Actor{}, fmt.Errorf("marshal actor roles: %w", err)
	}
	return scanActor(q.db.QueryRowContext(ctx, `
		INSERT INTO actors (id, display_name, roles_json)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, roles_json, created_at
	`, actorID, displayName, string(encoded)))
}

func (q *queries) ListActorsByRole(ctx context.Context, role string) ([]Actor, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, display_name, roles_json, created_at
		FROM actors
		WHERE roles_json ? $1
		ORDER BY display_name ASC
	`, role)
	if err != nil {
		return nil, fmt.Errorf("list actors by role: %w", err)
	}
	defer rows.Close()

	items := make([]Actor, 0)
	for rows.Next() {
		item, err := scanActor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actors: %w", err)
	}
	return items, nil
}

func (q *queries) ActorHasRole(ctx context.Context, actorID, role string) (bool, error) {
	var has bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM actors WHERE id=$1 AND roles_json ? $2)
	`, actorID, role).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("check actor role: %w", err)
	}
	return has, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}
