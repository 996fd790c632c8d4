package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"registra/internal/audit"
	"registra/internal/blob"
	"registra/internal/identity"
	"registra/internal/lease"
	"registra/internal/lifecycle"
	"registra/internal/metrics"
	"registra/internal/search"
	"registra/internal/store"
	"registra/internal/util"
	"registra/internal/workflow"
)

// Store is the persistence surface the service needs: the plain query set,
// transactional execution, and liveness.
type Store interface {
	store.Queries
	WithTx(ctx context.Context, fn func(q store.Queries) error) error
	Ping(ctx context.Context) error
}

// Service implements the record-control operations: document lifecycle,
// approval workflow, edit leases, and the audit trail.
type Service struct {
	store     Store
	leases    lease.Store
	blobs     blob.Store
	directory identity.Provider
	search    *search.Service
	trail     *audit.Trail
	metrics   *metrics.Metrics
	log       zerolog.Logger

	now             func() time.Time
	defaultLeaseTTL time.Duration
	maxLeaseTTL     time.Duration
}

type ServiceConfig struct {
	Store     Store
	Leases    lease.Store
	Blobs     blob.Store
	Directory identity.Provider
	Search    *search.Service
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time

	DefaultLeaseTTL time.Duration
	MaxLeaseTTL     time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	defaultTTL := cfg.DefaultLeaseTTL
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	maxTTL := cfg.MaxLeaseTTL
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	s := &Service{
		store:           cfg.Store,
		leases:          cfg.Leases,
		blobs:           cfg.Blobs,
		directory:       cfg.Directory,
		search:          cfg.Search,
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
		now:             now,
		defaultLeaseTTL: defaultTTL,
		maxLeaseTTL:     maxTTL,
	}
	s.trail = audit.NewTrail(cfg.Store, now)
	if cfg.Metrics != nil {
		s.trail.Retried = cfg.Metrics.AuditAppendRetriesTotal.Inc
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ResolveActor looks up the calling actor in the directory.
func (s *Service) ResolveActor(ctx context.Context, actorID string) (store.Actor, error) {
	return s.directory.Resolve(ctx, actorID)
}

// DocumentDetail is the full read model for one document.
type DocumentDetail struct {
	Document  store.Document         `json:"document"`
	Latest    *store.Version         `json:"latest,omitempty"`
	Approvals []store.ApprovalRecord `json:"approvals"`
	Lease     *lease.Lease           `json:"lease,omitempty"`
}

type CreateDocumentInput struct {
	ID         string `json:"id"`
	DocType    string `json:"docType"`
	Title      string `json:"title"`
	TemplateID string `json:"templateId"`
	Content    string `json:"content"`
}

// CreateDocument registers a new controlled document in DRAFT with its first
// version.
func (s *Service) CreateDocument(ctx context.Context, actorID string, in CreateDocumentInput) (DocumentDetail, error) {
	if strings.TrimSpace(in.Title) == "" {
		return DocumentDetail{}, validationError("title is required", nil)
	}
	if strings.TrimSpace(in.DocType) == "" {
		return DocumentDetail{}, validationError("docType is required", nil)
	}
	if strings.TrimSpace(in.Content) == "" {
		return DocumentDetail{}, validationError("content is required", nil)
	}

	template, err := s.store.GetTemplate(ctx, in.TemplateID)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentDetail{}, validationError("unknown workflow template", map[string]any{"templateId": in.TemplateID})
	}
	if err != nil {
		return DocumentDetail{}, fmt.Errorf("load template: %w", err)
	}
	if template.DocType != "" && template.DocType != in.DocType {
		return DocumentDetail{}, validationError("template does not cover this document type", map[string]any{
			"templateDocType": template.DocType,
			"docType":         in.DocType,
		})
	}

	ref, err := s.blobs.Put(ctx, []byte(in.Content))
	if err != nil {
		return DocumentDetail{}, fmt.Errorf("store content: %w", err)
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = util.NewID("doc")
	}

	doc := store.Document{
		ID:             id,
		DocType:        in.DocType,
		Title:          in.Title,
		Status:         string(lifecycle.StatusDraft),
		CurrentVersion: 1,
		TemplateID:     template.ID,
		Owner:          actorID,
	}
	version := store.Version{
		DocumentID: id,
		Number:     1,
		ContentRef: ref,
		Author:     actorID,
	}

	err = s.store.WithTx(ctx, func(q store.Queries) error {
		if err := q.InsertDocument(ctx, doc); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return conflictError("document id already exists", map[string]any{"id": id})
			}
			return err
		}
		if err := q.InsertVersion(ctx, version); err != nil {
			return err
		}
		_, err := s.trail.AppendIn(ctx, q, audit.Entry{
			DocumentID: id,
			Actor:      actorID,
			Action:     string(lifecycle.ActionCreate),
			PrevStatus: "",
			NewStatus:  doc.Status,
			Version:    1,
		})
		return err
	})
	if err != nil {
		return DocumentDetail{}, err
	}

	s.countTransition(lifecycle.ActionCreate, lifecycle.StatusDraft)
	s.indexDocument(doc)
	s.log.Info().Str("document_id", id).Str("actor", actorID).Msg("document created")

	return s.GetDocument(ctx, id)
}

// GetDocument returns the document, its latest version, approvals recorded
// for that version, and the live edit lease if one exists.
func (s *Service) GetDocument(ctx context.Context, documentID string) (DocumentDetail, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentDetail{}, notFound("document not found")
	}
	if err != nil {
		return DocumentDetail{}, fmt.Errorf("load document: %w", err)
	}

	detail := DocumentDetail{Document: doc, Approvals: []store.ApprovalRecord{}}
	if doc.CurrentVersion > 0 {
		latest, err := s.store.GetVersion(ctx, documentID, doc.CurrentVersion)
		if err != nil {
			return DocumentDetail{}, fmt.Errorf("load latest version: %w", err)
		}
		detail.Latest = &latest

		approvals, err := s.store.ListApprovals(ctx, documentID, doc.CurrentVersion, -1)
		if err != nil {
			return DocumentDetail{}, fmt.Errorf("load approvals: %w", err)
		}
		detail.Approvals = approvals
	}

	if l, found, err := s.leases.Get(ctx, documentID); err == nil && found {
		detail.Lease = &l
	}
	return detail, nil
}

// GetVersion returns one version row and its stored content.
func (s *Service) GetVersion(ctx context.Context, documentID string, number int) (store.Version, []byte, error) {
	v, err := s.store.GetVersion(ctx, documentID, number)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Version{}, nil, notFound("version not found")
	}
	if err != nil {
		return store.Version{}, nil, fmt.Errorf("load version: %w", err)
	}
	content, err := s.blobs.Get(ctx, v.ContentRef)
	if errors.Is(err, blob.ErrNotFound) {
		return store.Version{}, nil, notFound("version content not found")
	}
	if err != nil {
		return store.Version{}, nil, fmt.Errorf("load content: %w", err)
	}
	return v, content, nil
}

func (s *Service) ListDocuments(ctx context.Context, status, docType string) ([]store.Document, error) {
	if status != "" && !lifecycle.Valid(lifecycle.Status(status)) {
		return nil, validationError("unknown status filter", map[string]any{"status": status})
	}
	return s.store.ListDocuments(ctx, status, docType)
}

// Summary reports register-wide counts by lifecycle status.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

func (s *Service) Summarize(ctx context.Context) (Summary, error) {
	counts, err := s.store.CountDocumentsByStatus(ctx)
	if err != nil {
		return Summary{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return Summary{Total: total, ByStatus: counts}, nil
}

// RegisterTemplate validates and stores a new approval policy. Templates are
// immutable; a changed policy is registered under a new id.
func (s *Service) RegisterTemplate(ctx context.Context, t workflow.Template) (workflow.Template, error) {
	if err := workflow.Validate(t); err != nil {
		return workflow.Template{}, validationError(err.Error(), nil)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = util.NewID("wft")
	}
	if err := s.store.InsertTemplate(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return workflow.Template{}, conflictError("template id already exists", map[string]any{"id": t.ID})
		}
		return workflow.Template{}, err
	}
	s.log.Info().Str("template_id", t.ID).Int("stages", len(t.Stages)).Msg("workflow template registered")
	return t, nil
}

func (s *Service) GetTemplate(ctx context.Context, templateID string) (workflow.Template, error) {
	t, err := s.store.GetTemplate(ctx, templateID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Template{}, notFound("template not found")
	}
	if err != nil {
		return workflow.Template{}, fmt.Errorf("load template: %w", err)
	}
	return t, nil
}

// AcquireLease grants or refreshes an exclusive edit lease on a document that
// is currently editable.
func (s *Service) AcquireLease(ctx context.Context, actorID, documentID string, ttl time.Duration) (lease.Lease, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return lease.Lease{}, notFound("document not found")
	}
	if err != nil {
		return lease.Lease{}, fmt.Errorf("load document: %w", err)
	}
	if _, ok := commitAction(lifecycle.Status(doc.Status)); !ok {
		return lease.Lease{}, invalidTransition("document is not editable in its current status", map[string]any{
			"status": doc.Status,
		})
	}

	if ttl <= 0 {
		ttl = s.defaultLeaseTTL
	}
	if ttl > s.maxLeaseTTL {
		ttl = s.maxLeaseTTL
	}

	l, err := s.leases.Acquire(ctx, documentID, actorID, ttl)
	if errors.Is(err, lease.ErrHeld) {
		if s.metrics != nil {
			s.metrics.LeaseConflictsTotal.Inc()
		}
		return lease.Lease{}, lockedError("document is locked by another editor", map[string]any{
			"holder":    l.Holder,
			"expiresAt": l.ExpiresAt,
		})
	}
	if err != nil {
		return lease.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	if s.metrics != nil {
		s.metrics.LeaseAcquisitionsTotal.Inc()
	}
	s.auditSideEvent(ctx, documentID, actorID, "lease_acquire", doc)
	return l, nil
}

// ReleaseLease drops the caller's lease. Releasing a lease you no longer
// hold, or that already expired, is a no-op.
func (s *Service) ReleaseLease(ctx context.Context, actorID, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("document not found")
	}
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	held, found, err := s.leases.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("inspect lease: %w", err)
	}
	if err := s.leases.Release(ctx, documentID, actorID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if found && held.Holder == actorID {
		s.auditSideEvent(ctx, documentID, actorID, "lease_release", doc)
	}
	return nil
}

type CommitInput struct {
	BaseVersion int    `json:"baseVersion"`
	Content     string `json:"content"`
}

// Commit stores new content as the next version and moves the document into
// DRAFT. BaseVersion is the optimistic token: it must equal the document's
// current version or the commit is refused.
func (s *Service) Commit(ctx context.Context, actorID, documentID string, in CommitInput) (DocumentDetail, error) {
	if strings.TrimSpace(in.Content) == "" {
		return DocumentDetail{}, validationError("content is required", nil)
	}

	if held, found, err := s.leases.Get(ctx, documentID); err != nil {
		return DocumentDetail{}, fmt.Errorf("inspect lease: %w", err)
	} else if found && held.Holder != actorID {
		return DocumentDetail{}, lockedError("document is locked by another editor", map[string]any{
			"holder":    held.Holder,
			"expiresAt": held.ExpiresAt,
		})
	}

	ref, err := s.blobs.Put(ctx, []byte(in.Content))
	if err != nil {
		return DocumentDetail{}, fmt.Errorf("store content: %w", err)
	}

	var committed store.Document
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		doc, err := q.GetDocumentForUpdate(ctx, documentID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("document not found")
		}
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}

		action, ok := commitAction(lifecycle.Status(doc.Status))
		if !ok {
			s.countRejected(lifecycle.ActionCommit)
			return invalidTransition("cannot commit in current status", map[string]any{"status": doc.Status})
		}
		next, _ := lifecycle.Next(lifecycle.Status(doc.Status), action)

		if in.BaseVersion != doc.CurrentVersion {
			if s.metrics != nil {
				s.metrics.CommitConflictsTotal.Inc()
			}
			return conflictError("base version is stale", map[string]any{
				"baseVersion":    in.BaseVersion,
				"currentVersion": doc.CurrentVersion,
			})
		}

		latest, err := q.GetVersion(ctx, documentID, doc.CurrentVersion)
		if err != nil {
			return fmt.Errorf("load latest version: %w", err)
		}
		if latest.ContentRef == ref {
			return validationError("content is identical to the current version", map[string]any{
				"version": doc.CurrentVersion,
			})
		}

		prev := doc.CurrentVersion
		version := store.Version{
			DocumentID:  documentID,
			Number:      prev + 1,
			ContentRef:  ref,
			Author:      actorID,
			Predecessor: &prev,
		}
		if err := q.InsertVersion(ctx, version); err != nil {
			if errors.Is(err, store.ErrSequenceConflict) {
				return concurrentWrite("another commit claimed this version number")
			}
			return err
		}

		prevStatus := doc.Status
		doc.Status = string(next)
		doc.CurrentVersion = version.Number
		doc.ReviewStage = 0
		if err := q.UpdateDocumentState(ctx, doc); err != nil {
			return err
		}

		if _, err := s.trail.AppendIn(ctx, q, audit.Entry{
			DocumentID: documentID,
			Actor:      actorID,
			Action:     string(action),
			PrevStatus: prevStatus,
			NewStatus:  doc.Status,
			Version:    version.Number,
		}); err != nil {
			return err
		}

		committed = doc
		s.countTransition(action, next)
		return nil
	})
	if err != nil {
		return DocumentDetail{}, err
	}

	s.indexDocument(committed)
	s.log.Info().Str("document_id", documentID).Str("actor", actorID).
		Int("version", committed.CurrentVersion).Msg("version committed")
	return s.GetDocument(ctx, documentID)
}

// SubmitForReview routes the current draft version into its approval
// workflow, starting at the first stage.
func (s *Service) SubmitForReview(ctx context.Context, actorID, documentID string) (DocumentDetail, error) {
	var submitted store.Document
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		doc, err := q.GetDocumentForUpdate(ctx, documentID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("document not found")
		}
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}

		next, ok := lifecycle.Next(lifecycle.Status(doc.Status), lifecycle.ActionSubmitForReview)
		if !ok {
			s.countRejected(lifecycle.ActionSubmitForReview)
			return invalidTransition("cannot submit for review in current status", map[string]any{"status": doc.Status})
		}
		if doc.CurrentVersion < 1 {
			return validationError("document has no committed version", nil)
		}

		prevStatus := doc.Status
		doc.Status = string(next)
		doc.ReviewStage = 0
		if err := q.UpdateDocumentState(ctx, doc); err != nil {
			return err
		}

		if _, err := s.trail.AppendIn(ctx, q, audit.Entry{
			DocumentID: documentID,
			Actor:      actorID,
			Action:     string(lifecycle.ActionSubmitForReview),
			PrevStatus: prevStatus,
			NewStatus:  doc.Status,
			Version:    doc.CurrentVersion,
		}); err != nil {
			return err
		}

		submitted = doc
		s.countTransition(lifecycle.ActionSubmitForReview, next)
		return nil
	})
	if err != nil {
		return DocumentDetail{}, err
	}

	s.indexDocument(submitted)
	s.log.Info().Str("document_id", documentID).Str("actor", actorID).Msg("submitted for review")
	return s.GetDocument(ctx, documentID)
}

type DecisionInput struct {
	Role     string            `json:"role"`
	Decision workflow.Decision `json:"decision"`
	Comment  string            `json:"comment"`
}

// DecisionResult describes where the review stands after one decision.
type DecisionResult struct {
	Document    store.Document `json:"document"`
	StageIndex  int            `json:"stageIndex"`
	StageClosed bool           `json:"stageClosed"`
}

// Decide records one approver's verdict on the version under review and
// advances the workflow: a rejection closes the review immediately, a
// satisfied final stage approves the document, a satisfied earlier stage
// moves review to the next one.
func (s *Service) Decide(ctx context.Context, actorID, documentID string, in DecisionInput) (DecisionResult, error) {
	if in.Decision != workflow.DecisionApproved && in.Decision != workflow.DecisionRejected {
		return DecisionResult{}, validationError("decision must be APPROVED or REJECTED", nil)
	}

	var result DecisionResult
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		doc, err := q.GetDocumentForUpdate(ctx, documentID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("document not found")
		}
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}
		if lifecycle.Status(doc.Status) != lifecycle.StatusInReview {
			return invalidTransition("document is not in review", map[string]any{"status": doc.Status})
		}

		template, err := q.GetTemplate(ctx, doc.TemplateID)
		if err != nil {
			return fmt.Errorf("load template: %w", err)
		}
		if doc.ReviewStage < 0 || doc.ReviewStage >= len(template.Stages) {
			return fmt.Errorf("review stage %d out of range for template %s", doc.ReviewStage, template.ID)
		}
		stage := template.Stages[doc.ReviewStage]

		if !stageHasRole(stage, in.Role) {
			return validationError("role is not part of the current review stage", map[string]any{
				"role":  in.Role,
				"stage": stage.Name,
			})
		}
		hasRole, err := q.ActorHasRole(ctx, actorID, in.Role)
		if err != nil {
			return fmt.Errorf("check actor role: %w", err)
		}
		if !hasRole {
			return forbidden("actor does not hold the required role")
		}

		if err := q.UpsertApproval(ctx, store.ApprovalRecord{
			DocumentID: documentID,
			Version:    doc.CurrentVersion,
			StageIndex: doc.ReviewStage,
			Approver:   actorID,
			Role:       in.Role,
			Decision:   string(in.Decision),
			Comment:    in.Comment,
		}); err != nil {
			return err
		}

		records, err := q.ListApprovals(ctx, documentID, doc.CurrentVersion, doc.ReviewStage)
		if err != nil {
			return err
		}
		decisions := make([]workflow.StageDecision, 0, len(records))
		for _, r := range records {
			decisions = append(decisions, workflow.StageDecision{
				Approver: r.Approver,
				Role:     r.Role,
				Decision: workflow.Decision(r.Decision),
			})
		}

		prevStatus := doc.Status
		action := "decision"
		switch workflow.EvaluateStage(stage, decisions) {
		case workflow.StageRejected:
			next, _ := lifecycle.Next(lifecycle.StatusInReview, lifecycle.ActionReject)
			doc.Status = string(next)
			action = string(lifecycle.ActionReject)
			result.StageClosed = true
			s.countTransition(lifecycle.ActionReject, next)
		case workflow.StageSatisfied:
			result.StageClosed = true
			if doc.ReviewStage == len(template.Stages)-1 {
				next, _ := lifecycle.Next(lifecycle.StatusInReview, lifecycle.ActionApprove)
				doc.Status = string(next)
				action = string(lifecycle.ActionApprove)
				s.countTransition(lifecycle.ActionApprove, next)
			} else {
				doc.ReviewStage++
			}
		}

		if err := q.UpdateDocumentState(ctx, doc); err != nil {
			return err
		}
		if _, err := s.trail.AppendIn(ctx, q, audit.Entry{
			DocumentID: documentID,
			Actor:      actorID,
			Action:     action,
			PrevStatus: prevStatus,
			NewStatus:  doc.Status,
			Version:    doc.CurrentVersion,
		}); err != nil {
			return err
		}

		result.Document = doc
		result.StageIndex = doc.ReviewStage
		return nil
	})
	if err != nil {
		return DecisionResult{}, err
	}

	s.indexDocument(result.Document)
	s.log.Info().Str("document_id", documentID).Str("actor", actorID).
		Str("decision", string(in.Decision)).Str("status", result.Document.Status).
		Msg("approval decision recorded")
	return result, nil
}

// Activate puts the approved version into force. Any previously effective
// version of the document is closed in the same transaction, keeping at most
// one version effective at a time.
func (s *Service) Activate(ctx context.Context, actorID, documentID string) (DocumentDetail, error) {
	var activated store.Document
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		doc, err := q.GetDocumentForUpdate(ctx, documentID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("document not found")
		}
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}

		next, ok := lifecycle.Next(lifecycle.Status(doc.Status), lifecycle.ActionActivate)
		if !ok {
			s.countRejected(lifecycle.ActionActivate)
			return invalidTransition("only an approved document can be activated", map[string]any{"status": doc.Status})
		}

		now := s.now().UTC()
		if doc.EffectiveVersion != nil && *doc.EffectiveVersion != doc.CurrentVersion {
			if err := q.CloseEffectiveVersion(ctx, documentID, *doc.EffectiveVersion, now); err != nil {
				return err
			}
			if _, err := s.trail.AppendIn(ctx, q, audit.Entry{
				DocumentID: documentID,
				Actor:      actorID,
				Action:     string(lifecycle.ActionSupersede),
				PrevStatus: string(lifecycle.StatusEffective),
				NewStatus:  string(lifecycle.StatusObsolete),
				Version:    *doc.EffectiveVersion,
			}); err != nil {
				return err
			}
		}

		if err := q.MarkVersionEffective(ctx, documentID, doc.CurrentVersion, now); err != nil {
			return err
		}

		prevStatus := doc.Status
		doc.Status = string(next)
		current := doc.CurrentVersion
		doc.EffectiveVersion = &current
		if err := q.UpdateDocumentState(ctx, doc); err != nil {
			return err
		}

		if _, err := s.trail.AppendIn(ctx, q, audit.Entry{
			DocumentID: documentID,
			Actor:      actorID,
			Action:     string(lifecycle.ActionActivate),
			PrevStatus: prevStatus,
			NewStatus:  doc.Status,
			Version:    doc.CurrentVersion,
		}); err != nil {
			return err
		}

		activated = doc
		s.countTransition(lifecycle.ActionActivate, next)
		return nil
	})
	if err != nil {
		return DocumentDetail{}, err
	}

	s.indexDocument(activated)
	s.log.Info().Str("document_id", documentID).Str("actor", actorID).
		Int("version", activated.CurrentVersion).Msg("version activated")
	return s.GetDocument(ctx, documentID)
}

// Retire takes an effective document out of force. The document becomes
// OBSOLETE and its effective version is closed.
func (s *Service) Retire(ctx context.Context, actorID, documentID string) (DocumentDetail, error) {
	var retired store.Document
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		doc, err := q.GetDocumentForUpdate(ctx, documentID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("document not found")
		}
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}

		next, ok := lifecycle.Next(lifecycle.Status(doc.Status), lifecycle.ActionSupersede)
		if !ok {
			s.countRejected(lifecycle.ActionSupersede)
			return invalidTransition("only an effective document can be retired", map[string]any{"status": doc.Status})
		}

		now := s.now().UTC()
		if doc.EffectiveVersion != nil {
			if err := q.CloseEffectiveVersion(ctx, documentID, *doc.EffectiveVersion, now); err != nil {
				return err
			}
		}

		prevStatus := doc.Status
		doc.Status = string(next)
		doc.EffectiveVersion = nil
		if err := q.UpdateDocumentState(ctx, doc); err != nil {
			return err
		}

		if _, err := s.trail.AppendIn(ctx, q, audit.Entry{
			DocumentID: documentID,
			Actor:      actorID,
			Action:     string(lifecycle.ActionSupersede),
			PrevStatus: prevStatus,
			NewStatus:  doc.Status,
			Version:    doc.CurrentVersion,
		}); err != nil {
			return err
		}

		retired = doc
		s.countTransition(lifecycle.ActionSupersede, next)
		return nil
	})
	if err != nil {
		return DocumentDetail{}, err
	}

	s.indexDocument(retired)
	s.log.Info().Str("document_id", documentID).Str("actor", actorID).Msg("document retired")
	return s.GetDocument(ctx, documentID)
}

// Withdraw terminally removes a document that never needs to take effect.
// A document with a version still in force cannot be withdrawn; retire it
// instead.
func (s *Service) Withdraw(ctx context.Context, actorID, documentID string) (DocumentDetail, error) {
	var withdrawn store.Document
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		doc, err := q.GetDocumentForUpdate(ctx, documentID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("document not found")
		}
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}

		next, ok := lifecycle.Next(lifecycle.Status(doc.Status), lifecycle.ActionWithdraw)
		if !ok {
			s.countRejected(lifecycle.ActionWithdraw)
			return invalidTransition("cannot withdraw in current status", map[string]any{"status": doc.Status})
		}
		if doc.EffectiveVersion != nil {
			return invalidTransition("document has a version in force; retire it instead", map[string]any{
				"effectiveVersion": *doc.EffectiveVersion,
			})
		}

		prevStatus := doc.Status
		doc.Status = string(next)
		if err := q.UpdateDocumentState(ctx, doc); err != nil {
			return err
		}

		if _, err := s.trail.AppendIn(ctx, q, audit.Entry{
			DocumentID: documentID,
			Actor:      actorID,
			Action:     string(lifecycle.ActionWithdraw),
			PrevStatus: prevStatus,
			NewStatus:  doc.Status,
			Version:    doc.CurrentVersion,
		}); err != nil {
			return err
		}

		withdrawn = doc
		s.countTransition(lifecycle.ActionWithdraw, next)
		return nil
	})
	if err != nil {
		return DocumentDetail{}, err
	}

	// Any outstanding lease is pointless on a terminal document.
	if held, found, err := s.leases.Get(ctx, documentID); err == nil && found {
		_ = s.leases.Release(ctx, documentID, held.Holder)
	}

	s.indexDocument(withdrawn)
	s.log.Info().Str("document_id", documentID).Str("actor", actorID).Msg("document withdrawn")
	return s.GetDocument(ctx, documentID)
}

// History returns the document's audit events after a sequence cursor.
func (s *Service) History(ctx context.Context, documentID string, afterSeq int64, limit int) ([]store.AuditEvent, error) {
	if _, err := s.store.GetDocument(ctx, documentID); errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("document not found")
	} else if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return s.store.ListAuditEvents(ctx, documentID, afterSeq, limit)
}

// VerifyChain recomputes the document's whole audit chain and reports the
// first broken link, if any.
func (s *Service) VerifyChain(ctx context.Context, documentID string) (audit.VerifyResult, error) {
	if _, err := s.store.GetDocument(ctx, documentID); errors.Is(err, sql.ErrNoRows) {
		return audit.VerifyResult{}, notFound("document not found")
	} else if err != nil {
		return audit.VerifyResult{}, fmt.Errorf("load document: %w", err)
	}

	var events []store.AuditEvent
	var cursor int64
	for {
		batch, err := s.store.ListAuditEvents(ctx, documentID, cursor, 500)
		if err != nil {
			return audit.VerifyResult{}, err
		}
		events = append(events, batch...)
		if len(batch) < 500 {
			break
		}
		cursor = batch[len(batch)-1].Seq
	}

	result := audit.VerifyChain(events)
	if s.metrics != nil {
		outcome := "ok"
		if !result.Valid {
			outcome = "broken"
		}
		s.metrics.AuditChainVerifications.WithLabelValues(outcome).Inc()
	}
	if !result.Valid {
		s.log.Error().Str("document_id", documentID).Int64("broken_seq", result.BrokenSeq).
			Msg("audit chain verification failed")
	}
	return result, nil
}

// UpsertActor registers or renames a directory entry. Roles are only set on
// first registration.
func (s *Service) UpsertActor(ctx context.Context, actorID, displayName string, roles []string) (store.Actor, error) {
	if strings.TrimSpace(actorID) == "" {
		return store.Actor{}, validationError("actor id is required", nil)
	}
	return s.store.EnsureActor(ctx, actorID, displayName, roles)
}

// ActorsByRole lists the directory actors holding one role.
func (s *Service) ActorsByRole(ctx context.Context, role string) ([]store.Actor, error) {
	if strings.TrimSpace(role) == "" {
		return nil, validationError("role is required", nil)
	}
	return s.directory.ListByRole(ctx, role)
}

// PendingApprovers lists, per role of the current review stage, the directory
// actors who can still move the review forward.
func (s *Service) PendingApprovers(ctx context.Context, documentID string) (map[string][]store.Actor, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("document not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if lifecycle.Status(doc.Status) != lifecycle.StatusInReview {
		return map[string][]store.Actor{}, nil
	}

	template, err := s.store.GetTemplate(ctx, doc.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if doc.ReviewStage >= len(template.Stages) {
		return map[string][]store.Actor{}, nil
	}

	out := make(map[string][]store.Actor)
	for _, role := range template.Stages[doc.ReviewStage].Roles {
		actors, err := s.store.ListActorsByRole(ctx, role)
		if err != nil {
			return nil, err
		}
		out[role] = actors
	}
	return out, nil
}

// SearchDocuments runs a full-text query over the register.
func (s *Service) SearchDocuments(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// commitAction maps a status to the action a new commit takes from it.
func commitAction(status lifecycle.Status) (lifecycle.Action, bool) {
	if _, ok := lifecycle.Next(status, lifecycle.ActionCommit); ok {
		return lifecycle.ActionCommit, true
	}
	if _, ok := lifecycle.Next(status, lifecycle.ActionRevise); ok {
		return lifecycle.ActionRevise, true
	}
	return "", false
}

func stageHasRole(stage workflow.Stage, role string) bool {
	for _, r := range stage.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (s *Service) countTransition(action lifecycle.Action, next lifecycle.Status) {
	if s.metrics != nil {
		s.metrics.TransitionsTotal.WithLabelValues(string(action), string(next)).Inc()
	}
}

func (s *Service) countRejected(action lifecycle.Action) {
	if s.metrics != nil {
		s.metrics.TransitionsRejected.WithLabelValues(string(action)).Inc()
	}
}

// auditSideEvent records a non-transition event (lease activity) on the
// chain. These appends run outside the document row lock, so the trail's own
// retry handles raced sequence slots.
func (s *Service) auditSideEvent(ctx context.Context, documentID, actorID, action string, doc store.Document) {
	_, err := s.trail.Append(ctx, audit.Entry{
		DocumentID: documentID,
		Actor:      actorID,
		Action:     action,
		PrevStatus: doc.Status,
		NewStatus:  doc.Status,
		Version:    doc.CurrentVersion,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("document_id", documentID).Str("action", action).
			Msg("audit side event not recorded")
	}
}

func (s *Service) indexDocument(doc store.Document) {
	if s.search == nil || doc.ID == "" {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:      doc.ID,
		Title:   doc.Title,
		DocType: doc.DocType,
		Status:  doc.Status,
		Owner:   doc.Owner,
	})
}
