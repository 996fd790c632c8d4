package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"registra/internal/audit"
	"registra/internal/blob"
	"registra/internal/identity"
	"registra/internal/lease"
	"registra/internal/store"
	"registra/internal/workflow"
)

// memStore is a functional in-memory Store for service tests.
type memStore struct {
	mu        sync.Mutex
	docs      map[string]store.Document
	versions  map[string]map[int]store.Version
	templates map[string]workflow.Template
	approvals map[string][]store.ApprovalRecord
	events    map[string][]store.AuditEvent
	actors    map[string]store.Actor
}

func newMemStore() *memStore {
	return &memStore{
		docs:      make(map[string]store.Document),
		versions:  make(map[string]map[int]store.Version),
		templates: make(map[string]workflow.Template),
		approvals: make(map[string][]store.ApprovalRecord),
		events:    make(map[string][]store.AuditEvent),
		actors:    make(map[string]store.Actor),
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	return fn(m)
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) GetDocument(ctx context.Context, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memStore) GetDocumentForUpdate(ctx context.Context, id string) (store.Document, error) {
	return m.GetDocument(ctx, id)
}

func (m *memStore) InsertDocument(ctx context.Context, doc store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return store.ErrDuplicate
	}
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	m.docs[doc.ID] = doc
	return nil
}

func (m *memStore) UpdateDocumentState(ctx context.Context, doc store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.docs[doc.ID]
	if !ok {
		return sql.ErrNoRows
	}
	existing.Status = doc.Status
	existing.CurrentVersion = doc.CurrentVersion
	existing.EffectiveVersion = doc.EffectiveVersion
	existing.ReviewStage = doc.ReviewStage
	existing.UpdatedAt = time.Now()
	m.docs[doc.ID] = existing
	return nil
}

func (m *memStore) ListDocuments(ctx context.Context, status, docType string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Document, 0)
	for _, doc := range m.docs {
		if status != "" && doc.Status != status {
			continue
		}
		if docType != "" && doc.DocType != docType {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CountDocumentsByStatus(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, doc := range m.docs {
		counts[doc.Status]++
	}
	return counts, nil
}

func (m *memStore) InsertVersion(ctx context.Context, v store.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[v.DocumentID] == nil {
		m.versions[v.DocumentID] = make(map[int]store.Version)
	}
	if _, ok := m.versions[v.DocumentID][v.Number]; ok {
		return store.ErrSequenceConflict
	}
	v.CreatedAt = time.Now()
	m.versions[v.DocumentID][v.Number] = v
	return nil
}

func (m *memStore) GetVersion(ctx context.Context, id string, number int) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id][number]
	if !ok {
		return store.Version{}, sql.ErrNoRows
	}
	return v, nil
}

func (m *memStore) MarkVersionEffective(ctx context.Context, id string, number int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id][number]
	if !ok {
		return sql.ErrNoRows
	}
	v.EffectiveFrom = &at
	v.EffectiveTo = nil
	m.versions[id][number] = v
	return nil
}

func (m *memStore) CloseEffectiveVersion(ctx context.Context, id string, number int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id][number]
	if !ok {
		return sql.ErrNoRows
	}
	if v.EffectiveTo == nil {
		v.EffectiveTo = &at
		m.versions[id][number] = v
	}
	return nil
}

func (m *memStore) InsertTemplate(ctx context.Context, t workflow.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; ok {
		return store.ErrDuplicate
	}
	m.templates[t.ID] = t
	return nil
}

func (m *memStore) GetTemplate(ctx context.Context, id string) (workflow.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return workflow.Template{}, sql.ErrNoRows
	}
	return t, nil
}

func (m *memStore) UpsertApproval(ctx context.Context, rec store.ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.DecidedAt = time.Now()
	records := m.approvals[rec.DocumentID]
	for i, existing := range records {
		if existing.Version == rec.Version && existing.StageIndex == rec.StageIndex && existing.Approver == rec.Approver {
			records[i] = rec
			return nil
		}
	}
	m.approvals[rec.DocumentID] = append(records, rec)
	return nil
}

func (m *memStore) ListApprovals(ctx context.Context, id string, version, stageIndex int) ([]store.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ApprovalRecord, 0)
	for _, rec := range m.approvals[id] {
		if rec.Version != version {
			continue
		}
		if stageIndex >= 0 && rec.StageIndex != stageIndex {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) LastAuditEvent(ctx context.Context, id string) (store.AuditEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[id]
	if len(events) == 0 {
		return store.AuditEvent{}, false, nil
	}
	return events[len(events)-1], true, nil
}

func (m *memStore) InsertAuditEvent(ctx context.Context, ev store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events[ev.DocumentID] {
		if existing.Seq == ev.Seq {
			return store.ErrSequenceConflict
		}
	}
	m.events[ev.DocumentID] = append(m.events[ev.DocumentID], ev)
	return nil
}

func (m *memStore) ListAuditEvents(ctx context.Context, id string, afterSeq int64, limit int) ([]store.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]store.AuditEvent, 0)
	for _, ev := range m.events[id] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetActor(ctx context.Context, id string) (store.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	actor, ok := m.actors[id]
	if !ok {
		return store.Actor{}, sql.ErrNoRows
	}
	return actor, nil
}

func (m *memStore) EnsureActor(ctx context.Context, id, displayName string, roles []string) (store.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.actors[id]; ok {
		existing.DisplayName = displayName
		m.actors[id] = existing
		return existing, nil
	}
	actor := store.Actor{ID: id, DisplayName: displayName, Roles: roles, CreatedAt: time.Now()}
	m.actors[id] = actor
	return actor, nil
}

func (m *memStore) ListActorsByRole(ctx context.Context, role string) ([]store.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Actor, 0)
	for _, actor := range m.actors {
		for _, r := range actor.Roles {
			if r == role {
				out = append(out, actor)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ActorHasRole(ctx context.Context, id, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	actor, ok := m.actors[id]
	if !ok {
		return false, nil
	}
	for _, r := range actor.Roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	m := newMemStore()
	svc := NewService(ServiceConfig{
		Store:     m,
		Leases:    lease.NewMemoryStore(),
		Blobs:     blob.NewMemoryStore(),
		Directory: identity.NewDirectory(m),
		Logger:    zerolog.Nop(),
	})

	ctx := context.Background()
	seed := []store.Actor{
		{ID: "alice", DisplayName: "Alice", Roles: []string{"editor"}},
		{ID: "qa1", DisplayName: "QA One", Roles: []string{"approver", "qa"}},
		{ID: "qa2", DisplayName: "QA Two", Roles: []string{"approver", "qa"}},
		{ID: "eng1", DisplayName: "Eng One", Roles: []string{"approver", "engineering"}},
		{ID: "root", DisplayName: "Root", Roles: []string{"admin"}},
	}
	for _, actor := range seed {
		if _, err := m.EnsureActor(ctx, actor.ID, actor.DisplayName, actor.Roles); err != nil {
			t.Fatalf("seed actor %s: %v", actor.ID, err)
		}
	}

	if _, err := svc.RegisterTemplate(ctx, workflow.Template{
		ID:      "tpl-sop",
		Name:    "Standard Operating Procedure",
		DocType: "SOP",
		Roles:   []string{"qa", "engineering"},
		Stages: []workflow.Stage{
			{Name: "quality review", Roles: []string{"qa"}, Rule: workflow.RuleAnyOne},
			{Name: "cross approval", Roles: []string{"qa", "engineering"}, Rule: workflow.RuleUnanimous},
		},
	}); err != nil {
		t.Fatalf("register template: %v", err)
	}
	return svc, m
}

func mustCreate(t *testing.T, svc *Service, id string) DocumentDetail {
	t.Helper()
	detail, err := svc.CreateDocument(context.Background(), "alice", CreateDocumentInput{
		ID:         id,
		DocType:    "SOP",
		Title:      "Calibration Procedure",
		TemplateID: "tpl-sop",
		Content:    "rev 1 content",
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return detail
}

// runs the full approval route: qa stage, then unanimous qa+engineering.
func approveAll(t *testing.T, svc *Service, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.Decide(ctx, "qa1", id, DecisionInput{Role: "qa", Decision: workflow.DecisionApproved}); err != nil {
		t.Fatalf("qa stage decision: %v", err)
	}
	if _, err := svc.Decide(ctx, "qa2", id, DecisionInput{Role: "qa", Decision: workflow.DecisionApproved}); err != nil {
		t.Fatalf("final stage qa decision: %v", err)
	}
	if _, err := svc.Decide(ctx, "eng1", id, DecisionInput{Role: "engineering", Decision: workflow.DecisionApproved}); err != nil {
		t.Fatalf("final stage engineering decision: %v", err)
	}
}

func TestHappyPathToEffective(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	detail := mustCreate(t, svc, "SOP-001")
	if detail.Document.Status != "DRAFT" || detail.Document.CurrentVersion != 1 {
		t.Fatalf("unexpected created document: %+v", detail.Document)
	}

	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-001"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, err := svc.Decide(ctx, "qa1", "SOP-001", DecisionInput{Role: "qa", Decision: workflow.DecisionApproved})
	if err != nil {
		t.Fatalf("first decision: %v", err)
	}
	if result.Document.Status != "IN_REVIEW" || result.StageIndex != 1 {
		t.Fatalf("first stage should advance review, got %+v", result)
	}

	if _, err := svc.Decide(ctx, "qa2", "SOP-001", DecisionInput{Role: "qa", Decision: workflow.DecisionApproved}); err != nil {
		t.Fatalf("second stage qa: %v", err)
	}
	final, err := svc.Decide(ctx, "eng1", "SOP-001", DecisionInput{Role: "engineering", Decision: workflow.DecisionApproved})
	if err != nil {
		t.Fatalf("second stage engineering: %v", err)
	}
	if final.Document.Status != "APPROVED" {
		t.Fatalf("unanimous final stage should approve, got %s", final.Document.Status)
	}

	activated, err := svc.Activate(ctx, "root", "SOP-001")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if activated.Document.Status != "EFFECTIVE" {
		t.Fatalf("expected EFFECTIVE, got %s", activated.Document.Status)
	}
	if activated.Document.EffectiveVersion == nil || *activated.Document.EffectiveVersion != 1 {
		t.Fatalf("effective version should be 1: %+v", activated.Document.EffectiveVersion)
	}
	if activated.Latest.EffectiveFrom == nil {
		t.Fatal("version row should carry effective_from")
	}

	chain, err := svc.VerifyChain(ctx, "SOP-001")
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !chain.Valid {
		t.Fatalf("chain should verify, broken at %d", chain.BrokenSeq)
	}
	events, err := svc.History(ctx, "SOP-001", 0, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	want := "create,submit_for_review,decision,decision,approve,activate"
	if got := strings.Join(actions, ","); got != want {
		t.Fatalf("unexpected audit actions:\n got %s\nwant %s", got, want)
	}
}

func TestRejectionClosesReviewAndReviseReopens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-002")
	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-002"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, err := svc.Decide(ctx, "qa1", "SOP-002", DecisionInput{Role: "qa", Decision: workflow.DecisionRejected, Comment: "missing scope"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if result.Document.Status != "REJECTED" {
		t.Fatalf("rejection should close review, got %s", result.Document.Status)
	}

	// Further decisions on a closed review are refused.
	if _, err := svc.Decide(ctx, "eng1", "SOP-002", DecisionInput{Role: "engineering", Decision: workflow.DecisionApproved}); err == nil {
		t.Fatal("decision on a closed review should fail")
	}

	// A new commit revises the rejected document back to draft.
	revised, err := svc.Commit(ctx, "alice", "SOP-002", CommitInput{BaseVersion: 1, Content: "rev 2 content"})
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.Document.Status != "DRAFT" || revised.Document.CurrentVersion != 2 {
		t.Fatalf("revise should open draft v2, got %+v", revised.Document)
	}
	if revised.Latest.Predecessor == nil || *revised.Latest.Predecessor != 1 {
		t.Fatalf("v2 should link back to v1: %+v", revised.Latest.Predecessor)
	}
}

func TestLeaseContentionAndStaleBaseVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-003")

	if _, err := svc.AcquireLease(ctx, "alice", "SOP-003", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err := svc.AcquireLease(ctx, "root", "SOP-003", 0)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "LOCKED" {
		t.Fatalf("expected LOCKED, got %v", err)
	}

	// Commit by someone who does not hold the lease is refused.
	if _, err := svc.Commit(ctx, "root", "SOP-003", CommitInput{BaseVersion: 1, Content: "intruder edit"}); err == nil {
		t.Fatal("commit without lease should fail")
	} else if !errors.As(err, &domainErr) || domainErr.Code != "LOCKED" {
		t.Fatalf("expected LOCKED, got %v", err)
	}

	// Holder commits v2.
	if _, err := svc.Commit(ctx, "alice", "SOP-003", CommitInput{BaseVersion: 1, Content: "rev 2"}); err != nil {
		t.Fatalf("holder commit: %v", err)
	}

	// A stale base version is a CONFLICT even for the holder.
	_, err = svc.Commit(ctx, "alice", "SOP-003", CommitInput{BaseVersion: 1, Content: "rev 3"})
	if !errors.As(err, &domainErr) || domainErr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	if err := svc.ReleaseLease(ctx, "alice", "SOP-003"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := svc.AcquireLease(ctx, "root", "SOP-003", 0); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestIdenticalContentCommitRefused(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-004")
	_, err := svc.Commit(ctx, "alice", "SOP-004", CommitInput{BaseVersion: 1, Content: "rev 1 content"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("identical content should be refused, got %v", err)
	}
}

func TestAuditTamperDetection(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-005")
	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-005"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Tamper with a stored event behind the chain's back.
	m.mu.Lock()
	m.events["SOP-005"][0].Actor = "mallory"
	m.mu.Unlock()

	chain, err := svc.VerifyChain(ctx, "SOP-005")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if chain.Valid {
		t.Fatal("tampered chain should not verify")
	}
	if chain.BrokenSeq != 1 {
		t.Fatalf("expected break at seq 1, got %d", chain.BrokenSeq)
	}
}

func TestRevisionWhileEffectiveKeepsOldVersionInForce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-006")
	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-006"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	approveAll(t, svc, "SOP-006")
	if _, err := svc.Activate(ctx, "root", "SOP-006"); err != nil {
		t.Fatalf("activate v1: %v", err)
	}

	// Open a revision: the document re-enters DRAFT but v1 stays in force.
	revised, err := svc.Commit(ctx, "alice", "SOP-006", CommitInput{BaseVersion: 1, Content: "rev 2"})
	if err != nil {
		t.Fatalf("commit revision: %v", err)
	}
	if revised.Document.Status != "DRAFT" || revised.Document.CurrentVersion != 2 {
		t.Fatalf("unexpected revision state: %+v", revised.Document)
	}
	if revised.Document.EffectiveVersion == nil || *revised.Document.EffectiveVersion != 1 {
		t.Fatal("v1 should remain the effective version during revision")
	}

	// Withdrawal is blocked while a version is in force.
	_, err = svc.Withdraw(ctx, "root", "SOP-006")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_TRANSITION" {
		t.Fatalf("withdraw with effective version should fail, got %v", err)
	}

	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-006"); err != nil {
		t.Fatalf("submit v2: %v", err)
	}
	approveAll(t, svc, "SOP-006")
	activated, err := svc.Activate(ctx, "root", "SOP-006")
	if err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	if *activated.Document.EffectiveVersion != 2 {
		t.Fatalf("v2 should now be effective, got %d", *activated.Document.EffectiveVersion)
	}
	v1, _, err := svc.GetVersion(ctx, "SOP-006", 1)
	if err != nil {
		t.Fatalf("load v1: %v", err)
	}
	if v1.EffectiveTo == nil {
		t.Fatal("v1 should be closed after v2 activates")
	}
	v2, _, err := svc.GetVersion(ctx, "SOP-006", 2)
	if err != nil {
		t.Fatalf("load v2: %v", err)
	}
	if v2.EffectiveFrom == nil || v2.EffectiveTo != nil {
		t.Fatalf("v2 should be the open effective version: %+v", v2)
	}

	chain, err := svc.VerifyChain(ctx, "SOP-006")
	if err != nil || !chain.Valid {
		t.Fatalf("chain should verify after full cycle: %+v err=%v", chain, err)
	}
}

func TestRetireClosesEffectiveVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-007")
	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-007"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	approveAll(t, svc, "SOP-007")
	if _, err := svc.Activate(ctx, "root", "SOP-007"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	retired, err := svc.Retire(ctx, "root", "SOP-007")
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if retired.Document.Status != "OBSOLETE" {
		t.Fatalf("expected OBSOLETE, got %s", retired.Document.Status)
	}
	if retired.Document.EffectiveVersion != nil {
		t.Fatal("no version should remain in force")
	}
	v1, _, _ := svc.GetVersion(ctx, "SOP-007", 1)
	if v1.EffectiveTo == nil {
		t.Fatal("retired version should be closed")
	}

	// Terminal: nothing moves an obsolete document.
	if _, err := svc.Commit(ctx, "alice", "SOP-007", CommitInput{BaseVersion: 1, Content: "rev 2"}); err == nil {
		t.Fatal("commit on obsolete document should fail")
	}
}

func TestWithdrawDraft(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-008")
	withdrawn, err := svc.Withdraw(ctx, "root", "SOP-008")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Document.Status != "WITHDRAWN" {
		t.Fatalf("expected WITHDRAWN, got %s", withdrawn.Document.Status)
	}
	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-008"); err == nil {
		t.Fatal("withdrawn document should be terminal")
	}
}

func TestDecideRequiresStageRoleAndMembership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-009")
	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-009"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var domainErr *DomainError

	// engineering is not part of the first stage.
	_, err := svc.Decide(ctx, "eng1", "SOP-009", DecisionInput{Role: "engineering", Decision: workflow.DecisionApproved})
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	// alice claims the qa role without holding it.
	_, err = svc.Decide(ctx, "alice", "SOP-009", DecisionInput{Role: "qa", Decision: workflow.DecisionApproved})
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestUnanimousStageWaitsForAllRoles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-010")
	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-010"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Decide(ctx, "qa1", "SOP-010", DecisionInput{Role: "qa", Decision: workflow.DecisionApproved}); err != nil {
		t.Fatalf("stage one: %v", err)
	}

	// Only one of two required roles has approved: the stage stays open.
	pending, err := svc.Decide(ctx, "qa2", "SOP-010", DecisionInput{Role: "qa", Decision: workflow.DecisionApproved})
	if err != nil {
		t.Fatalf("qa on final stage: %v", err)
	}
	if pending.StageClosed || pending.Document.Status != "IN_REVIEW" {
		t.Fatalf("stage should remain open: %+v", pending)
	}

	approvers, err := svc.PendingApprovers(ctx, "SOP-010")
	if err != nil {
		t.Fatalf("pending approvers: %v", err)
	}
	if len(approvers["engineering"]) == 0 {
		t.Fatal("engineering approvers should be listed for the open stage")
	}

	closed, err := svc.Decide(ctx, "eng1", "SOP-010", DecisionInput{Role: "engineering", Decision: workflow.DecisionApproved})
	if err != nil {
		t.Fatalf("engineering on final stage: %v", err)
	}
	if closed.Document.Status != "APPROVED" {
		t.Fatalf("expected APPROVED, got %s", closed.Document.Status)
	}
}

func TestCreateDocumentValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var domainErr *DomainError
	_, err := svc.CreateDocument(ctx, "alice", CreateDocumentInput{DocType: "SOP", Title: "x", TemplateID: "nope", Content: "c"})
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("unknown template should be a validation error, got %v", err)
	}

	_, err = svc.CreateDocument(ctx, "alice", CreateDocumentInput{DocType: "WI", Title: "x", TemplateID: "tpl-sop", Content: "c"})
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("doc type mismatch should be a validation error, got %v", err)
	}

	mustCreate(t, svc, "SOP-011")
	_, err = svc.CreateDocument(ctx, "alice", CreateDocumentInput{ID: "SOP-011", DocType: "SOP", Title: "dup", TemplateID: "tpl-sop", Content: "c"})
	if !errors.As(err, &domainErr) || domainErr.Code != "CONFLICT" {
		t.Fatalf("duplicate id should be a conflict, got %v", err)
	}
}

func TestSummarizeCounts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-012")
	mustCreate(t, svc, "SOP-013")
	if _, err := svc.SubmitForReview(ctx, "alice", "SOP-013"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	summary, err := svc.Summarize(ctx)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Total != 2 || summary.ByStatus["DRAFT"] != 1 || summary.ByStatus["IN_REVIEW"] != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestLeaseSideEventsLandOnTheChain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "SOP-014")
	if _, err := svc.AcquireLease(ctx, "alice", "SOP-014", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := svc.ReleaseLease(ctx, "alice", "SOP-014"); err != nil {
		t.Fatalf("release: %v", err)
	}

	events, err := svc.History(ctx, "SOP-014", 0, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	want := []string{"create", "lease_acquire", "lease_release"}
	if len(actions) != len(want) {
		t.Fatalf("unexpected actions %v", actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("unexpected actions %v", actions)
		}
	}
	if res := audit.VerifyChain(events); !res.Valid {
		t.Fatalf("side events must chain cleanly, broken at %d", res.BrokenSeq)
	}
}
