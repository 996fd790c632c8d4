package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"registra/internal/store"
)

// ErrConcurrentWrite is returned when appends keep colliding on the same
// sequence slot after the bounded retries are exhausted.
var ErrConcurrentWrite = errors.New("audit append lost the sequence race")

const maxAppendAttempts = 3

// Entry is the caller-supplied part of an audit event. Seq, PrevHash, Hash,
// and CreatedAt are assigned at append time.
type Entry struct {
	DocumentID string
	Actor      string
	Action     string
	PrevStatus string
	NewStatus  string
	Version    int
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(q store.Queries) error) error
}

// Trail appends chained events. Retried is incremented once per raced append
// attempt so operators can watch contention.
type Trail struct {
	store   txRunner
	now     func() time.Time
	Retried func()
}

func NewTrail(s txRunner, now func() time.Time) *Trail {
	if now == nil {
		now = time.Now
	}
	return &Trail{store: s, now: now}
}

// AppendIn writes one event inside an existing transaction. The caller holds
// the document row lock, so the read-extend-write cannot race and no retry is
// needed.
func (t *Trail) AppendIn(ctx context.Context, q store.Queries, entry Entry) (store.AuditEvent, error) {
	ev, err := t.build(ctx, q, entry)
	if err != nil {
		return store.AuditEvent{}, err
	}
	if err := q.InsertAuditEvent(ctx, ev); err != nil {
		return store.AuditEvent{}, err
	}
	return ev, nil
}

// Append writes one event in its own transaction, retrying a bounded number
// of times when another writer claims the next sequence slot first. Each
// attempt uses a fresh transaction because a unique violation aborts the one
// it happened in.
func (t *Trail) Append(ctx context.Context, entry Entry) (store.AuditEvent, error) {
	var appended store.AuditEvent
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		err := t.store.WithTx(ctx, func(q store.Queries) error {
			ev, err := t.AppendIn(ctx, q, entry)
			if err != nil {
				return err
			}
			appended = ev
			return nil
		})
		if err == nil {
			return appended, nil
		}
		if !errors.Is(err, store.ErrSequenceConflict) {
			return store.AuditEvent{}, fmt.Errorf("append audit event: %w", err)
		}
		if t.Retried != nil {
			t.Retried()
		}
	}
	return store.AuditEvent{}, ErrConcurrentWrite
}

func (t *Trail) build(ctx context.Context, q store.Queries, entry Entry) (store.AuditEvent, error) {
	last, found, err := q.LastAuditEvent(ctx, entry.DocumentID)
	if err != nil {
		return store.AuditEvent{}, err
	}
	seq := int64(1)
	prevHash := GenesisHash
	if found {
		seq = last.Seq + 1
		prevHash = last.Hash
	}
	ev := store.AuditEvent{
		DocumentID: entry.DocumentID,
		Seq:        seq,
		Actor:      entry.Actor,
		Action:     entry.Action,
		PrevStatus: entry.PrevStatus,
		NewStatus:  entry.NewStatus,
		Version:    entry.Version,
		PrevHash:   prevHash,
		// TIMESTAMPTZ keeps microseconds; hash what the database will
		// actually store so recomputation matches after a round-trip.
		CreatedAt: t.now().UTC().Truncate(time.Microsecond),
	}
	ev.Hash = EventHash(ev)
	return ev, nil
}
