// Package identity resolves actor IDs to directory entries and answers role
// membership questions. Authentication itself happens upstream; this service
// trusts the actor ID it is handed.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"registra/internal/store"
)

var ErrUnknownActor = errors.New("unknown actor")

// Provider answers who an actor is and what roles they carry.
type Provider interface {
	Resolve(ctx context.Context, actorID string) (store.Actor, error)
	HasRole(ctx context.Context, actorID, role string) (bool, error)
	ListByRole(ctx context.Context, role string) ([]store.Actor, error)
}

type directoryStore interface {
	GetActor(ctx context.Context, actorID string) (store.Actor, error)
	ActorHasRole(ctx context.Context, actorID, role string) (bool, error)
	ListActorsByRole(ctx context.Context, role string) ([]store.Actor, error)
}

// Directory is the store-backed Provider.
type Directory struct {
	store directoryStore
}

func NewDirectory(s directoryStore) *Directory {
	return &Directory{store: s}
}

func (d *Directory) Resolve(ctx context.Context, actorID string) (store.Actor, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return store.Actor{}, ErrUnknownActor
	}
	actor, err := d.store.GetActor(ctx, actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Actor{}, ErrUnknownActor
	}
	if err != nil {
		return store.Actor{}, fmt.Errorf("resolve actor: %w", err)
	}
	return actor, nil
}

func (d *Directory) HasRole(ctx context.Context, actorID, role string) (bool, error) {
	return d.store.ActorHasRole(ctx, actorID, role)
}

func (d *Directory) ListByRole(ctx context.Context, role string) ([]store.Actor, error) {
	return d.store.ListActorsByRole(ctx, role)
}
