// Package lease grants transient exclusive-edit rights on documents. A lease
// is advisory and expires passively; the commit path's version token is the
// hard guard against lost updates.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrHeld is returned by Acquire when another actor holds a live lease. The
// returned Lease describes the current holder.
var ErrHeld = errors.New("document is locked by another editor")

// Lease is a live exclusive-edit grant on one document.
type Lease struct {
	DocumentID string    `json:"documentId"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store is the lease backend. Acquire grants or refreshes a lease; when the
// document is already held by someone else it returns the live lease and
// ErrHeld. Release is idempotent and only removes the caller's own lease.
type Store interface {
	Acquire(ctx context.Context, documentID, holder string, ttl time.Duration) (Lease, error)
	Get(ctx context.Context, documentID string) (Lease, bool, error)
	Release(ctx context.Context, documentID, holder string) error
}

func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
