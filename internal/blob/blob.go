// Package blob stores version content as immutable, digest-addressed
// objects. Version rows carry only the returned ref, so identical content
// always maps to the same ref and storage stays deduplicated.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get for a ref no object was stored under.
var ErrNotFound = errors.New("blob not found")

// Store writes and reads digest-addressed content. Put returns the canonical
// ref for the content; Get resolves a ref back to bytes.
type Store interface {
	Put(ctx context.Context, content []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Digest computes the canonical ref for content: "sha256:" plus the lowercase
// hex digest.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}
