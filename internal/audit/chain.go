// Package audit maintains the per-document, hash-chained event log. Each
// event's hash covers its own fields plus the previous event's hash, so any
// later tampering with a stored row breaks every link after it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"registra/internal/store"
)

// GenesisHash seeds the chain for a document's first event.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EventHash computes the chain hash for an event. The input is a canonical
// pipe-joined rendering of the event fields; CreatedAt is normalized to UTC
// RFC3339Nano so the hash survives timezone round-trips through the database.
func EventHash(ev store.AuditEvent) string {
	fields := []string{
		ev.DocumentID,
		strconv.FormatInt(ev.Seq, 10),
		ev.Actor,
		ev.Action,
		ev.PrevStatus,
		ev.NewStatus,
		strconv.Itoa(ev.Version),
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		ev.PrevHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Valid     bool  `json:"valid"`
	Checked   int   `json:"checked"`
	BrokenSeq int64 `json:"brokenSeq,omitempty"`
}

// VerifyChain walks events in sequence order and reports the first broken
// link. A link is broken when the sequence skips, the stored prev_hash does
// not match the prior event's hash, or the stored hash does not match a
// recomputation over the stored fields.
func VerifyChain(events []store.AuditEvent) VerifyResult {
	prevHash := GenesisHash
	var prevSeq int64
	for _, ev := range events {
		if ev.Seq != prevSeq+1 || ev.PrevHash != prevHash || EventHash(ev) != ev.Hash {
			return VerifyResult{Valid: false, Checked: len(events), BrokenSeq: ev.Seq}
		}
		prevHash = ev.Hash
		prevSeq = ev.Seq
	}
	return VerifyResult{Valid: true, Checked: len(events)}
}
