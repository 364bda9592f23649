package veritas

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"southwinds.dev/veritas/persist"
)

// GenesisHash is the previous hash of link 0
var GenesisHash = strings.Repeat("0", 64)

// ChainLink is one committed entry of the audit chain. Links are values: a
// copy handed to a caller can be modified without affecting the ledger.
type ChainLink struct {
	Index             uint64    `json:"index"`
	Timestamp         time.Time `json:"timestamp"`
	ActorIdentity     string    `json:"actor_identity"`
	ActionType        string    `json:"action_type"`
	ArtifactSignature string    `json:"artifact_signature"`
	PreviousHash      string    `json:"previous_hash"`
	LockHash          string    `json:"lock_hash"`
}

// canonicalTime is the timestamp form fed to the hash and persisted verbatim
func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeLockHash hashes the six link fields in their fixed order. The index
// is written as 8 big-endian bytes and every string field carries an 8-byte
// big-endian length prefix, so no two different field tuples share an encoding.
func ComputeLockHash(index uint64, timestamp time.Time, actor, action, artifact, previousHash string) string {
	h := sha256.New()
	var n [8]byte

	binary.BigEndian.PutUint64(n[:], index)
	h.Write(n[:])

	for _, field := range []string{canonicalTime(timestamp), actor, action, artifact, previousHash} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Recompute returns the lock hash implied by the link's other fields
func (l ChainLink) Recompute() string {
	return ComputeLockHash(l.Index, l.Timestamp, l.ActorIdentity, l.ActionType, l.ArtifactSignature, l.PreviousHash)
}

func (l ChainLink) record() persist.LinkRecord {
	return persist.LinkRecord{
		Index:             l.Index,
		Timestamp:         canonicalTime(l.Timestamp),
		ActorIdentity:     l.ActorIdentity,
		ActionType:        l.ActionType,
		ArtifactSignature: l.ArtifactSignature,
		PreviousHash:      l.PreviousHash,
		LockHash:          l.LockHash,
	}
}

func linkFromRecord(r persist.LinkRecord) (ChainLink, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return ChainLink{}, &ChainIntegrityError{Index: r.Index, Reason: fmt.Sprintf("unparseable timestamp %q", r.Timestamp)}
	}
	link := ChainLink{
		Index:             r.Index,
		Timestamp:         ts.UTC(),
		ActorIdentity:     r.ActorIdentity,
		ActionType:        r.ActionType,
		ArtifactSignature: r.ArtifactSignature,
		PreviousHash:      r.PreviousHash,
		LockHash:          r.LockHash,
	}
	// a timestamp that does not round-trip would hash differently than stored
	if canonicalTime(link.Timestamp) != r.Timestamp {
		return ChainLink{}, &ChainIntegrityError{Index: r.Index, Reason: "timestamp is not in canonical form"}
	}
	return link, nil
}

// Verify recomputes every lock hash and checks index and hash linkage.
// The first mismatch is reported as a *ChainIntegrityError.
func Verify(chain []ChainLink) error {
	prev := GenesisHash
	for i, link := range chain {
		if link.Index != uint64(i) {
			return &ChainIntegrityError{Index: uint64(i), Reason: fmt.Sprintf("expected index %d, found %d", i, link.Index)}
		}
		if link.PreviousHash != prev {
			return &ChainIntegrityError{Index: link.Index, Reason: "previous hash does not match predecessor lock hash"}
		}
		if i > 0 && link.Timestamp.Before(chain[i-1].Timestamp) {
			return &ChainIntegrityError{Index: link.Index, Reason: "timestamp precedes predecessor"}
		}
		if link.Recompute() != link.LockHash {
			return &ChainIntegrityError{Index: link.Index, Reason: "lock hash mismatch"}
		}
		prev = link.LockHash
	}
	return nil
}

// IsValid reports whether Verify accepts the chain
func IsValid(chain []ChainLink) bool {
	return Verify(chain) == nil
}
