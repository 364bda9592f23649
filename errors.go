package veritas

import (
	"errors"
	"fmt"
)

// ErrLedgerHalted is returned by Append after an integrity failure until an
// operator calls Resume. The halting ChainIntegrityError is wrapped with it.
var ErrLedgerHalted = errors.New("ledger halted after integrity failure")

// ValidationError reports malformed caller input. Nothing was recorded.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CryptoError reports a key generation or encryption failure
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("crypto failure during %s", e.Op)
	}
	return fmt.Sprintf("crypto failure during %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// ChainIntegrityError reports a chain that no longer verifies: a recomputed
// lock hash differs from the stored one, or the linkage is broken.
type ChainIntegrityError struct {
	Index  uint64
	Reason string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violated at index %d: %s", e.Index, e.Reason)
}

// ShredError reports a shred request that cannot be honoured, or a recovery
// attempt on a key that has been shredded.
type ShredError struct {
	KeyID  string
	Reason string
}

func (e *ShredError) Error() string {
	return fmt.Sprintf("key %s: %s", e.KeyID, e.Reason)
}

// haltedError keeps both ErrLedgerHalted and the original cause reachable
// through errors.Is and errors.As.
type haltedError struct {
	cause error
}

func (e *haltedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrLedgerHalted, e.cause)
}

func (e *haltedError) Unwrap() []error {
	return []error{ErrLedgerHalted, e.cause}
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
