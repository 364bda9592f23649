package veritas

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// Receipt is what a protected operation hands back: the trace id (the lock
// hash of the link attesting the ciphertext) and the envelope.
type Receipt struct {
	TraceID      string `json:"trace_id"`
	KeyID        string `json:"key_id"`
	Ciphertext   string `json:"ciphertext"`
	AlgorithmTag string `json:"algorithm_tag"`
	ChainIndex   uint64 `json:"chain_index"`
}

// Envelope returns the envelope part of the receipt
func (r *Receipt) Envelope() *KeyEnvelope {
	return &KeyEnvelope{KeyID: r.KeyID, Ciphertext: r.Ciphertext, AlgorithmTag: r.AlgorithmTag}
}

// Auditor runs sensitive operations so that the payload is encrypted first
// and the ledger only ever attests a digest of the ciphertext.
type Auditor struct {
	envelope *EnvelopeService
	ledger   *Ledger
	actor    string
}

func NewAuditor(envelope *EnvelopeService, ledger *Ledger) *Auditor {
	return &Auditor{
		envelope: envelope,
		ledger:   ledger,
		actor:    ledger.SystemActor(),
	}
}

// Protect encrypts payload and appends an action link whose artifact is the
// digest of the encoded ciphertext.
//
// An empty action is rejected before anything happens. A crypto failure is
// first recorded as a SECURITY_EXCEPTION link and then returned. A ledger
// failure is returned as is: the ledger cannot be asked to record its own
// failure.
func (a *Auditor) Protect(ctx context.Context, action string, payload []byte) (*Receipt, error) {
	if strings.TrimSpace(action) == "" {
		return nil, newValidationError("action_type", "cannot be empty")
	}

	envelope, err := a.envelope.Encrypt(ctx, payload)
	if err != nil {
		if recErr := a.RecordFailure(ctx, err); recErr != nil {
			log.Printf("ERROR: failed to record security exception for %s: %v\n", action, recErr)
		}
		return nil, err
	}

	link, err := a.ledger.Commit(ctx, a.actor, action, DigestString(envelope.Ciphertext))
	if err != nil {
		return nil, fmt.Errorf("failed to attest %s: %w", action, err)
	}

	return &Receipt{
		TraceID:      link.LockHash,
		KeyID:        envelope.KeyID,
		Ciphertext:   envelope.Ciphertext,
		AlgorithmTag: envelope.AlgorithmTag,
		ChainIndex:   link.Index,
	}, nil
}

// RecordFailure appends a SECURITY_EXCEPTION link attesting the digest of
// cause. Validation errors are caller mistakes, not security events, and are
// not recorded.
func (a *Auditor) RecordFailure(ctx context.Context, cause error) error {
	if cause == nil {
		return nil
	}
	var validation *ValidationError
	if errors.As(cause, &validation) {
		return nil
	}
	_, err := a.ledger.Commit(ctx, a.actor, ActionSecurityException, DigestString(cause.Error()))
	return err
}

// Ledger returns the ledger the auditor appends to
func (a *Auditor) Ledger() *Ledger {
	return a.ledger
}

// Envelopes returns the envelope service the auditor encrypts with
func (a *Auditor) Envelopes() *EnvelopeService {
	return a.envelope
}
