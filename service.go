package veritas

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"southwinds.dev/veritas/internal/mem"
)

// LogAuditEventRequest asks the ledger to attest an externally computed digest
type LogAuditEventRequest struct {
	Action   string                 `json:"action"`
	DataHash string                 `json:"data_hash"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type LogAuditEventResponse struct {
	Status     string `json:"status"`
	LockHash   string `json:"lock_hash"`
	ChainIndex uint64 `json:"chain_index"`
}

type EncryptDataRequest struct {
	Plaintext string `json:"plaintext"`
}

// EncryptDataResponse never carries key material. TraceID is set when
// encryptions are audited.
type EncryptDataResponse struct {
	KeyID        string `json:"key_id"`
	Ciphertext   string `json:"ciphertext"`
	AlgorithmTag string `json:"algorithm_tag"`
	TraceID      string `json:"trace_id,omitempty"`
}

type ShredKeyRequest struct {
	KeyID string `json:"key_id"`
}

type ShredKeyResponse struct {
	ShredReceipt
	TraceID string `json:"trace_id,omitempty"`
}

// VerifyResponse reports the outcome of a full chain audit
type VerifyResponse struct {
	Valid       bool    `json:"valid"`
	Length      int     `json:"length"`
	TipHash     string  `json:"tip_hash"`
	FailedIndex *uint64 `json:"failed_index,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// StatusResponse describes the running service
type StatusResponse struct {
	System           string    `json:"system"`
	Status           string    `json:"status"`
	Protocol         string    `json:"protocol"`
	ChainLength      int       `json:"chain_length"`
	TipHash          string    `json:"tip_hash"`
	Store            string    `json:"store"`
	MemoryProtection string    `json:"memory_protection"`
	StartedAt        time.Time `json:"started_at"`
}

// Service is the caller-facing surface over the ledger and the envelope
// service. Transports (HTTP, CLI) translate to and from its request types.
type Service struct {
	options    Options
	ledger     *Ledger
	envelope   *EnvelopeService
	auditor    *Auditor
	protection mem.ProtectionLevel
	startedAt  time.Time
}

// NewService wires a ledger and an envelope service together.
//
// When EnableMemoryLock is set the process memory is locked first. Locking is
// best effort: the service still starts without it and logs a warning.
func NewService(options Options, ledger *Ledger, envelope *EnvelopeService) (*Service, error) {
	if err := validateOptions(options); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if envelope == nil {
		return nil, fmt.Errorf("envelope service is required")
	}

	s := &Service{
		options:    options,
		ledger:     ledger,
		envelope:   envelope,
		auditor:    NewAuditor(envelope, ledger),
		protection: mem.ProtectionNone,
		startedAt:  time.Now().UTC(),
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			log.Printf("WARNING: memory lock failed, key material may be swapped to disk: %v\n", err)
		}
		s.protection = level
	}

	return s, nil
}

// LogAuditEvent commits a link attesting req.DataHash. Metadata is passed to
// the audit sink but is not part of the hashed link.
func (s *Service) LogAuditEvent(ctx context.Context, req LogAuditEventRequest) (*LogAuditEventResponse, error) {
	if strings.TrimSpace(req.Action) == "" {
		return nil, newValidationError("action", "cannot be empty")
	}
	if strings.TrimSpace(req.DataHash) == "" {
		return nil, newValidationError("data_hash", "cannot be empty")
	}

	link, err := s.ledger.Record(ctx, Entry{
		Actor:    s.options.SystemActor,
		Action:   req.Action,
		Artifact: req.DataHash,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	return &LogAuditEventResponse{
		Status:     "committed",
		LockHash:   link.LockHash,
		ChainIndex: link.Index,
	}, nil
}

// EncryptData encrypts req.Plaintext. With AuditEncryptions the ciphertext
// digest is attested as a DATA_ENCRYPTION link. A crypto failure is always
// attested as a SECURITY_EXCEPTION link.
func (s *Service) EncryptData(ctx context.Context, req EncryptDataRequest) (*EncryptDataResponse, error) {
	plaintext := []byte(req.Plaintext)

	if !s.options.AuditEncryptions {
		envelope, err := s.envelope.Encrypt(ctx, plaintext)
		if err != nil {
			// failures are attested even when successes are not
			if recErr := s.auditor.RecordFailure(ctx, err); recErr != nil {
				log.Printf("ERROR: failed to record security exception for %s: %v\n", ActionDataEncryption, recErr)
			}
			return nil, err
		}
		return &EncryptDataResponse{
			KeyID:        envelope.KeyID,
			Ciphertext:   envelope.Ciphertext,
			AlgorithmTag: envelope.AlgorithmTag,
		}, nil
	}

	receipt, err := s.auditor.Protect(ctx, ActionDataEncryption, plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptDataResponse{
		KeyID:        receipt.KeyID,
		Ciphertext:   receipt.Ciphertext,
		AlgorithmTag: receipt.AlgorithmTag,
		TraceID:      receipt.TraceID,
	}, nil
}

// ShredKey tombstones a key id. The first shred is attested as a KEY_SHRED
// link; repeating it returns the original receipt without a new link.
func (s *Service) ShredKey(ctx context.Context, req ShredKeyRequest) (*ShredKeyResponse, error) {
	receipt, err := s.envelope.Shred(ctx, req.KeyID)
	if err != nil {
		return nil, err
	}

	resp := &ShredKeyResponse{ShredReceipt: *receipt}
	if !receipt.AlreadyShredded {
		traceID, err := s.ledger.Append(ctx, s.options.SystemActor, ActionKeyShred, receipt.KeyID)
		if err != nil {
			return nil, fmt.Errorf("key %s shredded but not attested: %w", receipt.KeyID, err)
		}
		resp.TraceID = traceID
	}
	return resp, nil
}

// GetChain returns a snapshot of the chain
func (s *Service) GetChain(ctx context.Context) []ChainLink {
	return s.ledger.Chain()
}

// VerifyChain audits the chain. An invalid chain is reported in the response,
// not as an error; the ledger is halted as a side effect.
func (s *Service) VerifyChain(ctx context.Context) (*VerifyResponse, error) {
	err := s.ledger.Audit(ctx)
	_, tip := s.ledger.Tip()
	resp := &VerifyResponse{
		Valid:   err == nil,
		Length:  s.ledger.Len(),
		TipHash: tip,
	}
	if err != nil {
		var integrity *ChainIntegrityError
		if !errors.As(err, &integrity) {
			return nil, err
		}
		index := integrity.Index
		resp.FailedIndex = &index
		resp.Error = integrity.Error()
	}
	return resp, nil
}

// Resume lifts a halt on behalf of operator
func (s *Service) Resume(ctx context.Context, operator string) (*ChainLink, error) {
	return s.ledger.Resume(ctx, operator)
}

// Status describes the service
func (s *Service) Status(ctx context.Context) *StatusResponse {
	_, tip := s.ledger.Tip()
	status := "operational"
	if s.ledger.Halted() != nil {
		status = "halted"
	}
	return &StatusResponse{
		System:           "Veritas Trust Engine",
		Status:           status,
		Protocol:         "Veritas 2.0",
		ChainLength:      s.ledger.Len(),
		TipHash:          tip,
		Store:            s.ledger.StoreType(),
		MemoryProtection: s.protection.String(),
		StartedAt:        s.startedAt,
	}
}

// Auditor returns the auditor used for protected operations
func (s *Service) Auditor() *Auditor {
	return s.auditor
}

// Close releases the ledger and envelope resources and unlocks memory
func (s *Service) Close() error {
	var errs []error
	if err := s.ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.envelope.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close tombstone store: %w", err))
	}
	if s.protection == mem.ProtectionFull {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
		}
	}
	return errors.Join(errs...)
}
