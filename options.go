package veritas

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"southwinds.dev/veritas/audit"
	"southwinds.dev/veritas/internal/misc"
	"southwinds.dev/veritas/keys"
	"southwinds.dev/veritas/persist"
)

const (
	// DefaultSystemActor is recorded as the actor of links appended on the
	// system's own behalf
	DefaultSystemActor = "SYSTEM_OCR_WORKER"

	// AlgorithmTag identifies the envelope cipher
	AlgorithmTag = "CHACHA20-POLY1305"
)

// Action types the core records on its own behalf
const (
	ActionSecurityException    = "SECURITY_EXCEPTION"
	ActionDocumentDigitization = "DOCUMENT_DIGITIZATION"
	ActionDataEncryption       = "DATA_ENCRYPTION"
	ActionKeyShred             = "KEY_SHRED"
	ActionLedgerResume         = "LEDGER_RESUME"
)

var actorPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@\-]+$`)

// Options configures a Service.
//
// The zero value is not valid on its own; start from DefaultOptions and
// override what you need. Options carry no key material and are safe to
// serialize into configuration files.
type Options struct {
	// SystemActor identifies this process in links it appends itself
	SystemActor string `json:"system_actor" yaml:"system_actor"`

	// TenantID is copied onto every emitted audit event
	TenantID string `json:"tenant_id" yaml:"tenant_id"`

	// MaxPlaintextSize bounds a single encryption, in bytes
	MaxPlaintextSize int `json:"max_plaintext_size" yaml:"max_plaintext_size"`

	// EnableMemoryLock attempts to lock process memory so key buffers are
	// never paged to disk. Failure to lock is logged, not fatal.
	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// AuditEncryptions records a DATA_ENCRYPTION link for every EncryptData call
	AuditEncryptions bool `json:"audit_encryptions" yaml:"audit_encryptions"`
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		SystemActor:      DefaultSystemActor,
		TenantID:         "default",
		MaxPlaintextSize: misc.MaxPlaintextSize,
		AuditEncryptions: true,
	}
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	return validateOptions(o)
}

func validateOptions(options Options) error {
	if strings.TrimSpace(options.SystemActor) == "" {
		return fmt.Errorf("system actor cannot be empty")
	}
	if !actorPattern.MatchString(options.SystemActor) {
		return fmt.Errorf("system actor contains invalid characters: %q", options.SystemActor)
	}
	if options.MaxPlaintextSize <= 0 {
		return fmt.Errorf("max plaintext size must be positive, got %d", options.MaxPlaintextSize)
	}
	return nil
}

// LedgerOption customizes a Ledger at construction
type LedgerOption func(*Ledger)

// WithStore makes every append durable in store before it is published
func WithStore(store persist.LinkStore) LedgerOption {
	return func(l *Ledger) { l.store = store }
}

// WithSink sets the sink that receives every committed link
func WithSink(sink audit.Sink) LedgerOption {
	return func(l *Ledger) {
		if sink != nil {
			l.sink = sink
		}
	}
}

// WithSystemActor replaces the actor used when a caller supplies none
func WithSystemActor(actor string) LedgerOption {
	return func(l *Ledger) {
		if actor != "" {
			l.systemActor = actor
		}
	}
}

// WithTenant tags emitted events with tenantID
func WithTenant(tenantID string) LedgerOption {
	return func(l *Ledger) { l.tenantID = tenantID }
}

// WithClock overrides the time source, mainly for tests
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// EnvelopeOption customizes an EnvelopeService at construction
type EnvelopeOption func(*EnvelopeService)

// WithTombstones sets where issued and shredded key ids are tracked
func WithTombstones(store keys.TombstoneStore) EnvelopeOption {
	return func(s *EnvelopeService) {
		if store != nil {
			s.tombstones = store
		}
	}
}

// WithCustodian hands a copy of every key to custodian so ciphertext can be
// recovered later. Without one, keys are destroyed after each encryption.
func WithCustodian(custodian keys.Custodian) EnvelopeOption {
	return func(s *EnvelopeService) { s.custodian = custodian }
}

// WithMaxPlaintextSize bounds a single encryption
func WithMaxPlaintextSize(n int) EnvelopeOption {
	return func(s *EnvelopeService) {
		if n > 0 {
			s.maxPlaintext = n
		}
	}
}
