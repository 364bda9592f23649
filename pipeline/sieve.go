// Package pipeline runs document digitization without persisting plaintext.
//
// Pages go through an Engine that extracts their text. The joined text is
// handed to the Auditor, which encrypts it and attests the ciphertext digest
// on the ledger. Only the envelope and the trace id leave the Sieve.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"southwinds.dev/veritas"
	"southwinds.dev/veritas/internal/debug"
	"southwinds.dev/veritas/internal/telemetry"
)

const (
	// DefaultMaxPages is the number of pages read from a document
	DefaultMaxPages = 3

	// StatusArchived marks a document whose text has been sealed and attested
	StatusArchived = "SECURE_ARCHIVED"
)

// ErrNoPages is returned for a document without pages
var ErrNoPages = errors.New("document has no pages")

// Preprocessor transforms a page before extraction, e.g. to deskew a scan.
// Its output is wiped once the page has been extracted.
type Preprocessor func(ctx context.Context, page []byte) ([]byte, error)

// Archive is the only output of a processed document
type Archive struct {
	TraceID    string               `json:"trace_id"`
	ChainIndex uint64               `json:"chain_index"`
	Envelope   *veritas.KeyEnvelope `json:"envelope"`
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Pages      int                  `json:"pages"`
}

// Sieve turns pages into an archived envelope
type Sieve struct {
	auditor    *veritas.Auditor
	engine     Engine
	preprocess Preprocessor
	maxPages   int
	now        func() time.Time
}

// Option customizes a Sieve
type Option func(*Sieve)

// WithMaxPages limits how many pages are read
func WithMaxPages(n int) Option {
	return func(s *Sieve) {
		if n > 0 {
			s.maxPages = n
		}
	}
}

// WithPreprocessor runs p on every page before extraction
func WithPreprocessor(p Preprocessor) Option {
	return func(s *Sieve) { s.preprocess = p }
}

// NewSieve creates a sieve. A nil engine falls back to TextEngine.
func NewSieve(auditor *veritas.Auditor, engine Engine, opts ...Option) *Sieve {
	if engine == nil {
		engine = TextEngine{}
	}
	s := &Sieve{
		auditor:  auditor,
		engine:   engine,
		maxPages: DefaultMaxPages,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessSecurely extracts text from at most MaxPages pages, joins it with a
// single space and protects it as DOCUMENT_DIGITIZATION.
//
// The joined plaintext is wiped before returning. Extraction failures are
// recorded as a SECURITY_EXCEPTION link and returned; encryption failures
// are recorded by the auditor.
func (s *Sieve) ProcessSecurely(ctx context.Context, pages [][]byte) (*Archive, error) {
	ctx, span := telemetry.Tracer("veritas/pipeline").Start(ctx, "ProcessSecurely")
	defer span.End()

	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	if len(pages) > s.maxPages {
		debug.Print("ProcessSecurely: reading %d of %d pages\n", s.maxPages, len(pages))
		pages = pages[:s.maxPages]
	}
	span.SetAttributes(attribute.Int("veritas.pages", len(pages)))

	texts := make([]string, 0, len(pages))
	size := len(pages) - 1
	for i, page := range pages {
		extracted, err := s.extract(ctx, page)
		if err != nil {
			err = fmt.Errorf("page %d: %w", i, err)
			s.fail(ctx, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "extraction failed")
			return nil, err
		}
		texts = append(texts, extracted)
		size += len(extracted)
	}

	// sized up front so the plaintext is never copied by a grow
	text := make([]byte, 0, size)
	for i, extracted := range texts {
		if i > 0 {
			text = append(text, ' ')
		}
		text = append(text, extracted...)
	}
	defer memguard.WipeBytes(text)

	receipt, err := s.auditor.Protect(ctx, veritas.ActionDocumentDigitization, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "protect failed")
		return nil, err
	}

	return &Archive{
		TraceID:    receipt.TraceID,
		ChainIndex: receipt.ChainIndex,
		Envelope:   receipt.Envelope(),
		Status:     StatusArchived,
		Timestamp:  s.now().UTC(),
		Pages:      len(pages),
	}, nil
}

func (s *Sieve) extract(ctx context.Context, page []byte) (string, error) {
	if s.preprocess != nil {
		processed, err := s.preprocess(ctx, page)
		if err != nil {
			return "", fmt.Errorf("preprocess failed: %w", err)
		}
		defer memguard.WipeBytes(processed)
		page = processed
	}
	return s.engine.ExtractText(ctx, page)
}

func (s *Sieve) fail(ctx context.Context, cause error) {
	if err := s.auditor.RecordFailure(ctx, cause); err != nil {
		log.Printf("ERROR: failed to record extraction failure: %v\n", err)
	}
}
