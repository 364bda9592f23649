package veritas

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"southwinds.dev/veritas/audit"
	"southwinds.dev/veritas/internal/debug"
	"southwinds.dev/veritas/persist"
)

// Ledger is the append-only hash chain of audit links.
//
// A Ledger exclusively owns its sequence of links and the current tip hash.
// Callers never construct links themselves: they hand the ledger an actor, an
// action and an artifact digest, and receive the committed link back.
//
// Commit protocol:
//  1. validate the entry (no lock held)
//  2. under the append mutex, build the next link from the tip
//  3. write it to the LinkStore, if one is configured
//  4. publish it: append to the in-memory chain and advance the tip
//  5. release the mutex, then emit it to the sink in index order
//
// A failure in steps 1-3 commits nothing, so readers never observe a link
// that is not durable. Sink failures in step 5 are logged and never undo the
// commit: the chain, not the sink, is the record of truth. A slow sink delays
// the caller whose link it is emitting and the callers behind it, never
// readers or the next commit.
//
// Integrity:
// A ledger that detects tampering or a fork (Audit, or an index conflict in
// the store) halts. Every later append fails with ErrLedgerHalted until an
// operator calls Resume, which is itself recorded in the chain.
type Ledger struct {
	mu sync.RWMutex

	emitMu   sync.Mutex
	emitCond *sync.Cond
	emitNext uint64 // index of the next link the sink is owed

	chain []ChainLink
	tip   string

	store       persist.LinkStore
	sink        audit.Sink
	systemActor string
	tenantID    string
	now         func() time.Time

	halted error
}

// Entry is what a caller asks the ledger to attest
type Entry struct {
	Actor    string
	Action   string
	Artifact string

	// Metadata travels with the emitted event only. It is not hashed and not
	// persisted, so it must never be needed to verify the chain.
	Metadata map[string]interface{}
}

// NewLedger creates an empty ledger
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		tip:         GenesisHash,
		sink:        audit.NewNoOpLogger(),
		systemActor: DefaultSystemActor,
		now:         time.Now,
	}
	l.emitCond = sync.NewCond(&l.emitMu)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenLedger loads the chain persisted in store, verifies it and resumes from
// its tip. A stored chain that fails verification is reported as a
// *ChainIntegrityError and no ledger is returned.
func OpenLedger(ctx context.Context, store persist.LinkStore, opts ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	chain, err := loadChain(ctx, store)
	if err != nil {
		return nil, err
	}
	if err = Verify(chain); err != nil {
		return nil, err
	}

	l := NewLedger(append([]LedgerOption{WithStore(store)}, opts...)...)
	l.chain = chain
	l.emitNext = uint64(len(chain))
	if len(chain) > 0 {
		l.tip = chain[len(chain)-1].LockHash
	}
	debug.Print("OpenLedger: resumed %d links from %s store\n", len(chain), store.GetType())
	return l, nil
}

func loadChain(ctx context.Context, store persist.LinkStore) ([]ChainLink, error) {
	records, err := store.LoadLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	chain := make([]ChainLink, 0, len(records))
	for _, r := range records {
		link, err := linkFromRecord(r)
		if err != nil {
			return nil, err
		}
		chain = append(chain, link)
	}
	return chain, nil
}

// Append commits a link and returns its lock hash as the trace identifier
func (l *Ledger) Append(ctx context.Context, actor, action, artifact string) (string, error) {
	link, err := l.Commit(ctx, actor, action, artifact)
	if err != nil {
		return "", err
	}
	return link.LockHash, nil
}

// Commit commits a link and returns it
func (l *Ledger) Commit(ctx context.Context, actor, action, artifact string) (ChainLink, error) {
	return l.Record(ctx, Entry{Actor: actor, Action: action, Artifact: artifact})
}

// Record commits entry. An empty actor is replaced by the system actor.
// Action and artifact are required and returned as *ValidationError when empty.
func (l *Ledger) Record(ctx context.Context, entry Entry) (ChainLink, error) {
	if strings.TrimSpace(entry.Action) == "" {
		return ChainLink{}, newValidationError("action_type", "cannot be empty")
	}
	if strings.TrimSpace(entry.Artifact) == "" {
		return ChainLink{}, newValidationError("artifact_signature", "cannot be empty")
	}
	if entry.Actor == "" {
		entry.Actor = l.systemActor
	}

	l.mu.Lock()
	if l.halted != nil {
		err := l.halted
		l.mu.Unlock()
		return ChainLink{}, &haltedError{cause: err}
	}
	link, err := l.commitLocked(ctx, entry)
	l.mu.Unlock()
	if err != nil {
		return ChainLink{}, err
	}

	l.emitInOrder(link, entry.Metadata)
	return link, nil
}

// commitLocked persists the link following the tip and publishes it.
// Caller holds mu.
func (l *Ledger) commitLocked(ctx context.Context, entry Entry) (ChainLink, error) {
	if err := ctx.Err(); err != nil {
		return ChainLink{}, err
	}

	link := l.next(entry)

	if l.store != nil {
		if err := l.store.AppendLink(ctx, link.record()); err != nil {
			var conflict persist.IndexConflictError
			if errors.As(err, &conflict) {
				// someone else wrote this index: the stored chain has forked
				integrity := &ChainIntegrityError{Index: link.Index, Reason: "index already present in store, concurrent writer detected"}
				l.halted = integrity
				log.Printf("ERROR: ledger halted: %v\n", integrity)
				return ChainLink{}, integrity
			}
			return ChainLink{}, fmt.Errorf("failed to persist link %d: %w", link.Index, err)
		}
	}

	l.chain = append(l.chain, link)
	l.tip = link.LockHash
	return link, nil
}

// emitInOrder waits until every earlier link has been emitted, emits link and
// hands the turn to the next index. Called without mu.
func (l *Ledger) emitInOrder(link ChainLink, metadata map[string]interface{}) {
	l.emitMu.Lock()
	for l.emitNext != link.Index {
		l.emitCond.Wait()
	}
	l.emitMu.Unlock()

	l.emit(link, metadata)

	l.emitMu.Lock()
	l.emitNext++
	l.emitCond.Broadcast()
	l.emitMu.Unlock()
}

// next builds the link that would follow the current tip. Caller holds mu.
func (l *Ledger) next(entry Entry) ChainLink {
	ts := l.now().UTC().Truncate(time.Microsecond)
	if n := len(l.chain); n > 0 && ts.Before(l.chain[n-1].Timestamp) {
		ts = l.chain[n-1].Timestamp
	}

	link := ChainLink{
		Index:             uint64(len(l.chain)),
		Timestamp:         ts,
		ActorIdentity:     entry.Actor,
		ActionType:        entry.Action,
		ArtifactSignature: entry.Artifact,
		PreviousHash:      l.tip,
	}
	link.LockHash = link.Recompute()
	return link
}

func (l *Ledger) emit(link ChainLink, metadata map[string]interface{}) {
	event := audit.Event{
		ID:                uuid.NewString(),
		TenantID:          l.tenantID,
		Index:             link.Index,
		Timestamp:         link.Timestamp,
		ActorIdentity:     link.ActorIdentity,
		ActionType:        link.ActionType,
		ArtifactSignature: link.ArtifactSignature,
		PreviousHash:      link.PreviousHash,
		LockHash:          link.LockHash,
		Metadata:          metadata,
	}
	if err := l.sink.Emit(event); err != nil {
		log.Printf("ERROR: audit sink failed for link %d (%s): %v\n", link.Index, link.ActionType, err)
	}
}

// Chain returns a point-in-time copy of every committed link
func (l *Ledger) Chain() []ChainLink {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ChainLink, len(l.chain))
	copy(out, l.chain)
	return out
}

// Tip returns the index the next link will receive and the hash it will chain to
func (l *Ledger) Tip() (uint64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.chain)), l.tip
}

// Len returns the number of committed links
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// SystemActor returns the actor used for links appended on the system's behalf
func (l *Ledger) SystemActor() string {
	return l.systemActor
}

// StoreType reports the configured store, or "none"
func (l *Ledger) StoreType() string {
	if l.store == nil {
		return "none"
	}
	return l.store.GetType()
}

// Halted returns the integrity failure that halted the ledger, or nil
func (l *Ledger) Halted() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.halted
}

// Audit verifies the in-memory chain and, when a store is configured, that
// the stored chain still verifies and agrees with it link for link. Any
// failure halts the ledger and is returned.
func (l *Ledger) Audit(ctx context.Context) error {
	chain := l.Chain()
	err := Verify(chain)

	if err == nil && l.store != nil {
		var stored []ChainLink
		stored, err = loadChain(ctx, l.store)
		if err != nil {
			var integrity *ChainIntegrityError
			if !errors.As(err, &integrity) {
				// the store could not be read; that is not evidence of tampering
				return err
			}
		} else {
			err = compareChains(chain, stored)
		}
	}

	if err != nil {
		l.halt(err)
		return err
	}
	return nil
}

func compareChains(memory, stored []ChainLink) error {
	if err := Verify(stored); err != nil {
		return err
	}
	if len(stored) < len(memory) {
		return &ChainIntegrityError{Index: uint64(len(stored)), Reason: "stored chain is shorter than committed chain"}
	}
	for i := range memory {
		if stored[i].LockHash != memory[i].LockHash {
			return &ChainIntegrityError{Index: uint64(i), Reason: "stored link differs from committed link"}
		}
	}
	if len(stored) > len(memory) {
		return &ChainIntegrityError{Index: uint64(len(memory)), Reason: "stored chain contains links this ledger never committed"}
	}
	return nil
}

func (l *Ledger) halt(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted == nil {
		l.halted = err
		log.Printf("ERROR: ledger halted: %v\n", err)
	}
}

// Resume lifts a halt after operator intervention and records the resumption
// as a LEDGER_RESUME link whose artifact is the digest of the halting error.
// Resuming a ledger that is not halted is a no-op.
func (l *Ledger) Resume(ctx context.Context, operator string) (*ChainLink, error) {
	if strings.TrimSpace(operator) == "" {
		return nil, newValidationError("operator", "cannot be empty")
	}

	l.mu.Lock()
	cause := l.halted
	if cause == nil {
		l.mu.Unlock()
		return nil, nil
	}

	// the resume link is committed before any other append can see the halt lifted
	l.halted = nil
	link, err := l.commitLocked(ctx, Entry{Actor: operator, Action: ActionLedgerResume, Artifact: DigestString(cause.Error())})
	if err != nil {
		if l.halted == nil {
			l.halted = cause
		}
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	l.emitInOrder(link, nil)
	return &link, nil
}

// Close releases the sink and the store
func (l *Ledger) Close() error {
	var errs []error
	if l.sink != nil {
		if err := l.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit sink: %w", err))
		}
	}
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
