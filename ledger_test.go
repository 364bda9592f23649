package veritas

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"southwinds.dev/veritas/audit"
	"southwinds.dev/veritas/persist"
)

func appendN(t *testing.T, l *Ledger, n int) []string {
	t.Helper()
	hashes := make([]string, n)
	for i := 0; i < n; i++ {
		h, err := l.Append(context.Background(), "tester", "DOCUMENT_DIGITIZATION", DigestString(fmt.Sprintf("artifact-%d", i)))
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		hashes[i] = h
	}
	return hashes
}

func TestGenesisScenario(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 535897000, time.UTC)
	l := NewLedger(WithClock(func() time.Time { return ts }))

	artifact := DigestString("abc")
	lockHash, err := l.Append(context.Background(), "", "DOCUMENT_DIGITIZATION", artifact)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	chain := l.Chain()
	if len(chain) != 1 {
		t.Fatalf("expected 1 link, got %d", len(chain))
	}
	link := chain[0]
	if link.Index != 0 {
		t.Errorf("expected index 0, got %d", link.Index)
	}
	if link.PreviousHash != strings.Repeat("0", 64) {
		t.Errorf("expected genesis previous hash, got %s", link.PreviousHash)
	}
	if link.ActorIdentity != DefaultSystemActor {
		t.Errorf("expected system actor, got %s", link.ActorIdentity)
	}
	if artifact != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected digest of abc: %s", artifact)
	}

	// independent recomputation of the canonical encoding
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, 0)
	for _, field := range []string{
		"2026-03-14T15:09:26.535897Z",
		DefaultSystemActor,
		"DOCUMENT_DIGITIZATION",
		artifact,
		strings.Repeat("0", 64),
	} {
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(field)))
		buf = append(buf, field...)
	}
	sum := sha256.Sum256(buf)
	if want := hex.EncodeToString(sum[:]); lockHash != want {
		t.Errorf("lock hash mismatch:\n got  %s\n want %s", lockHash, want)
	}
}

func TestChainLinkage(t *testing.T) {
	l := NewLedger()
	hashes := appendN(t, l, 25)

	chain := l.Chain()
	for i, link := range chain {
		if link.Index != uint64(i) {
			t.Fatalf("link %d has index %d", i, link.Index)
		}
		want := GenesisHash
		if i > 0 {
			want = chain[i-1].LockHash
		}
		if link.PreviousHash != want {
			t.Fatalf("link %d previous hash mismatch", i)
		}
		if link.LockHash != hashes[i] {
			t.Fatalf("link %d lock hash differs from returned trace id", i)
		}
		if i > 0 && link.Timestamp.Before(chain[i-1].Timestamp) {
			t.Fatalf("link %d timestamp goes backwards", i)
		}
	}
	if err := Verify(chain); err != nil {
		t.Fatalf("chain produced by append must verify: %v", err)
	}

	next, tip := l.Tip()
	if next != 25 || tip != hashes[24] {
		t.Errorf("unexpected tip (%d, %s)", next, tip)
	}
}

func TestTamperDetection(t *testing.T) {
	l := NewLedger()
	appendN(t, l, 5)

	mutations := map[string]func(*ChainLink){
		"Index":             func(c *ChainLink) { c.Index += 7 },
		"Timestamp":         func(c *ChainLink) { c.Timestamp = c.Timestamp.Add(time.Microsecond) },
		"ActorIdentity":     func(c *ChainLink) { c.ActorIdentity = "mallory" },
		"ActionType":        func(c *ChainLink) { c.ActionType = "NOTHING_TO_SEE" },
		"ArtifactSignature": func(c *ChainLink) { c.ArtifactSignature = DigestString("forged") },
		"PreviousHash":      func(c *ChainLink) { c.PreviousHash = DigestString("elsewhere") },
		"LockHash":          func(c *ChainLink) { c.LockHash = DigestString("rehashed") },
	}

	for field, mutate := range mutations {
		for target := 0; target < 5; target++ {
			t.Run(fmt.Sprintf("%s/%d", field, target), func(t *testing.T) {
				chain := l.Chain()
				mutate(&chain[target])

				err := Verify(chain)
				var integrity *ChainIntegrityError
				if !errors.As(err, &integrity) {
					t.Fatalf("expected ChainIntegrityError, got %v", err)
				}
				if IsValid(chain) {
					t.Fatal("tampered chain reported valid")
				}
			})
		}
	}

	if !IsValid(l.Chain()) {
		t.Fatal("mutating copies must not affect the ledger")
	}
}

func TestLockHashDeterminism(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := ComputeLockHash(3, ts, "actor", "ACTION", "artifact", GenesisHash)
	b := ComputeLockHash(3, ts, "actor", "ACTION", "artifact", GenesisHash)
	if a != b {
		t.Fatal("lock hash must be deterministic")
	}

	// moving bytes between adjacent fields must change the hash
	c := ComputeLockHash(3, ts, "actorA", "CTION", "artifact", GenesisHash)
	if a == c {
		t.Fatal("field boundaries must be unambiguous")
	}

	// the same instant in another zone hashes identically
	d := ComputeLockHash(3, ts.In(time.FixedZone("X", 3600)), "actor", "ACTION", "artifact", GenesisHash)
	if a != d {
		t.Fatal("timestamps must be hashed in UTC")
	}
}

func TestAppendValidation(t *testing.T) {
	rec := audit.NewRecorder()
	l := NewLedger(WithSink(rec))

	cases := []struct {
		name     string
		action   string
		artifact string
		field    string
	}{
		{"EmptyAction", "", "abc", "action_type"},
		{"BlankAction", "   ", "abc", "action_type"},
		{"EmptyArtifact", "ACTION", "", "artifact_signature"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Append(context.Background(), "tester", tc.action, tc.artifact)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if validation.Field != tc.field {
				t.Errorf("expected field %s, got %s", tc.field, validation.Field)
			}
		})
	}

	if l.Len() != 0 || len(rec.Events()) != 0 {
		t.Fatal("validation failures must not mutate the ledger or emit")
	}
}

func TestConcurrentAppends(t *testing.T) {
	const k = 64
	store := persist.NewMemoryStore()
	l := NewLedger(WithStore(store))

	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), fmt.Sprintf("worker-%d", i), "DATA_ENCRYPTION", DigestString(fmt.Sprint(i)))
			errs <- err
		}(i)
	}

	// readers run alongside appends and must only ever see valid prefixes
	done := make(chan struct{})
	go func() {
		defer close(done)
		for l.Len() < k {
			if err := Verify(l.Chain()); err != nil {
				t.Errorf("snapshot did not verify: %v", err)
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	<-done

	chain := l.Chain()
	if len(chain) != k {
		t.Fatalf("expected %d links, got %d", k, len(chain))
	}
	seen := make(map[string]bool, k)
	for _, link := range chain {
		if seen[link.PreviousHash] {
			t.Fatalf("fork: previous hash %s used twice", link.PreviousHash)
		}
		seen[link.PreviousHash] = true
	}
	if err := Verify(chain); err != nil {
		t.Fatalf("chain did not verify: %v", err)
	}

	records, err := store.LoadLinks(context.Background())
	if err != nil || len(records) != k {
		t.Fatalf("store holds %d records (%v), want %d", len(records), err, k)
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Hour), base.Add(time.Second)}
	i := 0
	l := NewLedger(WithClock(func() time.Time { ts := times[i]; i++; return ts }))
	appendN(t, l, 3)

	chain := l.Chain()
	if !chain[1].Timestamp.Equal(chain[0].Timestamp) {
		t.Errorf("clock regression must reuse the previous timestamp, got %v", chain[1].Timestamp)
	}
	if !chain[2].Timestamp.Equal(base.Add(time.Second)) {
		t.Errorf("unexpected timestamp %v", chain[2].Timestamp)
	}
}

func TestSinkReceivesCommittedLinksInOrder(t *testing.T) {
	rec := audit.NewRecorder()
	l := NewLedger(WithSink(rec), WithTenant("acme"))
	hashes := appendN(t, l, 10)

	events := rec.Events()
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Index != uint64(i) || e.LockHash != hashes[i] || e.TenantID != "acme" {
			t.Fatalf("event %d out of order or incomplete: %+v", i, e)
		}
		if e.ID == "" {
			t.Fatalf("event %d has no id", i)
		}
	}
}

func TestSinkFailureDoesNotUndoCommit(t *testing.T) {
	rec := audit.NewRecorder()
	rec.FailWith(errors.New("sink down"))
	l := NewLedger(WithSink(rec))

	if _, err := l.Append(context.Background(), "tester", "ACTION", "artifact"); err != nil {
		t.Fatalf("sink failure must not fail the append: %v", err)
	}
	if l.Len() != 1 {
		t.Fatal("link must stay committed")
	}
}

type failingStore struct {
	*persist.MemoryStore
	err error
}

func (f *failingStore) AppendLink(ctx context.Context, r persist.LinkRecord) error {
	if f.err != nil {
		return f.err
	}
	return f.MemoryStore.AppendLink(ctx, r)
}

func TestStoreFailureCommitsNothing(t *testing.T) {
	store := &failingStore{MemoryStore: persist.NewMemoryStore(), err: errors.New("disk full")}
	rec := audit.NewRecorder()
	l := NewLedger(WithStore(store), WithSink(rec))

	if _, err := l.Append(context.Background(), "tester", "ACTION", "artifact"); err == nil {
		t.Fatal("expected store error")
	}
	if l.Len() != 0 || len(rec.Events()) != 0 {
		t.Fatal("nothing may be published when the store write fails")
	}
	if _, tip := l.Tip(); tip != GenesisHash {
		t.Fatal("tip must not advance")
	}

	store.err = nil
	if _, err := l.Append(context.Background(), "tester", "ACTION", "artifact"); err != nil {
		t.Fatalf("append after recovery failed: %v", err)
	}
	if err := l.Audit(context.Background()); err != nil {
		t.Fatalf("audit failed: %v", err)
	}
}

func TestCancelledContextCommitsNothing(t *testing.T) {
	l := NewLedger(WithStore(persist.NewMemoryStore()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Append(ctx, "tester", "ACTION", "artifact"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if l.Len() != 0 {
		t.Fatal("cancelled append must not be visible")
	}
}

func TestOpenLedgerResumesChain(t *testing.T) {
	ctx := context.Background()
	store, err := persist.NewFileSystemStore(t.TempDir(), "test-tenant")
	if err != nil {
		t.Fatal(err)
	}

	first := NewLedger(WithStore(store))
	hashes := appendN(t, first, 4)

	reopened, err := OpenLedger(ctx, store)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if reopened.Len() != 4 {
		t.Fatalf("expected 4 links, got %d", reopened.Len())
	}
	if _, tip := reopened.Tip(); tip != hashes[3] {
		t.Fatal("reopened ledger must resume from the stored tip")
	}

	if _, err = reopened.Append(ctx, "tester", "ACTION", "artifact"); err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if err = reopened.Audit(ctx); err != nil {
		t.Fatalf("audit after reopen failed: %v", err)
	}
}

func TestOpenLedgerRefusesTamperedStore(t *testing.T) {
	store := persist.NewMemoryStore()
	appendN(t, NewLedger(WithStore(store)), 3)
	store.Tamper(1, func(r *persist.LinkRecord) { r.ArtifactSignature = DigestString("forged") })

	l, err := OpenLedger(context.Background(), store)
	var integrity *ChainIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected ChainIntegrityError, got %v", err)
	}
	if integrity.Index != 1 {
		t.Errorf("expected failure at index 1, got %d", integrity.Index)
	}
	if l != nil {
		t.Fatal("no ledger may be returned for a broken chain")
	}
}

func TestAuditHaltsAndResume(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()
	rec := audit.NewRecorder()
	l := NewLedger(WithStore(store), WithSink(rec))
	appendN(t, l, 3)

	store.Tamper(2, func(r *persist.LinkRecord) { r.ActorIdentity = "mallory" })

	err := l.Audit(ctx)
	var integrity *ChainIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected ChainIntegrityError, got %v", err)
	}
	if l.Halted() == nil {
		t.Fatal("ledger must be halted")
	}

	_, err = l.Append(ctx, "tester", "ACTION", "artifact")
	if !errors.Is(err, ErrLedgerHalted) {
		t.Fatalf("expected ErrLedgerHalted, got %v", err)
	}
	if !errors.As(err, &integrity) {
		t.Fatal("halt error must expose the integrity failure")
	}

	if _, err = l.Resume(ctx, ""); err == nil {
		t.Fatal("resume requires an operator")
	}

	// repair the store the way an operator would, then resume
	store.Tamper(2, func(r *persist.LinkRecord) { r.ActorIdentity = "tester" })
	link, err := l.Resume(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if link == nil || link.ActionType != ActionLedgerResume || link.ActorIdentity != "ops@example.com" {
		t.Fatalf("unexpected resume link %+v", link)
	}
	if link.ArtifactSignature != DigestString(integrity.Error()) {
		t.Error("resume link must attest the halting error")
	}
	if err = l.Audit(ctx); err != nil {
		t.Fatalf("audit after resume failed: %v", err)
	}

	again, err := l.Resume(ctx, "ops@example.com")
	if err != nil || again != nil {
		t.Fatalf("resuming a running ledger is a no-op, got %v %v", again, err)
	}
}

func TestIndexConflictHaltsLedger(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()
	a := NewLedger(WithStore(store))
	b := NewLedger(WithStore(store))

	if _, err := a.Append(ctx, "a", "ACTION", "one"); err != nil {
		t.Fatal(err)
	}

	_, err := b.Append(ctx, "b", "ACTION", "two")
	var integrity *ChainIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected ChainIntegrityError for a forked write, got %v", err)
	}
	if b.Halted() == nil || b.Len() != 0 {
		t.Fatal("forking ledger must halt without publishing")
	}
}

func TestTwoLedgersOnOneDirectoryCannotFork(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	open := func() *Ledger {
		store, err := persist.NewFileSystemStore(dir, "shared")
		if err != nil {
			t.Fatal(err)
		}
		l, err := OpenLedger(ctx, store)
		if err != nil {
			t.Fatal(err)
		}
		return l
	}
	server, cli := open(), open()

	if _, err := server.Append(ctx, "server", "ACTION", "one"); err != nil {
		t.Fatal(err)
	}
	_, err := cli.Append(ctx, "cli", "ACTION", "two")
	var integrity *ChainIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected ChainIntegrityError, got %v", err)
	}

	reopened := open()
	if reopened.Len() != 1 {
		t.Fatalf("expected a single stored link, got %d", reopened.Len())
	}
}

// gatedSink holds every Emit until release is closed
type gatedSink struct {
	entered chan uint64
	release chan struct{}

	mu    sync.Mutex
	order []uint64
}

func newGatedSink() *gatedSink {
	return &gatedSink{entered: make(chan uint64, 8), release: make(chan struct{})}
}

func (g *gatedSink) Emit(e audit.Event) error {
	g.entered <- e.Index
	<-g.release
	g.mu.Lock()
	g.order = append(g.order, e.Index)
	g.mu.Unlock()
	return nil
}

func (g *gatedSink) Close() error { return nil }

func TestSlowSinkDoesNotBlockReadersOrCommits(t *testing.T) {
	ctx := context.Background()
	sink := newGatedSink()
	l := NewLedger(WithSink(sink))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := l.Append(ctx, "a", "ACTION", "one"); err != nil {
			t.Errorf("first append failed: %v", err)
		}
	}()
	if idx := <-sink.entered; idx != 0 {
		t.Fatalf("expected link 0 in the sink, got %d", idx)
	}

	// link 0 is stuck in the sink, link 1 must still commit
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := l.Append(ctx, "b", "ACTION", "two"); err != nil {
			t.Errorf("second append failed: %v", err)
		}
	}()

	deadline := time.After(2 * time.Second)
	for l.Len() < 2 {
		select {
		case <-deadline:
			t.Fatal("second commit waited for the sink")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	read := make(chan []ChainLink, 1)
	go func() { read <- l.Chain() }()
	select {
	case chain := <-read:
		if len(chain) != 2 {
			t.Fatalf("expected 2 links, got %d", len(chain))
		}
	case <-time.After(time.Second):
		t.Fatal("Chain blocked while the sink was busy")
	}

	select {
	case idx := <-sink.entered:
		t.Fatalf("link %d reached the sink before link 0 left it", idx)
	default:
	}

	close(sink.release)
	wg.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.order) != 2 || sink.order[0] != 0 || sink.order[1] != 1 {
		t.Fatalf("events left the sink out of order: %v", sink.order)
	}
}

func TestOpenLedgerEmitsFromStoredTip(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()
	appendN(t, NewLedger(WithStore(store)), 3)

	rec := audit.NewRecorder()
	l, err := OpenLedger(ctx, store, WithSink(rec))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = l.Append(ctx, "tester", "ACTION", "artifact"); err != nil {
		t.Fatal(err)
	}
	events := rec.Events()
	if len(events) != 1 || events[0].Index != 3 {
		t.Fatalf("expected one event for index 3, got %+v", events)
	}
}

// hookStore calls before ahead of every append
type hookStore struct {
	*persist.MemoryStore
	before func(persist.LinkRecord) error
}

func (h *hookStore) AppendLink(ctx context.Context, r persist.LinkRecord) error {
	if h.before != nil {
		if err := h.before(r); err != nil {
			return err
		}
	}
	return h.MemoryStore.AppendLink(ctx, r)
}

func TestResumeLinkIsFirstAfterHalt(t *testing.T) {
	ctx := context.Background()
	store := &hookStore{MemoryStore: persist.NewMemoryStore()}
	l := NewLedger(WithStore(store))
	appendN(t, l, 3)
	l.halt(&ChainIntegrityError{Index: 1, Reason: "test halt"})

	appended := make(chan error, 1)
	store.before = func(r persist.LinkRecord) error {
		if r.ActionType != ActionLedgerResume {
			return nil
		}
		// an append racing the resume must wait for the resume link
		go func() {
			_, err := l.Append(ctx, "racer", "ACTION", "racing")
			appended <- err
		}()
		select {
		case err := <-appended:
			t.Errorf("append overtook the resume link: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	}

	link, err := l.Resume(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if err = <-appended; err != nil {
		t.Fatalf("append after resume failed: %v", err)
	}

	chain := l.Chain()
	if len(chain) != 5 {
		t.Fatalf("expected 5 links, got %d", len(chain))
	}
	if link.Index != 3 || chain[3].ActionType != ActionLedgerResume {
		t.Fatalf("resume link must directly follow the halt, got %+v", chain[3])
	}
	if chain[4].ActorIdentity != "racer" {
		t.Fatalf("expected the racing append after the resume link, got %+v", chain[4])
	}
}

func TestFailedResumeStaysHalted(t *testing.T) {
	ctx := context.Background()
	store := &hookStore{MemoryStore: persist.NewMemoryStore()}
	l := NewLedger(WithStore(store))
	appendN(t, l, 1)

	cause := &ChainIntegrityError{Index: 0, Reason: "test halt"}
	l.halt(cause)
	store.before = func(persist.LinkRecord) error { return errors.New("disk full") }

	if _, err := l.Resume(ctx, "ops@example.com"); err == nil {
		t.Fatal("expected resume to fail")
	}
	if l.Halted() != cause {
		t.Fatalf("ledger must stay halted on the original cause, got %v", l.Halted())
	}
	store.before = nil
	if _, err := l.Append(ctx, "tester", "ACTION", "artifact"); !errors.Is(err, ErrLedgerHalted) {
		t.Fatalf("expected ErrLedgerHalted, got %v", err)
	}
}

func TestLinkRecordRoundTrip(t *testing.T) {
	l := NewLedger()
	appendN(t, l, 2)
	for _, link := range l.Chain() {
		back, err := linkFromRecord(link.record())
		if err != nil {
			t.Fatal(err)
		}
		if !back.Timestamp.Equal(link.Timestamp) || back.Recompute() != link.LockHash || back.LockHash != link.LockHash {
			t.Fatalf("record round trip changed the link:\n%+v\n%+v", back, link)
		}
	}

	bad := l.Chain()[0].record()
	bad.Timestamp = "yesterday"
	if _, err := linkFromRecord(bad); err == nil {
		t.Fatal("unparseable timestamps must be rejected")
	}
}
