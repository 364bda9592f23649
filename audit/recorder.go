package audit

import "sync"

// Recorder keeps emitted events in memory. Used by tests and by the status endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Emit calls return err
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Emit(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Query(options QueryOptions) (QueryResult, error) {
	events := r.Events()
	var filtered []Event
	for _, e := range events {
		if matches(e, options) {
			filtered = append(filtered, e)
		}
	}
	result, hasMore := page(filtered, options)
	return QueryResult{Events: result, TotalCount: len(events), Filtered: len(filtered), HasMore: hasMore}, nil
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
