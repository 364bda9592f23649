package audit

// NoOpLogger is a no-op sink for when auditing output is disabled.
// The ledger itself still records every link.
type NoOpLogger struct{}

func NewNoOpLogger() Sink {
	return new(NoOpLogger)
}

func (n *NoOpLogger) Emit(event Event) error {
	return nil
}

func (n *NoOpLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
