package audit

import "errors"

// Multi fans an event out to several sinks. Every sink is attempted;
// the joined error reports which ones failed.
type Multi []Sink

func NewMulti(sinks ...Sink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m Multi) Emit(event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
