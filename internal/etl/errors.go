package etl

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal pipeline failure by the phase that produced it.
type Kind string

const (
	KindAcquisition   Kind = "acquisition"
	KindLoad          Kind = "load"
	KindScoring       Kind = "scoring"
	KindEnrichment    Kind = "enrichment"
	KindRecalculation Kind = "recalculation"
	KindSessionHealth Kind = "session_health"
)

// Error wraps a phase failure with its kind and operation name. Per-item
// failures inside a batch never reach this type; only failures that abort an
// operation do.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
