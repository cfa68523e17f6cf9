package imaging

import (
	"errors"
	"fmt"
)

// Kind classifies a failure of one map unit or lookup.
type Kind string

const (
	KindInput            Kind = "input"
	KindAlignment        Kind = "alignment"
	KindPhotometric      Kind = "photometric"
	KindNoise            Kind = "noise"
	KindValidationLookup Kind = "validation_lookup"
)

// DataQuality reports whether failures of this kind are properties of the
// data: they skip the pair, are never retried and never halt a batch.
func (k Kind) DataQuality() bool {
	switch k {
	case KindInput, KindAlignment, KindPhotometric, KindNoise:
		return true
	}
	return false
}

// Error is the typed failure carried out of a stage.
type Error struct {
	Kind   Kind
	PairID string
	Op     string
	Err    error
}

// Sentinels for errors.Is; they match any *Error of the same Kind.
var (
	ErrInput            = &Error{Kind: KindInput}
	ErrAlignment        = &Error{Kind: KindAlignment}
	ErrPhotometric      = &Error{Kind: KindPhotometric}
	ErrNoise            = &Error{Kind: KindNoise}
	ErrValidationLookup = &Error{Kind: KindValidationLookup}
)

// NewError builds a typed error.
func NewError(kind Kind, pairID, op string, err error) *Error {
	return &Error{Kind: kind, PairID: pairID, Op: op, Err: err}
}

// Errorf is NewError with a formatted cause.
func Errorf(kind Kind, pairID, op, format string, args ...any) *Error {
	return NewError(kind, pairID, op, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.PairID != "" {
		msg += " pair " + e.PairID
	}
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare sentinel (no pair, op or cause) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.PairID == "" && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf extracts the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsDataQuality reports whether err is a typed data-quality failure.
func IsDataQuality(err error) bool {
	k, ok := KindOf(err)
	return ok && k.DataQuality()
}
