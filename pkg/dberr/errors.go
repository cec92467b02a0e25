// Package dberr defines the error kinds surfaced across the storage
// engine, the page layouts, and the B+Tree index.
package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way spec.md's error handling design does.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindNotFound
	KindConflict
	KindCorruption
	KindTooLarge
	KindInvariant
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCorruption:
		return "corruption"
	case KindTooLarge:
		return "too_large"
	case KindInvariant:
		return "invariant"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrIO) to preserve Kind
// classification through errors.Is / ClassOf().
var (
	ErrIO         = errors.New("io error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrCorruption = errors.New("corruption")
	ErrTooLarge   = errors.New("document too large")
	ErrInvariant  = errors.New("broken invariant")
	ErrCancelled  = errors.New("cancelled")
)

// ClassOf classifies err against the sentinel table above. Unrecognized
// errors classify as KindUnknown.
func ClassOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrCorruption):
		return KindCorruption
	case errors.Is(err, ErrTooLarge):
		return KindTooLarge
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// Wrap annotates err with msg while preserving Is()-matchability against
// the sentinel it wraps.
func Wrap(sentinel error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), sentinel)
}
