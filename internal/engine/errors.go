package engine

import (
	"errors"
	"fmt"
	"strings"

	"salesline/internal/repo"
)

var (
	ErrNotFound               = repo.ErrNotFound
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrNoWonStage             = errors.New("no won stage configured")
	ErrNoLostStage            = errors.New("no lost stage configured")
	ErrInvalidLostReason      = errors.New("invalid lost reason")
	ErrNotInTrash             = errors.New("deal is not in trash")
	ErrAlreadyClosed          = errors.New("deal already closed")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrInvalidInput           = errors.New("invalid input")
)

// DealError carries the failing operation and the entities involved. Kind is
// one of the sentinels above; Err, when set, is the underlying cause.
type DealError struct {
	Op      string
	DealID  string
	StageID string
	Reason  string
	Kind    error
	Err     error
}

func (e *DealError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.DealID != "" {
		fmt.Fprintf(&b, " deal %s", e.DealID)
	}
	if e.StageID != "" {
		fmt.Fprintf(&b, " stage %s", e.StageID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil && e.Err != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DealError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func dealErr(op, dealID string, kind error, reason string) *DealError {
	return &DealError{Op: op, DealID: dealID, Kind: kind, Reason: reason}
}

// fail classifies err for op. Errors that are already classified pass
// through; storage errors of unknown shape become ErrStorageUnavailable.
func fail(op, dealID string, err error) error {
	if err == nil {
		return nil
	}
	var de *DealError
	if errors.As(err, &de) {
		return de
	}
	kind := ErrStorageUnavailable
	switch {
	case errors.Is(err, repo.ErrNotFound):
		kind = ErrNotFound
	case errors.Is(err, repo.ErrConflict):
		kind = ErrConcurrentModification
	}
	return &DealError{Op: op, DealID: dealID, Kind: kind, Err: err}
}

// Kind returns the sentinel an error was classified as, or nil.
func Kind(err error) error {
	for _, k := range []error{
		ErrNotFound, ErrInvalidTransition, ErrNoWonStage, ErrNoLostStage, ErrInvalidLostReason,
		ErrNotInTrash, ErrAlreadyClosed, ErrConcurrentModification, ErrInvalidInput, ErrStorageUnavailable,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is a stable label for logs and metrics.
func KindName(err error) string {
	switch Kind(err) {
	case ErrNotFound:
		return "not_found"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrNoWonStage:
		return "no_won_stage"
	case ErrNoLostStage:
		return "no_lost_stage"
	case ErrInvalidLostReason:
		return "invalid_lost_reason"
	case ErrNotInTrash:
		return "not_in_trash"
	case ErrAlreadyClosed:
		return "already_closed"
	case ErrConcurrentModification:
		return "concurrent_modification"
	case ErrInvalidInput:
		return "invalid_input"
	case ErrStorageUnavailable:
		return "storage_unavailable"
	}
	return "unknown"
}
