package ingest

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error by the retry/propagation policy it implies.
type Kind int

const (
	// KindUnspecified is the zero value; never constructed deliberately.
	KindUnspecified Kind = iota
	// KindTransientDB covers deadlocks and serialization aborts. Retried
	// internally with backoff; never surfaced to callers.
	KindTransientDB
	// KindUniqueViolation covers a concurrent insert racing the upsert
	// protocol. Converted into a restart of the upsert loop.
	KindUniqueViolation
	// KindConnectorAbsent is raised when a connector pool yields a nil
	// handle.
	KindConnectorAbsent
	// KindServiceInterruption signals the remote side of a connector is
	// temporarily unavailable; the caller should reschedule.
	KindServiceInterruption
	// KindIO covers document stream read failures.
	KindIO
	// KindPermanent covers any other DB or logic failure.
	KindPermanent
	// KindInvariant marks a programmer error: a malformed pipeline
	// topology, a missing sibling during a fan-out build, or similar.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransientDB:
		return "transient_db"
	case KindUniqueViolation:
		return "unique_violation"
	case KindConnectorAbsent:
		return "connector_absent"
	case KindServiceInterruption:
		return "service_interruption"
	case KindIO:
		return "io"
	case KindPermanent:
		return "permanent"
	case KindInvariant:
		return "invariant"
	default:
		return "unspecified"
	}
}

// Error wraps a cause with a Kind so retry loops can branch on a stable
// classification instead of string-matching driver errors.
type Error struct {
	Kind    Kind
	Op      string
	Cause   error
	RetryAt string // optional hint for ServiceInterruption callers
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs a classified error.
func NewError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// classifyPG maps a Postgres driver error to a Kind using SQLSTATE codes.
// Deadlock (40P01) and serialization_failure (40001) are TransientDB;
// unique_violation (23505) is UniqueViolation; everything else is
// Permanent. Returns plain error (not *Error) so a nil result stays a nil
// error interface — a typed-nil *Error here would make every
// `return classifyPG(...)` call in store.go a non-nil error on success.
func classifyPG(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return NewError(KindTransientDB, op, err)
		case "23505":
			return NewError(KindUniqueViolation, op, err)
		}
	}
	return NewError(KindPermanent, op, err)
}
