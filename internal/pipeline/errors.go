package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/querygate/querygate/internal/nl2sql"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/query"
)

type Kind string

const (
	KindUnknownRole  Kind = "unknown_role"
	KindGeneration   Kind = "generation_error"
	KindValidation   Kind = "validation_rejected"
	KindTimeout      Kind = "execution_timeout"
	KindExecution    Kind = "execution_failure"
	KindVerification Kind = "verification_anomaly"
	KindCancelled    Kind = "cancelled"
)

// Message is the stable summary shown to callers for a failure of kind k.
func (k Kind) Message() string {
	switch k {
	case KindUnknownRole:
		return "Access denied"
	case KindGeneration:
		return "Failed to understand query"
	case KindValidation:
		return "Query rejected by validation"
	case KindTimeout:
		return "Query timed out. Please try again."
	case KindExecution:
		return "Query execution failed. Please try again."
	case KindCancelled:
		return "Request was cancelled"
	default:
		return "Query processing failed"
	}
}

// Error is a pipeline failure. Reasons are safe to return to callers; Err is
// the internal cause and only ever reaches masked logs.
type Error struct {
	Kind    Kind
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if len(e.Reasons) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Reasons, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, reasons ...string) *Error {
	return &Error{Kind: kind, Reasons: reasons}
}

func Wrap(kind Kind, err error, reasons ...string) *Error {
	return &Error{Kind: kind, Reasons: reasons, Err: err}
}

// KindOf returns the kind of the first pipeline error in err's chain, or
// KindExecution for anything else.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindExecution
}

func cancelled(ctx context.Context, err error) *Error {
	cause := ctx.Err()
	if cause == nil {
		cause = err
	}
	reason := "request was cancelled"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "request deadline exceeded"
	}
	return Wrap(KindCancelled, cause, reason)
}

func resolveFailure(ctx context.Context, err error, role string) *Error {
	if ctx.Err() != nil {
		return cancelled(ctx, err)
	}
	if errors.Is(err, permission.ErrUnknownRole) {
		return Wrap(KindUnknownRole, err, fmt.Sprintf("role %q has no permission profile", strings.TrimSpace(role)))
	}
	return Wrap(KindExecution, err, "schema catalog is unavailable")
}

func generationFailure(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return cancelled(ctx, err)
	}
	reason := "query generation failed"
	switch {
	case errors.Is(err, nl2sql.ErrUnavailable):
		reason = "query generation service is unavailable"
	case errors.Is(err, nl2sql.ErrEmptyResponse):
		reason = "query generation returned an empty response"
	case errors.Is(err, nl2sql.ErrUnparseable):
		reason = "query generation returned an unparseable response"
	case errors.Is(err, nl2sql.ErrNoTables):
		reason = "generated query references no tables"
	}
	return Wrap(KindGeneration, err, reason)
}

func executionFailure(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return cancelled(ctx, err)
	}
	switch {
	case errors.Is(err, query.ErrTimeout):
		return Wrap(KindTimeout, err, "query execution exceeded the time limit")
	case errors.Is(err, query.ErrTransient):
		return Wrap(KindExecution, err, "data store is temporarily unavailable")
	case errors.Is(err, query.ErrReadOnly):
		return Wrap(KindExecution, err, "data store only accepts SELECT statements")
	default:
		return Wrap(KindExecution, err, "query execution failed")
	}
}
