package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/schema"
)

var (
	// ErrUnavailable marks a model that could not be reached. It is the only
	// generation failure worth retrying.
	ErrUnavailable   = errors.New("generation backend unavailable")
	ErrEmptyResponse = errors.New("generation returned an empty response")
	ErrUnparseable   = errors.New("generation response could not be parsed")
	ErrNoTables      = errors.New("generated statement references no tables")
	// ErrCorrectionUnsupported is returned by Regenerate when the underlying
	// generator cannot revise a candidate.
	ErrCorrectionUnsupported = errors.New("generator cannot revise candidates")
)

// CandidateSQL is one statement proposed by the generator together with what
// the generator claims it touches. The claims are checked, never trusted.
type CandidateSQL struct {
	SQL           string           `json:"sql"`
	Operation     schema.Operation `json:"query_type"`
	Tables        []string         `json:"tables_used"`
	Columns       []string         `json:"columns_used"`
	Explanation   string           `json:"explanation"`
	EstimatedRows int              `json:"estimated_rows"`
}

// Generator turns request text into a candidate statement. Implementations
// must only ever see the allowed schema, never the full catalog.
type Generator interface {
	Generate(ctx context.Context, text string, allowed permission.AllowedSchema) (CandidateSQL, error)
}

type GeneratorFunc func(ctx context.Context, text string, allowed permission.AllowedSchema) (CandidateSQL, error)

func (f GeneratorFunc) Generate(ctx context.Context, text string, allowed permission.AllowedSchema) (CandidateSQL, error) {
	return f(ctx, text, allowed)
}

// Corrector is a Generator that can revise a rejected candidate. Feedback
// holds the reasons the candidate was rejected; allowed is unchanged from the
// first attempt.
type Corrector interface {
	Generator
	Regenerate(ctx context.Context, text string, allowed permission.AllowedSchema, rejected CandidateSQL, feedback []string) (CandidateSQL, error)
}

// Retrying retries a generator while it reports ErrUnavailable.
type Retrying struct {
	Next        Generator
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
}

func NewRetrying(next Generator, maxAttempts int, backoff time.Duration, logger *slog.Logger) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{Next: next, MaxAttempts: maxAttempts, Backoff: backoff, Logger: logger}
}

func (r *Retrying) Generate(ctx context.Context, text string, allowed permission.AllowedSchema) (CandidateSQL, error) {
	if r.Next == nil {
		return CandidateSQL{}, fmt.Errorf("generator is not configured: %w", ErrUnavailable)
	}
	return r.retry(ctx, func() (CandidateSQL, error) {
		return r.Next.Generate(ctx, text, allowed)
	})
}

// Regenerate forwards to the wrapped generator when it is a Corrector, with
// the same retry policy as Generate.
func (r *Retrying) Regenerate(ctx context.Context, text string, allowed permission.AllowedSchema, rejected CandidateSQL, feedback []string) (CandidateSQL, error) {
	corrector, ok := r.Next.(Corrector)
	if !ok {
		return CandidateSQL{}, ErrCorrectionUnsupported
	}
	return r.retry(ctx, func() (CandidateSQL, error) {
		return corrector.Regenerate(ctx, text, allowed, rejected, feedback)
	})
}

func (r *Retrying) retry(ctx context.Context, call func() (CandidateSQL, error)) (CandidateSQL, error) {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			observability.IncrementGenerationRetry()
			if err := sleepContext(ctx, r.Backoff*time.Duration(attempt-1)); err != nil {
				return CandidateSQL{}, err
			}
		}
		candidate, err := call()
		if err == nil {
			return candidate, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return CandidateSQL{}, ctx.Err()
		}
		if !errors.Is(err, ErrUnavailable) {
			return CandidateSQL{}, err
		}
		if r.Logger != nil {
			attrs := append(observability.RequestAttrs(ctx),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", attempts),
				slog.String("error", observability.MaskError(err)),
			)
			r.Logger.Warn("generation attempt failed", attrs...)
		}
	}
	return CandidateSQL{}, fmt.Errorf("generate after %d attempts: %w", attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
