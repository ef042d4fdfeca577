package query

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/schema"
)

// Guard bounds an Executor with a hard deadline and retries reads once on a
// transient failure. Mutations are never retried.
type Guard struct {
	Next         Executor
	Timeout      time.Duration
	RetryBackoff time.Duration
	Logger       *slog.Logger
	IsTransient  func(error) bool
}

func NewGuard(next Executor, timeout, retryBackoff time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		Next:         next,
		Timeout:      timeout,
		RetryBackoff: retryBackoff,
		Logger:       logger,
		IsTransient:  IsTransient,
	}
}

type outcome struct {
	result Result
	err    error
}

func (g *Guard) Execute(ctx context.Context, request Request) (Result, error) {
	if g.Next == nil {
		return Result{}, fmt.Errorf("executor is not configured")
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if g.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, g.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The store call is abandoned, not awaited, once the deadline passes.
	done := make(chan outcome, 1)
	go func() {
		result, err := g.run(runCtx, request)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{}, g.classify(ctx, runCtx, out.err)
		}
		return out.result, nil
	case <-runCtx.Done():
		return Result{}, g.classify(ctx, runCtx, runCtx.Err())
	}
}

func (g *Guard) run(ctx context.Context, request Request) (Result, error) {
	result, err := g.Next.Execute(ctx, request)
	if err == nil || request.Operation != schema.OpSelect || ctx.Err() != nil || !g.transient(err) {
		return result, err
	}

	observability.IncrementExecutionRetry()
	if g.Logger != nil {
		attrs := append(observability.RequestAttrs(ctx), slog.String("error", observability.MaskError(err)))
		g.Logger.Warn("retrying read after transient store failure", attrs...)
	}
	if g.RetryBackoff > 0 {
		timer := time.NewTimer(g.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	return g.Next.Execute(ctx, request)
}

func (g *Guard) transient(err error) bool {
	if g.IsTransient != nil {
		return g.IsTransient(err)
	}
	return IsTransient(err)
}

func (g *Guard) classify(parent, run context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("execute statement: %w", parent.Err())
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("execute statement after %s: %w", g.Timeout, ErrTimeout)
	}
	if g.transient(err) && !errors.Is(err, ErrTransient) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// IsTransient reports whether err is a connectivity failure that happened
// before the statement could have had an effect.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
