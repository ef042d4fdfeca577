package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/querygate/querygate/internal/audit"
	"github.com/querygate/querygate/internal/nl2sql"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/schema"
	"github.com/querygate/querygate/internal/sqlguard"
	"github.com/querygate/querygate/internal/verify"
)

const (
	stageResolve  = "resolve"
	stageGenerate = "generate"
	stageValidate = "validate"
	stageExecute  = "execute"
	stageVerify   = "verify"
)

type Resolver interface {
	Resolve(ctx context.Context, user permission.UserContext) (permission.AllowedSchema, *schema.Snapshot, error)
}

type AuditSink interface {
	Record(rec audit.Record) bool
}

type Config struct {
	Workers  int
	RowLimit int
}

type Dependencies struct {
	Resolver  Resolver
	Generator nl2sql.Generator
	// Executor is expected to enforce its own hard timeout, see query.Guard.
	Executor query.Executor
	Audit    AuditSink
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Service runs natural-language requests through permission resolution,
// generation, validation, execution and verification. Every stage either
// returns a value or a *Error; the first failure ends the request.
type Service struct {
	cfg  Config
	deps Dependencies
	pool *workerPool
}

func NewService(cfg Config, deps Dependencies) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if deps.Logger == nil {
		deps.Logger = observability.DiscardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{cfg: cfg, deps: deps, pool: newWorkerPool(cfg.Workers)}
}

// Query answers req. The returned envelope is never successful when ctx was
// cancelled before the answer was assembled.
func (s *Service) Query(ctx context.Context, req QueryRequest) Envelope {
	ctx = withRequestID(ctx)
	started := s.deps.Clock()

	var env Envelope
	meta := Metadata{RequestID: observability.RequestIDFromContext(ctx)}
	err := s.withWorker(ctx, func() error {
		var runErr error
		env, runErr = s.run(ctx, req, &meta)
		return runErr
	})
	elapsed := s.deps.Clock().Sub(started)
	meta.ExecutionTime = seconds(elapsed)

	var pe *Error
	if err != nil {
		if !errors.As(err, &pe) {
			pe = Wrap(KindExecution, err, "query processing failed")
		}
		env = failureEnvelope(pe, meta)
	} else {
		env.Metadata.ExecutionTime = meta.ExecutionTime
	}

	s.finish(ctx, req, env, pe, elapsed)
	return env
}

func (s *Service) run(ctx context.Context, req QueryRequest, meta *Metadata) (Envelope, error) {
	allowed, snap, err := s.resolve(ctx, req.UserContext)
	if err != nil {
		return Envelope{}, err
	}

	candidate, verdict, err := s.generateValid(ctx, req.Query, allowed)
	if candidate.SQL != "" {
		meta.SQLQuery = candidate.SQL
		meta.QueryType = string(candidate.Operation)
		meta.Explanation = candidate.Explanation
	}
	if verdict.Statement != nil {
		meta.TablesUsed = verdict.Statement.Tables()
		meta.QueryType = string(verdict.Statement.Operation)
	}
	if err != nil {
		return Envelope{}, err
	}
	stmt := verdict.Statement

	result, err := s.execute(ctx, stmt)
	if err != nil {
		return Envelope{}, err
	}

	stageStart := time.Now()
	verified := verify.Verify(result, stmt, snap)
	observability.ObserveStage(stageVerify, time.Since(stageStart))
	for _, anomaly := range verified.Anomalies {
		observability.ObserveVerificationAnomaly(string(anomaly.Kind))
	}
	if len(verified.Anomalies) > 0 {
		s.deps.Logger.WarnContext(ctx, "result verification recorded anomalies", append(observability.RequestAttrs(ctx),
			slog.Int("anomalies", len(verified.Anomalies)),
			slog.Any("warnings", verified.Warnings()),
		)...)
	}

	if ctx.Err() != nil {
		return Envelope{}, cancelled(ctx, nil)
	}
	return successEnvelope(req.Query, stmt, snap, verified, result.RowsAffected, *meta), nil
}

// Preview generates and validates a statement for req without executing it.
func (s *Service) Preview(ctx context.Context, req QueryRequest) Preview {
	ctx = withRequestID(ctx)
	var preview Preview
	err := s.withWorker(ctx, func() error {
		allowed, _, err := s.resolve(ctx, req.UserContext)
		if err != nil {
			return err
		}
		candidate, verdict, err := s.generateValid(ctx, req.Query, allowed)
		if candidate.SQL == "" {
			return err
		}
		preview = Preview{
			SQLPreview:    candidate.SQL,
			EstimatedRows: candidate.EstimatedRows,
			QueryType:     string(candidate.Operation),
			Explanation:   candidate.Explanation,
			TablesUsed:    candidate.Tables,
		}
		if verdict.Statement != nil {
			preview.TablesUsed = verdict.Statement.Tables()
			preview.QueryType = string(verdict.Statement.Operation)
		}
		if err != nil {
			return err
		}
		preview.Valid = true
		return nil
	})
	if preview.TablesUsed == nil {
		preview.TablesUsed = []string{}
	}
	if err == nil {
		return preview
	}

	pe := asPipelineError(err)
	preview.Valid = false
	preview.Kind = pe.Kind
	preview.Errors = append([]string(nil), pe.Reasons...)
	if pe.Kind == KindValidation || pe.Kind == KindGeneration {
		if suggestions, sErr := s.Suggest(ctx, req.UserContext, ""); sErr == nil {
			preview.Suggestions = suggestions
		}
	}
	s.logFailure(ctx, "query preview rejected", pe)
	return preview
}

func (s *Service) withWorker(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(ctx, err)
	}
	release, err := s.pool.acquire(ctx)
	if err != nil {
		return cancelled(ctx, err)
	}
	defer release()
	return fn()
}

func (s *Service) resolve(ctx context.Context, user permission.UserContext) (permission.AllowedSchema, *schema.Snapshot, error) {
	start := time.Now()
	allowed, snap, err := s.deps.Resolver.Resolve(ctx, user)
	observability.ObserveStage(stageResolve, time.Since(start))
	if err != nil {
		return permission.AllowedSchema{}, nil, resolveFailure(ctx, err, user.Role)
	}
	if allowed.Empty() {
		return permission.AllowedSchema{}, nil, New(KindUnknownRole, "role has no accessible tables")
	}
	return allowed, snap, nil
}

func (s *Service) generate(ctx context.Context, text string, allowed permission.AllowedSchema) (nl2sql.CandidateSQL, error) {
	if strings.TrimSpace(text) == "" {
		return nl2sql.CandidateSQL{}, New(KindGeneration, "query text is empty")
	}
	if s.deps.Generator == nil {
		return nl2sql.CandidateSQL{}, Wrap(KindGeneration, nl2sql.ErrUnavailable, "query generation service is unavailable")
	}
	start := time.Now()
	candidate, err := s.deps.Generator.Generate(ctx, text, allowed)
	observability.ObserveStage(stageGenerate, time.Since(start))
	if err != nil {
		return nl2sql.CandidateSQL{}, generationFailure(ctx, err)
	}
	return candidate, nil
}

// generateValid produces a validated candidate. A first candidate the
// validator rejects gets exactly one regeneration, fed the rejection reasons
// and the same allowed schema; the revision is validated from scratch. When
// the revision cannot be produced the first rejection stands.
func (s *Service) generateValid(ctx context.Context, text string, allowed permission.AllowedSchema) (nl2sql.CandidateSQL, sqlguard.Verdict, error) {
	candidate, err := s.generate(ctx, text, allowed)
	if err != nil {
		return nl2sql.CandidateSQL{}, sqlguard.Verdict{}, err
	}
	verdict, err := s.validate(ctx, candidate, allowed)
	if err == nil || KindOf(err) != KindValidation {
		return candidate, verdict, err
	}
	corrector, ok := s.deps.Generator.(nl2sql.Corrector)
	if !ok {
		return candidate, verdict, err
	}

	start := time.Now()
	revised, genErr := corrector.Regenerate(ctx, text, allowed, candidate, verdict.Reasons())
	observability.ObserveStage(stageGenerate, time.Since(start))
	if errors.Is(genErr, nl2sql.ErrCorrectionUnsupported) {
		return candidate, verdict, err
	}
	observability.IncrementGenerationRetry()
	if genErr != nil {
		if ctx.Err() != nil {
			return candidate, verdict, cancelled(ctx, genErr)
		}
		s.deps.Logger.WarnContext(ctx, "regeneration failed", append(observability.RequestAttrs(ctx),
			slog.Any("reasons", verdict.Reasons()),
			slog.String("error", observability.MaskError(genErr)),
		)...)
		return candidate, verdict, err
	}
	s.deps.Logger.InfoContext(ctx, "regenerated rejected statement", append(observability.RequestAttrs(ctx),
		slog.Any("reasons", verdict.Reasons()),
	)...)
	revisedVerdict, err := s.validate(ctx, revised, allowed)
	return revised, revisedVerdict, err
}

func (s *Service) validate(ctx context.Context, candidate nl2sql.CandidateSQL, allowed permission.AllowedSchema) (sqlguard.Verdict, error) {
	start := time.Now()
	verdict := sqlguard.Validate(candidate, allowed)
	observability.ObserveStage(stageValidate, time.Since(start))
	if verdict.Valid {
		return verdict, nil
	}
	for _, check := range verdict.Checks() {
		observability.ObserveValidationRejection(string(check))
	}
	if ctx.Err() != nil {
		return verdict, cancelled(ctx, nil)
	}
	return verdict, New(KindValidation, verdict.Reasons()...)
}

func (s *Service) execute(ctx context.Context, stmt *sqlguard.Statement) (query.Result, error) {
	if s.deps.Executor == nil {
		return query.Result{}, New(KindExecution, "data store is not configured")
	}
	start := time.Now()
	result, err := s.deps.Executor.Execute(ctx, query.Request{
		SQL:       stmt.SQL,
		Operation: stmt.Operation,
		Tables:    stmt.Tables(),
		RowLimit:  s.cfg.RowLimit,
		Returning: stmt.Returning,
	})
	observability.ObserveStage(stageExecute, time.Since(start))
	if err != nil {
		return query.Result{}, executionFailure(ctx, err)
	}
	return result, nil
}

func (s *Service) finish(ctx context.Context, req QueryRequest, env Envelope, pe *Error, elapsed time.Duration) {
	outcome := "success"
	if pe != nil {
		outcome = string(pe.Kind)
		s.logFailure(ctx, "query failed", pe)
	} else {
		if len(env.Warnings) > 0 {
			outcome = string(KindVerification)
		}
		s.deps.Logger.InfoContext(ctx, "query completed", append(observability.RequestAttrs(ctx),
			slog.String("role", req.UserContext.Role),
			slog.String("result_type", env.Metadata.ResultType),
			slog.Int("row_count", env.Metadata.RowCount),
			slog.Int("warnings", len(env.Warnings)),
			slog.Duration("elapsed", elapsed),
		)...)
	}
	observability.ObservePipelineOutcome(outcome)

	if s.deps.Audit == nil {
		return
	}
	kind := "success"
	if pe != nil {
		kind = string(pe.Kind)
	}
	s.deps.Audit.Record(audit.Record{
		RequestID:  env.Metadata.RequestID,
		TraceID:    observability.TraceIDFromContext(ctx),
		Role:       req.UserContext.Role,
		UserID:     req.UserContext.UserID,
		Query:      req.Query,
		SQL:        env.Metadata.SQLQuery,
		Success:    env.Success,
		Kind:       kind,
		RowCount:   env.Metadata.RowCount,
		Warnings:   env.Warnings,
		DurationMs: elapsed.Milliseconds(),
	})
}

func (s *Service) logFailure(ctx context.Context, msg string, pe *Error) {
	level := slog.LevelInfo
	if pe.Kind == KindExecution || pe.Kind == KindTimeout || pe.Kind == KindGeneration {
		level = slog.LevelWarn
	}
	s.deps.Logger.Log(ctx, level, msg, append(observability.RequestAttrs(ctx),
		slog.String("kind", string(pe.Kind)),
		slog.Any("reasons", pe.Reasons),
		slog.String("error", observability.MaskError(pe.Err)),
	)...)
}

func asPipelineError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Wrap(KindExecution, err, "query processing failed")
}

func withRequestID(ctx context.Context) context.Context {
	if observability.RequestIDFromContext(ctx) != "" {
		return ctx
	}
	return observability.ContextWithRequestID(ctx, uuid.NewString())
}
