package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/querygate/querygate/internal/nl2sql"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/schema"
	"github.com/querygate/querygate/internal/sqlguard"
)

// Statistics runs the basic counts declared on each table the caller can
// read. Counts go through the validator like any generated statement; a count
// that fails validation or execution is left out of the report.
func (s *Service) Statistics(ctx context.Context, user permission.UserContext) (StatisticsReport, error) {
	ctx = withRequestID(ctx)
	report := StatisticsReport{Statistics: map[string]int64{}}
	err := s.withWorker(ctx, func() error {
		allowed, _, err := s.resolve(ctx, user)
		if err != nil {
			return err
		}
		if s.deps.Executor == nil {
			return New(KindExecution, "data store is not configured")
		}
		for _, name := range allowed.TableNames() {
			table, _ := allowed.Table(name)
			for _, count := range table.Counts {
				if err := ctx.Err(); err != nil {
					return cancelled(ctx, err)
				}
				value, ok := s.count(ctx, allowed, table, count)
				if ok {
					report.Statistics[count.Name] = value
				}
			}
		}
		return nil
	})
	if err != nil {
		return StatisticsReport{}, err
	}
	report.Success = true
	report.Message = "Retrieved system statistics"
	return report, nil
}

func (s *Service) count(ctx context.Context, allowed permission.AllowedSchema, table schema.Table, count schema.Count) (int64, bool) {
	sql := CountSQL(table.Name, count)
	verdict := sqlguard.Validate(nl2sql.CandidateSQL{SQL: sql, Operation: schema.OpSelect, Tables: []string{table.Name}}, allowed)
	if !verdict.Valid {
		s.deps.Logger.WarnContext(ctx, "statistics count rejected", append(observability.RequestAttrs(ctx),
			slog.String("count", count.Name),
			slog.Any("reasons", verdict.Reasons()),
		)...)
		return 0, false
	}
	result, err := s.deps.Executor.Execute(ctx, query.Request{
		SQL:       verdict.Statement.SQL,
		Operation: schema.OpSelect,
		Tables:    []string{table.Name},
		RowLimit:  1,
	})
	if err != nil {
		s.deps.Logger.WarnContext(ctx, "statistics count failed", append(observability.RequestAttrs(ctx),
			slog.String("count", count.Name),
			slog.String("error", observability.MaskError(err)),
		)...)
		return 0, false
	}
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return 0, false
	}
	return toInt64(result.Rows[0][0])
}

func CountSQL(table string, count schema.Count) string {
	sql := fmt.Sprintf("SELECT COUNT(*) AS %s FROM %s", count.Name, table)
	if count.Where != "" {
		sql += " WHERE " + count.Where
	}
	return sql
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
