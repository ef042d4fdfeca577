package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/schema"
	"github.com/querygate/querygate/internal/storage"
)

// Engine answers reads from parquet exports in the object store. Each table
// is a view over the files under <prefix>/<table>/. It never writes.
type Engine struct {
	Store  storage.ObjectStore
	Prefix string
}

func NewEngine(store storage.ObjectStore, prefix string) *Engine {
	return &Engine{Store: store, Prefix: prefix}
}

type tableFile struct {
	table string
	key   string
	size  int64
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if request.Operation != schema.OpSelect {
		return query.Result{}, fmt.Errorf("%s statement: %w", request.Operation, query.ErrReadOnly)
	}
	sqlText := query.TrimSQL(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if e.Store == nil {
		return query.Result{}, fmt.Errorf("object store is required")
	}

	start := time.Now()
	files, err := e.resolveFiles(ctx, request.Tables)
	if err != nil {
		return query.Result{}, err
	}

	workDir, err := os.MkdirTemp("", "querygate-duckdb-")
	if err != nil {
		return query.Result{}, fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	groupedPaths := map[string][]string{}
	var scannedBytes int64
	for index, file := range files {
		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", file.table, index))
		if err := e.download(ctx, file.key, localPath); err != nil {
			return query.Result{}, err
		}
		groupedPaths[file.table] = append(groupedPaths[file.table], localPath)
		scannedBytes += file.size
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return query.Result{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	tables := make([]string, 0, len(groupedPaths))
	for table := range groupedPaths {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(table), quoteStringArray(groupedPaths[table]))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return query.Result{}, fmt.Errorf("create view for table %q: %w", table, err)
		}
	}

	rows, err := db.QueryContext(ctx, query.LimitRows(sqlText, request.RowLimit))
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, resultRows, err := query.ScanRows(rows)
	if err != nil {
		return query.Result{}, err
	}
	return query.Result{
		Columns:      columns,
		Rows:         resultRows,
		ScannedFiles: len(files),
		ScannedBytes: scannedBytes,
		Duration:     time.Since(start),
	}, nil
}

func (e *Engine) resolveFiles(ctx context.Context, tables []string) ([]tableFile, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("statement references no tables")
	}
	var files []tableFile
	for _, table := range tables {
		prefix, err := storage.BuildTableExportPrefix(e.Prefix, table)
		if err != nil {
			return nil, err
		}
		objects, err := e.Store.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list exports for table %q: %w", table, err)
		}
		found := 0
		for _, object := range objects {
			if !strings.HasSuffix(object.Key, ".parquet") {
				continue
			}
			files = append(files, tableFile{table: table, key: object.Key, size: object.Size})
			found++
		}
		if found == 0 {
			return nil, fmt.Errorf("no parquet exports for table %q", table)
		}
	}
	return files, nil
}

func (e *Engine) download(ctx context.Context, key, localPath string) error {
	reader, err := e.Store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local parquet file %q: %w", localPath, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close local parquet file %q: %w", localPath, err)
	}
	return nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
