package verify

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/schema"
	"github.com/querygate/querygate/internal/sqlguard"
)

type AnomalyKind string

const (
	NonSchemaColumn AnomalyKind = "non_schema_column"
	TypeMismatch    AnomalyKind = "type_mismatch"
	UnexpectedNull  AnomalyKind = "unexpected_null"
	DuplicateColumn AnomalyKind = "duplicate_column"
)

// Anomaly is one column-level finding. Rows counts how many rows showed it;
// it is zero for stripped columns.
type Anomaly struct {
	Kind   AnomalyKind `json:"kind"`
	Column string      `json:"column"`
	Table  string      `json:"table,omitempty"`
	Rows   int         `json:"rows,omitempty"`
	// Renamed is the key a duplicate column was given in the result.
	Renamed string `json:"renamed,omitempty"`
}

func (a Anomaly) String() string {
	switch a.Kind {
	case NonSchemaColumn:
		return fmt.Sprintf("column %q is not defined in the schema and was removed from the result", a.Column)
	case TypeMismatch:
		return fmt.Sprintf("column %s returned %d value(s) that do not match its declared type", a.qualified(), a.Rows)
	case UnexpectedNull:
		return fmt.Sprintf("column %s returned NULL in %d row(s) but is declared NOT NULL", a.qualified(), a.Rows)
	case DuplicateColumn:
		return fmt.Sprintf("column %q appears more than once in the result; the repeated column is returned as %q", a.Column, a.Renamed)
	default:
		return fmt.Sprintf("column %s: %s", a.qualified(), a.Kind)
	}
}

func (a Anomaly) qualified() string {
	if a.Table == "" {
		return a.Column
	}
	return a.Table + "." + a.Column
}

// VerifiedResult is an execution result with every undeclared column removed. Row
// count always matches the executed result.
type VerifiedResult struct {
	Columns   []string
	Rows      [][]any
	Anomalies []Anomaly
}

func (r VerifiedResult) Warnings() []string {
	out := make([]string, 0, len(r.Anomalies))
	for _, anomaly := range r.Anomalies {
		out = append(out, anomaly.String())
	}
	return out
}

// Records pairs each row with its column names.
func (r VerifiedResult) Records() []map[string]any {
	records := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		record := make(map[string]any, len(r.Columns))
		for i, column := range r.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}

type keptColumn struct {
	index  int
	name   string
	table  string
	column *schema.Column
}

// Verify checks every returned column against the statement's referenced
// tables. A column survives when it maps to a declared column of one of those
// tables, or when the statement itself names it as an alias or aggregate.
// Anything else is stripped and reported.
func Verify(result query.Result, stmt *sqlguard.Statement, snap *schema.Snapshot) VerifiedResult {
	verified := VerifiedResult{Columns: []string{}, Rows: make([][]any, 0, len(result.Rows))}

	var tables []schema.Table
	var ordered []sqlguard.Output
	outputs := map[string]sqlguard.Output{}
	if stmt != nil && snap != nil {
		for _, name := range stmt.Tables() {
			if table, ok := snap.Table(name); ok {
				tables = append(tables, table)
			}
		}
		ordered = stmt.Outputs(snap.Table)
		for _, out := range ordered {
			if _, seen := outputs[out.Name]; !seen {
				outputs[out.Name] = out
			}
		}
	}
	// Stores name unaliased expressions differently (count, COUNT(*),
	// count_star()), so columns are paired with outputs by position whenever
	// the shapes agree.
	positional := len(ordered) > 0 && len(ordered) == len(result.Columns)

	var kept []keptColumn
	names := map[string]int{}
	for i, name := range result.Columns {
		lower := strings.ToLower(name)
		var (
			col keptColumn
			ok  bool
		)
		if positional && pairs(ordered[i], lower) {
			col, ok = classifyOutput(ordered[i], snap)
		}
		if !ok {
			col, ok = classify(lower, outputs, tables, snap)
		}
		if !ok {
			verified.Anomalies = append(verified.Anomalies, Anomaly{Kind: NonSchemaColumn, Column: name})
			continue
		}
		col.index = i
		col.name = name
		if names[lower] > 0 {
			col.name = uniqueName(name, col.table, names)
			verified.Anomalies = append(verified.Anomalies, Anomaly{Kind: DuplicateColumn, Column: name, Table: col.table, Renamed: col.name})
		}
		names[strings.ToLower(col.name)]++
		kept = append(kept, col)
		verified.Columns = append(verified.Columns, col.name)
	}

	mismatches := make([]int, len(kept))
	nulls := make([]int, len(kept))
	for _, row := range result.Rows {
		out := make([]any, len(kept))
		for k, col := range kept {
			var value any
			if col.index < len(row) {
				value = row[col.index]
			}
			out[k] = value
			if col.column == nil {
				continue
			}
			if value == nil {
				if !col.column.Nullable {
					nulls[k]++
				}
				continue
			}
			if !Conforms(schema.FamilyOf(col.column.Type), value) {
				mismatches[k]++
			}
		}
		verified.Rows = append(verified.Rows, out)
	}

	for k, col := range kept {
		if mismatches[k] > 0 {
			verified.Anomalies = append(verified.Anomalies, Anomaly{Kind: TypeMismatch, Column: col.name, Table: col.table, Rows: mismatches[k]})
		}
		if nulls[k] > 0 {
			verified.Anomalies = append(verified.Anomalies, Anomaly{Kind: UnexpectedNull, Column: col.name, Table: col.table, Rows: nulls[k]})
		}
	}
	return verified
}

// uniqueName keys a repeated column so records keep every value: first as
// table.column, then with a numeric suffix.
func uniqueName(name, table string, taken map[string]int) string {
	if table != "" {
		qualified := table + "." + name
		if taken[strings.ToLower(qualified)] == 0 {
			return qualified
		}
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", name, n)
		if taken[strings.ToLower(candidate)] == 0 {
			return candidate
		}
	}
}

// pairs reports whether a result column can stand for out. Only an unaliased
// aggregate may carry a store-chosen name; everything else must match.
func pairs(out sqlguard.Output, name string) bool {
	if strings.EqualFold(out.Name, name) {
		return true
	}
	return out.Computed() && out.Aggregate && !out.Alias
}

func classifyOutput(out sqlguard.Output, snap *schema.Snapshot) (keptColumn, bool) {
	if out.Table != "" && snap != nil {
		if table, found := snap.Table(out.Table); found {
			if column, has := table.Column(out.Column); has {
				return keptColumn{table: table.Name, column: &column}, true
			}
		}
	}
	if out.Alias || out.Aggregate {
		return keptColumn{}, true
	}
	return keptColumn{}, false
}

func classify(name string, outputs map[string]sqlguard.Output, tables []schema.Table, snap *schema.Snapshot) (keptColumn, bool) {
	if out, ok := outputs[name]; ok {
		if col, kept := classifyOutput(out, snap); kept {
			return col, true
		}
	}
	for _, table := range tables {
		if column, ok := table.Column(name); ok {
			return keptColumn{table: table.Name, column: &column}, true
		}
	}
	return keptColumn{}, false
}

// Conforms reports whether a scanned value is plausible for a column family.
// Drivers differ in how they surface types, so the checks accept every
// representation a supported driver produces.
func Conforms(family schema.Family, value any) bool {
	switch family {
	case schema.FamilyText:
		_, ok := value.(string)
		return ok
	case schema.FamilyInteger:
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, *big.Int:
			return true
		case float64:
			return v == math.Trunc(v)
		case string:
			_, err := strconv.ParseInt(v, 10, 64)
			return err == nil
		}
		return false
	case schema.FamilyDecimal:
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, *big.Int, *big.Float:
			return true
		case string:
			_, err := strconv.ParseFloat(v, 64)
			return err == nil
		}
		return isNumericStruct(value)
	case schema.FamilyBoolean:
		switch v := value.(type) {
		case bool:
			return true
		case int64:
			return v == 0 || v == 1
		}
		return false
	case schema.FamilyTimestamp, schema.FamilyDate:
		switch value.(type) {
		case time.Time, string:
			return true
		}
		return false
	case schema.FamilyUUID:
		switch value.(type) {
		case string, [16]byte:
			return true
		}
		return false
	default:
		return true
	}
}

// isNumericStruct accepts driver decimal types that render as numbers.
func isNumericStruct(value any) bool {
	stringer, ok := value.(fmt.Stringer)
	if !ok {
		return false
	}
	_, err := strconv.ParseFloat(stringer.String(), 64)
	return err == nil
}
