package sqlguard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/querygate/querygate/internal/nl2sql"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/schema"
)

type Check string

const (
	CheckShape     Check = "statement_shape"
	CheckOperation Check = "operation_permission"
	CheckTables    Check = "table_permission"
	CheckColumns   Check = "column_existence"
	CheckInjection Check = "injection_pattern"
	CheckRowScope  Check = "row_scope"
)

var checkOrder = map[Check]int{
	CheckShape:     1,
	CheckOperation: 2,
	CheckTables:    3,
	CheckColumns:   4,
	CheckInjection: 5,
	CheckRowScope:  6,
}

type Violation struct {
	Check  Check  `json:"check"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return string(v.Check) + ": " + v.Reason
}

type Verdict struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
	// Statement is the analyzed form of the candidate, kept for result
	// verification.
	Statement *Statement `json:"-"`
}

func (v Verdict) Reasons() []string {
	out := make([]string, 0, len(v.Violations))
	for _, violation := range v.Violations {
		out = append(out, violation.String())
	}
	return out
}

// Checks lists the distinct checks that failed, in check order.
func (v Verdict) Checks() []Check {
	var out []Check
	seen := map[Check]struct{}{}
	for _, violation := range v.Violations {
		if _, ok := seen[violation.Check]; ok {
			continue
		}
		seen[violation.Check] = struct{}{}
		out = append(out, violation.Check)
	}
	return out
}

// Validate checks a candidate statement against the caller's allowed schema
// without executing it. It has no side effects: the same inputs always give
// the same verdict.
func Validate(candidate nl2sql.CandidateSQL, allowed permission.AllowedSchema) Verdict {
	stmt, problems := Analyze(candidate.SQL)
	v := &verdictBuilder{seen: map[Violation]struct{}{}}
	for _, problem := range problems {
		v.add(problem)
	}

	op := stmt.Operation
	if declared, ok := schema.ParseOperation(string(candidate.Operation)); ok && op != "" && declared != op {
		v.addf(CheckShape, "declared operation %s does not match statement operation %s", declared, op)
	}

	if op != "" && !allowed.Allows(op) {
		if allowed.Role != "" {
			v.addf(CheckOperation, "operation %s is not permitted for role %s", op, allowed.Role)
		} else {
			v.addf(CheckOperation, "operation %s is not permitted for this role", op)
		}
	}

	tables := stmt.Tables()
	if op != "" && len(tables) == 0 {
		v.addf(CheckTables, "statement references no tables")
	}
	for _, name := range tables {
		table, ok := allowed.Table(name)
		if !ok {
			v.addf(CheckTables, "table %s is not in the allowed schema", name)
			continue
		}
		needed := schema.OpSelect
		if name == stmt.Target {
			needed = op
		}
		if needed != "" && !table.AllowsOperation(needed) {
			v.addf(CheckOperation, "operation %s is not permitted on table %s", needed, name)
		}
	}
	for _, name := range candidate.Tables {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && !allowed.HasTable(name) {
			v.addf(CheckTables, "table %s is not in the allowed schema", name)
		}
	}

	resolution := stmt.Resolve(allowed.Table)
	for _, violation := range resolution.Violations {
		v.add(violation)
	}
	checkDeclaredColumns(v, candidate.Columns, tables, allowed)

	if op.Mutating() && allowed.HasTable(stmt.Target) {
		if scope, ok := allowed.RowScopeFor(stmt.Target, op); ok {
			checkRowScope(v, stmt, scope, allowed.Subject)
		}
	}

	sort.SliceStable(v.violations, func(i, j int) bool {
		return checkOrder[v.violations[i].Check] < checkOrder[v.violations[j].Check]
	})
	return Verdict{Valid: len(v.violations) == 0, Violations: v.violations, Statement: stmt}
}

func checkDeclaredColumns(v *verdictBuilder, declared []string, tables []string, allowed permission.AllowedSchema) {
	for _, raw := range declared {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" || raw == "*" {
			continue
		}
		if tableName, column, ok := strings.Cut(raw, "."); ok {
			table, found := allowed.Table(tableName)
			if !found || column == "*" {
				continue
			}
			if !table.HasColumn(column) {
				v.addf(CheckColumns, "declared column %s.%s does not exist", tableName, column)
			}
			continue
		}
		exists := false
		for _, name := range tables {
			if table, ok := allowed.Table(name); ok && table.HasColumn(raw) {
				exists = true
				break
			}
		}
		if !exists && len(tables) > 0 {
			v.addf(CheckColumns, "declared column %s does not exist on any referenced table", raw)
		}
	}
}

func checkRowScope(v *verdictBuilder, stmt *Statement, scope schema.RowScope, subject string) {
	table, column := scope.Table, scope.Column
	if subject == "" {
		v.addf(CheckRowScope, "%s on %s is row scoped and requires a user identity", stmt.Operation, table)
		return
	}

	switch stmt.Operation {
	case schema.OpInsert:
		if stmt.InsertSelect {
			v.addf(CheckRowScope, "INSERT ... SELECT into %s cannot be row scoped", table)
			return
		}
		idx := -1
		for i, name := range stmt.InsertColumns {
			if name == column {
				idx = i
				break
			}
		}
		if idx < 0 || len(stmt.InsertRows) == 0 {
			v.addf(CheckRowScope, "INSERT into %s must set %s to the caller's identity", table, column)
			return
		}
		for _, row := range stmt.InsertRows {
			if idx >= len(row) || !row[idx].IsLiteral || row[idx].Literal != subject {
				v.addf(CheckRowScope, "INSERT into %s must set %s to the caller's identity", table, column)
				return
			}
		}
	case schema.OpUpdate, schema.OpDelete:
		if !stmt.Where.Present {
			v.addf(CheckRowScope, "%s on %s must filter on %s", stmt.Operation, table, column)
			return
		}
		if stmt.Where.TopLevelOr {
			v.addf(CheckRowScope, "%s on %s must not combine its row scope with OR", stmt.Operation, table)
			return
		}
		scoped := false
		for _, eq := range stmt.Where.Equalities {
			if eq.Column != column || (eq.Qualifier != "" && eq.Qualifier != stmt.TargetName()) {
				continue
			}
			if eq.Value.Literal != subject {
				v.addf(CheckRowScope, "filter on %s.%s must equal the caller's identity", table, column)
				return
			}
			scoped = true
		}
		if !scoped {
			v.addf(CheckRowScope, "%s on %s must filter on %s", stmt.Operation, table, column)
		}
		for _, assignment := range stmt.Assignments {
			if assignment.Column == column && (!assignment.Value.IsLiteral || assignment.Value.Literal != subject) {
				v.addf(CheckRowScope, "UPDATE on %s may not reassign %s", table, column)
			}
		}
	}
}

type verdictBuilder struct {
	violations []Violation
	seen       map[Violation]struct{}
}

func (b *verdictBuilder) add(v Violation) {
	if _, ok := b.seen[v]; ok {
		return
	}
	b.seen[v] = struct{}{}
	b.violations = append(b.violations, v)
}

func (b *verdictBuilder) addf(check Check, format string, args ...any) {
	b.add(Violation{Check: check, Reason: fmt.Sprintf(format, args...)})
}
