package sqlguard

import (
	"fmt"
	"sort"

	"github.com/querygate/querygate/internal/schema"
)

// Lookup finds a table by name in whatever schema the statement is bound to.
type Lookup func(name string) (schema.Table, bool)

type ColumnUse struct {
	Table  string
	Column string
}

// Output describes one column of the statement's result set.
type Output struct {
	Name      string
	Table     string
	Column    string
	Alias     bool
	Aggregate bool
}

// Computed reports whether the output is produced by an expression rather
// than read from a table column.
func (o Output) Computed() bool {
	return o.Table == ""
}

type Resolution struct {
	Tables        []string
	MissingTables []string
	Columns       []ColumnUse
	Violations    []Violation
}

// Resolve binds every column reference in the statement to a table returned
// by lookup. References that bind to nothing, or to more than one table, are
// reported as column violations.
func (s *Statement) Resolve(lookup Lookup) Resolution {
	r := &resolver{lookup: lookup, uses: map[ColumnUse]struct{}{}, reported: map[string]struct{}{}}
	res := Resolution{Tables: s.Tables()}
	for _, name := range res.Tables {
		if _, ok := lookup(name); !ok {
			res.MissingTables = append(res.MissingTables, name)
		}
	}
	if s.root != nil {
		r.walk(s.root)
	}
	for use := range r.uses {
		res.Columns = append(res.Columns, use)
	}
	sort.Slice(res.Columns, func(i, j int) bool {
		if res.Columns[i].Table != res.Columns[j].Table {
			return res.Columns[i].Table < res.Columns[j].Table
		}
		return res.Columns[i].Column < res.Columns[j].Column
	})
	res.Violations = r.violations
	return res
}

// Outputs lists the result columns of the outermost SELECT, or of RETURNING
// for mutations, with star projections expanded through lookup.
func (s *Statement) Outputs(lookup Lookup) []Output {
	if s.output == nil {
		return nil
	}
	r := &resolver{lookup: lookup}
	return r.outputs(s.output)
}

type resolver struct {
	lookup     Lookup
	uses       map[ColumnUse]struct{}
	reported   map[string]struct{}
	violations []Violation
}

func (r *resolver) fail(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	if _, ok := r.reported[reason]; ok {
		return
	}
	r.reported[reason] = struct{}{}
	r.violations = append(r.violations, Violation{Check: CheckColumns, Reason: reason})
}

func (r *resolver) walk(sc *scope) {
	for _, ref := range sc.refs {
		r.resolveRef(sc, ref)
	}
	for _, src := range sc.sources {
		if src.derived != nil {
			r.walk(src.derived)
		}
	}
	for _, child := range sc.children {
		r.walk(child)
	}
	for _, member := range sc.union {
		r.walk(member)
	}
}

func (r *resolver) resolveRef(sc *scope, ref columnRef) {
	if ref.qualifier != "" {
		src := findSource(sc, ref.qualifier)
		if src == nil {
			r.fail("unknown table or alias %q", ref.qualifier)
			return
		}
		if ref.star {
			return
		}
		has, known := r.columnsOf(src)
		if !known {
			return
		}
		if !has(ref.name) {
			r.fail("column %s.%s does not exist", src.displayName(), ref.name)
			return
		}
		r.use(src, ref.name)
		return
	}
	if ref.star {
		return
	}

	for s := sc; s != nil; s = s.parent {
		var matches []*source
		unknown := false
		for _, src := range s.sources {
			has, known := r.columnsOf(src)
			if !known {
				unknown = true
				continue
			}
			if has(ref.name) {
				matches = append(matches, src)
			}
		}
		if len(matches) > 1 {
			if owner := usingOwner(matches, ref.name); owner != nil {
				matches = []*source{owner}
			}
		}
		switch {
		case len(matches) == 1:
			r.use(matches[0], ref.name)
			return
		case len(matches) > 1:
			r.fail("column %q is ambiguous", ref.name)
			return
		case unknown:
			return
		}
		if _, ok := s.aliases[ref.name]; ok {
			return
		}
	}
	r.fail("column %q does not exist on any referenced table", ref.name)
}

func (r *resolver) use(src *source, column string) {
	if src.table == "" || r.uses == nil {
		return
	}
	r.uses[ColumnUse{Table: src.table, Column: column}] = struct{}{}
}

// columnsOf returns a membership test for the columns src exposes. known is
// false when src names a table lookup cannot see.
func (r *resolver) columnsOf(src *source) (func(string) bool, bool) {
	if src.derived != nil {
		outputs := r.outputs(src.derived)
		return func(name string) bool {
			for _, out := range outputs {
				if out.Name == name {
					return true
				}
			}
			return false
		}, true
	}
	table, ok := r.lookup(src.table)
	if !ok {
		return nil, false
	}
	return table.HasColumn, true
}

func (r *resolver) outputs(sc *scope) []Output {
	var out []Output
	for _, item := range sc.items {
		switch {
		case item.star && item.qualifier == "":
			for _, src := range sc.sources {
				out = append(out, r.sourceOutputs(src)...)
			}
		case item.star:
			if src := findSource(sc, item.qualifier); src != nil {
				out = append(out, r.sourceOutputs(src)...)
			}
		case item.column != "":
			o := r.columnOutput(sc, item.qualifier, item.column)
			if item.alias != "" {
				o.Name = item.alias
				o.Alias = true
			}
			out = append(out, o)
		default:
			name := item.alias
			if name == "" {
				name = item.function
			}
			if name == "" {
				name = "?column?"
			}
			out = append(out, Output{Name: name, Alias: item.alias != "", Aggregate: item.aggregate})
		}
	}
	return out
}

func (r *resolver) sourceOutputs(src *source) []Output {
	if src.derived != nil {
		return r.outputs(src.derived)
	}
	table, ok := r.lookup(src.table)
	if !ok {
		return nil
	}
	out := make([]Output, 0, len(table.Columns))
	for _, column := range table.Columns {
		out = append(out, Output{Name: column.Name, Table: table.Name, Column: column.Name})
	}
	return out
}

func (r *resolver) columnOutput(sc *scope, qualifier, name string) Output {
	var candidates []*source
	if qualifier != "" {
		if src := findSource(sc, qualifier); src != nil {
			candidates = append(candidates, src)
		}
	} else {
		for _, src := range sc.sources {
			if has, known := r.columnsOf(src); known && has(name) {
				candidates = append(candidates, src)
			}
		}
		if len(candidates) > 1 {
			if owner := usingOwner(candidates, name); owner != nil {
				candidates = []*source{owner}
			}
		}
	}
	if len(candidates) != 1 {
		return Output{Name: name}
	}
	src := candidates[0]
	if src.derived != nil {
		for _, out := range r.outputs(src.derived) {
			if out.Name == name {
				return out
			}
		}
		return Output{Name: name}
	}
	table, ok := r.lookup(src.table)
	if !ok || !table.HasColumn(name) {
		return Output{Name: name}
	}
	return Output{Name: name, Table: table.Name, Column: name}
}

func findSource(sc *scope, name string) *source {
	for s := sc; s != nil; s = s.parent {
		for _, src := range s.sources {
			if src.name() == name {
				return src
			}
		}
	}
	return nil
}

func usingOwner(matches []*source, column string) *source {
	for _, src := range matches {
		for _, name := range src.using {
			if name == column {
				return src
			}
		}
	}
	return nil
}

func (s *source) displayName() string {
	if s.table != "" {
		return s.table
	}
	return s.alias
}
