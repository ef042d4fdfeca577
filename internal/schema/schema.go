package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// ErrNotLoaded is returned by catalog lookups before the first successful refresh.
var ErrNotLoaded = errors.New("schema catalog not loaded")

type Operation string

const (
	OpSelect Operation = "SELECT"
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

func ParseOperation(raw string) (Operation, bool) {
	switch Operation(strings.ToUpper(strings.TrimSpace(raw))) {
	case OpSelect:
		return OpSelect, true
	case OpInsert:
		return OpInsert, true
	case OpUpdate:
		return OpUpdate, true
	case OpDelete:
		return OpDelete, true
	default:
		return "", false
	}
}

func (o Operation) Mutating() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

type Column struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Nullable      bool     `json:"nullable"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

type Count struct {
	Name  string
	Where string
}

type Table struct {
	Name        string      `json:"name"`
	Category    string      `json:"category,omitempty"`
	Columns     []Column    `json:"columns"`
	Operations  []Operation `json:"operations,omitempty"`
	Suggestions []string    `json:"-"`
	Counts      []Count     `json:"-"`

	index map[string]int
}

func (t Table) Column(name string) (Column, bool) {
	i, ok := t.index[strings.ToLower(name)]
	if !ok {
		return Column{}, false
	}
	return t.Columns[i], true
}

func (t Table) HasColumn(name string) bool {
	_, ok := t.index[strings.ToLower(name)]
	return ok
}

func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, column := range t.Columns {
		names = append(names, column.Name)
	}
	return names
}

// AllowsOperation reports whether the table-level whitelist permits op. An
// empty whitelist permits every operation.
func (t Table) AllowsOperation(op Operation) bool {
	if len(t.Operations) == 0 {
		return true
	}
	return containsOperation(t.Operations, op)
}

type RowScope struct {
	Table      string      `json:"table"`
	Column     string      `json:"column"`
	Operations []Operation `json:"operations"`
}

// Applies reports whether mutating op on the scoped table must be row-scoped.
func (r RowScope) Applies(op Operation) bool {
	if !op.Mutating() {
		return false
	}
	if len(r.Operations) == 0 {
		return true
	}
	return containsOperation(r.Operations, op)
}

type Profile struct {
	Role        string
	Tables      []string
	Operations  []Operation
	RowScopes   []RowScope
	Suggestions []string
}

func (p Profile) AllowsTable(name string) bool {
	name = strings.ToLower(name)
	for _, table := range p.Tables {
		if table == name {
			return true
		}
	}
	return false
}

func (p Profile) AllowsOperation(op Operation) bool {
	return containsOperation(p.Operations, op)
}

// Snapshot is an immutable view of the catalog. Once published it is never
// modified; refreshes build a new one.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	tables   map[string]*Table
	order    []string
	profiles map[string]*Profile
	aliases  map[string]string
	document Document
}

// NewSnapshot validates doc and builds a snapshot from it.
func NewSnapshot(doc Document, version int64, loadedAt time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		version:  version,
		loadedAt: loadedAt,
		tables:   make(map[string]*Table, len(doc.Tables)),
		profiles: make(map[string]*Profile, len(doc.Profiles)),
		aliases:  map[string]string{},
		document: doc,
	}

	for _, spec := range doc.Tables {
		table, err := buildTable(spec)
		if err != nil {
			return nil, err
		}
		if _, exists := snap.tables[table.Name]; exists {
			return nil, fmt.Errorf("duplicate table %q", table.Name)
		}
		snap.tables[table.Name] = table
		snap.order = append(snap.order, table.Name)
	}
	sort.Strings(snap.order)

	for _, spec := range doc.Profiles {
		profile, err := snap.buildProfile(spec)
		if err != nil {
			return nil, err
		}
		if _, exists := snap.profiles[profile.Role]; exists {
			return nil, fmt.Errorf("duplicate profile %q", profile.Role)
		}
		snap.profiles[profile.Role] = profile
		for _, alias := range spec.Aliases {
			alias = normalizeName(alias)
			if alias == "" {
				continue
			}
			if _, exists := snap.aliases[alias]; exists {
				return nil, fmt.Errorf("duplicate role alias %q", alias)
			}
			snap.aliases[alias] = profile.Role
		}
	}
	for alias := range snap.aliases {
		if _, exists := snap.profiles[alias]; exists {
			return nil, fmt.Errorf("role alias %q shadows a profile", alias)
		}
	}
	return snap, nil
}

func buildTable(spec TableSpec) (*Table, error) {
	name := normalizeName(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if len(spec.Columns) == 0 {
		return nil, fmt.Errorf("table %q has no columns", name)
	}
	table := &Table{
		Name:        name,
		Category:    strings.TrimSpace(spec.Category),
		Suggestions: append([]string(nil), spec.Suggestions...),
		index:       make(map[string]int, len(spec.Columns)),
	}
	ops, err := parseOperations(spec.Operations)
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", name, err)
	}
	table.Operations = ops
	for _, columnSpec := range spec.Columns {
		columnName := normalizeName(columnSpec.Name)
		if columnName == "" {
			return nil, fmt.Errorf("table %q has a column without a name", name)
		}
		if _, exists := table.index[columnName]; exists {
			return nil, fmt.Errorf("table %q: duplicate column %q", name, columnName)
		}
		table.index[columnName] = len(table.Columns)
		table.Columns = append(table.Columns, Column{
			Name:          columnName,
			Type:          NormalizeType(columnSpec.Type),
			Nullable:      columnSpec.Nullable,
			AllowedValues: append([]string(nil), columnSpec.Values...),
		})
	}
	for _, count := range spec.Counts {
		countName := normalizeName(count.Name)
		if countName == "" {
			return nil, fmt.Errorf("table %q has a count without a name", name)
		}
		table.Counts = append(table.Counts, Count{Name: countName, Where: strings.TrimSpace(count.Where)})
	}
	return table, nil
}

func (s *Snapshot) buildProfile(spec ProfileSpec) (*Profile, error) {
	role := normalizeName(spec.Role)
	if role == "" {
		return nil, fmt.Errorf("profile role is required")
	}
	ops, err := parseOperations(spec.Operations)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", role, err)
	}
	profile := &Profile{
		Role:        role,
		Operations:  ops,
		Suggestions: append([]string(nil), spec.Suggestions...),
	}

	seen := map[string]struct{}{}
	for _, raw := range spec.Tables {
		if strings.TrimSpace(raw) == "*" {
			for _, name := range s.order {
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					profile.Tables = append(profile.Tables, name)
				}
			}
			continue
		}
		name := normalizeName(raw)
		if _, ok := s.tables[name]; !ok {
			return nil, fmt.Errorf("profile %q references unknown table %q", role, name)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		profile.Tables = append(profile.Tables, name)
	}

	for _, scopeSpec := range spec.RowScopes {
		tableName := normalizeName(scopeSpec.Table)
		table, ok := s.tables[tableName]
		if !ok {
			return nil, fmt.Errorf("profile %q row scope references unknown table %q", role, tableName)
		}
		columnName := normalizeName(scopeSpec.Column)
		if !table.HasColumn(columnName) {
			return nil, fmt.Errorf("profile %q row scope references unknown column %s.%s", role, tableName, columnName)
		}
		scopeOps, err := parseOperations(scopeSpec.Operations)
		if err != nil {
			return nil, fmt.Errorf("profile %q row scope %s: %w", role, tableName, err)
		}
		profile.RowScopes = append(profile.RowScopes, RowScope{Table: tableName, Column: columnName, Operations: scopeOps})
	}
	return profile, nil
}

func (s *Snapshot) Version() int64 {
	return s.version
}

func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Document returns the document the snapshot was built from.
func (s *Snapshot) Document() Document {
	return s.document
}

func (s *Snapshot) Table(name string) (Table, bool) {
	table, ok := s.tables[normalizeName(name)]
	if !ok {
		return Table{}, false
	}
	return *table, true
}

func (s *Snapshot) TableNames() []string {
	return append([]string(nil), s.order...)
}

// Profile resolves role, following aliases, case-insensitively.
func (s *Snapshot) Profile(role string) (Profile, bool) {
	role = normalizeName(role)
	if target, ok := s.aliases[role]; ok {
		role = target
	}
	profile, ok := s.profiles[role]
	if !ok {
		return Profile{}, false
	}
	return *profile, true
}

func (s *Snapshot) Roles() []string {
	roles := make([]string, 0, len(s.profiles))
	for role := range s.profiles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func parseOperations(raw []string) ([]Operation, error) {
	ops := make([]Operation, 0, len(raw))
	for _, value := range raw {
		op, ok := ParseOperation(value)
		if !ok {
			return nil, fmt.Errorf("unknown operation %q", value)
		}
		if !containsOperation(ops, op) {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func containsOperation(ops []Operation, op Operation) bool {
	for _, candidate := range ops {
		if candidate == op {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
