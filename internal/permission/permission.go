package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/querygate/querygate/internal/schema"
)

var ErrUnknownRole = errors.New("unknown role")

// TagReadOnly removes every mutating operation from the caller's profile.
const TagReadOnly = "readonly"

type UserContext struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
}

func (u UserContext) HasTag(tag string) bool {
	for _, permission := range u.Permissions {
		if strings.EqualFold(strings.TrimSpace(permission), tag) {
			return true
		}
	}
	return false
}

// AllowedSchema is the table, column and operation subset one request may
// see. The zero value grants nothing.
type AllowedSchema struct {
	Role       string
	Tables     map[string]schema.Table
	Operations []schema.Operation
	RowScopes  []schema.RowScope
	Subject    string
	Version    int64
}

func (a AllowedSchema) Empty() bool {
	return len(a.Tables) == 0 || len(a.Operations) == 0
}

func (a AllowedSchema) HasTable(name string) bool {
	_, ok := a.Tables[strings.ToLower(name)]
	return ok
}

func (a AllowedSchema) Table(name string) (schema.Table, bool) {
	table, ok := a.Tables[strings.ToLower(name)]
	return table, ok
}

func (a AllowedSchema) Allows(op schema.Operation) bool {
	for _, allowed := range a.Operations {
		if allowed == op {
			return true
		}
	}
	return false
}

// TableOperations intersects the caller's operations with the table whitelist.
func (a AllowedSchema) TableOperations(name string) []schema.Operation {
	table, ok := a.Table(name)
	if !ok {
		return nil
	}
	var ops []schema.Operation
	for _, op := range a.Operations {
		if table.AllowsOperation(op) {
			ops = append(ops, op)
		}
	}
	return ops
}

func (a AllowedSchema) TableNames() []string {
	names := make([]string, 0, len(a.Tables))
	for name := range a.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RowScopeFor returns the scope a mutating op on table must satisfy.
func (a AllowedSchema) RowScopeFor(table string, op schema.Operation) (schema.RowScope, bool) {
	table = strings.ToLower(table)
	for _, scope := range a.RowScopes {
		if scope.Table == table && scope.Applies(op) {
			return scope, true
		}
	}
	return schema.RowScope{}, false
}

type snapshotter interface {
	Snapshot() (*schema.Snapshot, error)
}

type Resolver struct {
	catalog snapshotter
}

func NewResolver(catalog snapshotter) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve returns the caller's AllowedSchema from the current snapshot. An
// unknown role yields ErrUnknownRole together with an empty schema.
func (r *Resolver) Resolve(ctx context.Context, user UserContext) (AllowedSchema, *schema.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return AllowedSchema{}, nil, err
	}
	snap, err := r.catalog.Snapshot()
	if err != nil {
		return AllowedSchema{}, nil, fmt.Errorf("resolve permissions: %w", err)
	}
	allowed, err := ResolveSnapshot(snap, user)
	return allowed, snap, err
}

func ResolveSnapshot(snap *schema.Snapshot, user UserContext) (AllowedSchema, error) {
	role := strings.TrimSpace(user.Role)
	if role == "" {
		return AllowedSchema{}, fmt.Errorf("empty role: %w", ErrUnknownRole)
	}
	profile, ok := snap.Profile(role)
	if !ok {
		return AllowedSchema{}, fmt.Errorf("role %q: %w", role, ErrUnknownRole)
	}

	allowed := AllowedSchema{
		Role:    profile.Role,
		Tables:  make(map[string]schema.Table, len(profile.Tables)),
		Subject: strings.TrimSpace(user.UserID),
		Version: snap.Version(),
	}
	for _, name := range profile.Tables {
		table, ok := snap.Table(name)
		if !ok {
			continue
		}
		allowed.Tables[table.Name] = table
	}

	readOnly := user.HasTag(TagReadOnly)
	for _, op := range profile.Operations {
		if readOnly && op.Mutating() {
			continue
		}
		allowed.Operations = append(allowed.Operations, op)
	}
	for _, scope := range profile.RowScopes {
		if _, ok := allowed.Tables[scope.Table]; ok {
			allowed.RowScopes = append(allowed.RowScopes, scope)
		}
	}
	return allowed, nil
}
