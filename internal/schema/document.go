package schema

import (
	"bytes"
	_ "embed"
	"fmt"

	"go.yaml.in/yaml/v3"
)

//go:embed catalog.yaml
var defaultDocument []byte

// Document is the serialized form of a catalog: table definitions plus the
// role permission matrix. It is what sources load and what the snapshot cache
// persists.
type Document struct {
	Tables   []TableSpec   `yaml:"tables" msgpack:"tables"`
	Profiles []ProfileSpec `yaml:"profiles" msgpack:"profiles"`
}

type TableSpec struct {
	Name        string       `yaml:"name" msgpack:"name"`
	Category    string       `yaml:"category,omitempty" msgpack:"category,omitempty"`
	Operations  []string     `yaml:"operations,omitempty" msgpack:"operations,omitempty"`
	Suggestions []string     `yaml:"suggestions,omitempty" msgpack:"suggestions,omitempty"`
	Counts      []CountSpec  `yaml:"counts,omitempty" msgpack:"counts,omitempty"`
	Columns     []ColumnSpec `yaml:"columns" msgpack:"columns"`
}

type ColumnSpec struct {
	Name     string   `yaml:"name" msgpack:"name"`
	Type     string   `yaml:"type" msgpack:"type"`
	Nullable bool     `yaml:"nullable,omitempty" msgpack:"nullable,omitempty"`
	Values   []string `yaml:"values,omitempty" msgpack:"values,omitempty"`
}

type CountSpec struct {
	Name  string `yaml:"name" msgpack:"name"`
	Where string `yaml:"where,omitempty" msgpack:"where,omitempty"`
}

type ProfileSpec struct {
	Role        string         `yaml:"role" msgpack:"role"`
	Aliases     []string       `yaml:"aliases,omitempty" msgpack:"aliases,omitempty"`
	Tables      []string       `yaml:"tables" msgpack:"tables"`
	Operations  []string       `yaml:"operations" msgpack:"operations"`
	RowScopes   []RowScopeSpec `yaml:"row_scopes,omitempty" msgpack:"row_scopes,omitempty"`
	Suggestions []string       `yaml:"suggestions,omitempty" msgpack:"suggestions,omitempty"`
}

type RowScopeSpec struct {
	Table      string   `yaml:"table" msgpack:"table"`
	Column     string   `yaml:"column" msgpack:"column"`
	Operations []string `yaml:"operations,omitempty" msgpack:"operations,omitempty"`
}

// ParseDocument decodes a YAML catalog document. Unknown keys are rejected so
// that a misspelled policy field fails loudly instead of granting defaults.
func ParseDocument(raw []byte) (Document, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var doc Document
	if err := decoder.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode catalog document: %w", err)
	}
	if len(doc.Tables) == 0 {
		return Document{}, fmt.Errorf("catalog document defines no tables")
	}
	return doc, nil
}

// DefaultDocument returns the embedded rental-property catalog.
func DefaultDocument() (Document, error) {
	return ParseDocument(defaultDocument)
}
