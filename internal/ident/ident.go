// Package ident provides typed, quoted SQL identifiers so that table
// and schema names are never passed around the sync engine as bare
// strings. This mirrors the teacher's own ident.Table/ident.Schema
// split referenced throughout its wire_gen.go files.
package ident

import "strings"

// Ident is a single quoted identifier, e.g. a table or column name.
type Ident struct {
	raw string
}

// New returns an Ident wrapping raw. No quoting is performed here;
// quoting is dialect-specific and happens at render time.
func New(raw string) Ident { return Ident{raw: raw} }

// Raw returns the identifier's unquoted text.
func (i Ident) Raw() string { return i.raw }

// Empty reports whether the identifier was never set.
func (i Ident) Empty() bool { return i.raw == "" }

func (i Ident) String() string { return i.raw }

// Schema identifies a database schema or catalog.
type Schema struct {
	names []Ident
}

// NewSchema builds a Schema from one or more dotted path segments
// (e.g. "db", "public").
func NewSchema(parts ...string) Schema {
	names := make([]Ident, len(parts))
	for i, p := range parts {
		names[i] = New(p)
	}
	return Schema{names: names}
}

// Schema returns the receiver; present so Table and Schema can share a
// Schema() accessor as the teacher's types do.
func (s Schema) Schema() Schema { return s }

// Raw renders the dotted, unquoted schema path.
func (s Schema) Raw() string {
	parts := make([]string, len(s.names))
	for i, n := range s.names {
		parts[i] = n.Raw()
	}
	return strings.Join(parts, ".")
}

func (s Schema) String() string { return s.Raw() }

// Table identifies a table scoped to a Schema.
type Table struct {
	schema Schema
	table  Ident
}

// NewTable builds a Table from a Schema and a bare table name.
func NewTable(schema Schema, table string) Table {
	return Table{schema: schema, table: New(table)}
}

// Schema returns the table's enclosing schema.
func (t Table) Schema() Schema { return t.schema }

// Table returns the bare table identifier.
func (t Table) Table() Ident { return t.table }

// Raw renders "schema.table" in unquoted form, suitable as a map key.
func (t Table) Raw() string {
	if t.schema.Raw() == "" {
		return t.table.Raw()
	}
	return t.schema.Raw() + "." + t.table.Raw()
}

func (t Table) String() string { return t.Raw() }
