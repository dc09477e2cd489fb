package types

// TableSchema describes a table as reported by SQLite's catalog.
type TableSchema struct {
	// Name is the table name
	Name string `json:"name"`

	// Columns defines the columns in declaration order
	Columns []ColumnDef `json:"columns"`

	// Indexes defines the indexes on the table
	Indexes []IndexDef `json:"indexes"`

	// SQL is the CREATE TABLE statement stored in sqlite_master
	SQL string `json:"sql,omitempty"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the declared SQLite type, e.g. INTEGER, TEXT, VARCHAR(20)
	Type string `json:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`

	// Default is the default value expression as raw SQL, nil when absent
	Default *string `json:"default,omitempty"`

	// PrimaryKey is the 1-based position in the primary key, 0 if not part of it
	PrimaryKey int `json:"primary_key"`

	// Unique requests a UNIQUE constraint at creation time. It is not read back
	// by introspection; unique constraints show up as indexes instead.
	Unique bool `json:"unique,omitempty"`

	// AutoIncrement requests PRIMARY KEY AUTOINCREMENT at creation time
	AutoIncrement bool `json:"autoincrement,omitempty"`
}

// IsPrimaryKey reports whether the column is part of the primary key.
func (c ColumnDef) IsPrimaryKey() bool {
	return c.PrimaryKey > 0
}

// IndexDef defines an index on a table.
type IndexDef struct {
	// Name is the index name
	Name string `json:"name"`

	// Columns lists the columns included in the index
	Columns []string `json:"columns"`

	// Unique indicates whether the index enforces uniqueness
	Unique bool `json:"unique"`

	// Origin is "c" for CREATE INDEX, "u" for UNIQUE constraints and "pk" for primary keys
	Origin string `json:"origin,omitempty"`
}

// ColumnNames returns the column names in declaration order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn checks if a table has a column by name.
func (t *TableSchema) HasColumn(name string) bool {
	return t.Column(name) != nil
}

// Column returns a column by name, or nil if not found.
func (t *TableSchema) Column(name string) *ColumnDef {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// HasIndex checks if a table has an index by name.
func (t *TableSchema) HasIndex(name string) bool {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return true
		}
	}
	return false
}

// DatabaseInfo summarises a database file.
type DatabaseInfo struct {
	Name       string `json:"name"`
	TableCount int    `json:"tables_count"`
	SizeBytes  int64  `json:"size_bytes"`
}
