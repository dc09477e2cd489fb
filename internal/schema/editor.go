package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

// Editor issues DDL against one open database.
type Editor struct {
	h *conn.Handle
}

// NewEditor creates an editor bound to a handle.
func NewEditor(h *conn.Handle) *Editor {
	return &Editor{h: h}
}

// CreateTable creates a table and returns the issued statement.
func (e *Editor) CreateTable(ctx context.Context, name string, columns []types.ColumnDef) (string, error) {
	if err := ValidateName("table_name", name); err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", apperrors.NewFieldError("columns", apperrors.CodeRequiredField, "at least one column is required")
	}

	exists, err := e.h.TableExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", apperrors.NewFieldError("table_name", apperrors.CodeDuplicate, fmt.Sprintf("table %q already exists", name))
	}

	seen := make(map[string]bool, len(columns))
	pkCount := 0
	for i := range columns {
		kind, err := checkColumn(columns[i])
		if err != nil {
			return "", err
		}
		columns[i].Type = kind.SQLType()

		key := strings.ToLower(columns[i].Name)
		if seen[key] {
			return "", apperrors.NewFieldError("column_name", apperrors.CodeDuplicate,
				fmt.Sprintf("column %q is defined twice", columns[i].Name))
		}
		seen[key] = true
		if columns[i].IsPrimaryKey() {
			pkCount++
		}
	}

	inlinePK := pkCount <= 1
	defs := make([]string, 0, len(columns)+1)
	var pks []string
	for _, col := range columns {
		if !inlinePK && col.AutoIncrement {
			return "", apperrors.NewFieldError("constraint", apperrors.CodeInvalidInput,
				"AUTOINCREMENT cannot be used with a composite primary key")
		}
		defs = append(defs, columnSQL(col, inlinePK))
		if col.IsPrimaryKey() {
			pks = append(pks, conn.QuoteIdent(col.Name))
		}
	}
	if !inlinePK {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", conn.QuoteIdent(name), strings.Join(defs, ", "))
	if _, err := e.h.Execute(ctx, stmt); err != nil {
		return "", err
	}
	return stmt, nil
}

// DropTable drops a table.
func (e *Editor) DropTable(ctx context.Context, name string) (string, error) {
	if err := e.h.RequireTable(ctx, name); err != nil {
		return "", err
	}
	stmt := "DROP TABLE " + conn.QuoteIdent(name)
	if _, err := e.h.Execute(ctx, stmt); err != nil {
		return "", err
	}
	return stmt, nil
}

// AddColumn adds one column to an existing table.
func (e *Editor) AddColumn(ctx context.Context, table string, col types.ColumnDef) (string, error) {
	schema, err := e.h.DescribeTable(ctx, table)
	if err != nil {
		return "", err
	}
	stmt, err := addColumnSQL(schema, col)
	if err != nil {
		return "", err
	}
	if _, err := e.h.Execute(ctx, stmt); err != nil {
		return "", err
	}
	return stmt, nil
}

// AddColumns adds several columns. All definitions are checked before the
// first statement runs; on a database error the statements already applied
// are returned with the error.
func (e *Editor) AddColumns(ctx context.Context, table string, cols []types.ColumnDef) ([]string, error) {
	if len(cols) == 0 {
		return nil, apperrors.NewFieldError("columns", apperrors.CodeRequiredField, "at least one column is required")
	}
	schema, err := e.h.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}

	stmts := make([]string, 0, len(cols))
	for _, col := range cols {
		stmt, err := addColumnSQL(schema, col)
		if err != nil {
			return nil, err
		}
		// Later columns must not collide with earlier ones in the batch.
		schema.Columns = append(schema.Columns, types.ColumnDef{Name: col.Name})
		stmts = append(stmts, stmt)
	}

	for i, stmt := range stmts {
		if _, err := e.h.Execute(ctx, stmt); err != nil {
			return stmts[:i], err
		}
	}
	return stmts, nil
}

func addColumnSQL(schema *types.TableSchema, col types.ColumnDef) (string, error) {
	kind, err := checkColumn(col)
	if err != nil {
		return "", err
	}
	col.Type = kind.SQLType()

	if hasColumnFold(schema, col.Name) {
		return "", apperrors.NewFieldError("column_name", apperrors.CodeDuplicate,
			fmt.Sprintf("column %q already exists in %q", col.Name, schema.Name))
	}
	if col.IsPrimaryKey() {
		return "", apperrors.NewFieldError("constraint", apperrors.CodeInvalidInput,
			"a PRIMARY KEY column cannot be added to an existing table")
	}
	if col.Unique {
		return "", apperrors.NewFieldError("constraint", apperrors.CodeInvalidInput,
			"a UNIQUE column cannot be added to an existing table; add a unique index instead")
	}
	if !col.Nullable && (col.Default == nil || strings.EqualFold(strings.TrimSpace(*col.Default), "NULL")) {
		return "", apperrors.NewFieldError("default", apperrors.CodeRequiredField,
			"a NOT NULL column added to an existing table needs a non-NULL default")
	}

	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", conn.QuoteIdent(schema.Name), columnSQL(col, false)), nil
}

// DropColumn removes one column from a table.
func (e *Editor) DropColumn(ctx context.Context, table, column string) (string, error) {
	stmts, err := e.DropColumns(ctx, table, []string{column})
	if err != nil {
		return "", err
	}
	return stmts[0], nil
}

// DropColumns removes several columns. Every column is checked before the
// first statement runs.
func (e *Editor) DropColumns(ctx context.Context, table string, columns []string) ([]string, error) {
	if len(columns) == 0 {
		return nil, apperrors.NewFieldError("columns", apperrors.CodeRequiredField, "select at least one column")
	}
	schema, err := e.h.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}

	dropping := make(map[string]bool, len(columns))
	for _, name := range columns {
		col := schema.Column(name)
		if col == nil {
			return nil, apperrors.NewNotFoundError(apperrors.CodeColumnNotFound,
				fmt.Sprintf("column %q not found in %q", name, table)).
				WithDetails(map[string]interface{}{"field": "column_name"})
		}
		if col.IsPrimaryKey() {
			return nil, apperrors.NewFieldError("column_name", apperrors.CodeInvalidInput,
				fmt.Sprintf("column %q is part of the primary key and cannot be dropped", name))
		}
		for _, idx := range schema.Indexes {
			for _, c := range idx.Columns {
				if c != name {
					continue
				}
				if idx.Origin == "u" {
					return nil, apperrors.NewFieldError("column_name", apperrors.CodeInvalidInput,
						fmt.Sprintf("column %q has a UNIQUE constraint and cannot be dropped", name))
				}
				return nil, apperrors.NewFieldError("column_name", apperrors.CodeInvalidInput,
					fmt.Sprintf("column %q is used by index %q; drop the index first", name, idx.Name))
			}
		}
		dropping[name] = true
	}
	if len(dropping) >= len(schema.Columns) {
		return nil, apperrors.NewFieldError("column_name", apperrors.CodeInvalidInput,
			"a table must keep at least one column; drop the table instead")
	}

	stmts := make([]string, 0, len(dropping))
	for _, name := range columns {
		if !dropping[name] {
			continue
		}
		delete(dropping, name)
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", conn.QuoteIdent(table), conn.QuoteIdent(name)))
	}
	for i, stmt := range stmts {
		if _, err := e.h.Execute(ctx, stmt); err != nil {
			return stmts[:i], err
		}
	}
	return stmts, nil
}

// DefaultIndexName returns idx_<table>_<col1>_<col2>...
func DefaultIndexName(table string, columns []string) string {
	return "idx_" + table + "_" + strings.Join(columns, "_")
}

// CreateIndex creates an index. An empty name gets DefaultIndexName.
func (e *Editor) CreateIndex(ctx context.Context, table, name string, columns []string, unique bool) (string, error) {
	if len(columns) == 0 {
		return "", apperrors.NewFieldError("columns", apperrors.CodeRequiredField, "select at least one column")
	}
	schema, err := e.h.DescribeTable(ctx, table)
	if err != nil {
		return "", err
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		if !schema.HasColumn(c) {
			return "", apperrors.NewFieldError("columns", apperrors.CodeUnknownColumn,
				fmt.Sprintf("column %q not found in %q", c, table))
		}
		quoted[i] = conn.QuoteIdent(c)
	}

	if strings.TrimSpace(name) == "" {
		name = DefaultIndexName(table, columns)
	}
	if err := ValidateName("index_name", name); err != nil {
		return "", err
	}
	exists, err := e.h.IndexExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", apperrors.NewFieldError("index_name", apperrors.CodeDuplicate, fmt.Sprintf("index %q already exists", name))
	}

	kw := "INDEX"
	if unique {
		kw = "UNIQUE INDEX"
	}
	stmt := fmt.Sprintf("CREATE %s %s ON %s (%s)", kw, conn.QuoteIdent(name), conn.QuoteIdent(table), strings.Join(quoted, ", "))
	if _, err := e.h.Execute(ctx, stmt); err != nil {
		return "", err
	}
	return stmt, nil
}

// DropIndex drops a user-created index.
func (e *Editor) DropIndex(ctx context.Context, name string) (string, error) {
	if strings.HasPrefix(name, "sqlite_autoindex_") {
		return "", apperrors.NewFieldError("index_name", apperrors.CodeInvalidInput,
			fmt.Sprintf("index %q belongs to a UNIQUE or PRIMARY KEY constraint and cannot be dropped", name))
	}
	exists, err := e.h.IndexExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", apperrors.NewNotFoundError(apperrors.CodeIndexNotFound, fmt.Sprintf("index %q not found", name))
	}
	stmt := "DROP INDEX " + conn.QuoteIdent(name)
	if _, err := e.h.Execute(ctx, stmt); err != nil {
		return "", err
	}
	return stmt, nil
}

func hasColumnFold(schema *types.TableSchema, name string) bool {
	for _, c := range schema.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// KindsOf returns the kind of each column in table order.
func KindsOf(schema *types.TableSchema) []Kind {
	kinds := make([]Kind, len(schema.Columns))
	for i, c := range schema.Columns {
		kinds[i] = KindOf(c.Type)
	}
	return kinds
}
