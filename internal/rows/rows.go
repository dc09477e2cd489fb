// Package rows reads and edits table rows addressed by SQLite rowid.
package rows

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

// Page size bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Filter narrows ListRows. An empty Column searches every column with LIKE.
type Filter struct {
	Column string
	Value  string
}

// Empty reports whether the filter matches everything.
func (f Filter) Empty() bool {
	return f.Value == ""
}

// Editor reads and writes rows of one database.
type Editor struct {
	h           *conn.Handle
	defaultSize int
	maxSize     int
}

// Option configures an Editor.
type Option func(*Editor)

// WithPageSizes overrides the default and maximum page sizes.
func WithPageSizes(def, max int) Option {
	return func(e *Editor) {
		if max > 0 {
			e.maxSize = max
		}
		if def > 0 {
			e.defaultSize = def
		}
		if e.defaultSize > e.maxSize {
			e.defaultSize = e.maxSize
		}
	}
}

// NewEditor creates a row editor bound to a handle.
func NewEditor(h *conn.Handle, opts ...Option) *Editor {
	e := &Editor{h: h, defaultSize: DefaultPageSize, maxSize: MaxPageSize}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClampPage normalizes page and page size: page >= 1, size in 1..max,
// zero size means the default.
func (e *Editor) ClampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size == 0 {
		size = e.defaultSize
	}
	if size < 1 {
		size = 1
	}
	if size > e.maxSize {
		size = e.maxSize
	}
	return page, size
}

// ListRows returns one page of rows in rowid order.
func (e *Editor) ListRows(ctx context.Context, table string, page, pageSize int, filter Filter) (*types.Page, error) {
	page, pageSize = e.ClampPage(page, pageSize)
	return e.list(ctx, table, (page-1)*pageSize, pageSize, filter)
}

// ListRange returns up to limit rows starting at offset in rowid order.
// The limit is clamped like a page size and a negative offset is zero.
func (e *Editor) ListRange(ctx context.Context, table string, offset, limit int, filter Filter) (*types.Page, error) {
	_, limit = e.ClampPage(1, limit)
	if offset < 0 {
		offset = 0
	}
	return e.list(ctx, table, offset, limit, filter)
}

func (e *Editor) list(ctx context.Context, table string, offset, limit int, filter Filter) (*types.Page, error) {
	ts, err := e.h.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := ts.ColumnNames()

	where, args, err := filterClause(ts, filter)
	if err != nil {
		return nil, err
	}

	var total int64
	countSQL := "SELECT COUNT(*) FROM " + conn.QuoteIdent(table) + where
	if err := e.h.DB().QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, conn.Classify("failed to count rows", err)
	}

	result := &types.Page{
		Columns:   cols,
		Page:      offset/limit + 1,
		PageSize:  limit,
		TotalRows: total,
	}
	result.TotalPages = int((total + int64(limit) - 1) / int64(limit))

	rid, err := RowIDColumn(ts)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s, %s FROM %s%s ORDER BY %s LIMIT ? OFFSET ?",
		rid, conn.SelectList(cols), conn.QuoteIdent(table), where, rid)
	args = append(args, limit, offset)

	rs, err := e.h.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	for rs.Next() {
		values, err := conn.ScanValues(rs, len(cols)+1)
		if err != nil {
			return nil, err
		}
		id, err := rowIDValue(values[0])
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, types.Row{
			RowID:   id,
			Columns: cols,
			Values:  values[1:],
		})
	}
	if err := rs.Err(); err != nil {
		return nil, conn.Classify("failed to read rows", err)
	}
	return result, nil
}

func filterClause(ts *types.TableSchema, f Filter) (string, []interface{}, error) {
	if f.Empty() {
		return "", nil, nil
	}
	if f.Column != "" {
		if !ts.HasColumn(f.Column) {
			return "", nil, apperrors.NewFieldError("column", apperrors.CodeUnknownColumn,
				fmt.Sprintf("column %q not found in %q", f.Column, ts.Name))
		}
		return " WHERE " + conn.QuoteIdent(f.Column) + " = ?", []interface{}{f.Value}, nil
	}

	parts := make([]string, len(ts.Columns))
	args := make([]interface{}, len(ts.Columns))
	for i, c := range ts.Columns {
		parts[i] = "CAST(" + conn.QuoteIdent(c.Name) + " AS TEXT) LIKE ?"
		args[i] = "%" + f.Value + "%"
	}
	return " WHERE " + strings.Join(parts, " OR "), args, nil
}

// GetRow returns a single row by rowid.
func (e *Editor) GetRow(ctx context.Context, table string, rowid int64) (*types.Row, error) {
	ts, err := e.h.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := ts.ColumnNames()
	rid, err := RowIDColumn(ts)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?", rid, conn.SelectList(cols), conn.QuoteIdent(table), rid)
	rs, err := e.h.Query(ctx, query, rowid)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	if !rs.Next() {
		if err := rs.Err(); err != nil {
			return nil, conn.Classify("failed to read row", err)
		}
		return nil, rowNotFound(table, rowid)
	}
	values, err := conn.ScanValues(rs, len(cols)+1)
	if err != nil {
		return nil, err
	}
	id, err := rowIDValue(values[0])
	if err != nil {
		return nil, err
	}
	return &types.Row{RowID: id, Columns: cols, Values: values[1:]}, nil
}

var rowIDAliases = []string{"rowid", "_rowid_", "oid"}

// RowIDColumn returns the first rowid alias not shadowed by a user column.
func RowIDColumn(ts *types.TableSchema) (string, error) {
	for _, alias := range rowIDAliases {
		if !hasColumnFold(ts, alias) {
			return alias, nil
		}
	}
	return "", apperrors.NewValidationError(apperrors.CodeInvalidInput,
		fmt.Sprintf("table %q has columns shadowing every rowid alias", ts.Name))
}

func hasColumnFold(ts *types.TableSchema, name string) bool {
	for _, c := range ts.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func rowIDValue(v interface{}) (int64, error) {
	id, ok := v.(int64)
	if !ok {
		return 0, apperrors.NewDatabaseError(apperrors.CodeExecFailed,
			fmt.Sprintf("rowid has unexpected type %T", v), nil)
	}
	return id, nil
}

// InsertRow inserts a row and returns its rowid. Columns missing from values
// take their defaults.
func (e *Editor) InsertRow(ctx context.Context, table string, values map[string]interface{}) (int64, error) {
	ts, err := e.h.DescribeTable(ctx, table)
	if err != nil {
		return 0, err
	}
	cols, args, err := Prepare(ts, values)
	if err != nil {
		return 0, err
	}

	var query string
	if len(cols) == 0 {
		query = "INSERT INTO " + conn.QuoteIdent(table) + " DEFAULT VALUES"
	} else {
		query = InsertSQL(table, cols)
	}

	res, err := e.h.Execute(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.NewDatabaseError(apperrors.CodeExecFailed, "failed to read inserted rowid", err)
	}
	return id, nil
}

// UpdateRow sets the given columns on one row.
func (e *Editor) UpdateRow(ctx context.Context, table string, rowid int64, values map[string]interface{}) error {
	ts, err := e.h.DescribeTable(ctx, table)
	if err != nil {
		return err
	}
	cols, args, err := Prepare(ts, values)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return apperrors.NewValidationError(apperrors.CodeRequiredField, "no columns to update")
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = conn.QuoteIdent(c) + " = ?"
	}
	rid, err := RowIDColumn(ts)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", conn.QuoteIdent(table), strings.Join(sets, ", "), rid)
	args = append(args, rowid)

	res, err := e.h.Execute(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectOne(res, table, rowid)
}

// DeleteRow deletes one row.
func (e *Editor) DeleteRow(ctx context.Context, table string, rowid int64) error {
	ts, err := e.h.DescribeTable(ctx, table)
	if err != nil {
		return err
	}
	rid, err := RowIDColumn(ts)
	if err != nil {
		return err
	}
	res, err := e.h.Execute(ctx, "DELETE FROM "+conn.QuoteIdent(table)+" WHERE "+rid+" = ?", rowid)
	if err != nil {
		return err
	}
	return expectOne(res, table, rowid)
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectOne(res rowsAffected, table string, rowid int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewDatabaseError(apperrors.CodeExecFailed, "failed to read affected rows", err)
	}
	if n == 0 {
		return rowNotFound(table, rowid)
	}
	return nil
}

func rowNotFound(table string, rowid int64) error {
	return apperrors.NewNotFoundError(apperrors.CodeRowNotFound, fmt.Sprintf("row %d not found in %q", rowid, table))
}

// InsertSQL renders a parameterized INSERT for the given columns.
func InsertSQL(table string, cols []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = conn.QuoteIdent(c)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		conn.QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
}

// Prepare validates values against the table schema and coerces them by
// column kind. It returns column names in table order with matching args.
// Unknown columns are rejected.
func Prepare(ts *types.TableSchema, values map[string]interface{}) ([]string, []interface{}, error) {
	for name := range values {
		if !ts.HasColumn(name) {
			return nil, nil, apperrors.NewFieldError(name, apperrors.CodeUnknownColumn,
				fmt.Sprintf("column %q not found in %q", name, ts.Name))
		}
	}

	cols := make([]string, 0, len(values))
	args := make([]interface{}, 0, len(values))
	for _, c := range ts.Columns {
		v, ok := values[c.Name]
		if !ok {
			continue
		}
		coerced, err := schema.KindOf(c.Type).Coerce(v)
		if err != nil {
			ae, _ := apperrors.As(err)
			return nil, nil, ae.WithDetails(map[string]interface{}{"field": c.Name})
		}
		if coerced == nil && !c.Nullable && !c.IsPrimaryKey() {
			return nil, nil, apperrors.NewFieldError(c.Name, apperrors.CodeRequiredField,
				fmt.Sprintf("column %q cannot be NULL", c.Name))
		}
		cols = append(cols, c.Name)
		args = append(args, coerced)
	}
	return cols, args, nil
}

// FormValues converts submitted form strings to row values. An empty string
// is NULL for non-text columns and "" for text columns; NullColumns lists
// columns explicitly set to NULL.
func FormValues(ts *types.TableSchema, form map[string]string, nullColumns []string) map[string]interface{} {
	nulls := make(map[string]bool, len(nullColumns))
	for _, c := range nullColumns {
		nulls[c] = true
	}

	values := make(map[string]interface{}, len(form))
	for name, raw := range form {
		col := ts.Column(name)
		switch {
		case nulls[name]:
			values[name] = nil
		case col != nil && raw == "" && !schema.KindOf(col.Type).IsText():
			values[name] = nil
		default:
			values[name] = raw
		}
	}
	for name := range nulls {
		if _, ok := values[name]; !ok {
			values[name] = nil
		}
	}
	return values
}
