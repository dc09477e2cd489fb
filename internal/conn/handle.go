package conn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

// writeCommands are statement prefixes that modify the database.
var writeCommands = []string{
	"INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER", "TRUNCATE", "REPLACE", "UPSERT",
}

// Handle is an open connection to one database, scoped to a single request.
type Handle struct {
	name    string
	path    string
	db      *sql.DB
	logger  logrus.FieldLogger
	observe StatementObserver
}

// Name returns the database file name.
func (h *Handle) Name() string {
	return h.name
}

// Path returns the database file path.
func (h *Handle) Path() string {
	return h.path
}

// DB exposes the underlying pool for callers that need transactions.
func (h *Handle) DB() *sql.DB {
	return h.db
}

// SetUser tags audit log entries with the acting user.
func (h *Handle) SetUser(user string) {
	if user != "" {
		h.logger = h.logger.WithField("user", user)
	}
}

// Logger returns the handle's audit logger.
func (h *Handle) Logger() logrus.FieldLogger {
	return h.logger
}

// Close closes the handle.
func (h *Handle) Close() error {
	return h.db.Close()
}

// QuoteIdent quotes an SQLite identifier with double quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SelectList renders columns for a SELECT list. Unary + strips the declared
// column type so both drivers return raw storage values instead of converting
// DATE/DATETIME/TIMESTAMP to time.Time or BOOLEAN to bool.
func SelectList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		q := QuoteIdent(c)
		parts[i] = "+" + q + " AS " + q
	}
	return strings.Join(parts, ", ")
}

// ListTables returns user table names in alphabetical order.
func (h *Handle) ListTables(ctx context.Context) ([]string, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, Classify("failed to list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("conn: failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableExists reports whether a user table exists.
func (h *Handle) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return false, Classify("failed to look up table", err)
	}
	return n > 0, nil
}

// RequireTable returns NOT_FOUND when the table does not exist.
func (h *Handle) RequireTable(ctx context.Context, table string) error {
	ok, err := h.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NewNotFoundError(apperrors.CodeTableNotFound, fmt.Sprintf("table %q not found", table))
	}
	return nil
}

// DescribeTable reads columns and indexes for a table.
func (h *Handle) DescribeTable(ctx context.Context, table string) (*types.TableSchema, error) {
	if err := h.RequireTable(ctx, table); err != nil {
		return nil, err
	}

	schema := &types.TableSchema{Name: table}

	rows, err := h.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, Classify("failed to read table info", err)
	}
	for rows.Next() {
		var (
			cid     int
			col     types.ColumnDef
			notNull int
			dflt    sql.NullString
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &col.PrimaryKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("conn: failed to scan column: %w", err)
		}
		col.Nullable = notNull == 0
		if dflt.Valid {
			v := dflt.String
			col.Default = &v
		}
		schema.Columns = append(schema.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, Classify("failed to read table info", err)
	}

	indexes, err := h.listIndexes(ctx, table)
	if err != nil {
		return nil, err
	}
	schema.Indexes = indexes

	sqlText, err := h.TableSQL(ctx, table)
	if err != nil {
		return nil, err
	}
	schema.SQL = sqlText

	return schema, nil
}

func (h *Handle) listIndexes(ctx context.Context, table string) ([]types.IndexDef, error) {
	rows, err := h.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, Classify("failed to list indexes", err)
	}

	var indexes []types.IndexDef
	for rows.Next() {
		var (
			seq     int
			idx     types.IndexDef
			unique  int
			partial int
		)
		if err := rows.Scan(&seq, &idx.Name, &unique, &idx.Origin, &partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("conn: failed to scan index: %w", err)
		}
		idx.Unique = unique == 1
		indexes = append(indexes, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, Classify("failed to list indexes", err)
	}

	for i := range indexes {
		cols, err := h.indexColumns(ctx, indexes[i].Name)
		if err != nil {
			return nil, err
		}
		indexes[i].Columns = cols
	}
	return indexes, nil
}

func (h *Handle) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", QuoteIdent(index)))
	if err != nil {
		return nil, Classify("failed to read index info", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			seqno, cid int
			name       sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("conn: failed to scan index column: %w", err)
		}
		// Expression index columns have no name.
		if name.Valid {
			cols = append(cols, name.String)
		} else {
			cols = append(cols, "<expr>")
		}
	}
	return cols, rows.Err()
}

// IndexExists reports whether an index with the given name exists.
func (h *Handle) IndexExists(ctx context.Context, index string) (bool, error) {
	var n int
	err := h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", index).Scan(&n)
	if err != nil {
		return false, Classify("failed to look up index", err)
	}
	return n > 0, nil
}

// TableSQL returns the CREATE TABLE statement stored for a table.
func (h *Handle) TableSQL(ctx context.Context, table string) (string, error) {
	var text sql.NullString
	err := h.db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&text)
	if err == sql.ErrNoRows {
		return "", apperrors.NewNotFoundError(apperrors.CodeTableNotFound, fmt.Sprintf("table %q not found", table))
	}
	if err != nil {
		return "", Classify("failed to read table sql", err)
	}
	return text.String, nil
}

// RowCount returns the number of rows in a table.
func (h *Handle) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdent(table)).Scan(&n); err != nil {
		return 0, Classify("failed to count rows", err)
	}
	return n, nil
}

// Execute runs a modifying statement and writes an audit log entry.
func (h *Handle) Execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	res, err := h.db.ExecContext(ctx, query, args...)
	elapsed := time.Since(start)
	if h.observe != nil {
		h.observe(elapsed, err)
	}
	entry := h.logger.WithFields(logrus.Fields{
		"sql":         query,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("statement failed")
		return nil, Classify("statement failed", err)
	}
	entry.Info("statement executed")
	return res, nil
}

// ExecuteTx runs a modifying statement inside tx. Batch statements are
// logged at debug level only.
func (h *Handle) ExecuteTx(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	res, err := tx.ExecContext(ctx, query, args...)
	if h.observe != nil {
		h.observe(time.Since(start), err)
	}
	if err != nil {
		return nil, Classify("statement failed", err)
	}
	h.logger.WithField("sql", query).Debug("statement executed in transaction")
	return res, nil
}

// Query runs a read statement. The caller closes the rows.
func (h *Handle) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify("query failed", err)
	}
	return rows, nil
}

// BeginTx starts a transaction on the handle's single connection.
func (h *Handle) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Classify("failed to begin transaction", err)
	}
	return tx, nil
}

// IsWriteStatement reports whether a statement modifies the database.
func IsWriteStatement(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, cmd := range writeCommands {
		if strings.HasPrefix(q, cmd) {
			return true
		}
	}
	return false
}

// RunResult is the outcome of a console statement.
type RunResult struct {
	Write        bool            `json:"write"`
	Columns      []string        `json:"columns,omitempty"`
	Rows         [][]interface{} `json:"rows,omitempty"`
	RowCount     int             `json:"row_count"`
	AffectedRows int64           `json:"affected_rows"`
	Duration     time.Duration   `json:"duration_ns"`
}

// Run executes an arbitrary console statement. Write statements report
// affected rows; everything else returns columns and rows.
func (h *Handle) Run(ctx context.Context, query string) (*RunResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.NewFieldError("query", apperrors.CodeRequiredField, "query is required")
	}

	start := time.Now()
	if IsWriteStatement(query) {
		res, err := h.Execute(ctx, query)
		if err != nil {
			return nil, err
		}
		affected, _ := res.RowsAffected()
		return &RunResult{Write: true, AffectedRows: affected, Duration: time.Since(start)}, nil
	}

	rows, err := h.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, Classify("failed to read columns", err)
	}

	result := &RunResult{Columns: cols}
	for rows.Next() {
		values, err := ScanValues(rows, len(cols))
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify("query failed", err)
	}
	result.RowCount = len(result.Rows)
	result.Duration = time.Since(start)
	return result, nil
}

// ScanValues scans the current row into n normalized values.
func ScanValues(rows *sql.Rows, n int) ([]interface{}, error) {
	values := make([]interface{}, n)
	ptrs := make([]interface{}, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("conn: failed to scan row: %w", err)
	}
	for i, v := range values {
		values[i] = Normalize(v)
	}
	return values, nil
}

// Normalize converts driver values to nil, int64, float64, string or []byte.
func Normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, int64, float64, string:
		return x
	case []byte:
		cp := make([]byte, len(x))
		copy(cp, x)
		return cp
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(x)
	}
}
