package transfer

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/rows"
)

// RowIterator is a single-pass sequence over a table's rows in rowid order.
// It cannot be restarted and must be closed.
type RowIterator struct {
	table   string
	columns []string
	rows    *sql.Rows
	values  []interface{}
	err     error
}

// Export opens a row iterator over table. The format is checked here so
// callers fail before writing any response.
func Export(ctx context.Context, h *conn.Handle, table string, format Format) (*RowIterator, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	ts, err := h.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := ts.ColumnNames()
	rid, err := rows.RowIDColumn(ts)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", conn.SelectList(cols), conn.QuoteIdent(table), rid)
	rs, err := h.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return &RowIterator{table: table, columns: cols, rows: rs}, nil
}

// Table returns the exported table name.
func (it *RowIterator) Table() string {
	return it.table
}

// Columns returns column names in table order.
func (it *RowIterator) Columns() []string {
	return it.columns
}

// Next advances to the next row.
func (it *RowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	it.values, it.err = conn.ScanValues(it.rows, len(it.columns))
	return it.err == nil
}

// Values returns the current row's values.
func (it *RowIterator) Values() []interface{} {
	return it.values
}

// Err returns the first error met while iterating.
func (it *RowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if err := it.rows.Err(); err != nil {
		return conn.Classify("failed to read rows", err)
	}
	return nil
}

// Close releases the underlying statement.
func (it *RowIterator) Close() error {
	return it.rows.Close()
}

// ExportOptions tune WriteExport.
type ExportOptions struct {
	// Compress wraps the output in snappy framing.
	Compress bool
}

// ExportResult summarizes a written export.
type ExportResult struct {
	Rows     int64  `json:"rows"`
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum"`
}

// hashingWriter counts and hashes everything written to w.
type hashingWriter struct {
	w    io.Writer
	hash murmur3.Hash128
	n    int64
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.hash.Write(p[:n])
	hw.n += int64(n)
	return n, err
}

// WriteExport drains it into w in the given format. The checksum is the
// murmur3 128-bit hash of the bytes written to w, after compression.
func WriteExport(w io.Writer, it *RowIterator, format Format, opts ExportOptions) (*ExportResult, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	hw := &hashingWriter{w: w, hash: murmur3.New128()}

	var out io.Writer = hw
	var sz *snappy.Writer
	if opts.Compress {
		sz = snappy.NewBufferedWriter(hw)
		out = sz
	}

	var count int64
	if format == FormatCSV {
		count, err = writeCSV(out, it)
	} else {
		count, err = writeJSON(out, it)
	}
	if err != nil {
		return nil, err
	}

	if sz != nil {
		if err := sz.Close(); err != nil {
			return nil, writeFailed(err)
		}
	}

	return &ExportResult{
		Rows:     count,
		Bytes:    hw.n,
		Checksum: hex.EncodeToString(hw.hash.Sum(nil)),
	}, nil
}

func writeFailed(err error) error {
	return apperrors.NewExportError(apperrors.CodeWriteFailed, "failed to write export", err)
}

// writeJSON writes an array of objects whose keys keep column order.
func writeJSON(w io.Writer, it *RowIterator) (int64, error) {
	keys := make([][]byte, len(it.Columns()))
	for i, c := range it.Columns() {
		k, err := json.Marshal(c)
		if err != nil {
			return 0, writeFailed(err)
		}
		keys[i] = k
	}

	if _, err := io.WriteString(w, "["); err != nil {
		return 0, writeFailed(err)
	}

	var n int64
	buf := make([]byte, 0, 256)
	for it.Next() {
		buf = buf[:0]
		if n > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, "\n  {"...)
		for i, v := range it.Values() {
			if i > 0 {
				buf = append(buf, ", "...)
			}
			buf = append(buf, keys[i]...)
			buf = append(buf, ": "...)
			enc, err := json.Marshal(v)
			if err != nil {
				return n, apperrors.NewExportError(apperrors.CodeWriteFailed,
					fmt.Sprintf("row %d: cannot encode column %q", n+1, it.Columns()[i]), err)
			}
			buf = append(buf, enc...)
		}
		buf = append(buf, '}')
		if _, err := w.Write(buf); err != nil {
			return n, writeFailed(err)
		}
		n++
	}
	if err := it.Err(); err != nil {
		return n, err
	}

	tail := "]\n"
	if n > 0 {
		tail = "\n]\n"
	}
	if _, err := io.WriteString(w, tail); err != nil {
		return n, writeFailed(err)
	}
	return n, nil
}

func writeCSV(w io.Writer, it *RowIterator) (int64, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(it.Columns()); err != nil {
		return 0, writeFailed(err)
	}

	var n int64
	record := make([]string, len(it.Columns()))
	for it.Next() {
		for i, v := range it.Values() {
			record[i] = csvField(v)
		}
		if err := cw.Write(record); err != nil {
			return n, writeFailed(err)
		}
		n++
	}
	if err := it.Err(); err != nil {
		return n, err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return n, writeFailed(err)
	}
	return n, nil
}

func csvField(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return NullLiteral
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	default:
		return fmt.Sprint(x)
	}
}
