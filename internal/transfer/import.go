package transfer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/rows"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

// ImportResult summarizes a completed import.
type ImportResult struct {
	Table   string   `json:"table"`
	Rows    int64    `json:"rows"`
	Columns []string `json:"columns"`
}

// record is one decoded row. CSV values are raw strings until the target
// column's kind is known.
type record struct {
	num    int
	line   int
	values map[string]interface{}
}

type dataset struct {
	format  Format
	columns []string
	records []record
}

// Import parses data and inserts every row into table in a single
// transaction. Any invalid row aborts the whole batch.
func Import(ctx context.Context, h *conn.Handle, table string, format Format, data io.Reader) (*ImportResult, error) {
	ts, err := h.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	ds, err := decode(format, data)
	if err != nil {
		return nil, err
	}

	if missing := missingColumns(ds.columns, ts); len(missing) > 0 {
		return nil, apperrors.NewImportError(apperrors.CodeUnknownColumn,
			fmt.Sprintf("file has columns not in %q: %s", table, strings.Join(missing, ", ")), nil).
			WithDetails(map[string]interface{}{"missing": missing})
	}

	type prepared struct {
		cols []string
		args []interface{}
	}
	batch := make([]prepared, len(ds.records))
	for i, rec := range ds.records {
		values := rec.values
		if ds.format == FormatCSV {
			values = csvValues(ts, values)
		}
		cols, args, err := rows.Prepare(ts, values)
		if err != nil {
			return nil, atRecord(err, rec)
		}
		batch[i] = prepared{cols, args}
	}

	tx, err := h.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for i, p := range batch {
		query := "INSERT INTO " + conn.QuoteIdent(table) + " DEFAULT VALUES"
		if len(p.cols) > 0 {
			query = rows.InsertSQL(table, p.cols)
		}
		if _, err := h.ExecuteTx(ctx, tx, query, p.args...); err != nil {
			return nil, atRecord(err, ds.records[i])
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, conn.Classify("failed to commit import", err)
	}

	h.Logger().WithField("table", table).WithField("rows", len(batch)).Info("import committed")
	return &ImportResult{Table: table, Rows: int64(len(batch)), Columns: ds.columns}, nil
}

// ImportWithColumns adds newColumns to table and then imports data. Added
// columns stay even if the import itself fails.
func ImportWithColumns(ctx context.Context, h *conn.Handle, table string, format Format, data io.Reader, newColumns []types.ColumnDef) (*ImportResult, error) {
	if len(newColumns) > 0 {
		if _, err := schema.NewEditor(h).AddColumns(ctx, table, newColumns); err != nil {
			return nil, err
		}
	}
	return Import(ctx, h, table, format, data)
}

// ImportPreview describes how a file lines up with a table before importing.
type ImportPreview struct {
	Table          string                 `json:"table"`
	Format         Format                 `json:"format"`
	FileColumns    []string               `json:"file_columns"`
	TableColumns   []string               `json:"table_columns"`
	MissingColumns []string               `json:"missing_columns"`
	SuggestedKinds map[string]schema.Kind `json:"suggested_kinds,omitempty"`
	Rows           int                    `json:"rows"`
}

// NeedsColumns reports whether the file has columns the table lacks.
func (p *ImportPreview) NeedsColumns() bool {
	return len(p.MissingColumns) > 0
}

// SuggestedColumns builds nullable column definitions for the missing
// columns using the suggested kinds.
func (p *ImportPreview) SuggestedColumns() ([]types.ColumnDef, error) {
	cols := make([]types.ColumnDef, 0, len(p.MissingColumns))
	for _, name := range p.MissingColumns {
		kind, ok := p.SuggestedKinds[name]
		if !ok {
			kind = schema.KindText
		}
		col, err := schema.NewColumn(name, string(kind), "", "")
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// Preview parses data without writing anything and reports file columns,
// table columns and columns missing from the table.
func Preview(ctx context.Context, h *conn.Handle, table string, format Format, data io.Reader) (*ImportPreview, error) {
	ts, err := h.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	ds, err := decode(format, data)
	if err != nil {
		return nil, err
	}

	p := &ImportPreview{
		Table:          table,
		Format:         ds.format,
		FileColumns:    ds.columns,
		TableColumns:   ts.ColumnNames(),
		MissingColumns: missingColumns(ds.columns, ts),
		Rows:           len(ds.records),
	}
	if len(p.MissingColumns) > 0 {
		p.SuggestedKinds = make(map[string]schema.Kind, len(p.MissingColumns))
		for _, c := range p.MissingColumns {
			p.SuggestedKinds[c] = suggestKind(ds, c)
		}
	}
	return p, nil
}

func missingColumns(fileColumns []string, ts *types.TableSchema) []string {
	var missing []string
	for _, c := range fileColumns {
		if !ts.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// suggestKind picks the narrowest of integer, real and text that accepts
// every non-null value of the column.
func suggestKind(ds *dataset, column string) schema.Kind {
	seen := false
	for _, k := range []schema.Kind{schema.KindInteger, schema.KindReal} {
		ok := true
		for _, rec := range ds.records {
			v, present := rec.values[column]
			if !present || v == nil {
				continue
			}
			if s, isStr := v.(string); isStr {
				if ds.format == FormatCSV && (s == NullLiteral || s == "") {
					continue
				}
				if ds.format == FormatJSON {
					ok = false
					break
				}
			}
			seen = true
			if k.Validate(v) != nil {
				ok = false
				break
			}
		}
		if ok && seen {
			return k
		}
	}
	return schema.KindText
}

// csvValues applies the CSV NULL conventions: the NULL literal is NULL for
// every kind and an empty field is NULL except in text columns.
func csvValues(ts *types.TableSchema, raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for name, v := range raw {
		s, _ := v.(string)
		col := ts.Column(name)
		switch {
		case s == NullLiteral:
			out[name] = nil
		case s == "" && col != nil && !schema.KindOf(col.Type).IsText():
			out[name] = nil
		default:
			out[name] = s
		}
	}
	return out
}

// atRecord attaches the failing row (and CSV line) to err.
func atRecord(err error, rec record) error {
	details := map[string]interface{}{"row": rec.num}
	if rec.line > 0 {
		details["line"] = rec.line
	}

	ae, ok := apperrors.As(err)
	if !ok {
		return apperrors.NewImportError(apperrors.CodeMalformedFile,
			fmt.Sprintf("row %d: %v", rec.num, err), err).WithDetails(details)
	}
	for k, v := range ae.Details {
		details[k] = v
	}
	cp := ae.WithDetails(details)
	cp.Message = fmt.Sprintf("row %d: %s", rec.num, ae.Message)
	return cp
}

// decode reads the whole payload, unwrapping snappy framing and a UTF-8 BOM.
func decode(format Format, data io.Reader) (*dataset, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(data)
	var r io.Reader = br
	if magic, _ := br.Peek(len(snappyMagic)); string(magic) == snappyMagic {
		r = snappy.NewReader(br)
	}
	payload, err := io.ReadAll(transform.NewReader(r, unicode.UTF8BOM.NewDecoder()))
	if err != nil {
		return nil, apperrors.NewImportError(apperrors.CodeMalformedFile, "failed to read import file", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, apperrors.NewImportError(apperrors.CodeEmptyPayload, "import file is empty", nil)
	}

	if format == FormatCSV {
		return decodeCSV(payload)
	}
	return decodeJSON(payload)
}

func malformed(format string, args ...interface{}) *apperrors.AppError {
	return apperrors.NewImportError(apperrors.CodeMalformedFile, fmt.Sprintf(format, args...), nil)
}

// decodeJSON expects an array of flat objects. Key order of first
// appearance becomes the column order.
func decodeJSON(payload []byte) (*dataset, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	if tok, err := dec.Token(); err != nil || tok != json.Delim('[') {
		return nil, malformed("JSON import must be an array of objects")
	}

	ds := &dataset{format: FormatJSON}
	known := map[string]bool{}
	for n := 1; dec.More(); n++ {
		if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
			return nil, malformed("row %d: expected an object", n).WithDetails(map[string]interface{}{"row": n})
		}

		rec := record{num: n, values: map[string]interface{}{}}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, malformed("row %d: %v", n, err).WithDetails(map[string]interface{}{"row": n})
			}
			key := tok.(string)
			var v interface{}
			if err := dec.Decode(&v); err != nil {
				return nil, malformed("row %d: %v", n, err).WithDetails(map[string]interface{}{"row": n})
			}
			if _, dup := rec.values[key]; dup {
				return nil, malformed("row %d: duplicate key %q", n, key).WithDetails(map[string]interface{}{"row": n})
			}
			rec.values[key] = v
			if !known[key] {
				known[key] = true
				ds.columns = append(ds.columns, key)
			}
		}
		if _, err := dec.Token(); err != nil {
			return nil, malformed("row %d: %v", n, err).WithDetails(map[string]interface{}{"row": n})
		}
		ds.records = append(ds.records, rec)
	}

	if _, err := dec.Token(); err != nil {
		return nil, malformed("unterminated JSON array: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, malformed("unexpected data after JSON array")
	}
	return ds, nil
}

// decodeCSV reads a header row followed by records of the same width.
func decodeCSV(payload []byte) (*dataset, error) {
	cr := csv.NewReader(bytes.NewReader(payload))

	header, err := cr.Read()
	if err != nil {
		return nil, csvError(err)
	}

	ds := &dataset{format: FormatCSV}
	seen := map[string]bool{}
	for i, h := range header {
		name := norm.NFC.String(strings.TrimSpace(h))
		if name == "" {
			return nil, malformed("column %d has an empty header", i+1).WithDetails(map[string]interface{}{"line": 1})
		}
		if seen[name] {
			return nil, malformed("duplicate column %q in header", name).WithDetails(map[string]interface{}{"line": 1})
		}
		seen[name] = true
		ds.columns = append(ds.columns, name)
	}

	for n := 1; ; n++ {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		line, _ := cr.FieldPos(0)

		rec := record{num: n, line: line, values: make(map[string]interface{}, len(fields))}
		for i, f := range fields {
			rec.values[ds.columns[i]] = f
		}
		ds.records = append(ds.records, rec)
	}
	return ds, nil
}

func csvError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return apperrors.NewImportError(apperrors.CodeMalformedFile,
			fmt.Sprintf("line %d: %v", pe.Line, pe.Err), err).
			WithDetails(map[string]interface{}{"line": pe.Line})
	}
	return apperrors.NewImportError(apperrors.CodeMalformedFile, "failed to parse CSV", err)
}
