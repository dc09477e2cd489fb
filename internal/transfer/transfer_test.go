package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/rows"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/internal/storage"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

var itemColumns = [][4]string{
	{"id", "INTEGER", "PRIMARY KEY", ""},
	{"name", "TEXT", "NOT NULL", ""},
	{"qty", "INTEGER", "", ""},
	{"price", "REAL", "", ""},
	{"data", "BLOB", "", ""},
	{"note", "TEXT", "", ""},
}

func newManager(t *testing.T) *conn.Manager {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m, err := conn.NewManager(conn.Config{Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	return m
}

func openDB(t *testing.T, m *conn.Manager, name string) *conn.Handle {
	t.Helper()
	ctx := context.Background()
	if !m.Exists(name) {
		_, err := m.CreateDatabase(ctx, name)
		require.NoError(t, err)
	}
	h, err := m.Open(ctx, name)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func createTable(t testing.TB, h *conn.Handle, table string, defs [][4]string) {
	cols := make([]types.ColumnDef, 0, len(defs))
	for _, d := range defs {
		col, err := schema.NewColumn(d[0], d[1], d[2], d[3])
		require.NoError(t, err)
		cols = append(cols, col)
	}
	_, err := schema.NewEditor(h).CreateTable(context.Background(), table, cols)
	require.NoError(t, err)
}

func exportBytes(t testing.TB, h *conn.Handle, table string, format Format, opts ExportOptions) ([]byte, *ExportResult) {
	it, err := Export(context.Background(), h, table, format)
	require.NoError(t, err)
	defer it.Close()

	var buf bytes.Buffer
	res, err := WriteExport(&buf, it, format, opts)
	require.NoError(t, err)
	return buf.Bytes(), res
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"json": FormatJSON, "CSV": FormatCSV, ".csv": FormatCSV, " Json ": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Equal(t, apperrors.CodeUnsupportedFormat, apperrors.GetCode(err))

	f, err := FormatFromFilename("people.csv.sz")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	_, err = FormatFromFilename("people")
	assert.Error(t, err)
}

func TestExport_JSONShape(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	createTable(t, h, "items", itemColumns)
	e := rows.NewEditor(h)
	ctx := context.Background()

	_, err := e.InsertRow(ctx, "items", map[string]interface{}{"name": "Widget", "qty": 3, "price": 2.5, "data": []byte{1, 2}})
	require.NoError(t, err)
	_, err = e.InsertRow(ctx, "items", map[string]interface{}{"name": "Gadget"})
	require.NoError(t, err)

	out, res := exportBytes(t, h, "items", FormatJSON, ExportOptions{})
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, int64(len(out)), res.Bytes)
	assert.Equal(t, `[
  {"id": 1, "name": "Widget", "qty": 3, "price": 2.5, "data": "AQI=", "note": null},
  {"id": 2, "name": "Gadget", "qty": null, "price": null, "data": null, "note": null}
]
`, string(out))

	hash := murmur3.New128()
	hash.Write(out)
	assert.Equal(t, hex.EncodeToString(hash.Sum(nil)), res.Checksum)
}

func TestExport_EmptyTable(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	createTable(t, h, "items", itemColumns)

	out, res := exportBytes(t, h, "items", FormatJSON, ExportOptions{})
	assert.Equal(t, "[]\n", string(out))
	assert.Equal(t, int64(0), res.Rows)

	out, _ = exportBytes(t, h, "items", FormatCSV, ExportOptions{})
	assert.Equal(t, "id,name,qty,price,data,note\n", string(out))
}

func TestExport_MissingTable(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	_, err := Export(context.Background(), h, "ghost", FormatCSV)
	assert.Equal(t, apperrors.CodeTableNotFound, apperrors.GetCode(err))

	_, err = Export(context.Background(), h, "ghost", Format("xml"))
	assert.Equal(t, apperrors.CodeUnsupportedFormat, apperrors.GetCode(err))
}

func TestCSV_NullRoundTrip(t *testing.T) {
	m := newManager(t)
	h := openDB(t, m, "shop")
	createTable(t, h, "items", itemColumns)
	createTable(t, h, "copy", itemColumns)
	e := rows.NewEditor(h)
	ctx := context.Background()

	_, err := e.InsertRow(ctx, "items", map[string]interface{}{"name": "", "qty": nil, "note": nil})
	require.NoError(t, err)
	_, err = e.InsertRow(ctx, "items", map[string]interface{}{"name": "with,comma", "qty": 0, "price": -1.25, "data": []byte("hi"), "note": "line\nbreak"})
	require.NoError(t, err)

	csvOut, res := exportBytes(t, h, "items", FormatCSV, ExportOptions{})
	assert.Equal(t, int64(2), res.Rows)
	lines := strings.SplitN(string(csvOut), "\n", 3)
	assert.Equal(t, "1,,NULL,NULL,NULL,NULL", lines[1], "empty text stays empty, NULL is literal")

	imp, err := Import(ctx, h, "copy", FormatCSV, bytes.NewReader(csvOut))
	require.NoError(t, err)
	assert.Equal(t, int64(2), imp.Rows)

	want, _ := exportBytes(t, h, "items", FormatJSON, ExportOptions{})
	got, _ := exportBytes(t, h, "copy", FormatJSON, ExportOptions{})
	assert.Equal(t, string(want), string(got))
}

func TestRoundTrip_UndeclaredColumnTypes(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	ctx := context.Background()
	for _, table := range []string{"src", "dst_json", "dst_csv"} {
		_, err := h.Execute(ctx, "CREATE TABLE "+conn.QuoteIdent(table)+" (a, b STRING, c JSON, d DECIMAL(10,2))")
		require.NoError(t, err)
	}
	_, err := h.Execute(ctx, `INSERT INTO src VALUES ('hello', 'abc', '{"k":1}', 12.5), (x'0102', '', NULL, 'n/a')`)
	require.NoError(t, err)

	want, _ := exportBytes(t, h, "src", FormatJSON, ExportOptions{})
	assert.Contains(t, string(want), `"a": "hello"`)

	_, err = Import(ctx, h, "dst_json", FormatJSON, bytes.NewReader(want))
	require.NoError(t, err)
	csvOut, _ := exportBytes(t, h, "src", FormatCSV, ExportOptions{})
	_, err = Import(ctx, h, "dst_csv", FormatCSV, bytes.NewReader(csvOut))
	require.NoError(t, err)

	row, err := rows.NewEditor(h).GetRow(ctx, "dst_csv", 1)
	require.NoError(t, err)
	for col, v := range map[string]interface{}{"a": "hello", "b": "abc", "c": `{"k":1}`} {
		got, _ := row.Get(col)
		assert.Equal(t, v, got, col)
	}
	row, err = rows.NewEditor(h).GetRow(ctx, "dst_json", 2)
	require.NoError(t, err)
	b, _ := row.Get("b")
	c, _ := row.Get("c")
	assert.Equal(t, "", b)
	assert.Nil(t, c)
}

func TestCSV_NullLiteralTextBecomesNull(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	createTable(t, h, "items", itemColumns)
	createTable(t, h, "copy", itemColumns)
	ctx := context.Background()

	_, err := rows.NewEditor(h).InsertRow(ctx, "items", map[string]interface{}{"name": "x", "note": NullLiteral})
	require.NoError(t, err)
	csvOut, _ := exportBytes(t, h, "items", FormatCSV, ExportOptions{})
	_, err = Import(ctx, h, "copy", FormatCSV, bytes.NewReader(csvOut))
	require.NoError(t, err)

	row, err := rows.NewEditor(h).GetRow(ctx, "copy", 1)
	require.NoError(t, err)
	note, _ := row.Get("note")
	assert.Nil(t, note, "the text NULL cannot be told apart from SQL NULL in CSV")
}

func TestImport_CSVEmptyFieldConventions(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	createTable(t, h, "items", itemColumns)
	ctx := context.Background()

	_, err := Import(ctx, h, "items", FormatCSV, strings.NewReader("name,qty,note\nA,,\n"))
	require.NoError(t, err)

	row, err := rows.NewEditor(h).GetRow(ctx, "items", 1)
	require.NoError(t, err)
	qty, _ := row.Get("qty")
	note, _ := row.Get("note")
	assert.Nil(t, qty, "empty integer field is NULL")
	assert.Equal(t, "", note, "empty text field is an empty string")
}

func TestImport_FailureRollsBack(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	createTable(t, h, "items", itemColumns)
	ctx := context.Background()

	// Constraint failure on the second row
	_, err := Import(ctx, h, "items", FormatJSON, strings.NewReader(`[{"name": "ok"}, {"name": null}]`))
	require.Error(t, err)
	ae, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, 2, ae.Details["row"])

	// Duplicate primary key reaches SQLite and aborts the transaction
	_, err = Import(ctx, h, "items", FormatJSON, strings.NewReader(`[{"id": 1, "name": "a"}, {"id": 1, "name": "b"}]`))
	require.Error(t, err)
	assert.True(t, conn.IsConstraint(err), "got %v", err)
	ae, _ = apperrors.As(err)
	assert.Equal(t, 2, ae.Details["row"])

	// Type mismatch on CSV line 3
	_, err = Import(ctx, h, "items", FormatCSV, strings.NewReader("name,qty\na,1\nb,many\n"))
	require.Error(t, err)
	ae, _ = apperrors.As(err)
	assert.Equal(t, apperrors.CodeTypeMismatch, ae.Code)
	assert.Equal(t, 3, ae.Details["line"])
	assert.Equal(t, "qty", ae.Details["field"])

	count, err := h.RowCount(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestImport_MalformedFiles(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	createTable(t, h, "items", itemColumns)
	ctx := context.Background()

	tests := []struct {
		name   string
		format Format
		data   string
		code   string
	}{
		{"empty", FormatJSON, "  \n", apperrors.CodeEmptyPayload},
		{"object instead of array", FormatJSON, `{"name": "x"}`, apperrors.CodeMalformedFile},
		{"scalar row", FormatJSON, `[1]`, apperrors.CodeMalformedFile},
		{"trailing data", FormatJSON, `[] []`, apperrors.CodeMalformedFile},
		{"unterminated", FormatJSON, `[{"name": "x"}`, apperrors.CodeMalformedFile},
		{"nested value", FormatJSON, `[{"name": {"a": 1}}]`, apperrors.CodeTypeMismatch},
		{"ragged csv", FormatCSV, "name,qty\na\n", apperrors.CodeMalformedFile},
		{"duplicate header", FormatCSV, "name,name\na,b\n", apperrors.CodeMalformedFile},
		{"unknown column", FormatCSV, "name,color\na,red\n", apperrors.CodeUnknownColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Import(ctx, h, "items", tt.format, strings.NewReader(tt.data))
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
			assert.Equal(t, 400, apperrors.HTTPStatus(err))
		})
	}
}

func TestImport_BOMAndNormalizedHeaders(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	createTable(t, h, "cafes", [][4]string{{"café", "TEXT", "", ""}, {"rating", "INTEGER", "", ""}})
	ctx := context.Background()

	// BOM plus a decomposed "é" (e + combining acute accent)
	data := "\ufeffcafe\u0301, rating \nLe Zinc,4\n"
	res, err := Import(ctx, h, "cafes", FormatCSV, strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"café", "rating"}, res.Columns)
	assert.Equal(t, int64(1), res.Rows)
}

func TestSnappyRoundTrip(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	createTable(t, h, "items", itemColumns)
	createTable(t, h, "copy", itemColumns)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := rows.NewEditor(h).InsertRow(ctx, "items", map[string]interface{}{"name": fmt.Sprintf("item %d", i), "qty": i})
		require.NoError(t, err)
	}

	for _, format := range []Format{FormatJSON, FormatCSV} {
		out, res := exportBytes(t, h, "items", format, ExportOptions{Compress: true})
		require.True(t, bytes.HasPrefix(out, []byte(snappyMagic)))
		assert.Equal(t, int64(20), res.Rows)

		_, err := h.Execute(ctx, `DELETE FROM "copy"`)
		require.NoError(t, err)
		imp, err := Import(ctx, h, "copy", format, bytes.NewReader(out))
		require.NoError(t, err, format)
		assert.Equal(t, int64(20), imp.Rows)
	}
}

func TestPreviewAndImportWithColumns(t *testing.T) {
	h := openDB(t, newManager(t), "shop")
	createTable(t, h, "items", itemColumns)
	ctx := context.Background()

	data := `[{"name": "a", "color": "red", "weight": 1.5, "stock": 3}, {"name": "b", "weight": 2, "stock": null}]`
	p, err := Preview(ctx, h, "items", FormatJSON, strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "color", "weight", "stock"}, p.FileColumns)
	assert.Equal(t, []string{"color", "weight", "stock"}, p.MissingColumns)
	assert.True(t, p.NeedsColumns())
	assert.Equal(t, 2, p.Rows)
	assert.Equal(t, schema.KindText, p.SuggestedKinds["color"])
	assert.Equal(t, schema.KindReal, p.SuggestedKinds["weight"])
	assert.Equal(t, schema.KindInteger, p.SuggestedKinds["stock"])

	// Preview writes nothing
	count, err := h.RowCount(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	cols, err := p.SuggestedColumns()
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "REAL", cols[1].Type)
	res, err := ImportWithColumns(ctx, h, "items", FormatJSON, strings.NewReader(data), cols)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows)

	ts, err := h.DescribeTable(ctx, "items")
	require.NoError(t, err)
	assert.True(t, ts.HasColumn("color"))
	assert.True(t, ts.HasColumn("stock"))
}

func TestExportToStorageSnapshotRestore(t *testing.T) {
	m := newManager(t)
	h := openDB(t, m, "shop")
	createTable(t, h, "items", itemColumns)
	ctx := context.Background()
	_, err := rows.NewEditor(h).InsertRow(ctx, "items", map[string]interface{}{"name": "kept"})
	require.NoError(t, err)

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	stored, err := ExportToStorage(ctx, h, "items", FormatCSV, ExportOptions{}, store, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.ObjectPath, "exports/shop/items-"))
	assert.True(t, strings.HasSuffix(stored.ObjectPath, ".csv"))
	assert.Equal(t, int64(1), stored.Rows)
	assert.NotEmpty(t, stored.ETag)

	local := filepath.Join(t.TempDir(), "items.csv")
	require.NoError(t, store.Download(ctx, stored.ObjectPath, local))
	content, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Contains(t, string(content), "kept")

	snap, err := Snapshot(ctx, h, store, "snapshots/shop.db")
	require.NoError(t, err)
	assert.Greater(t, snap.SizeBytes, int64(0))

	file, err := Restore(ctx, m, store, snap.ObjectPath, "restored")
	require.NoError(t, err)
	assert.Equal(t, "restored.db", file)

	r := openDB(t, m, "restored")
	count, err := r.RowCount(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = Restore(ctx, m, store, snap.ObjectPath, "restored")
	assert.Equal(t, apperrors.CodeDuplicate, apperrors.GetCode(err))

	_, err = Restore(ctx, m, store, "snapshots/none.db", "other")
	assert.Equal(t, apperrors.CodeDatabaseNotFound, apperrors.GetCode(err))

	// A non-database object is rejected and leaves nothing behind
	junk := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(junk, bytes.Repeat([]byte("not sqlite "), 200), 0644))
	require.NoError(t, store.Upload(ctx, junk, "snapshots/junk.db"))
	_, err = Restore(ctx, m, store, "snapshots/junk.db", "junk")
	require.Error(t, err)
	assert.False(t, m.Exists("junk"))
}

type failingStore struct {
	storage.ObjectStorage
}

func (failingStore) Download(context.Context, string, string) error {
	return storage.ErrDownloadFailed
}

func TestRestore_DownloadFailure(t *testing.T) {
	m := newManager(t)
	_, err := Restore(context.Background(), m, failingStore{}, "snapshots/shop.db", "shop")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDownloadFailed, apperrors.GetCode(err))
	assert.False(t, m.Exists("shop"))

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary file is removed")
}

func TestPlaceFile_KeepsExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, ".restore-1")
	dest := filepath.Join(dir, "shop.db")
	require.NoError(t, os.WriteFile(tmp, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0644))

	err := placeFile(tmp, dest)
	assert.Equal(t, apperrors.CodeDuplicate, apperrors.GetCode(err))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	require.NoError(t, os.Remove(dest))
	require.NoError(t, placeFile(tmp, dest))
	got, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

// TestProperty_JSONRoundTrip checks that exporting a table to JSON and
// importing into an empty clone reproduces every row.
func TestProperty_JSONRoundTrip(t *testing.T) {
	h := openDB(t, newManager(t), "prop")
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	counter := 0
	properties.Property("json export then import reproduces rows", prop.ForAll(
		func(names []string, qtys []int64, prices []float64, blobs [][]byte, nulls []bool) bool {
			counter++
			src := fmt.Sprintf("src_%d", counter)
			dst := fmt.Sprintf("dst_%d", counter)
			createTable(t, h, src, itemColumns)
			createTable(t, h, dst, itemColumns)

			e := rows.NewEditor(h)
			for i := range names {
				values := map[string]interface{}{
					"name":  names[i],
					"qty":   qtys[i],
					"price": prices[i],
					"data":  blobs[i],
					"note":  names[i] + " note",
				}
				if nulls[i] {
					values["qty"] = nil
					values["note"] = nil
				}
				if _, err := e.InsertRow(ctx, src, values); err != nil {
					t.Logf("insert failed: %v", err)
					return false
				}
			}

			want, _ := exportBytes(t, h, src, FormatJSON, ExportOptions{})
			res, err := Import(ctx, h, dst, FormatJSON, bytes.NewReader(want))
			if err != nil {
				t.Logf("import failed: %v", err)
				return false
			}
			got, _ := exportBytes(t, h, dst, FormatJSON, ExportOptions{})
			return res.Rows == int64(len(names)) && bytes.Equal(want, got)
		},
		gen.SliceOfN(5, gen.AnyString()),
		gen.SliceOfN(5, gen.Int64()),
		gen.SliceOfN(5, gen.Float64Range(-1e9, 1e9)),
		gen.SliceOfN(5, gen.SliceOfN(4, gen.UInt8())),
		gen.SliceOfN(5, gen.Bool()),
	))

	properties.TestingRun(t)
}
