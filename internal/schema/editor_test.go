package schema

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

func openTestHandle(t *testing.T) *conn.Handle {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m, err := conn.NewManager(conn.Config{Dir: t.TempDir()}, logger)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = m.CreateDatabase(ctx, "schema")
	require.NoError(t, err)
	h, err := m.Open(ctx, "schema")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func mustColumn(t *testing.T, name, typ, constraint, def string) types.ColumnDef {
	t.Helper()
	col, err := NewColumn(name, typ, constraint, def)
	require.NoError(t, err)
	return col
}

func TestEditor_CreateTable(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	stmt, err := e.CreateTable(ctx, "people", []types.ColumnDef{
		mustColumn(t, "id", "INTEGER", "PRIMARY KEY AUTOINCREMENT", ""),
		mustColumn(t, "name", "TEXT", "NOT NULL", ""),
		mustColumn(t, "email", "TEXT", "UNIQUE", ""),
		mustColumn(t, "active", "BOOLEAN", "", "1"),
	})
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE "people" ("id" INTEGER PRIMARY KEY AUTOINCREMENT, "name" TEXT NOT NULL, "email" TEXT UNIQUE, "active" BOOLEAN DEFAULT 1)`, stmt)

	schema, err := h.DescribeTable(ctx, "people")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "email", "active"}, schema.ColumnNames())
	assert.Equal(t, []Kind{KindInteger, KindText, KindText, KindBoolean}, KindsOf(schema))

	_, err = e.CreateTable(ctx, "people", []types.ColumnDef{mustColumn(t, "x", "TEXT", "", "")})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDuplicate, apperrors.GetCode(err))
}

func TestEditor_CreateTableValidation(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	tests := []struct {
		name    string
		table   string
		columns []types.ColumnDef
		field   string
	}{
		{"empty table name", "", []types.ColumnDef{mustColumn(t, "a", "TEXT", "", "")}, "table_name"},
		{"reserved prefix", "sqlite_stuff", []types.ColumnDef{mustColumn(t, "a", "TEXT", "", "")}, "table_name"},
		{"no columns", "t", nil, "columns"},
		{"duplicate column", "t", []types.ColumnDef{
			mustColumn(t, "a", "TEXT", "", ""),
			mustColumn(t, "A", "INTEGER", "", ""),
		}, "column_name"},
		{"autoincrement on text", "t", []types.ColumnDef{mustColumn(t, "a", "TEXT", "PRIMARY KEY AUTOINCREMENT", "")}, "constraint"},
		{"bad default", "t", []types.ColumnDef{mustColumn(t, "a", "INTEGER", "", "'abc'")}, "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateTable(ctx, tt.table, tt.columns)
			require.Error(t, err)
			ae, ok := apperrors.As(err)
			require.True(t, ok)
			assert.Equal(t, apperrors.ErrCategoryValidation, ae.Category)
			assert.Equal(t, tt.field, ae.Field())
		})
	}

	tables, err := h.ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestEditor_DefaultCannotRunExtraStatements(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	_, err := e.CreateTable(ctx, "victim", []types.ColumnDef{mustColumn(t, "a", "TEXT", "", "")})
	require.NoError(t, err)

	for _, def := range []string{
		"(1)); DROP TABLE victim; SELECT (1)",
		"'x'); DROP TABLE victim; SELECT ('y'",
	} {
		_, err = e.CreateTable(ctx, "t", []types.ColumnDef{mustColumn(t, "c", "TEXT", "", def)})
		require.Error(t, err, def)
		ae, ok := apperrors.As(err)
		require.True(t, ok)
		assert.Equal(t, "default", ae.Field())
	}

	tables, err := h.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"victim"}, tables)
}

func TestEditor_CompositePrimaryKey(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	stmt, err := e.CreateTable(ctx, "pairs", []types.ColumnDef{
		mustColumn(t, "a", "INTEGER", "PRIMARY KEY", ""),
		mustColumn(t, "b", "TEXT", "PRIMARY KEY", ""),
	})
	require.NoError(t, err)
	assert.Contains(t, stmt, `PRIMARY KEY ("a", "b")`)

	schema, err := h.DescribeTable(ctx, "pairs")
	require.NoError(t, err)
	assert.Equal(t, 1, schema.Columns[0].PrimaryKey)
	assert.Equal(t, 2, schema.Columns[1].PrimaryKey)
}

func TestEditor_AddAndDropColumns(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	_, err := e.CreateTable(ctx, "items", []types.ColumnDef{
		mustColumn(t, "id", "INTEGER", "PRIMARY KEY", ""),
		mustColumn(t, "title", "TEXT", "", ""),
	})
	require.NoError(t, err)
	_, err = h.Execute(ctx, `INSERT INTO items (title) VALUES ('first')`)
	require.NoError(t, err)

	stmt, err := e.AddColumn(ctx, "items", mustColumn(t, "price", "REAL", "NOT NULL", "0"))
	require.NoError(t, err)
	assert.Equal(t, `ALTER TABLE "items" ADD COLUMN "price" REAL NOT NULL DEFAULT 0`, stmt)

	stmts, err := e.AddColumns(ctx, "items", []types.ColumnDef{
		mustColumn(t, "qty", "INTEGER", "", ""),
		mustColumn(t, "note", "TEXT", "", "'n/a'"),
	})
	require.NoError(t, err)
	assert.Len(t, stmts, 2)

	schema, err := h.DescribeTable(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title", "price", "qty", "note"}, schema.ColumnNames())

	stmts, err = e.DropColumns(ctx, "items", []string{"qty", "note", "qty"})
	require.NoError(t, err)
	assert.Len(t, stmts, 2)

	_, err = e.DropColumn(ctx, "items", "price")
	require.NoError(t, err)

	schema, err = h.DescribeTable(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title"}, schema.ColumnNames())

	// Dropped columns are gone from row reads too
	rows, err := h.Query(ctx, `SELECT * FROM items`)
	require.NoError(t, err)
	cols, err := rows.Columns()
	rows.Close()
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title"}, cols)
}

func TestEditor_AddColumnValidation(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	_, err := e.CreateTable(ctx, "t", []types.ColumnDef{mustColumn(t, "a", "TEXT", "", "")})
	require.NoError(t, err)

	tests := []struct {
		name string
		col  types.ColumnDef
		code string
	}{
		{"existing", mustColumn(t, "A", "TEXT", "", ""), apperrors.CodeDuplicate},
		{"primary key", mustColumn(t, "id", "INTEGER", "PRIMARY KEY", ""), apperrors.CodeInvalidInput},
		{"unique", mustColumn(t, "u", "TEXT", "UNIQUE", ""), apperrors.CodeInvalidInput},
		{"not null without default", mustColumn(t, "n", "TEXT", "NOT NULL", ""), apperrors.CodeRequiredField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AddColumn(ctx, "t", tt.col)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}

	_, err = e.AddColumn(ctx, "missing", mustColumn(t, "x", "TEXT", "", ""))
	assert.Equal(t, apperrors.CodeTableNotFound, apperrors.GetCode(err))

	// A failing batch applies nothing
	_, err = e.AddColumns(ctx, "t", []types.ColumnDef{
		mustColumn(t, "ok", "TEXT", "", ""),
		mustColumn(t, "ok", "TEXT", "", ""),
	})
	require.Error(t, err)
	schema, err := h.DescribeTable(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, schema.ColumnNames())
}

func TestEditor_DropColumnGuards(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	_, err := e.CreateTable(ctx, "t", []types.ColumnDef{
		mustColumn(t, "id", "INTEGER", "PRIMARY KEY", ""),
		mustColumn(t, "code", "TEXT", "UNIQUE", ""),
		mustColumn(t, "v", "INTEGER", "", ""),
	})
	require.NoError(t, err)
	_, err = e.CreateIndex(ctx, "t", "", []string{"v"}, false)
	require.NoError(t, err)

	_, err = e.DropColumn(ctx, "t", "id")
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.GetCode(err))
	_, err = e.DropColumn(ctx, "t", "code")
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.GetCode(err))
	_, err = e.DropColumn(ctx, "t", "v")
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.GetCode(err))
	_, err = e.DropColumn(ctx, "t", "ghost")
	assert.Equal(t, apperrors.CodeColumnNotFound, apperrors.GetCode(err))

	_, err = e.DropIndex(ctx, "idx_t_v")
	require.NoError(t, err)
	_, err = e.DropColumn(ctx, "t", "v")
	require.NoError(t, err)
}

func TestEditor_Indexes(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	_, err := e.CreateTable(ctx, "orders", []types.ColumnDef{
		mustColumn(t, "customer", "TEXT", "", ""),
		mustColumn(t, "placed", "DATE", "", ""),
	})
	require.NoError(t, err)

	stmt, err := e.CreateIndex(ctx, "orders", "", []string{"customer", "placed"}, true)
	require.NoError(t, err)
	assert.Equal(t, `CREATE UNIQUE INDEX "idx_orders_customer_placed" ON "orders" ("customer", "placed")`, stmt)

	schema, err := h.DescribeTable(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, schema.Indexes, 1)
	assert.Equal(t, "idx_orders_customer_placed", schema.Indexes[0].Name)
	assert.True(t, schema.Indexes[0].Unique)
	assert.Equal(t, []string{"customer", "placed"}, schema.Indexes[0].Columns)

	_, err = e.CreateIndex(ctx, "orders", "idx_orders_customer_placed", []string{"customer"}, false)
	assert.Equal(t, apperrors.CodeDuplicate, apperrors.GetCode(err))
	_, err = e.CreateIndex(ctx, "orders", "x", []string{"nope"}, false)
	assert.Equal(t, apperrors.CodeUnknownColumn, apperrors.GetCode(err))

	_, err = e.DropIndex(ctx, "idx_orders_customer_placed")
	require.NoError(t, err)
	_, err = e.DropIndex(ctx, "idx_orders_customer_placed")
	assert.Equal(t, apperrors.CodeIndexNotFound, apperrors.GetCode(err))
	_, err = e.DropIndex(ctx, "sqlite_autoindex_orders_1")
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.GetCode(err))
}

func TestEditor_DropTable(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	_, err := e.CreateTable(ctx, "gone", []types.ColumnDef{mustColumn(t, "a", "TEXT", "", "")})
	require.NoError(t, err)

	stmt, err := e.DropTable(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, `DROP TABLE "gone"`, stmt)

	_, err = e.DropTable(ctx, "gone")
	assert.Equal(t, apperrors.CodeTableNotFound, apperrors.GetCode(err))
}

// TestProperty_CreateDescribeRoundTrip checks that describing a freshly
// created table returns the same columns, kinds and nullability in order.
func TestProperty_CreateDescribeRoundTrip(t *testing.T) {
	h := openTestHandle(t)
	e := NewEditor(h)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	counter := 0
	properties.Property("describe returns created columns in order", prop.ForAll(
		func(kindIdx []int, notNull []bool) bool {
			counter++
			table := fmt.Sprintf("t_%d", counter)

			n := len(kindIdx)
			if len(notNull) < n {
				n = len(notNull)
			}
			if n == 0 {
				return true
			}

			cols := make([]types.ColumnDef, n)
			for i := 0; i < n; i++ {
				k := Kinds[kindIdx[i]%len(Kinds)]
				constraint := ""
				if notNull[i] {
					constraint = "NOT NULL"
				}
				col, err := NewColumn(fmt.Sprintf("col %d", i), string(k), constraint, "")
				if err != nil {
					return false
				}
				cols[i] = col
			}

			if _, err := e.CreateTable(ctx, table, cols); err != nil {
				t.Logf("create failed: %v", err)
				return false
			}
			schema, err := h.DescribeTable(ctx, table)
			if err != nil || len(schema.Columns) != n {
				return false
			}
			for i, c := range schema.Columns {
				if c.Name != cols[i].Name || c.Type != cols[i].Type || c.Nullable != cols[i].Nullable {
					return false
				}
				if KindOf(c.Type) != Kinds[kindIdx[i]%len(Kinds)] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 100)),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}
