package grpc

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	"github.com/sqlitecult/sqlitecult/internal/config"
	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/rows"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

// Server implements RowsServer on top of the row editor. Requests carry
// "database" and "table" fields; the caller's principal is put in the
// context by AuthInterceptor.
type Server struct {
	manager *conn.Manager
	rows    config.RowsConfig
}

// NewServer creates the Rows service implementation.
func NewServer(m *conn.Manager, rowsCfg config.RowsConfig) *Server {
	return &Server{manager: m, rows: rowsCfg}
}

var _ RowsServer = (*Server)(nil)

// open starts a session for the request's database.
func (s *Server) open(ctx context.Context, req *structpb.Struct, perm auth.Permission) (*auth.Session, error) {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return nil, apperrors.NewAuthError(apperrors.CodeMissingToken, "authorization token required")
	}
	db, err := stringField(req, "database", true)
	if err != nil {
		return nil, err
	}
	return auth.Open(ctx, s.manager, p, db, perm)
}

func (s *Server) editor(sess *auth.Session) *rows.Editor {
	return rows.NewEditor(sess.Handle, rows.WithPageSizes(s.rows.DefaultPageSize, s.rows.MaxPageSize))
}

// ListTables returns {"database", "tables": [...]}.
func (s *Server) ListTables(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req, auth.PermRead)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	names, err := sess.Handle.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]interface{}, len(names))
	for i, n := range names {
		list[i] = n
	}
	return toStruct(map[string]interface{}{"database": sess.Handle.Name(), "tables": list})
}

// ListRows returns {"columns", "rows", "total_rows", "limit", "offset"}.
func (s *Server) ListRows(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req, auth.PermRead)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	table, err := stringField(req, "table", true)
	if err != nil {
		return nil, err
	}
	limit, err := intField(req, "limit")
	if err != nil {
		return nil, err
	}
	offset, err := intField(req, "offset")
	if err != nil {
		return nil, err
	}
	column, _ := stringField(req, "column", false)
	q, _ := stringField(req, "q", false)

	page, err := s.editor(sess).ListRange(ctx, table, int(offset), int(limit), rows.Filter{Column: column, Value: q})
	if err != nil {
		return nil, err
	}

	cols := make([]interface{}, len(page.Columns))
	for i, c := range page.Columns {
		cols[i] = c
	}
	out := make([]interface{}, len(page.Rows))
	for i, r := range page.Rows {
		out[i] = r.Map()
	}
	return toStruct(map[string]interface{}{
		"columns":    cols,
		"rows":       out,
		"total_rows": page.TotalRows,
		"limit":      page.PageSize,
		"offset":     max(offset, 0),
	})
}

// GetRow returns the row as an object including "rowid".
func (s *Server) GetRow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req, auth.PermRead)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	table, rowid, err := tableAndRowID(req)
	if err != nil {
		return nil, err
	}
	row, err := s.editor(sess).GetRow(ctx, table, rowid)
	if err != nil {
		return nil, err
	}
	return rowStruct(row)
}

// InsertRow inserts "values" and returns the stored row.
func (s *Server) InsertRow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req, auth.PermCreate)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	table, err := stringField(req, "table", true)
	if err != nil {
		return nil, err
	}
	e := s.editor(sess)
	rowid, err := e.InsertRow(ctx, table, valuesField(req))
	if err != nil {
		return nil, err
	}
	row, err := e.GetRow(ctx, table, rowid)
	if err != nil {
		return nil, err
	}
	return rowStruct(row)
}

// UpdateRow sets "values" on one row and returns it.
func (s *Server) UpdateRow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req, auth.PermUpdate)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	table, rowid, err := tableAndRowID(req)
	if err != nil {
		return nil, err
	}
	values := valuesField(req)
	delete(values, "rowid")

	e := s.editor(sess)
	if err := e.UpdateRow(ctx, table, rowid, values); err != nil {
		return nil, err
	}
	row, err := e.GetRow(ctx, table, rowid)
	if err != nil {
		return nil, err
	}
	return rowStruct(row)
}

// DeleteRow deletes one row and returns {"deleted": rowid}.
func (s *Server) DeleteRow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req, auth.PermDelete)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	table, rowid, err := tableAndRowID(req)
	if err != nil {
		return nil, err
	}
	if err := s.editor(sess).DeleteRow(ctx, table, rowid); err != nil {
		return nil, err
	}
	return toStruct(map[string]interface{}{"deleted": rowid})
}

func tableAndRowID(req *structpb.Struct) (string, int64, error) {
	table, err := stringField(req, "table", true)
	if err != nil {
		return "", 0, err
	}
	v, ok := req.GetFields()["rowid"]
	if !ok {
		return "", 0, apperrors.NewFieldError("rowid", apperrors.CodeRequiredField, "rowid is required")
	}
	rowid, err := wholeNumber(v, "rowid")
	if err != nil {
		return "", 0, err
	}
	return table, rowid, nil
}

func stringField(req *structpb.Struct, name string, required bool) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok || v.GetStringValue() == "" {
		if required {
			return "", apperrors.NewFieldError(name, apperrors.CodeRequiredField, name+" is required")
		}
		return "", nil
	}
	return v.GetStringValue(), nil
}

func intField(req *structpb.Struct, name string) (int64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, nil
	}
	return wholeNumber(v, name)
}

// wholeNumber accepts a number value without a fractional part.
func wholeNumber(v *structpb.Value, name string) (int64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > 1<<53 {
		return 0, apperrors.NewFieldError(name, apperrors.CodeInvalidInput, fmt.Sprintf("%s must be an integer", name))
	}
	return int64(n.NumberValue), nil
}

// valuesField returns the "values" object as plain Go values.
func valuesField(req *structpb.Struct) map[string]interface{} {
	v := req.GetFields()["values"].GetStructValue()
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AsMap()
}

func rowStruct(row *types.Row) (*structpb.Struct, error) {
	return toStruct(row.Map())
}

func toStruct(m map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode response", err)
	}
	return s, nil
}
