package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

type databasesPage struct {
	PageData
	Databases []types.DatabaseInfo
}

func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	data, err := h.databasesView(r, h.base(w, r, "Databases"))
	if err != nil {
		h.renderAppError(w, r, err)
		return
	}
	h.render(w, "databases.html", http.StatusOK, data)
}

func (h *Handler) databasesView(r *http.Request, base PageData) (*databasesPage, error) {
	if base.Title == "" {
		base.Title = "Databases"
	}
	dbs, err := h.deps.Manager.ListDatabases(r.Context())
	if err != nil {
		return nil, err
	}
	return &databasesPage{PageData: base, Databases: dbs}, nil
}

func (h *Handler) createDatabase(w http.ResponseWriter, r *http.Request, p *auth.Principal) (outcome, error) {
	name := strings.TrimSpace(r.PostFormValue("name"))
	if name == "" {
		return outcome{}, apperrors.NewFieldError("name", apperrors.CodeRequiredField, "database name is required")
	}
	if err := p.Authorize(name, auth.PermCreate); err != nil {
		return outcome{}, err
	}
	file, err := h.deps.Manager.CreateDatabase(r.Context(), name)
	if err != nil {
		return outcome{}, err
	}
	return outcome{message: "Database " + file + " created.", location: databaseURL(file)}, nil
}

func (h *Handler) deleteDatabase(w http.ResponseWriter, r *http.Request, p *auth.Principal) (outcome, error) {
	name := r.PathValue("db")
	if err := p.Authorize(name, auth.PermDelete); err != nil {
		return outcome{}, err
	}
	if err := h.deps.Manager.DeleteDatabase(r.Context(), name); err != nil {
		return outcome{}, err
	}
	if file, err := conn.FileName(name); err == nil && h.deps.Stats != nil {
		h.deps.Stats.Forget(file)
	}
	return outcome{message: "Database " + name + " deleted."}, nil
}

// TableInfo summarizes one table on the database page.
type TableInfo struct {
	Name     string
	Columns  []types.ColumnDef
	RowCount int64
}

type databasePage struct {
	PageData
	Database    string
	Tables      []TableInfo
	Kinds       []schema.Kind
	Constraints []schema.Constraint
}

func (h *Handler) database(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	data, err := h.databaseView(r, s, h.base(w, r, ""))
	if err != nil {
		return err
	}
	h.render(w, "database.html", http.StatusOK, data)
	return nil
}

func (h *Handler) databaseView(r *http.Request, s *auth.Session, base PageData) (*databasePage, error) {
	ctx := r.Context()
	base.Title = s.Handle.Name()

	names, err := s.Handle.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	tables := make([]TableInfo, 0, len(names))
	for _, name := range names {
		ts, err := s.Handle.DescribeTable(ctx, name)
		if err != nil {
			return nil, err
		}
		n, err := s.Handle.RowCount(ctx, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, TableInfo{Name: name, Columns: ts.Columns, RowCount: n})
	}
	return &databasePage{
		PageData:    base,
		Database:    s.Handle.Name(),
		Tables:      tables,
		Kinds:       schema.Kinds,
		Constraints: schema.Constraints,
	}, nil
}

func (h *Handler) createTable(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	name := strings.TrimSpace(r.PostFormValue("name"))
	columns, err := columnsFromForm(r, "col_")
	if err != nil {
		return outcome{}, err
	}
	if len(columns) == 0 {
		return outcome{}, apperrors.NewFieldError("columns", apperrors.CodeRequiredField, "at least one column is required")
	}
	if _, err := schema.NewEditor(s.Handle).CreateTable(r.Context(), name, columns); err != nil {
		return outcome{}, err
	}
	return outcome{
		message:  "Table " + name + " created.",
		location: tableURL(s.Handle.Name(), name),
	}, nil
}

// columnsFromForm reads repeated <prefix>name, <prefix>type,
// <prefix>constraint and <prefix>default fields. Rows with a blank name
// are skipped.
func columnsFromForm(r *http.Request, prefix string) ([]types.ColumnDef, error) {
	names := r.PostForm[prefix+"name"]
	typesIn := r.PostForm[prefix+"type"]
	constraints := r.PostForm[prefix+"constraint"]
	defaults := r.PostForm[prefix+"default"]

	at := func(list []string, i int, def string) string {
		if i < len(list) {
			return list[i]
		}
		return def
	}

	var cols []types.ColumnDef
	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		col, err := schema.NewColumn(name, at(typesIn, i, string(schema.KindText)), at(constraints, i, ""), at(defaults, i, ""))
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// ConsoleResult is the JSON answer of the SQL console.
type ConsoleResult struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message,omitempty"`
	Columns      []string        `json:"columns,omitempty"`
	Rows         [][]interface{} `json:"rows,omitempty"`
	RowCount     int             `json:"row_count"`
	AffectedRows int64           `json:"affected_rows"`
	DurationMS   float64         `json:"duration_ms"`
}

// console runs one statement typed into the SQL console. Write statements
// need the permission matching their verb.
func (h *Handler) console(w http.ResponseWriter, r *http.Request) {
	if !h.acceptJSONPost(w, r) {
		return
	}
	s, err := h.open(r, auth.PermRead)
	if err != nil {
		h.writeJSONError(w, r, err)
		return
	}
	defer s.Close()

	query := strings.TrimSpace(r.PostFormValue("query"))
	if query == "" {
		h.writeJSONError(w, r, apperrors.NewFieldError("query", apperrors.CodeRequiredField, "no query provided"))
		return
	}
	if err := s.Require(auth.StatementPermission(query)); err != nil {
		h.writeJSONError(w, r, err)
		return
	}

	res, err := s.Handle.Run(r.Context(), query)
	if err != nil {
		h.writeJSONError(w, r, err)
		return
	}
	out := ConsoleResult{
		Success:      true,
		Columns:      res.Columns,
		Rows:         res.Rows,
		RowCount:     res.RowCount,
		AffectedRows: res.AffectedRows,
		DurationMS:   float64(res.Duration.Microseconds()) / 1000,
	}
	if res.Write {
		out.Message = fmt.Sprintf("Query executed successfully. %d row(s) affected.", res.AffectedRows)
	}
	writeJSON(w, http.StatusOK, out)
}

// acceptJSONPost bounds the body and checks the CSRF token for the
// script driven endpoints, answering in JSON when it rejects.
func (h *Handler) acceptJSONPost(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes)
	if !validateCSRFToken(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid or missing CSRF token"})
		return false
	}
	return true
}
