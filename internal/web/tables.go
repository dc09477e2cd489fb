package web

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/rows"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/internal/transfer"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

type tablePage struct {
	PageData
	Database    string
	Schema      *types.TableSchema
	Page        *types.Page
	Filter      rows.Filter
	PrevURL     string
	NextURL     string
	Suggestions []schema.IndexSuggestion
	Kinds       []schema.Kind
	Constraints []schema.Constraint
	Formats     []transfer.Format
}

func (h *Handler) rowEditor(s *auth.Session) *rows.Editor {
	return rows.NewEditor(s.Handle, rows.WithPageSizes(h.deps.Rows.DefaultPageSize, h.deps.Rows.MaxPageSize))
}

func (h *Handler) table(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	data, err := h.tableView(r, s, h.base(w, r, ""))
	if err != nil {
		return err
	}
	h.render(w, "table.html", http.StatusOK, data)
	return nil
}

// tableView loads columns, indexes and one page of rows. The page, page
// size and filter come from the query string.
func (h *Handler) tableView(r *http.Request, s *auth.Session, base PageData) (*tablePage, error) {
	ctx := r.Context()
	table := r.PathValue("table")
	base.Title = table + " · " + s.Handle.Name()

	ts, err := s.Handle.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("per_page"))
	filter := rows.Filter{Column: q.Get("column"), Value: q.Get("q")}

	p, err := h.rowEditor(s).ListRows(ctx, table, page, size, filter)
	if err != nil {
		return nil, err
	}
	if !filter.Empty() && filter.Column != "" && h.deps.Stats != nil {
		h.deps.Stats.RecordFilter(s.Handle.Name(), table, filter.Column)
	}

	data := &tablePage{
		PageData:    base,
		Database:    s.Handle.Name(),
		Schema:      ts,
		Page:        p,
		Filter:      filter,
		Kinds:       schema.Kinds,
		Constraints: schema.Constraints,
		Formats:     []transfer.Format{transfer.FormatCSV, transfer.FormatJSON},
	}
	if p.HasPrev() {
		data.PrevURL = pageURL(s.Handle.Name(), table, p.Page-1, p.PageSize, filter)
	}
	if p.HasNext() {
		data.NextURL = pageURL(s.Handle.Name(), table, p.Page+1, p.PageSize, filter)
	}

	if h.deps.Advisor != nil {
		suggestions, err := h.deps.Advisor.Suggest(ctx, s.Handle, table)
		if err != nil {
			h.deps.Logger.WithError(err).WithField("table", table).Warn("index advice unavailable")
		}
		data.Suggestions = suggestions
	}
	return data, nil
}

func pageURL(db, table string, page, size int, f rows.Filter) string {
	v := url.Values{}
	v.Set("page", strconv.Itoa(page))
	v.Set("per_page", strconv.Itoa(size))
	if !f.Empty() {
		v.Set("q", f.Value)
		if f.Column != "" {
			v.Set("column", f.Column)
		}
	}
	return tableURL(db, table) + "?" + v.Encode()
}

// schemaChanged drops cached index advice after DDL on table.
func (h *Handler) schemaChanged(s *auth.Session, table string) {
	if h.deps.Advisor != nil {
		h.deps.Advisor.Invalidate(s.Handle.Name(), table)
	}
}

func (h *Handler) dropTable(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	table := r.PathValue("table")
	if _, err := schema.NewEditor(s.Handle).DropTable(r.Context(), table); err != nil {
		return outcome{}, err
	}
	h.schemaChanged(s, table)
	return outcome{
		message:  "Table " + table + " dropped.",
		location: databaseURL(s.Handle.Name()),
	}, nil
}

func (h *Handler) addColumn(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	table := r.PathValue("table")
	col, err := schema.NewColumn(r.PostFormValue("name"), r.PostFormValue("type"),
		r.PostFormValue("constraint"), r.PostFormValue("default"))
	if err != nil {
		return outcome{}, err
	}
	if _, err := schema.NewEditor(s.Handle).AddColumn(r.Context(), table, col); err != nil {
		return outcome{}, err
	}
	h.schemaChanged(s, table)
	return outcome{message: "Column " + col.Name + " added."}, nil
}

func (h *Handler) addColumns(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	table := r.PathValue("table")
	cols, err := columnsFromForm(r, "col_")
	if err != nil {
		return outcome{}, err
	}
	if len(cols) == 0 {
		return outcome{}, apperrors.NewFieldError("columns", apperrors.CodeRequiredField, "at least one column is required")
	}
	stmts, err := schema.NewEditor(s.Handle).AddColumns(r.Context(), table, cols)
	if err != nil {
		return outcome{}, err
	}
	h.schemaChanged(s, table)
	return outcome{message: fmt.Sprintf("Added %d column(s).", len(stmts))}, nil
}

func (h *Handler) dropColumn(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	table, column := r.PathValue("table"), r.PathValue("column")
	if _, err := schema.NewEditor(s.Handle).DropColumn(r.Context(), table, column); err != nil {
		return outcome{}, err
	}
	h.schemaChanged(s, table)
	return outcome{message: "Column " + column + " dropped."}, nil
}

func (h *Handler) dropColumns(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	table := r.PathValue("table")
	columns := nonBlank(r.PostForm["columns"])
	if len(columns) == 0 {
		return outcome{}, apperrors.NewFieldError("columns", apperrors.CodeRequiredField, "select at least one column")
	}
	stmts, err := schema.NewEditor(s.Handle).DropColumns(r.Context(), table, columns)
	if err != nil {
		return outcome{}, err
	}
	h.schemaChanged(s, table)
	return outcome{message: fmt.Sprintf("Dropped %d column(s).", len(stmts))}, nil
}

func (h *Handler) createIndex(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	table := r.PathValue("table")
	columns := nonBlank(r.PostForm["columns"])
	unique := r.PostFormValue("unique") != ""
	if _, err := schema.NewEditor(s.Handle).CreateIndex(r.Context(), table, strings.TrimSpace(r.PostFormValue("index_name")), columns, unique); err != nil {
		return outcome{}, err
	}
	h.schemaChanged(s, table)
	return outcome{message: "Index created."}, nil
}

func (h *Handler) dropIndex(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	index := r.PathValue("index")
	if _, err := schema.NewEditor(s.Handle).DropIndex(r.Context(), index); err != nil {
		return outcome{}, err
	}
	h.schemaChanged(s, r.PathValue("table"))
	return outcome{message: "Index " + index + " dropped."}, nil
}

func nonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
