package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/rows"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

// Row forms name their inputs col:<column>; a checked null:<column> box
// stores NULL regardless of the input.
const (
	valuePrefix = "col:"
	nullPrefix  = "null:"
)

type rowPage struct {
	PageData
	Database string
	Schema   *types.TableSchema
	Row      *types.Row
}

func rowIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("rowid"), 10, 64)
	if err != nil {
		return 0, apperrors.NewFieldError("rowid", apperrors.CodeInvalidInput,
			fmt.Sprintf("invalid rowid %q", r.PathValue("rowid")))
	}
	return id, nil
}

func (h *Handler) row(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	data, err := h.rowView(r, s, h.base(w, r, ""))
	if err != nil {
		return err
	}
	h.render(w, "row.html", http.StatusOK, data)
	return nil
}

func (h *Handler) rowView(r *http.Request, s *auth.Session, base PageData) (*rowPage, error) {
	table := r.PathValue("table")
	id, err := rowIDParam(r)
	if err != nil {
		return nil, err
	}
	ts, err := s.Handle.DescribeTable(r.Context(), table)
	if err != nil {
		return nil, err
	}
	row, err := h.rowEditor(s).GetRow(r.Context(), table, id)
	if err != nil {
		return nil, err
	}
	base.Title = fmt.Sprintf("%s #%d", table, id)
	return &rowPage{PageData: base, Database: s.Handle.Name(), Schema: ts, Row: row}, nil
}

// rowForm collects the submitted values of a row form.
func rowForm(r *http.Request, ts *types.TableSchema) map[string]interface{} {
	form := make(map[string]string)
	var nulls []string
	for _, c := range ts.Columns {
		if v, ok := r.PostForm[valuePrefix+c.Name]; ok && len(v) > 0 {
			form[c.Name] = v[0]
		}
		if r.PostFormValue(nullPrefix+c.Name) != "" {
			nulls = append(nulls, c.Name)
		}
	}
	return rows.FormValues(ts, form, nulls)
}

func (h *Handler) insertRow(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	table := r.PathValue("table")
	ts, err := s.Handle.DescribeTable(r.Context(), table)
	if err != nil {
		return outcome{}, err
	}
	id, err := h.rowEditor(s).InsertRow(r.Context(), table, rowForm(r, ts))
	if err != nil {
		return outcome{}, err
	}
	return outcome{message: fmt.Sprintf("Row %d inserted.", id)}, nil
}

func (h *Handler) updateRow(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	table := r.PathValue("table")
	id, err := rowIDParam(r)
	if err != nil {
		return outcome{}, err
	}
	ts, err := s.Handle.DescribeTable(r.Context(), table)
	if err != nil {
		return outcome{}, err
	}
	if err := h.rowEditor(s).UpdateRow(r.Context(), table, id, rowForm(r, ts)); err != nil {
		return outcome{}, err
	}
	return outcome{
		message:  fmt.Sprintf("Row %d updated.", id),
		location: tableURL(s.Handle.Name(), table),
	}, nil
}

func (h *Handler) deleteRow(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	id, err := rowIDParam(r)
	if err != nil {
		return outcome{}, err
	}
	if err := h.rowEditor(s).DeleteRow(r.Context(), r.PathValue("table"), id); err != nil {
		return outcome{}, err
	}
	return outcome{message: fmt.Sprintf("Row %d deleted.", id)}, nil
}

// CellEdit is the JSON body of an inline cell edit.
type CellEdit struct {
	Column string `json:"column"`
	Value  string `json:"value"`
	Null   bool   `json:"null"`
}

// updateCell saves one edited cell and answers with the stored value.
func (h *Handler) updateCell(w http.ResponseWriter, r *http.Request) {
	if !h.acceptJSONPost(w, r) {
		return
	}
	s, err := h.open(r, auth.PermUpdate)
	if err != nil {
		h.writeJSONError(w, r, err)
		return
	}
	defer s.Close()

	var edit CellEdit
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		h.writeJSONError(w, r, apperrors.NewValidationError(apperrors.CodeInvalidInput, fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	id, err := rowIDParam(r)
	if err != nil {
		h.writeJSONError(w, r, err)
		return
	}

	ctx := r.Context()
	table := r.PathValue("table")
	ts, err := s.Handle.DescribeTable(ctx, table)
	if err != nil {
		h.writeJSONError(w, r, err)
		return
	}
	if !ts.HasColumn(edit.Column) {
		h.writeJSONError(w, r, apperrors.NewFieldError("column", apperrors.CodeUnknownColumn,
			fmt.Sprintf("column %q not found in %q", edit.Column, table)))
		return
	}

	var nulls []string
	if edit.Null {
		nulls = []string{edit.Column}
	}
	values := rows.FormValues(ts, map[string]string{edit.Column: edit.Value}, nulls)

	editor := h.rowEditor(s)
	if err := editor.UpdateRow(ctx, table, id, values); err != nil {
		h.writeJSONError(w, r, err)
		return
	}
	row, err := editor.GetRow(ctx, table, id)
	if err != nil {
		h.writeJSONError(w, r, err)
		return
	}
	stored, _ := row.Get(edit.Column)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"rowid":   id,
		"column":  edit.Column,
		"value":   stored,
		"display": formatCell(stored),
		"null":    stored == nil,
	})
}
