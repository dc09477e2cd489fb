package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	"github.com/sqlitecult/sqlitecult/internal/config"
	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/observability"
	"github.com/sqlitecult/sqlitecult/internal/rows"
	"github.com/sqlitecult/sqlitecult/internal/storage"
	"github.com/sqlitecult/sqlitecult/internal/transfer"
)

const surface = "api"

// Deps are the collaborators of the API handlers. Metrics and Stats may
// be nil.
type Deps struct {
	Manager        *conn.Manager
	Auth           *auth.Authenticator
	Storage        storage.ObjectStorage
	Metrics        *observability.Metrics
	Stats          *observability.FilterStats
	Rows           config.RowsConfig
	MaxUploadBytes int64
	Logger         logrus.FieldLogger
}

// API serves /api/v1. Every call carries a bearer token scoped to the
// database in the path.
type API struct {
	deps Deps
}

// New creates the API handlers.
func New(deps Deps) *API {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 32 << 20
	}
	return &API{deps: deps}
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	const db = "/api/v1/databases/{db}"
	const table = db + "/tables/{table}"

	mux.HandleFunc("GET /health", a.health)
	mux.Handle("GET "+db+"/tables", a.with(auth.PermRead, a.listTables))
	mux.Handle("POST "+db+"/snapshot", a.with(auth.PermRead, a.snapshot))
	mux.Handle("GET "+table+"/schema", a.with(auth.PermRead, a.describe))
	mux.Handle("GET "+table+"/rows", a.with(auth.PermRead, a.listRows))
	mux.Handle("POST "+table+"/rows", a.with(auth.PermCreate, a.insertRow))
	mux.Handle("GET "+table+"/rows/{rowid}", a.with(auth.PermRead, a.getRow))
	mux.Handle("PUT "+table+"/rows/{rowid}", a.with(auth.PermUpdate, a.updateRow))
	mux.Handle("DELETE "+table+"/rows/{rowid}", a.with(auth.PermDelete, a.deleteRow))
	mux.Handle("GET "+table+"/export", a.with(auth.PermRead, a.export))
	mux.Handle("POST "+table+"/import", a.with(auth.PermCreate, a.importRows))
	mux.Handle("POST "+table+"/export-to-storage", a.with(auth.PermRead, a.exportToStorage))
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, s *auth.Session) error

// with authenticates the request, opens a session holding perm on the
// path's database and writes any error the handler returns.
func (a *API) with(perm auth.Permission, fn sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.deps.Auth.FromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := auth.WithPrincipal(r.Context(), p)
		r = r.WithContext(ctx)

		s, err := auth.Open(ctx, a.deps.Manager, p, r.PathValue("db"), perm)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer s.Close()

		if err := fn(w, r, s); err != nil {
			if apperrors.HTTPStatus(err) >= http.StatusInternalServerError {
				a.deps.Logger.WithError(err).WithField("request_id", GetRequestID(ctx)).Error("api call failed")
			}
			writeError(w, r, err)
		}
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) rowEditor(s *auth.Session) *rows.Editor {
	return rows.NewEditor(s.Handle, rows.WithPageSizes(a.deps.Rows.DefaultPageSize, a.deps.Rows.MaxPageSize))
}

// TableSummary is one entry of the table listing.
type TableSummary struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
}

func (a *API) listTables(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	names, err := s.Handle.ListTables(r.Context())
	if err != nil {
		return err
	}
	out := make([]TableSummary, 0, len(names))
	for _, name := range names {
		n, err := s.Handle.RowCount(r.Context(), name)
		if err != nil {
			return err
		}
		out = append(out, TableSummary{Name: name, RowCount: n})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"database": s.Handle.Name(),
		"tables":   out,
	})
	return nil
}

func (a *API) describe(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	ts, err := s.Handle.DescribeTable(r.Context(), r.PathValue("table"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, ts)
	return nil
}

// RowsResponse is one window of rows.
type RowsResponse struct {
	Columns   []string                 `json:"columns"`
	Rows      []map[string]interface{} `json:"rows"`
	TotalRows int64                    `json:"total_rows"`
	Limit     int                      `json:"limit"`
	Offset    int                      `json:"offset"`
}

func (a *API) listRows(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		return err
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		return err
	}
	table := r.PathValue("table")
	filter := rows.Filter{Column: q.Get("column"), Value: q.Get("q")}

	page, err := a.rowEditor(s).ListRange(r.Context(), table, offset, limit, filter)
	if err != nil {
		return err
	}
	if a.deps.Stats != nil && !filter.Empty() {
		a.deps.Stats.RecordFilter(s.Handle.Name(), table, filter.Column)
	}

	resp := RowsResponse{
		Columns:   page.Columns,
		Rows:      make([]map[string]interface{}, len(page.Rows)),
		TotalRows: page.TotalRows,
		Limit:     page.PageSize,
		Offset:    max(offset, 0),
	}
	for i, row := range page.Rows {
		resp.Rows[i] = row.Map()
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *API) getRow(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	rowid, err := rowIDParam(r)
	if err != nil {
		return err
	}
	row, err := a.rowEditor(s).GetRow(r.Context(), r.PathValue("table"), rowid)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, row.Map())
	return nil
}

func (a *API) insertRow(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	values, err := decodeValues(r)
	if err != nil {
		return err
	}
	table := r.PathValue("table")
	e := a.rowEditor(s)
	rowid, err := e.InsertRow(r.Context(), table, values)
	if err != nil {
		return err
	}
	row, err := e.GetRow(r.Context(), table, rowid)
	if err != nil {
		return err
	}
	w.Header().Set("Location", fmt.Sprintf("%s/%d", strings.TrimSuffix(r.URL.Path, "/"), rowid))
	writeJSON(w, http.StatusCreated, row.Map())
	return nil
}

func (a *API) updateRow(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	rowid, err := rowIDParam(r)
	if err != nil {
		return err
	}
	values, err := decodeValues(r)
	if err != nil {
		return err
	}
	delete(values, "rowid")

	table := r.PathValue("table")
	e := a.rowEditor(s)
	if err := e.UpdateRow(r.Context(), table, rowid, values); err != nil {
		return err
	}
	row, err := e.GetRow(r.Context(), table, rowid)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, row.Map())
	return nil
}

func (a *API) deleteRow(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	rowid, err := rowIDParam(r)
	if err != nil {
		return err
	}
	if err := a.rowEditor(s).DeleteRow(r.Context(), r.PathValue("table"), rowid); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) export(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	q := r.URL.Query()
	format, err := transfer.ParseFormat(defaultString(q.Get("format"), string(transfer.FormatJSON)))
	if err != nil {
		return err
	}
	opts := transfer.ExportOptions{Compress: q.Get("compress") == "snappy"}
	table := r.PathValue("table")

	it, err := transfer.Export(r.Context(), s.Handle, table, format)
	if err != nil {
		return err
	}
	defer it.Close()

	w.Header().Set("Content-Type", format.ContentType(opts.Compress))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(table, opts.Compress)))
	w.Header().Set("Trailer", "X-Export-Rows, X-Export-Checksum")

	res, err := transfer.WriteExport(w, it, format, opts)
	if err != nil {
		// headers are gone; the client sees a truncated body
		a.deps.Logger.WithError(err).WithField("table", table).Error("export aborted")
		return nil
	}
	w.Header().Set("X-Export-Rows", strconv.FormatInt(res.Rows, 10))
	w.Header().Set("X-Export-Checksum", res.Checksum)
	if a.deps.Metrics != nil {
		a.deps.Metrics.AddExported(string(format), surface, res.Rows)
	}
	return nil
}

func (a *API) importRows(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	format, err := requestFormat(r)
	if err != nil {
		return err
	}
	body := http.MaxBytesReader(w, r.Body, a.deps.MaxUploadBytes)
	res, err := transfer.Import(r.Context(), s.Handle, r.PathValue("table"), format, body)
	if err != nil {
		return err
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.AddImported(string(format), surface, res.Rows)
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

// StorageRequest is the optional body of export-to-storage and snapshot.
type StorageRequest struct {
	Format     string `json:"format"`
	Compress   bool   `json:"compress"`
	ObjectPath string `json:"object_path"`
}

func (a *API) exportToStorage(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	req, err := decodeStorageRequest(r)
	if err != nil {
		return err
	}
	format, err := transfer.ParseFormat(defaultString(req.Format, string(transfer.FormatJSON)))
	if err != nil {
		return err
	}
	stored, err := transfer.ExportToStorage(r.Context(), s.Handle, r.PathValue("table"), format,
		transfer.ExportOptions{Compress: req.Compress}, a.deps.Storage, req.ObjectPath)
	if err != nil {
		return err
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.AddExported(string(format), surface, stored.Rows)
	}
	writeJSON(w, http.StatusCreated, stored)
	return nil
}

func (a *API) snapshot(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	req, err := decodeStorageRequest(r)
	if err != nil {
		return err
	}
	info, err := transfer.Snapshot(r.Context(), s.Handle, a.deps.Storage, req.ObjectPath)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, info)
	return nil
}

func decodeStorageRequest(r *http.Request) (StorageRequest, error) {
	var req StorageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		return req, apperrors.NewValidationError(apperrors.CodeInvalidInput, fmt.Sprintf("invalid request body: %v", err))
	}
	if req.ObjectPath != "" {
		clean, err := storage.CleanPath(req.ObjectPath)
		if err != nil {
			return req, apperrors.NewFieldError("object_path", apperrors.CodeInvalidInput, err.Error())
		}
		req.ObjectPath = clean
	}
	return req, nil
}

// decodeValues reads a JSON object of column values. Numbers stay
// json.Number so integer columns keep full precision.
func decodeValues(r *http.Request) (map[string]interface{}, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var values map[string]interface{}
	if err := dec.Decode(&values); err != nil {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, fmt.Sprintf("request body must be a JSON object: %v", err))
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	return values, nil
}

// requestFormat takes the import format from ?format= or the content type.
func requestFormat(r *http.Request) (transfer.Format, error) {
	if f := r.URL.Query().Get("format"); f != "" {
		return transfer.ParseFormat(f)
	}
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "csv"):
		return transfer.FormatCSV, nil
	case strings.Contains(ct, "json"), ct == "":
		return transfer.FormatJSON, nil
	default:
		return transfer.ParseFormat(ct)
	}
}

func rowIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("rowid"), 10, 64)
	if err != nil {
		return 0, apperrors.NewFieldError("rowid", apperrors.CodeInvalidInput, "rowid must be an integer")
	}
	return id, nil
}

func intParam(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperrors.NewFieldError(field, apperrors.CodeInvalidInput, field+" must be an integer")
	}
	return n, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
