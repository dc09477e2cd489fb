// Package web serves the browser UI: server-rendered pages over databases,
// tables and rows, with a small embedded script for modals, toasts and
// inline cell editing.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	"github.com/sqlitecult/sqlitecult/internal/config"
	"github.com/sqlitecult/sqlitecult/internal/conn"
	"github.com/sqlitecult/sqlitecult/internal/observability"
	"github.com/sqlitecult/sqlitecult/internal/schema"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

const surface = "web"

// pages are the templates rendered inside layout.html.
var pages = []string{
	"databases.html",
	"database.html",
	"table.html",
	"row.html",
	"import_preview.html",
	"error.html",
}

// Deps are the collaborators of the UI handlers. Metrics, Stats and
// Advisor may be nil.
type Deps struct {
	Manager        *conn.Manager
	Auth           *auth.Authenticator
	Metrics        *observability.Metrics
	Stats          *observability.FilterStats
	Advisor        *schema.IndexAdvisor
	Rows           config.RowsConfig
	MaxUploadBytes int64
	Logger         logrus.FieldLogger
}

// Handler serves the browser UI.
type Handler struct {
	deps      Deps
	templates map[string]*template.Template
	static    map[string]staticFile
}

type staticFile struct {
	content     []byte
	contentType string
	etag        string
}

// New parses the embedded templates and loads the static assets.
func New(deps Deps) (*Handler, error) {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 32 << 20
	}
	h := &Handler{
		deps:      deps,
		templates: make(map[string]*template.Template, len(pages)),
		static:    make(map[string]staticFile),
	}
	for _, page := range pages {
		t, err := template.New(page).Funcs(templateFuncs).
			ParseFS(templatesFS, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("web: failed to parse %s: %w", page, err)
		}
		h.templates[page] = t
	}

	for name, contentType := range map[string]string{
		"app.js":  "application/javascript; charset=utf-8",
		"app.css": "text/css; charset=utf-8",
	} {
		content, err := staticFS.ReadFile("static/" + name)
		if err != nil {
			return nil, fmt.Errorf("web: failed to load %s: %w", name, err)
		}
		h.static[name] = staticFile{
			content:     content,
			contentType: contentType,
			etag:        fmt.Sprintf(`"%016x"`, murmur3.Sum64(content)),
		}
	}
	return h, nil
}

// Register adds the UI routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	const db = "/databases/{db}"
	const table = db + "/tables/{table}"

	mux.HandleFunc("GET /{$}", h.index)
	mux.HandleFunc("POST /databases", h.form(originIndex, h.createDatabase))
	mux.HandleFunc("POST "+db+"/delete", h.form(originIndex, h.deleteDatabase))
	mux.HandleFunc("GET "+db, h.page(auth.PermRead, h.database))
	mux.HandleFunc("POST "+db+"/tables", h.action(originDatabase, auth.PermCreate, h.createTable))
	mux.HandleFunc("POST "+db+"/query", h.console)

	mux.HandleFunc("GET "+table, h.page(auth.PermRead, h.table))
	mux.HandleFunc("POST "+table+"/drop", h.action(originTable, auth.PermDelete, h.dropTable))
	mux.HandleFunc("POST "+table+"/columns", h.action(originTable, auth.PermUpdate, h.addColumn))
	mux.HandleFunc("POST "+table+"/columns/bulk", h.action(originTable, auth.PermUpdate, h.addColumns))
	mux.HandleFunc("POST "+table+"/columns/{column}/drop", h.action(originTable, auth.PermDelete, h.dropColumn))
	mux.HandleFunc("POST "+table+"/columns/bulk-drop", h.action(originTable, auth.PermDelete, h.dropColumns))
	mux.HandleFunc("POST "+table+"/indexes", h.action(originTable, auth.PermCreate, h.createIndex))
	mux.HandleFunc("POST "+table+"/indexes/{index}/drop", h.action(originTable, auth.PermDelete, h.dropIndex))

	mux.HandleFunc("POST "+table+"/rows", h.action(originTable, auth.PermCreate, h.insertRow))
	mux.HandleFunc("GET "+table+"/rows/{rowid}", h.page(auth.PermRead, h.row))
	mux.HandleFunc("POST "+table+"/rows/{rowid}", h.action(originRow, auth.PermUpdate, h.updateRow))
	mux.HandleFunc("POST "+table+"/rows/{rowid}/delete", h.action(originTable, auth.PermDelete, h.deleteRow))
	mux.HandleFunc("POST "+table+"/rows/{rowid}/cell", h.updateCell)

	mux.HandleFunc("GET "+table+"/export", h.page(auth.PermRead, h.export))
	mux.HandleFunc("POST "+table+"/import", h.action(originTable, auth.PermCreate, h.importRows))
	mux.HandleFunc("POST "+table+"/import/columns", h.action(originTable, auth.PermCreate, h.importWithColumns))

	mux.HandleFunc("GET /static/{file}", h.serveStatic)
}

// render executes a page inside the layout. The page is buffered so a
// template error still produces a clean 500.
func (h *Handler) render(w http.ResponseWriter, page string, status int, data interface{}) {
	t, ok := h.templates[page]
	if !ok {
		http.Error(w, "unknown page "+page, http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		h.deps.Logger.WithError(err).WithField("template", page).Error("template rendering failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request) {
	f, ok := h.static[r.PathValue("file")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("If-None-Match") == f.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", f.contentType)
	w.Header().Set("ETag", f.etag)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(f.content)
}

var templateFuncs = template.FuncMap{
	"add": func(a, b int) int {
		return a + b
	},
	"join": strings.Join,
	"isNull": func(v interface{}) bool {
		return v == nil
	},
	"isBlob": func(v interface{}) bool {
		_, ok := v.([]byte)
		return ok
	},
	"cell": formatCell,
	"truncate": func(s string, n int) string {
		if len(s) <= n {
			return s
		}
		return s[:n] + "..."
	},
	"bytes": func(n int64) string {
		switch {
		case n >= 1<<20:
			return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
		case n >= 1<<10:
			return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
		default:
			return fmt.Sprintf("%d B", n)
		}
	},
	"pathEscape": pathEscape,
	// dict builds a map for passing several values to a partial.
	"dict": func(values ...interface{}) map[string]interface{} {
		if len(values)%2 != 0 {
			return nil
		}
		m := make(map[string]interface{}, len(values)/2)
		for i := 0; i < len(values); i += 2 {
			key, ok := values[i].(string)
			if !ok {
				continue
			}
			m[key] = values[i+1]
		}
		return m
	},
}

// formatCell renders a row value for display and for edit inputs.
func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return fmt.Sprintf("<blob %d bytes>", len(x))
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
