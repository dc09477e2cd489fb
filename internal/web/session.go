package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
)

const (
	csrfCookieName  = "csrf_token"
	csrfTokenLen    = 32
	flashCookieName = "sqlitecult_flash"
	maxFormMemory   = 8 << 20
)

// PageData is the base data for all pages.
type PageData struct {
	Title     string
	User      string
	CSRFToken string
	Flash     *Flash
	FormError *FormError
}

// Flash is a one-shot message carried across a redirect.
type Flash struct {
	Kind    string `json:"k"`
	Message string `json:"m"`
}

// FormError is a validation failure shown next to the form that caused it.
// Values holds the submitted fields so the form can be filled again.
type FormError struct {
	Form    string
	Field   string
	Message string
	Values  url.Values
}

// ErrorFor returns the error message for form, if it failed.
func (p PageData) ErrorFor(form string) string {
	if p.FormError == nil || p.FormError.Form != form {
		return ""
	}
	return p.FormError.Message
}

// Value returns the submitted value of field when form is being redisplayed.
func (p PageData) Value(form, field string) string {
	if p.FormError == nil || p.FormError.Form != form {
		return ""
	}
	return p.FormError.Values.Get(field)
}

// Values returns every submitted value of a repeated field.
func (p PageData) Values(form, field string) []string {
	if p.FormError == nil || p.FormError.Form != form {
		return nil
	}
	return p.FormError.Values[field]
}

// base builds the page data shared by every page and consumes the flash.
func (h *Handler) base(w http.ResponseWriter, r *http.Request, title string) PageData {
	return PageData{
		Title:     title,
		User:      h.deps.Auth.BrowserPrincipal(r).Name,
		CSRFToken: getOrCreateCSRFToken(w, r),
		Flash:     takeFlash(w, r),
	}
}

func generateCSRFToken() string {
	b := make([]byte, csrfTokenLen)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

func getOrCreateCSRFToken(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err == nil && len(cookie.Value) == csrfTokenLen*2 {
		return cookie.Value
	}

	token := generateCSRFToken()
	if token == "" {
		return ""
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   12 * 3600,
	})
	return token
}

// validateCSRFToken checks the form field or X-CSRF-Token header against
// the cookie.
func validateCSRFToken(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	token := r.PostFormValue("csrf_token")
	if token == "" {
		token = r.Header.Get("X-CSRF-Token")
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(token)) == 1
}

func setFlash(w http.ResponseWriter, kind, message string) {
	if message == "" {
		return
	}
	raw, _ := json.Marshal(Flash{Kind: kind, Message: message})
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// takeFlash reads and clears the flash cookie.
func takeFlash(w http.ResponseWriter, r *http.Request) *Flash {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	http.SetCookie(w, &http.Cookie{Name: flashCookieName, Path: "/", MaxAge: -1})

	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil
	}
	var f Flash
	if err := json.Unmarshal(raw, &f); err != nil || f.Message == "" {
		return nil
	}
	return &f
}

// origin is the page a form lives on. Validation failures re-render it;
// other failures redirect back to it with a flash.
type origin int

const (
	originIndex origin = iota
	originDatabase
	originTable
	originRow
)

// outcome is the result of a successful form action. A rendered outcome
// has already written its response.
type outcome struct {
	message  string
	location string
	rendered bool
}

type actionFunc func(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error)

type formFunc func(w http.ResponseWriter, r *http.Request, p *auth.Principal) (outcome, error)

type pageFunc func(w http.ResponseWriter, r *http.Request, s *auth.Session) error

// acceptForm bounds and parses the request body and checks the CSRF
// token. It writes the response itself when the request is rejected.
func (h *Handler) acceptForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes)
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err = r.ParseMultipartForm(maxFormMemory)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.renderError(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds the %d MB limit", h.deps.MaxUploadBytes>>20))
			return false
		}
		h.renderError(w, r, http.StatusBadRequest, "malformed form submission")
		return false
	}
	if !validateCSRFToken(r) {
		h.renderError(w, r, http.StatusForbidden, "invalid or missing CSRF token, reload the page and try again")
		return false
	}
	return true
}

// page serves a GET page that needs a database session.
func (h *Handler) page(perm auth.Permission, fn pageFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := h.open(r, perm)
		if err != nil {
			h.renderAppError(w, r, err)
			return
		}
		defer s.Close()
		if err := fn(w, r, s); err != nil {
			h.renderAppError(w, r, err)
		}
	}
}

// form serves a POST that works on the database folder rather than one
// database.
func (h *Handler) form(o origin, fn formFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.acceptForm(w, r) {
			return
		}
		out, err := fn(w, r, h.deps.Auth.BrowserPrincipal(r))
		if err != nil {
			h.fail(w, r, nil, o, err)
			return
		}
		h.succeed(w, r, nil, o, out)
	}
}

// action serves a POST that needs perm on the path's database.
func (h *Handler) action(o origin, perm auth.Permission, fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.acceptForm(w, r) {
			return
		}
		s, err := h.open(r, perm)
		if err != nil {
			h.fail(w, r, nil, originIndex, err)
			return
		}
		defer s.Close()

		out, err := fn(w, r, s)
		if err != nil {
			h.fail(w, r, s, o, err)
			return
		}
		h.succeed(w, r, s, o, out)
	}
}

func (h *Handler) open(r *http.Request, perm auth.Permission) (*auth.Session, error) {
	p := h.deps.Auth.BrowserPrincipal(r)
	return auth.Open(r.Context(), h.deps.Manager, p, r.PathValue("db"), perm)
}

func (h *Handler) succeed(w http.ResponseWriter, r *http.Request, s *auth.Session, o origin, out outcome) {
	if out.rendered {
		return
	}
	setFlash(w, "success", out.message)
	location := out.location
	if location == "" {
		location = originURL(r, s, o)
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// fail re-renders the originating page for validation and import errors
// and falls back to a flash plus redirect for everything else.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, s *auth.Session, o origin, err error) {
	status := apperrors.HTTPStatus(err)
	category := apperrors.GetCategory(err)
	if category == apperrors.ErrCategoryValidation || category == apperrors.ErrCategoryImport {
		fe := &FormError{
			Form:    r.PostFormValue("form"),
			Message: errorMessage(err),
			Values:  r.PostForm,
		}
		if ae, ok := apperrors.As(err); ok {
			fe.Field = ae.Field()
		}
		if h.rerender(w, r, s, o, fe, status) {
			return
		}
	}

	if status >= http.StatusInternalServerError {
		h.deps.Logger.WithError(err).WithField("path", r.URL.Path).Error("form action failed")
	}
	setFlash(w, "error", errorMessage(err))

	location := originURL(r, s, o)
	switch apperrors.GetCode(err) {
	case apperrors.CodeTableNotFound:
		location = originURL(r, s, originDatabase)
	case apperrors.CodeRowNotFound:
		location = originURL(r, s, originTable)
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// rerender draws the originating page with fe attached. It reports false
// when the page itself cannot be built.
func (h *Handler) rerender(w http.ResponseWriter, r *http.Request, s *auth.Session, o origin, fe *FormError, status int) bool {
	var (
		page string
		data interface{}
		err  error
	)
	base := h.base(w, r, "")
	base.FormError = fe
	switch {
	case o == originIndex:
		page = "databases.html"
		data, err = h.databasesView(r, base)
	case s == nil:
		return false
	case o == originDatabase:
		page = "database.html"
		data, err = h.databaseView(r, s, base)
	case o == originTable:
		page = "table.html"
		data, err = h.tableView(r, s, base)
	case o == originRow:
		page = "row.html"
		data, err = h.rowView(r, s, base)
	}
	if err != nil {
		return false
	}
	h.render(w, page, status, data)
	return true
}

func originURL(r *http.Request, s *auth.Session, o origin) string {
	if s == nil || o == originIndex {
		return "/"
	}
	db := s.Handle.Name()
	if o == originDatabase || r.PathValue("table") == "" {
		return databaseURL(db)
	}
	return tableURL(db, r.PathValue("table"))
}

// errorMessage is the user facing text of err. Database errors include
// the driver message; unexpected errors are not exposed.
func errorMessage(err error) string {
	ae, ok := apperrors.As(err)
	if !ok {
		return "internal server error"
	}
	switch ae.Category {
	case apperrors.ErrCategoryDatabase:
		if ae.Cause != nil {
			return ae.Message + ": " + ae.Cause.Error()
		}
	case apperrors.ErrCategoryInternal:
		return "internal server error"
	}
	return ae.Message
}

// errorPage is the data of error.html.
type errorPage struct {
	PageData
	Status  int
	Message string
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	base := h.base(w, r, http.StatusText(status))
	h.render(w, "error.html", status, errorPage{PageData: base, Status: status, Message: message})
}

func (h *Handler) renderAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.deps.Logger.WithError(err).WithField("path", r.URL.Path).Error("page failed")
	}
	h.renderError(w, r, status, errorMessage(err))
}

// writeJSON writes a JSON response for the script driven endpoints.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.deps.Logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, map[string]string{
		"error": errorMessage(err),
		"code":  apperrors.GetCode(err),
	})
}

func pathEscape(s string) string {
	return url.PathEscape(s)
}

func databaseURL(db string) string {
	return "/databases/" + url.PathEscape(db)
}

func tableURL(db, table string) string {
	return databaseURL(db) + "/tables/" + url.PathEscape(table)
}
