package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	"github.com/sqlitecult/sqlitecult/internal/config"
	"github.com/sqlitecult/sqlitecult/internal/conn"
	"github.com/sqlitecult/sqlitecult/internal/observability"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/internal/storage"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

type fixture struct {
	server  *httptest.Server
	auth    *auth.Authenticator
	manager *conn.Manager
	store   *storage.LocalStorage
	stats   *observability.FilterStats
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	m, err := conn.NewManager(conn.Config{Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = m.CreateDatabase(ctx, "shop")
	require.NoError(t, err)

	h, err := m.Open(ctx, "shop")
	require.NoError(t, err)
	var cols []types.ColumnDef
	for _, c := range [][3]string{
		{"id", "INTEGER", "PRIMARY KEY"},
		{"name", "TEXT", "NOT NULL"},
		{"qty", "INTEGER", ""},
	} {
		col, err := schema.NewColumn(c[0], c[1], c[2], "")
		require.NoError(t, err)
		cols = append(cols, col)
	}
	_, err = schema.NewEditor(h).CreateTable(ctx, "items", cols)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	authn := auth.NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Issuer: "sqlitecult", TokenTTL: time.Hour})
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	stats := observability.NewFilterStats(time.Hour)

	mux := http.NewServeMux()
	New(Deps{
		Manager: m,
		Auth:    authn,
		Storage: store,
		Metrics: metrics,
		Stats:   stats,
		Rows:    config.RowsConfig{DefaultPageSize: 10, MaxPageSize: 100},
		Logger:  logger,
	}).Register(mux)

	handler := ChainMiddleware(RequestIDMiddleware, LoggingMiddleware(logger, metrics), RecoveryMiddleware(logger))(mux)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &fixture{server: srv, auth: authn, manager: m, store: store, stats: stats}
}

func (f *fixture) token(t *testing.T, perms ...auth.Permission) string {
	t.Helper()
	tok, _, err := f.auth.Mint("tester", "shop", perms)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAPI_RowLifecycle(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, auth.AllPermissions...)
	base := "/api/v1/databases/shop/tables/items"

	resp := f.do(t, "POST", base+"/rows", tok, strings.NewReader(`{"name":"bolt","qty":3}`), "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]interface{}
	decodeBody(t, resp, &created)
	assert.Equal(t, "bolt", created["name"])
	assert.Equal(t, float64(1), created["rowid"])
	assert.True(t, strings.HasSuffix(resp.Header.Get("Location"), base+"/rows/1"))

	resp = f.do(t, "PUT", base+"/rows/1", tok, strings.NewReader(`{"qty":9}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated map[string]interface{}
	decodeBody(t, resp, &updated)
	assert.Equal(t, float64(9), updated["qty"])

	resp = f.do(t, "GET", base+"/rows?limit=5", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list RowsResponse
	decodeBody(t, resp, &list)
	assert.Equal(t, []string{"id", "name", "qty"}, list.Columns)
	assert.Equal(t, int64(1), list.TotalRows)
	assert.Equal(t, 5, list.Limit)

	resp = f.do(t, "DELETE", base+"/rows/1", tok, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, "GET", base+"/rows/1", tok, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e ErrorResponse
	decodeBody(t, resp, &e)
	assert.Equal(t, "ROW_NOT_FOUND", e.Code)
	assert.NotEmpty(t, e.RequestID)

	resp = f.do(t, "DELETE", base+"/rows/1", tok, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ValidationAndConstraints(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, auth.AllPermissions...)
	base := "/api/v1/databases/shop/tables/items"

	resp := f.do(t, "POST", base+"/rows", tok, strings.NewReader(`{"name":"a","qty":"many"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e ErrorResponse
	decodeBody(t, resp, &e)
	assert.Equal(t, "TYPE_MISMATCH", e.Code)
	assert.Equal(t, "qty", e.Details["field"])

	resp = f.do(t, "POST", base+"/rows", tok, strings.NewReader(`{"id":1,"name":"a"}`), "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = f.do(t, "POST", base+"/rows", tok, strings.NewReader(`{"id":1,"name":"b"}`), "application/json")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, "POST", base+"/rows", tok, strings.NewReader(`[1,2]`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "GET", base+"/rows/abc", tok, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "GET", "/api/v1/databases/shop/tables/nope/schema", tok, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Authorization(t *testing.T) {
	f := newFixture(t)
	base := "/api/v1/databases/shop/tables/items"

	resp := f.do(t, "GET", base+"/rows", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, "GET", base+"/rows", "garbage", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	readOnly := f.token(t, auth.PermRead)
	resp = f.do(t, "GET", base+"/rows", readOnly, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "POST", base+"/rows", readOnly, strings.NewReader(`{"name":"x"}`), "application/json")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err := f.manager.CreateDatabase(context.Background(), "other")
	require.NoError(t, err)
	resp = f.do(t, "GET", "/api/v1/databases/other/tables", readOnly, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_TablesAndSchema(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, auth.PermRead)

	resp := f.do(t, "GET", "/api/v1/databases/shop/tables", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Database string         `json:"database"`
		Tables   []TableSummary `json:"tables"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "shop.db", body.Database)
	assert.Equal(t, []TableSummary{{Name: "items", RowCount: 0}}, body.Tables)

	resp = f.do(t, "GET", "/api/v1/databases/shop/tables/items/schema", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ts types.TableSchema
	decodeBody(t, resp, &ts)
	assert.Equal(t, []string{"id", "name", "qty"}, ts.ColumnNames())
}

func TestAPI_ImportExport(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, auth.AllPermissions...)
	base := "/api/v1/databases/shop/tables/items"

	csvBody := "name,qty\nbolt,3\nnut,NULL\n"
	resp := f.do(t, "POST", base+"/import", tok, strings.NewReader(csvBody), "text/csv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var imported map[string]interface{}
	decodeBody(t, resp, &imported)
	assert.Equal(t, float64(2), imported["rows"])

	resp = f.do(t, "POST", base+"/import?format=json", tok, strings.NewReader(`[{"nope":1}]`), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "GET", base+"/export?format=csv", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "id,name,qty\n1,bolt,3\n2,nut,NULL\n", string(data))
	assert.Equal(t, "2", resp.Trailer.Get("X-Export-Rows"))
	assert.NotEmpty(t, resp.Trailer.Get("X-Export-Checksum"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "items.csv")

	resp = f.do(t, "GET", base+"/export?format=xml", tok, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "GET", base+"/rows?column=name&q=nut", tok, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), f.stats.Top("shop.db", "items", 1)[0].Frequency)
}

func TestAPI_StorageEndpoints(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, auth.AllPermissions...)

	resp := f.do(t, "POST", "/api/v1/databases/shop/tables/items/export-to-storage", tok,
		bytes.NewReader([]byte(`{"format":"json","object_path":"out/items.json"}`)), "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ok, err := f.store.Exists(context.Background(), "out/items.json")
	require.NoError(t, err)
	assert.True(t, ok)

	resp = f.do(t, "POST", "/api/v1/databases/shop/tables/items/export-to-storage", tok,
		strings.NewReader(`{"object_path":"../escape"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "POST", "/api/v1/databases/shop/snapshot", tok, nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var info map[string]interface{}
	decodeBody(t, resp, &info)
	assert.True(t, strings.HasPrefix(info["object_path"].(string), "snapshots/shop-"))
}

func TestHealthAndRecovery(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET", "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	logger, hook := test.NewNullLogger()
	h := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "handler panicked", hook.LastEntry().Message)
}
