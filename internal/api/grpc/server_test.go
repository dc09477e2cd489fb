package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	"github.com/sqlitecult/sqlitecult/internal/config"
	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/observability"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

type harness struct {
	client *RowsClient
	conn   *grpc.ClientConn
	auth   *auth.Authenticator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	m, err := conn.NewManager(conn.Config{Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	_, err = m.CreateDatabase(ctx, "shop")
	require.NoError(t, err)
	h, err := m.Open(ctx, "shop")
	require.NoError(t, err)
	var cols []types.ColumnDef
	for _, c := range [][3]string{{"id", "INTEGER", "PRIMARY KEY"}, {"name", "TEXT", "NOT NULL"}, {"qty", "INTEGER", ""}} {
		col, err := schema.NewColumn(c[0], c[1], c[2], "")
		require.NoError(t, err)
		cols = append(cols, col)
	}
	_, err = schema.NewEditor(h).CreateTable(ctx, "items", cols)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	authn := auth.NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", TokenTTL: time.Hour})
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger, metrics), AuthInterceptor(authn)))
	RegisterRowsServer(srv, NewServer(m, config.RowsConfig{DefaultPageSize: 10, MaxPageSize: 50}))
	healthpb.RegisterHealthServer(srv, health.NewServer())

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })

	return &harness{client: NewRowsClient(cc), conn: cc, auth: authn}
}

func (h *harness) ctx(t *testing.T, perms ...auth.Permission) context.Context {
	t.Helper()
	tok, _, err := h.auth.Mint("svc", "shop", perms)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestRows_CRUD(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx(t, auth.AllPermissions...)

	out, err := h.client.Call(ctx, MethodInsertRow, mustStruct(t, map[string]interface{}{
		"database": "shop",
		"table":    "items",
		"values":   map[string]interface{}{"name": "bolt", "qty": 3},
	}))
	require.NoError(t, err)
	row := out.AsMap()
	assert.Equal(t, "bolt", row["name"])
	assert.Equal(t, float64(1), row["rowid"])

	out, err = h.client.Call(ctx, MethodUpdateRow, mustStruct(t, map[string]interface{}{
		"database": "shop", "table": "items", "rowid": 1,
		"values": map[string]interface{}{"qty": 7},
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(7), out.AsMap()["qty"])

	out, err = h.client.Call(ctx, MethodListRows, mustStruct(t, map[string]interface{}{
		"database": "shop", "table": "items", "limit": 5,
	}))
	require.NoError(t, err)
	list := out.AsMap()
	assert.Equal(t, float64(1), list["total_rows"])
	assert.Equal(t, []interface{}{"id", "name", "qty"}, list["columns"])

	out, err = h.client.Call(ctx, MethodListTables, mustStruct(t, map[string]interface{}{"database": "shop"}))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"items"}, out.AsMap()["tables"])

	_, err = h.client.Call(ctx, MethodDeleteRow, mustStruct(t, map[string]interface{}{"database": "shop", "table": "items", "rowid": 1}))
	require.NoError(t, err)

	_, err = h.client.Call(ctx, MethodGetRow, mustStruct(t, map[string]interface{}{"database": "shop", "table": "items", "rowid": 1}))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRows_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Call(context.Background(), MethodListTables, mustStruct(t, map[string]interface{}{"database": "shop"}))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	read := h.ctx(t, auth.PermRead)
	_, err = h.client.Call(read, MethodInsertRow, mustStruct(t, map[string]interface{}{"database": "shop", "table": "items"}))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	all := h.ctx(t, auth.AllPermissions...)
	_, err = h.client.Call(all, MethodGetRow, mustStruct(t, map[string]interface{}{"database": "shop", "table": "items", "rowid": 1.5}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Call(all, MethodListRows, mustStruct(t, map[string]interface{}{"table": "items"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Call(all, MethodInsertRow, mustStruct(t, map[string]interface{}{
		"database": "shop", "table": "items", "values": map[string]interface{}{"qty": "lots"},
	}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Call(all, MethodInsertRow, mustStruct(t, map[string]interface{}{
		"database": "shop", "table": "items", "values": map[string]interface{}{"id": 5, "name": "a"},
	}))
	require.NoError(t, err)
	_, err = h.client.Call(all, MethodInsertRow, mustStruct(t, map[string]interface{}{
		"database": "shop", "table": "items", "values": map[string]interface{}{"id": 5, "name": "b"},
	}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestHealthUnauthenticated(t *testing.T) {
	h := newHarness(t)
	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestToStatus(t *testing.T) {
	assert.NoError(t, ToStatus(nil))
	assert.Equal(t, codes.Unavailable, status.Code(ToStatus(apperrors.NewDatabaseError(apperrors.CodeLocked, "busy", nil))))
	assert.Equal(t, codes.NotFound, status.Code(ToStatus(apperrors.NewNotFoundError(apperrors.CodeTableNotFound, "x"))))
	st := status.Convert(ToStatus(apperrors.NewInternalError("secret detail", nil)))
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "internal server error", st.Message())
	already := status.Error(codes.Canceled, "c")
	assert.Equal(t, already, ToStatus(already))
}
