package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ledgerline/fieldkeeper/internal/core/api"
	"github.com/ledgerline/fieldkeeper/internal/core/auth"
	"github.com/ledgerline/fieldkeeper/internal/core/config"
	"github.com/ledgerline/fieldkeeper/internal/core/db"
	"github.com/ledgerline/fieldkeeper/internal/rules"
	"github.com/ledgerline/fieldkeeper/internal/store/sqlstore"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

const testSecretID = "0123456789abcdef0123456789abcdef"

var testSecret = []byte("testsecret1234567890abcdefghijklmnop")

type harness struct {
	client *api.Client
	health grpc_health_v1.HealthClient
	apiKey string
	server *GRPCServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "fk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	_, err = db.MigrateUp(ctx, database)
	require.NoError(t, err)

	store, err := sqlstore.New(database)
	require.NoError(t, err)
	_, err = store.UpsertTenantRule(ctx, types.TenantRule{
		TenantID: "acme",
		Rule: types.Rule{
			Code:          "MARCA",
			Kind:          types.KindTransformation,
			Priority:      10,
			Active:        true,
			Scope:         types.ScopeLine,
			Configuration: []byte(`{"actions":[{"operation":"SET","field":"origen","value":"importado"}]}`),
		},
	})
	require.NoError(t, err)

	key, _, err := auth.Issue(ctx, store.Queries(), "acme", "ci", testSecretID, testSecret)
	require.NoError(t, err)

	cfg := config.Default().EvaluationAPI
	svc, err := api.NewEvaluationService(rules.NewEngine(store, store), &cfg, nil)
	require.NoError(t, err)
	authenticator := auth.NewAuthenticator(map[string][]byte{testSecretID: testSecret}, store.Queries())

	srv, err := NewGRPCServer(&cfg, svc, authenticator, nil)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{
		client: api.NewClient(conn),
		health: grpc_health_v1.NewHealthClient(conn),
		apiKey: key,
		server: srv,
	}
}

func TestNewGRPCServer_Validation(t *testing.T) {
	cfg := config.Default().EvaluationAPI
	svc, err := api.NewEvaluationService(rules.NewEngine(nil, nil), &cfg, nil)
	require.NoError(t, err)
	authenticator := auth.NewAuthenticator(nil, nil)

	_, err = NewGRPCServer(nil, svc, authenticator, nil)
	assert.Error(t, err)
	_, err = NewGRPCServer(&cfg, nil, authenticator, nil)
	assert.Error(t, err)
	_, err = NewGRPCServer(&cfg, svc, nil, nil)
	assert.Error(t, err)
}

func TestGRPCServer_EvaluateOverWire(t *testing.T) {
	h := newHarness(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", h.apiKey)

	req, err := structpb.NewStruct(map[string]any{
		"scope":  "LINE",
		"record": map[string]any{"descripcion": "Bandeja"},
	})
	require.NoError(t, err)

	out, err := h.client.Evaluate(ctx, req)
	require.NoError(t, err)

	got := out.AsMap()
	assert.Equal(t, "acme", got["tenant"])
	assert.Equal(t, "importado", got["record"].(map[string]any)["origen"])
}

func TestGRPCServer_RequiresAPIKey(t *testing.T) {
	h := newHarness(t)
	req, err := structpb.NewStruct(map[string]any{"scope": "LINE", "record": map[string]any{}})
	require.NoError(t, err)

	_, err = h.client.Evaluate(context.Background(), req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	badCtx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "fk-v1-nope")
	_, err = h.client.EvaluateBatch(badCtx, req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPCServer_HealthWithoutAuth(t *testing.T) {
	h := newHarness(t)

	resp, err := h.health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())

	resp, err = h.health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: api.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())
}
