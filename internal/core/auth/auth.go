// Package auth provides HMAC-based API key authentication for gRPC services.
//
// An API key resolves to exactly one tenant. The interceptor stores that
// tenant in the request context and handlers pass it to the engine
// explicitly; nothing downstream reads it from ambient state.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// tenantIDKey is the context key for storing authenticated tenant ID.
const tenantIDKey = contextKey("tenant_id")

// healthPrefix marks methods served without authentication so load
// balancers can poll.
const healthPrefix = "/grpc.health.v1.Health/"

// Queries is the subset of *db.Queries used for key verification.
type Queries interface {
	GetContext(ctx context.Context, name string, dest any, args ...any) error
	ExecContext(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	now     func() time.Time
}

// NewAuthenticator creates an authenticator with HMAC secrets and queries.
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		now:     time.Now,
	}
}

// Authenticate validates an API key and returns its tenant.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (types.TenantID, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	var row struct {
		APIKeyID   string       `db:"api_key_id"`
		TenantID   string       `db:"tenant_id"`
		RevokedAt  sql.NullTime `db:"revoked_at"`
		LastUsedAt sql.NullTime `db:"last_used_at"`
	}

	// key_hash is unique, so at most one row
	err = a.queries.GetContext(ctx, "get-api-key-by-hash", &row, ComputeHMAC(secret, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyStore, err)
	}

	if row.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	// Throttled to one write per key per minute
	if shouldUpdateLastUsed(row.LastUsedAt, a.now()) {
		_, _ = a.queries.ExecContext(ctx, "update-last-used", a.now().UTC(), row.APIKeyID)
	}

	return types.TenantID(row.TenantID), nil
}

func shouldUpdateLastUsed(lastUsed sql.NullTime, now time.Time) bool {
	if !lastUsed.Valid {
		return true
	}
	return now.Sub(lastUsed.Time) > time.Minute
}

// Issue generates a key for tenant, stores its hash and returns the key and
// its row id. The plaintext key is not recoverable afterwards.
func Issue(ctx context.Context, q Queries, tenant types.TenantID, name, secretID string, secret []byte) (key, id string, err error) {
	if strings.TrimSpace(string(tenant)) == "" {
		return "", "", types.ErrMissingTenant
	}
	key, hash, err := GenerateAPIKey(secretID, secret)
	if err != nil {
		return "", "", err
	}
	id = types.NewAPIKeyID()
	if _, err := q.ExecContext(ctx, "insert-api-key", id, string(tenant), name, secretID, hash, time.Now().UTC()); err != nil {
		return "", "", fmt.Errorf("store api key: %w", err)
	}
	return key, id, nil
}

// UnaryInterceptor returns a gRPC interceptor that authenticates requests.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get("x-api-key")
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		tenantID, err := a.Authenticate(ctx, apiKeys[0])
		switch {
		case err == nil:
		case errors.Is(err, ErrKeyRevoked):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		case errors.Is(err, ErrKeyStore):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(ContextWithTenantID(ctx, tenantID), req)
	}
}

// ContextWithTenantID attaches an authenticated tenant to ctx.
func ContextWithTenantID(ctx context.Context, tenant types.TenantID) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenant)
}

// TenantIDFromContext extracts the tenant ID from context.
// Returns empty string if not found.
func TenantIDFromContext(ctx context.Context) types.TenantID {
	if tenantID, ok := ctx.Value(tenantIDKey).(types.TenantID); ok {
		return tenantID
	}
	return ""
}
