package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

// fakeQuerier serves a single API key row keyed by its sha256 hash.
type fakeQuerier struct {
	keyHash string
	scopes  []string
}

func (f *fakeQuerier) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeQuerier) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	return &fakeRow{querier: f, hash: args[0].(string)}
}

type fakeRow struct {
	querier *fakeQuerier
	hash    string
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.hash != r.querier.keyHash {
		return pgx.ErrNoRows
	}
	*dest[0].(*string) = "key-1"
	*dest[1].(*string) = "ci"
	*dest[2].(*[]string) = r.querier.scopes
	return nil
}

func hashOf(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func protectedHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := GetIdentity(r.Context())
		if identity == nil {
			t.Error("identity missing from context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMissingKey(t *testing.T) {
	q := &fakeQuerier{keyHash: hashOf("secret"), scopes: []string{"deploy:read"}}
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/deployments", nil)

	Auth(q)(protectedHandler(t)).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthInvalidKey(t *testing.T) {
	q := &fakeQuerier{keyHash: hashOf("secret"), scopes: []string{"deploy:read"}}
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/deployments", nil)
	r.Header.Set("X-API-Key", "wrong")

	Auth(q)(protectedHandler(t)).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthValidKeyInjectsIdentity(t *testing.T) {
	q := &fakeQuerier{keyHash: hashOf("secret"), scopes: []string{"deploy:read"}}
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/deployments", nil)
	r.Header.Set("X-API-Key", "secret")

	Auth(q)(protectedHandler(t)).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHasScope(t *testing.T) {
	assert.False(t, HasScope(nil, "deploy", "write"))
	assert.True(t, HasScope(&APIKeyIdentity{Scopes: []string{"*:*"}}, "deploy", "write"))
	assert.True(t, HasScope(&APIKeyIdentity{Scopes: []string{"deploy:write"}}, "deploy", "write"))
	assert.False(t, HasScope(&APIKeyIdentity{Scopes: []string{"deploy:read"}}, "deploy", "write"))
}

func TestRequireScope(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", nil)
	ctx := context.WithValue(r.Context(), APIKeyIdentityKey, &APIKeyIdentity{Scopes: []string{"deploy:read"}})
	RequireScope("deploy", "write")(next).ServeHTTP(rec, r.WithContext(ctx))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	ctx = context.WithValue(r.Context(), APIKeyIdentityKey, &APIKeyIdentity{Scopes: []string{"deploy:write"}})
	RequireScope("deploy", "write")(next).ServeHTTP(rec, r.WithContext(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)
}
