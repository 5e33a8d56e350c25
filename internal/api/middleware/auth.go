package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/edvin/deployctl/internal/api/response"
	"github.com/edvin/deployctl/internal/db"
)

type contextKey string

const APIKeyIdentityKey contextKey = "api_key_identity"

// APIKeyIdentity holds the authenticated key's ID and scopes.
type APIKeyIdentity struct {
	ID     string
	Name   string
	Scopes []string
}

// Auth returns a middleware that validates the X-API-Key header against the
// api_keys table.
func Auth(querier db.Querier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				response.WriteError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			hash := sha256.Sum256([]byte(key))
			keyHash := hex.EncodeToString(hash[:])

			var identity APIKeyIdentity
			err := querier.QueryRow(r.Context(),
				`SELECT id, name, scopes FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`, keyHash,
			).Scan(&identity.ID, &identity.Name, &identity.Scopes)
			if err != nil {
				response.WriteError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), APIKeyIdentityKey, &identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity extracts the APIKeyIdentity from the request context.
func GetIdentity(ctx context.Context) *APIKeyIdentity {
	identity, _ := ctx.Value(APIKeyIdentityKey).(*APIKeyIdentity)
	return identity
}

// HasScope checks if the identity has the given resource:action scope (or the
// *:* wildcard).
func HasScope(identity *APIKeyIdentity, resource, action string) bool {
	if identity == nil {
		return false
	}
	target := resource + ":" + action
	for _, s := range identity.Scopes {
		if s == "*:*" || s == target {
			return true
		}
	}
	return false
}

// RequireScope returns middleware that checks the key has the given
// resource:action scope.
func RequireScope(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(GetIdentity(r.Context()), resource, action) {
				response.WriteError(w, http.StatusForbidden, "insufficient scope: requires "+resource+":"+action)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
