// Package apikey manages the API keys the auth middleware validates against.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/edvin/deployctl/internal/db"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/platform"
)

type Service struct {
	db db.Querier
}

func NewService(querier db.Querier) *Service {
	return &Service{db: querier}
}

// Create generates a new API key, stores the hash, and returns the model
// along with the raw key string. The raw key must be shown to the user
// exactly once.
func (s *Service) Create(ctx context.Context, name string, scopes []string) (*model.APIKey, string, error) {
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	rawKey := "dpl_" + hex.EncodeToString(rawBytes)

	id := platform.NewID()
	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])
	keyPrefix := rawKey[:12] // "dpl_" + first 8 hex chars

	if scopes == nil {
		scopes = []string{model.ScopeAll}
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at) VALUES ($1, $2, $3, $4, $5, now())`,
		id, name, keyHash, keyPrefix, scopes,
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}

	key := &model.APIKey{
		ID:        id,
		Name:      name,
		KeyPrefix: keyPrefix,
		Scopes:    scopes,
	}
	err = s.db.QueryRow(ctx, "SELECT created_at FROM api_keys WHERE id = $1", id).Scan(&key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("get api key created_at: %w", err)
	}

	return key, rawKey, nil
}

// Revoke marks a key unusable; the auth middleware filters revoked keys.
func (s *Service) Revoke(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("api key %s not found or already revoked", id)
	}
	return nil
}
