package model

import "time"

// API key scopes understood by the auth middleware.
const (
	ScopeAll          = "*:*"
	ScopeDeployWrite  = "deploy:write"
	ScopeDeployRead   = "deploy:read"
	ScopeApproveWrite = "approve:write"
)

type APIKey struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	KeyPrefix string     `json:"key_prefix" db:"key_prefix"`
	Scopes    []string   `json:"scopes" db:"scopes"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}
