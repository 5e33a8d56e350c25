// Package release tracks which module version is live in each environment.
// The previous known-good version recorded here is what a rollback restores.
package release

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/deployctl/internal/db"
	"github.com/edvin/deployctl/internal/model"
)

// ErrNoRelease is returned when a module has never been deployed to an
// environment.
var ErrNoRelease = errors.New("no release recorded")

// Record is the release history for one (module, environment) pair.
type Record struct {
	ModuleName      string            `json:"module_name" db:"module_name"`
	Environment     model.Environment `json:"environment" db:"environment"`
	CurrentVersion  string            `json:"current_version" db:"current_version"`
	PreviousVersion string            `json:"previous_version,omitempty" db:"previous_version"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// Store persists release history.
type Store interface {
	Get(ctx context.Context, moduleName string, env model.Environment) (*Record, error)
	// SetCurrent promotes version to current, shifting the old current to
	// previous.
	SetCurrent(ctx context.Context, moduleName string, env model.Environment, version string) error
	ListByModule(ctx context.Context, moduleName string) ([]Record, error)
}

// ---------- MemoryStore ----------

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record // moduleName/env -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func key(moduleName string, env model.Environment) string {
	return moduleName + "/" + string(env)
}

func (s *MemoryStore) Get(_ context.Context, moduleName string, env model.Environment) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key(moduleName, env)]
	if !ok {
		return nil, ErrNoRelease
	}
	copied := rec
	return &copied, nil
}

func (s *MemoryStore) SetCurrent(_ context.Context, moduleName string, env model.Environment, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(moduleName, env)
	rec, ok := s.records[k]
	if !ok {
		rec = Record{ModuleName: moduleName, Environment: env}
	}
	if rec.CurrentVersion != version {
		rec.PreviousVersion = rec.CurrentVersion
	}
	rec.CurrentVersion = version
	rec.UpdatedAt = time.Now()
	s.records[k] = rec
	return nil
}

func (s *MemoryStore) ListByModule(_ context.Context, moduleName string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.ModuleName == moduleName {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ---------- PGStore ----------

type PGStore struct {
	db db.Querier
}

func NewPGStore(querier db.Querier) *PGStore {
	return &PGStore{db: querier}
}

func (s *PGStore) Get(ctx context.Context, moduleName string, env model.Environment) (*Record, error) {
	var rec Record
	err := s.db.QueryRow(ctx,
		`SELECT module_name, environment, current_version, previous_version, updated_at
		 FROM release_history WHERE module_name = $1 AND environment = $2`, moduleName, env,
	).Scan(&rec.ModuleName, &rec.Environment, &rec.CurrentVersion, &rec.PreviousVersion, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRelease
	}
	if err != nil {
		return nil, fmt.Errorf("get release for %s in %s: %w", moduleName, env, err)
	}
	return &rec, nil
}

func (s *PGStore) SetCurrent(ctx context.Context, moduleName string, env model.Environment, version string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO release_history (module_name, environment, current_version, previous_version, updated_at)
		 VALUES ($1, $2, $3, '', now())
		 ON CONFLICT (module_name, environment) DO UPDATE
		 SET previous_version = CASE WHEN release_history.current_version = $3 THEN release_history.previous_version ELSE release_history.current_version END,
		     current_version = $3,
		     updated_at = now()`,
		moduleName, env, version,
	)
	if err != nil {
		return fmt.Errorf("set current release for %s in %s: %w", moduleName, env, err)
	}
	return nil
}

func (s *PGStore) ListByModule(ctx context.Context, moduleName string) ([]Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT module_name, environment, current_version, previous_version, updated_at
		 FROM release_history WHERE module_name = $1 ORDER BY environment`, moduleName,
	)
	if err != nil {
		return nil, fmt.Errorf("list releases for %s: %w", moduleName, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ModuleName, &rec.Environment, &rec.CurrentVersion, &rec.PreviousVersion, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan release record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate release records: %w", err)
	}
	return out, nil
}
