package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/deployctl/internal/db"
	"github.com/edvin/deployctl/internal/model"
)

// ErrNotFound is returned when no approval request exists for an execution.
var ErrNotFound = errors.New("approval request not found")

// Store persists approval requests. One request exists per execution ID.
type Store interface {
	Create(ctx context.Context, req *model.ApprovalRequest) error
	GetByExecutionID(ctx context.Context, executionID string) (*model.ApprovalRequest, error)
	ListPending(ctx context.Context) ([]model.ApprovalRequest, error)
	Update(ctx context.Context, req *model.ApprovalRequest) error
}

// ---------- MemoryStore ----------

// MemoryStore keeps approval requests in memory, for tests and databaseless
// deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]model.ApprovalRequest // executionID -> request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]model.ApprovalRequest)}
}

func (s *MemoryStore) Create(_ context.Context, req *model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[req.ExecutionID]; exists {
		return fmt.Errorf("approval request for execution %s already exists", req.ExecutionID)
	}
	s.byID[req.ExecutionID] = *req
	return nil
}

func (s *MemoryStore) GetByExecutionID(_ context.Context, executionID string) (*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.byID[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := req
	return &copied, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []model.ApprovalRequest
	for _, req := range s.byID {
		if req.Status == model.ApprovalPending {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

func (s *MemoryStore) Update(_ context.Context, req *model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[req.ExecutionID]; !ok {
		return ErrNotFound
	}
	s.byID[req.ExecutionID] = *req
	return nil
}

// ---------- PGStore ----------

// PGStore persists approval requests in postgres so decisions survive a
// control-plane restart.
type PGStore struct {
	db db.Querier
}

func NewPGStore(querier db.Querier) *PGStore {
	return &PGStore{db: querier}
}

const approvalColumns = `id, execution_id, module_name, version, environment, requester_email, status, requested_at, timeout_at, responded_at, responded_by, response_reason`

func (s *PGStore) Create(ctx context.Context, req *model.ApprovalRequest) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.ExecutionID, req.ModuleName, req.Version, req.Environment, req.RequesterEmail,
		req.Status, req.RequestedAt, req.TimeoutAt, req.RespondedAt, req.RespondedBy, req.ResponseReason,
	)
	if err != nil {
		return fmt.Errorf("create approval request for execution %s: %w", req.ExecutionID, err)
	}
	return nil
}

func (s *PGStore) GetByExecutionID(ctx context.Context, executionID string) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	err := s.db.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE execution_id = $1`, executionID,
	).Scan(&req.ID, &req.ExecutionID, &req.ModuleName, &req.Version, &req.Environment, &req.RequesterEmail,
		&req.Status, &req.RequestedAt, &req.TimeoutAt, &req.RespondedAt, &req.RespondedBy, &req.ResponseReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request for execution %s: %w", executionID, err)
	}
	return &req, nil
}

func (s *PGStore) ListPending(ctx context.Context) ([]model.ApprovalRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE status = $1 ORDER BY requested_at`, model.ApprovalPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending approval requests: %w", err)
	}
	defer rows.Close()

	var pending []model.ApprovalRequest
	for rows.Next() {
		var req model.ApprovalRequest
		if err := rows.Scan(&req.ID, &req.ExecutionID, &req.ModuleName, &req.Version, &req.Environment, &req.RequesterEmail,
			&req.Status, &req.RequestedAt, &req.TimeoutAt, &req.RespondedAt, &req.RespondedBy, &req.ResponseReason); err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		pending = append(pending, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval requests: %w", err)
	}
	return pending, nil
}

func (s *PGStore) Update(ctx context.Context, req *model.ApprovalRequest) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE approval_requests
		 SET status = $2, responded_at = $3, responded_by = $4, response_reason = $5
		 WHERE execution_id = $1`,
		req.ExecutionID, req.Status, req.RespondedAt, req.RespondedBy, req.ResponseReason,
	)
	if err != nil {
		return fmt.Errorf("update approval request for execution %s: %w", req.ExecutionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
