// Package approval implements the human decision gate that blocks a pipeline
// before production-impacting stages.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/deployctl/internal/audit"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/platform"
)

// ErrAlreadyResolved is returned when deciding a request that has already
// reached a terminal state.
var ErrAlreadyResolved = errors.New("approval request already resolved")

// Gate persists approval requests and lets a stage block until a decision
// arrives or the request times out. Waiters park on a per-execution
// notification channel rather than polling.
type Gate struct {
	store    Store
	recorder audit.Recorder
	logger   zerolog.Logger

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{} // executionID -> channels closed on decision
}

func NewGate(store Store, recorder audit.Recorder, logger zerolog.Logger) *Gate {
	return &Gate{
		store:    store,
		recorder: recorder,
		logger:   logger,
		waiters:  make(map[string]map[chan struct{}]struct{}),
	}
}

// Request creates a pending approval request for the execution, or returns
// the existing one (idempotent per execution ID).
func (g *Gate) Request(ctx context.Context, req *model.DeploymentRequest, env model.Environment, timeout time.Duration) (*model.ApprovalRequest, error) {
	if existing, err := g.store.GetByExecutionID(ctx, req.ExecutionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	approval := &model.ApprovalRequest{
		ID:             platform.NewID(),
		ExecutionID:    req.ExecutionID,
		ModuleName:     req.Module.Name,
		Version:        req.Module.Version,
		Environment:    env,
		RequesterEmail: req.RequesterEmail,
		Status:         model.ApprovalPending,
		RequestedAt:    now,
		TimeoutAt:      now.Add(timeout),
	}
	if err := g.store.Create(ctx, approval); err != nil {
		return nil, err
	}

	g.recorder.Record(model.AuditEvent{
		ExecutionID: req.ExecutionID,
		Kind:        model.AuditApprovalTransition,
		Actor:       req.RequesterEmail,
		Environment: env,
		NewStatus:   model.ApprovalPending,
		Message:     fmt.Sprintf("approval requested for %s %s", req.Module.Name, req.Module.Version),
	})
	g.logger.Info().
		Str("execution_id", req.ExecutionID).
		Str("module", req.Module.Name).
		Str("environment", string(env)).
		Time("timeout_at", approval.TimeoutAt).
		Msg("approval requested")

	return approval, nil
}

// Decide resolves the pending request for an execution. Returns ErrNotFound
// when no request exists and ErrAlreadyResolved when it is terminal.
func (g *Gate) Decide(ctx context.Context, executionID, approver string, approved bool, reason string) (*model.ApprovalRequest, error) {
	req, err := g.store.GetByExecutionID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if req.Terminal() {
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyResolved, req.Status)
	}

	oldStatus := req.Status
	now := time.Now()
	req.Status = model.ApprovalRejected
	if approved {
		req.Status = model.ApprovalApproved
	}
	req.RespondedAt = &now
	req.RespondedBy = &approver
	req.ResponseReason = &reason

	if err := g.store.Update(ctx, req); err != nil {
		return nil, err
	}

	g.notify(executionID)
	g.recorder.Record(model.AuditEvent{
		ExecutionID: executionID,
		Kind:        model.AuditApprovalTransition,
		Actor:       approver,
		Environment: req.Environment,
		OldStatus:   oldStatus,
		NewStatus:   req.Status,
		Message:     reason,
	})
	g.logger.Info().
		Str("execution_id", executionID).
		Str("status", req.Status).
		Str("approver", approver).
		Msg("approval decided")

	return req, nil
}

// Pending lists the unresolved approval requests.
func (g *Gate) Pending(ctx context.Context) ([]model.ApprovalRequest, error) {
	return g.store.ListPending(ctx)
}

// Get returns the approval request for an execution, if any.
func (g *Gate) Get(ctx context.Context, executionID string) (*model.ApprovalRequest, error) {
	return g.store.GetByExecutionID(ctx, executionID)
}

// Wait blocks until the request leaves Pending, the timeout deadline passes
// (transitioning it to Expired), or ctx is cancelled.
func (g *Gate) Wait(ctx context.Context, executionID string) (*model.ApprovalRequest, error) {
	for {
		// Register the waiter before reading state so a decision between the
		// read and the wait cannot be missed. Every exit path deregisters, so
		// abandoned waits do not accumulate map entries.
		ch := g.addWaiter(executionID)

		req, err := g.store.GetByExecutionID(ctx, executionID)
		if err != nil {
			g.removeWaiter(executionID, ch)
			return nil, err
		}
		if req.Terminal() {
			g.removeWaiter(executionID, ch)
			return req, nil
		}

		remaining := time.Until(req.TimeoutAt)
		if remaining <= 0 {
			g.removeWaiter(executionID, ch)
			return g.expire(ctx, req)
		}

		deadline := time.NewTimer(remaining)
		select {
		case <-ch:
			deadline.Stop()
			// Decided; re-read terminal state.
		case <-deadline.C:
			g.removeWaiter(executionID, ch)
			return g.expire(ctx, req)
		case <-ctx.Done():
			deadline.Stop()
			g.removeWaiter(executionID, ch)
			return nil, ctx.Err()
		}
	}
}

// expire transitions a pending request to Expired once its deadline passed.
func (g *Gate) expire(ctx context.Context, req *model.ApprovalRequest) (*model.ApprovalRequest, error) {
	// Re-read: a decision may have landed right at the deadline.
	current, err := g.store.GetByExecutionID(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if current.Terminal() {
		return current, nil
	}

	now := time.Now()
	current.Status = model.ApprovalExpired
	current.RespondedAt = &now
	if err := g.store.Update(ctx, current); err != nil {
		return nil, err
	}

	g.notify(current.ExecutionID)
	g.recorder.Record(model.AuditEvent{
		ExecutionID: current.ExecutionID,
		Kind:        model.AuditApprovalTransition,
		Actor:       "system",
		Environment: current.Environment,
		OldStatus:   model.ApprovalPending,
		NewStatus:   model.ApprovalExpired,
		Message:     "approval timed out",
	})
	g.logger.Warn().Str("execution_id", current.ExecutionID).Msg("approval expired")

	return current, nil
}

func (g *Gate) addWaiter(executionID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.waiters[executionID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		g.waiters[executionID] = set
	}
	ch := make(chan struct{})
	set[ch] = struct{}{}
	return ch
}

func (g *Gate) removeWaiter(executionID string, ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.waiters[executionID]
	if !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(g.waiters, executionID)
	}
}

func (g *Gate) notify(executionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ch := range g.waiters[executionID] {
		close(ch)
	}
	delete(g.waiters, executionID)
}
