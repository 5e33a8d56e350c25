package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/edvin/deployctl/internal/model"
)

// ExecutionStore holds pipeline executions for status polling. Each execution
// has a single writer (its pipeline goroutine); reads are concurrent.
type ExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*model.PipelineExecution
}

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{executions: make(map[string]*model.PipelineExecution)}
}

// Create registers a new execution record.
func (s *ExecutionStore) Create(exec model.PipelineExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ExecutionID] = &exec
}

// Get returns a copy of the execution, so callers never observe a stage
// appended mid-read.
func (s *ExecutionStore) Get(executionID string) (*model.PipelineExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, false
	}
	copied := snapshot(exec)
	return &copied, true
}

// List returns copies of all executions, most recently started first.
func (s *ExecutionStore) List() []model.PipelineExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PipelineExecution, 0, len(s.executions))
	for _, exec := range s.executions {
		out = append(out, snapshot(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// AppendStage adds a stage result to an execution.
func (s *ExecutionStore) AppendStage(executionID string, stage model.StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec, ok := s.executions[executionID]; ok {
		exec.Stages = append(exec.Stages, stage)
	}
}

// Finalize moves an execution to a terminal status.
func (s *ExecutionStore) Finalize(executionID, status string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec, ok := s.executions[executionID]; ok {
		now := time.Now()
		exec.Status = status
		exec.Success = success
		exec.CompletedAt = &now
	}
}

// SetStatus updates a non-terminal status transition, e.g. created to running.
func (s *ExecutionStore) SetStatus(executionID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec, ok := s.executions[executionID]; ok {
		exec.Status = status
	}
}

func snapshot(exec *model.PipelineExecution) model.PipelineExecution {
	copied := *exec
	copied.Stages = append([]model.StageResult(nil), exec.Stages...)
	if exec.CompletedAt != nil {
		t := *exec.CompletedAt
		copied.CompletedAt = &t
	}
	return copied
}
