package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/edvin/deployctl/internal/audit"
	"github.com/edvin/deployctl/internal/config"
	"github.com/edvin/deployctl/internal/metrics"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/platform"
	"github.com/edvin/deployctl/internal/release"
)

// Orchestrator runs deployment pipelines. Each submitted request becomes an
// independent goroutine, bounded by a weighted semaphore; the HTTP caller
// gets the execution ID back immediately and polls for status.
type Orchestrator struct {
	pipeline config.Pipeline
	executor *StageExecutor
	store    *ExecutionStore
	releases release.Store
	recorder audit.Recorder
	logger   zerolog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	rollbacks map[string]bool // executions with a rollback in flight
}

func NewOrchestrator(
	p config.Pipeline,
	executor *StageExecutor,
	store *ExecutionStore,
	releases release.Store,
	recorder audit.Recorder,
	maxConcurrent int,
	logger zerolog.Logger,
) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		pipeline:  p,
		executor:  executor,
		store:     store,
		releases:  releases,
		recorder:  recorder,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		cancels:   make(map[string]context.CancelFunc),
		rollbacks: make(map[string]bool),
	}
}

// Submit validates the request, registers the execution and starts the
// pipeline in the background. The returned snapshot is what a 202 response
// carries.
func (o *Orchestrator) Submit(req *model.DeploymentRequest) (*model.PipelineExecution, error) {
	if err := req.Module.Validate(); err != nil {
		return nil, err
	}
	if len(req.Environments) == 0 {
		req.Environments = append([]model.Environment(nil), model.DefaultEnvironmentChain...)
	}
	chain, err := o.pipeline.ChainFor(req.Environments)
	if err != nil {
		return nil, err
	}

	if req.ExecutionID == "" {
		req.ExecutionID = platform.NewID()
	}
	req.CreatedAt = time.Now()

	exec := model.PipelineExecution{
		ExecutionID: req.ExecutionID,
		Module:      req.Module,
		Status:      model.PipelineCreated,
		StartedAt:   time.Now(),
		TraceID:     platform.NewTraceID(),
	}
	o.store.Create(exec)

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[req.ExecutionID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.clearCancel(req.ExecutionID)
		o.run(ctx, req, chain)
	}()

	snapshot, _ := o.store.Get(req.ExecutionID)
	return snapshot, nil
}

func (o *Orchestrator) run(ctx context.Context, req *model.DeploymentRequest, chain []config.StageConfig) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.finalize(req.ExecutionID, model.PipelineFailed, false)
		return
	}
	defer o.sem.Release(1)

	o.store.SetStatus(req.ExecutionID, model.PipelineRunning)
	metrics.PipelinesStarted.Inc()

	logger := o.logger.With().
		Str("execution_id", req.ExecutionID).
		Str("module", req.Module.String()).
		Logger()
	logger.Info().Int("stages", len(chain)).Msg("pipeline started")

	for _, stage := range chain {
		// Captured before the stage runs: what a rollback would restore.
		restoreVersion := ""
		if rec, err := o.releases.Get(ctx, req.Module.Name, stage.Environment); err == nil {
			restoreVersion = rec.CurrentVersion
		}

		result, outcome := o.executor.Run(ctx, req, stage, o.pipeline.Thresholds)
		o.store.AppendStage(req.ExecutionID, result)

		if result.Status == model.StageSucceeded {
			continue
		}

		// Pipeline halts at the first non-succeeded stage. A partially
		// succeeded rolling stage is left as-is unless policy says otherwise;
		// a failed stage that shifted live traffic gets rolled back.
		needsRollback := result.Status == model.StageFailed &&
			outcome != nil && outcome.TrafficShifted &&
			(o.pipeline.AutoRollbackOnFailure || stage.RollbackOnPartial)

		if !needsRollback {
			logger.Warn().
				Str("environment", string(stage.Environment)).
				Str("status", result.Status).
				Msg("pipeline halted")
			o.finalize(req.ExecutionID, model.PipelineFailed, false)
			return
		}

		// Rollback still runs when the pipeline was cancelled; a half-shifted
		// environment is never left behind.
		rbCtx, rbCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
		rbResult, rbErr := o.executor.Rollback(rbCtx, req, stage, o.pipeline.Thresholds, restoreVersion, "pipeline")
		rbCancel()
		o.store.AppendStage(req.ExecutionID, rbResult)

		if rbErr != nil {
			var rfe *RollbackFailureError
			if errors.As(rbErr, &rfe) {
				o.escalate(req, rfe)
			}
			o.finalize(req.ExecutionID, model.PipelineFailed, false)
			return
		}
		o.finalize(req.ExecutionID, model.PipelineRolledBack, false)
		return
	}

	logger.Info().Msg("pipeline succeeded")
	o.finalize(req.ExecutionID, model.PipelineSucceeded, true)
}

// Get returns a point-in-time copy of an execution.
func (o *Orchestrator) Get(executionID string) (*model.PipelineExecution, error) {
	exec, ok := o.store.Get(executionID)
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// List returns all executions, most recent first.
func (o *Orchestrator) List() []model.PipelineExecution {
	return o.store.List()
}

// Cancel aborts a running execution. The pipeline goroutine observes the
// cancellation at its next suspension point and runs the rollback path for
// any half-shifted stage.
func (o *Orchestrator) Cancel(executionID string) error {
	exec, ok := o.store.Get(executionID)
	if !ok {
		return ErrExecutionNotFound
	}
	if exec.Terminal() {
		return ErrExecutionTerminal
	}

	o.mu.Lock()
	cancel, ok := o.cancels[executionID]
	o.mu.Unlock()
	if !ok {
		return ErrExecutionTerminal
	}
	cancel()
	return nil
}

// Rollback reverts the most recently completed stage of a terminal execution
// to its previous known-good version, asynchronously. Used by the manual
// rollback endpoint and by the health monitor; both go through the same lock
// discipline as a regular deployment.
func (o *Orchestrator) Rollback(executionID, trigger string) error {
	exec, ok := o.store.Get(executionID)
	if !ok {
		return ErrExecutionNotFound
	}
	if !exec.Terminal() {
		return ErrExecutionRunning
	}

	var target *model.StageResult
	for i := len(exec.Stages) - 1; i >= 0; i-- {
		s := exec.Stages[i]
		if s.Status == model.StageSucceeded || s.Status == model.StagePartiallySucceeded {
			target = &s
			break
		}
	}
	if target == nil {
		return ErrNothingToRollback
	}

	stage, ok := o.pipeline.Stage(target.StageName)
	if !ok {
		return fmt.Errorf("environment %q is not part of the pipeline", target.StageName)
	}

	ctx := context.Background()
	restoreVersion := ""
	if rec, err := o.releases.Get(ctx, exec.Module.Name, stage.Environment); err == nil {
		restoreVersion = rec.PreviousVersion
	}

	req := &model.DeploymentRequest{
		ExecutionID: executionID,
		Module:      exec.Module,
	}

	// One rollback at a time per execution; the status stays terminal while it
	// runs, so the Terminal check alone would admit a duplicate.
	o.mu.Lock()
	if o.rollbacks[executionID] {
		o.mu.Unlock()
		return ErrExecutionRunning
	}
	o.rollbacks[executionID] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.rollbacks, executionID)
			o.mu.Unlock()
		}()
		rbCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()

		result, err := o.executor.Rollback(rbCtx, req, stage, o.pipeline.Thresholds, restoreVersion, trigger)
		o.store.AppendStage(executionID, result)
		if err != nil {
			var rfe *RollbackFailureError
			if errors.As(err, &rfe) {
				o.escalate(req, rfe)
			}
			return
		}
		o.finalize(executionID, model.PipelineRolledBack, false)
	}()

	return nil
}

// Shutdown waits for in-flight pipelines to finish, up to the context
// deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (o *Orchestrator) finalize(executionID, status string, success bool) {
	o.store.Finalize(executionID, status, success)
	metrics.PipelinesCompleted.WithLabelValues(status).Inc()
}

// escalate is the alerting path for rollbacks that failed after bounded
// retries. The condition needs an operator; it is never retried further.
func (o *Orchestrator) escalate(req *model.DeploymentRequest, rfe *RollbackFailureError) {
	o.logger.Error().
		Str("execution_id", rfe.ExecutionID).
		Str("environment", string(rfe.Environment)).
		Int("attempts", rfe.Attempts).
		Err(rfe.Err).
		Msg("ROLLBACK FAILURE, manual intervention required")
	o.recorder.Record(model.AuditEvent{
		ExecutionID: rfe.ExecutionID,
		Kind:        model.AuditRollback,
		Environment: rfe.Environment,
		NewStatus:   model.StageFailed,
		Message:     rfe.Error(),
		Details:     map[string]string{"module": req.Module.String()},
	})
}

func (o *Orchestrator) clearCancel(executionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[executionID]; ok {
		cancel()
		delete(o.cancels, executionID)
	}
}
