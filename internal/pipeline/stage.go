package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/deployctl/internal/approval"
	"github.com/edvin/deployctl/internal/audit"
	"github.com/edvin/deployctl/internal/cluster"
	"github.com/edvin/deployctl/internal/config"
	"github.com/edvin/deployctl/internal/lock"
	"github.com/edvin/deployctl/internal/metrics"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/release"
	"github.com/edvin/deployctl/internal/strategy"
)

// StageExecutor runs one environment stage: lock, approval gate, rollout,
// release bookkeeping. The lock is released on every exit path.
type StageExecutor struct {
	locker   lock.Locker
	gate     *approval.Gate
	releases release.Store
	recorder audit.Recorder
	deps     strategy.Deps
	logger   zerolog.Logger

	lockTimeout     time.Duration
	approvalTimeout time.Duration
}

func NewStageExecutor(
	locker lock.Locker,
	gate *approval.Gate,
	releases release.Store,
	probe cluster.Probe,
	fleet strategy.Fleet,
	shifter strategy.TrafficShifter,
	recorder audit.Recorder,
	cfg config.Config,
	logger zerolog.Logger,
) *StageExecutor {
	return &StageExecutor{
		locker:   locker,
		gate:     gate,
		releases: releases,
		recorder: recorder,
		deps: strategy.Deps{
			Fleet:   fleet,
			Shifter: shifter,
			Probe:   probe,
			Logger:  logger,
		},
		logger:          logger,
		lockTimeout:     cfg.LockTimeout,
		approvalTimeout: cfg.ApprovalTimeout,
	}
}

// Run executes one stage. The returned outcome is nil when the rollout never
// started (lock contention, approval denied).
func (e *StageExecutor) Run(ctx context.Context, req *model.DeploymentRequest, stage config.StageConfig, th config.Thresholds) (model.StageResult, *strategy.Outcome) {
	env := stage.Environment
	result := model.StageResult{
		StageName: env,
		Status:    model.StageRunning,
		Strategy:  stage.Strategy,
		StartedAt: time.Now(),
	}
	defer func() {
		metrics.StageDuration.WithLabelValues(string(env), stage.Strategy, result.Status).
			Observe(time.Since(result.StartedAt).Seconds())
	}()

	resource := lock.Key(req.Module.Name, env)
	handle, acquired, err := e.locker.Acquire(ctx, resource, e.lockTimeout)
	if err != nil {
		return e.finish(req, &result, model.StageFailed, fmt.Sprintf("lock acquisition error: %v", err)), nil
	}
	if !acquired {
		metrics.LockContention.WithLabelValues(string(env)).Inc()
		e.recorder.Record(model.AuditEvent{
			ExecutionID: req.ExecutionID,
			Kind:        model.AuditLockEvent,
			Environment: env,
			Message:     "lock acquisition timed out",
			Details:     map[string]string{"resource": resource},
		})
		return e.finish(req, &result, model.StageFailed,
			fmt.Sprintf("another deployment holds %s, timed out after %s", resource, e.lockTimeout)), nil
	}
	defer handle.Release()

	e.recorder.Record(model.AuditEvent{
		ExecutionID: req.ExecutionID,
		Kind:        model.AuditLockEvent,
		Environment: env,
		Message:     "lock acquired",
		Details:     map[string]string{"resource": resource},
	})

	if stage.RequireApproval || req.RequireApproval {
		status, msg := e.awaitApproval(ctx, req, env)
		if status != model.ApprovalApproved {
			return e.finish(req, &result, model.StageFailed, msg), nil
		}
	}

	strat, err := strategy.New(stage.Strategy, e.deps)
	if err != nil {
		return e.finish(req, &result, model.StageFailed, err.Error()), nil
	}

	outcome, err := strat.Execute(ctx, strategy.Rollout{
		ExecutionID: req.ExecutionID,
		Module:      req.Module,
		Environment: env,
		Stage:       stage,
		Thresholds:  th,
	})
	if err != nil && outcome == nil {
		return e.finish(req, &result, model.StageFailed, err.Error()), nil
	}

	result.NodesDeployed = outcome.NodesDeployed
	result.NodesFailed = outcome.NodesFailed

	switch {
	case outcome.Success:
		if serr := e.releases.SetCurrent(ctx, req.Module.Name, env, req.Module.Version); serr != nil {
			e.logger.Error().Err(serr).
				Str("execution_id", req.ExecutionID).
				Msg("release record update failed")
		}
		return e.finish(req, &result, model.StageSucceeded, outcome.Message), outcome
	case outcome.Partial && !stage.RollbackOnPartial:
		return e.finish(req, &result, model.StagePartiallySucceeded, outcome.Message), outcome
	default:
		return e.finish(req, &result, model.StageFailed, outcome.Message), outcome
	}
}

func (e *StageExecutor) awaitApproval(ctx context.Context, req *model.DeploymentRequest, env model.Environment) (string, string) {
	if _, err := e.gate.Request(ctx, req, env, e.approvalTimeout); err != nil {
		return "", fmt.Sprintf("approval request failed: %v", err)
	}
	resolved, err := e.gate.Wait(ctx, req.ExecutionID)
	if err != nil {
		return "", fmt.Sprintf("approval wait aborted: %v", err)
	}

	metrics.ApprovalDecisions.WithLabelValues(resolved.Status).Inc()

	switch resolved.Status {
	case model.ApprovalApproved:
		return resolved.Status, ""
	case model.ApprovalRejected:
		reason := ""
		if resolved.ResponseReason != nil {
			reason = ": " + *resolved.ResponseReason
		}
		return resolved.Status, fmt.Sprintf("approval rejected%s", reason)
	case model.ApprovalExpired:
		return resolved.Status, fmt.Sprintf("approval expired at %s", resolved.TimeoutAt.Format(time.RFC3339))
	default:
		return resolved.Status, fmt.Sprintf("approval left gate in state %q", resolved.Status)
	}
}

// Rollback re-acquires the environment lock and re-runs the stage's strategy
// with the previous known-good version. Retried a bounded number of times;
// persistent failure escalates as RollbackFailureError.
func (e *StageExecutor) Rollback(ctx context.Context, req *model.DeploymentRequest, stage config.StageConfig, th config.Thresholds, toVersion, trigger string) (model.StageResult, error) {
	env := stage.Environment
	result := model.StageResult{
		StageName: env,
		Status:    model.StageRunning,
		Strategy:  stage.Strategy,
		StartedAt: time.Now(),
	}

	resource := lock.Key(req.Module.Name, env)

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := e.rollbackOnce(ctx, req, stage, th, resource, toVersion, result)
		if err == nil {
			metrics.RollbacksTotal.WithLabelValues(trigger, "success").Inc()
			e.recorder.Record(model.AuditEvent{
				ExecutionID: req.ExecutionID,
				Kind:        model.AuditRollback,
				Actor:       trigger,
				Environment: env,
				NewStatus:   model.StageRolledBack,
				Message:     res.Message,
			})
			return res, nil
		}
		lastErr = err
		e.logger.Warn().Err(err).
			Str("execution_id", req.ExecutionID).
			Str("environment", string(env)).
			Int("attempt", attempt).
			Msg("rollback attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	metrics.RollbacksTotal.WithLabelValues(trigger, "failure").Inc()
	result.Status = model.StageFailed
	result.Duration = time.Since(result.StartedAt)
	result.Message = fmt.Sprintf("rollback failed: %v", lastErr)
	return result, &RollbackFailureError{
		ExecutionID: req.ExecutionID,
		Environment: env,
		Attempts:    maxAttempts,
		Err:         lastErr,
	}
}

func (e *StageExecutor) rollbackOnce(ctx context.Context, req *model.DeploymentRequest, stage config.StageConfig, th config.Thresholds, resource, toVersion string, result model.StageResult) (model.StageResult, error) {
	handle, acquired, err := e.locker.Acquire(ctx, resource, e.lockTimeout)
	if err != nil {
		return result, err
	}
	if !acquired {
		return result, fmt.Errorf("lock %s busy", resource)
	}
	defer handle.Release()

	env := stage.Environment

	// First deployment to this environment: there is no version to restore,
	// cutting the attempted version's traffic is the whole rollback.
	if toVersion == "" {
		if err := e.deps.Shifter.Shift(ctx, env, req.Module.Name, req.Module.Version, 0); err != nil {
			return result, err
		}
		result.Status = model.StageRolledBack
		result.Duration = time.Since(result.StartedAt)
		result.Message = fmt.Sprintf("no previous version in %s, traffic to %s cut", env, req.Module)
		return result, nil
	}

	strat, err := strategy.New(stage.Strategy, e.deps)
	if err != nil {
		return result, err
	}

	// Inter-step waits are skipped during rollback; the window is already
	// degraded.
	restoreStage := stage
	restoreStage.WaitBetweenSteps = 0

	previous := req.Module
	previous.Version = toVersion

	outcome, err := strat.Execute(ctx, strategy.Rollout{
		ExecutionID: req.ExecutionID,
		Module:      previous,
		Environment: env,
		Stage:       restoreStage,
		Thresholds:  th,
	})
	if err != nil {
		return result, err
	}
	if !outcome.Success {
		return result, fmt.Errorf("restore of %s did not complete: %s", previous, outcome.Message)
	}

	if err := e.releases.SetCurrent(ctx, req.Module.Name, env, toVersion); err != nil {
		return result, err
	}

	result.Status = model.StageRolledBack
	result.Duration = time.Since(result.StartedAt)
	result.NodesDeployed = outcome.NodesDeployed
	result.Message = fmt.Sprintf("restored %s in %s", previous, env)
	return result, nil
}

// finish mutates the caller's result in place so the deferred stage-duration
// observation sees the terminal status, not "running".
func (e *StageExecutor) finish(req *model.DeploymentRequest, result *model.StageResult, status, message string) model.StageResult {
	old := result.Status
	result.Status = status
	result.Message = message
	result.Duration = time.Since(result.StartedAt)

	e.recorder.Record(model.AuditEvent{
		ExecutionID: req.ExecutionID,
		Kind:        model.AuditStageTransition,
		Environment: result.StageName,
		OldStatus:   old,
		NewStatus:   status,
		Message:     message,
	})

	e.logger.Info().
		Str("execution_id", req.ExecutionID).
		Str("environment", string(result.StageName)).
		Str("strategy", result.Strategy).
		Str("status", status).
		Dur("duration", result.Duration).
		Msg("stage finished")

	return *result
}
