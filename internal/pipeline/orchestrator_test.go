package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/deployctl/internal/approval"
	"github.com/edvin/deployctl/internal/cluster"
	"github.com/edvin/deployctl/internal/config"
	"github.com/edvin/deployctl/internal/lock"
	"github.com/edvin/deployctl/internal/metrics"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/release"
	"github.com/edvin/deployctl/internal/strategy"
)

type harness struct {
	orch     *Orchestrator
	executor *StageExecutor
	locker   *lock.MemoryLock
	gate     *approval.Gate
	releases *release.MemoryStore
	probe    *cluster.MemoryProbe
	fleet    *strategy.MemoryFleet
	shifter  *strategy.MemoryShifter
	events   *captureRecorder
}

// captureRecorder keeps audit events in memory for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (r *captureRecorder) Record(event model.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *captureRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newHarness(t *testing.T, p config.Pipeline) *harness {
	t.Helper()

	probe := cluster.NewMemoryProbe()
	for _, env := range model.DefaultEnvironmentChain {
		probe.SetHealth(env, model.ClusterHealthSnapshot{TotalNodes: 3, HealthyNodes: 3})
		probe.SetMetrics(env, model.ClusterMetrics{AvgErrorRate: 0.2, AvgLatencyMS: 90})
	}

	h := newHarnessWithProbe(t, p, probe)
	h.probe = probe
	return h
}

func newHarnessWithProbe(t *testing.T, p config.Pipeline, probe cluster.Probe) *harness {
	t.Helper()

	cfg := config.Config{
		LockTimeout:     200 * time.Millisecond,
		ApprovalTimeout: 2 * time.Second,
		MonitorInterval: 10 * time.Millisecond,
		MonitorWindow:   time.Minute,
	}

	locker := lock.NewMemoryLock()
	events := &captureRecorder{}
	gate := approval.NewGate(approval.NewMemoryStore(), events, zerolog.Nop())
	releases := release.NewMemoryStore()
	fleet := strategy.NewMemoryFleet()
	shifter := strategy.NewMemoryShifter()

	for _, env := range model.DefaultEnvironmentChain {
		fleet.SetNodes(env, []string{"n1", "n2", "n3"})
	}

	executor := NewStageExecutor(locker, gate, releases, probe, fleet, shifter, events, cfg, zerolog.Nop())
	orch := NewOrchestrator(p, executor, NewExecutionStore(), releases, events, 4, zerolog.Nop())

	return &harness{
		orch:     orch,
		executor: executor,
		locker:   locker,
		gate:     gate,
		releases: releases,
		fleet:    fleet,
		shifter:  shifter,
		events:   events,
	}
}

// scriptedMetrics hands out a fixed sequence of metric samples, repeating the
// last one, so breach timing does not depend on goroutine scheduling.
type scriptedMetrics struct {
	mu      sync.Mutex
	health  model.ClusterHealthSnapshot
	samples []model.ClusterMetrics
}

func (p *scriptedMetrics) Health(_ context.Context, _ model.Environment) (model.ClusterHealthSnapshot, error) {
	return p.health, nil
}

func (p *scriptedMetrics) Metrics(_ context.Context, _ model.Environment) (model.ClusterMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.samples[0]
	if len(p.samples) > 1 {
		p.samples = p.samples[1:]
	}
	return m, nil
}

func devQAPipeline() config.Pipeline {
	return config.Pipeline{
		Stages: []config.StageConfig{
			{Environment: model.EnvDevelopment, Strategy: model.StrategyDirect},
			{Environment: model.EnvQA, Strategy: model.StrategyRolling},
		},
		Thresholds:            config.Thresholds{MaxErrorRate: 5.0, MaxLatencyMS: 750, MinHealthyRatio: 0.9},
		AutoRollbackOnFailure: true,
	}
}

func stagingCanaryPipeline() config.Pipeline {
	return config.Pipeline{
		Stages: []config.StageConfig{
			{Environment: model.EnvStaging, Strategy: model.StrategyCanary, InitialPercent: 10, IncrementPercent: 30},
		},
		Thresholds:            config.Thresholds{MaxErrorRate: 5.0, MinHealthyRatio: 0.9},
		AutoRollbackOnFailure: true,
	}
}

func newRequest(module, version string, envs ...model.Environment) *model.DeploymentRequest {
	return &model.DeploymentRequest{
		Module:         model.ModuleDescriptor{Name: module, Version: version},
		Environments:   envs,
		RequesterEmail: "dev@example.com",
	}
}

func waitTerminal(t *testing.T, orch *Orchestrator, executionID string) *model.PipelineExecution {
	t.Helper()
	var exec *model.PipelineExecution
	require.Eventually(t, func() bool {
		e, err := orch.Get(executionID)
		if err != nil {
			return false
		}
		exec = e
		return e.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return exec
}

func TestPipelineSucceedsAcrossChain(t *testing.T) {
	h := newHarness(t, devQAPipeline())

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment, model.EnvQA))
	require.NoError(t, err)
	assert.NotEmpty(t, exec.ExecutionID)

	final := waitTerminal(t, h.orch, exec.ExecutionID)
	assert.Equal(t, model.PipelineSucceeded, final.Status)
	assert.True(t, final.Success)
	require.Len(t, final.Stages, 2)
	assert.Equal(t, model.EnvDevelopment, final.Stages[0].StageName)
	assert.Equal(t, model.EnvQA, final.Stages[1].StageName)
	for _, s := range final.Stages {
		assert.Equal(t, model.StageSucceeded, s.Status)
		assert.Equal(t, 3, s.NodesDeployed)
	}

	rec, err := h.releases.Get(context.Background(), "search-api", model.EnvQA)
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", rec.CurrentVersion)
}

func TestPipelineRejectsInvalidModule(t *testing.T) {
	h := newHarness(t, devQAPipeline())
	_, err := h.orch.Submit(newRequest("Bad Name", "1.0.0", model.EnvDevelopment))
	assert.Error(t, err)
}

func TestPipelineRejectsEnvironmentOutsidePipeline(t *testing.T) {
	h := newHarness(t, devQAPipeline())
	_, err := h.orch.Submit(newRequest("search-api", "1.0.0", model.EnvProduction))
	assert.Error(t, err)
}

func TestLockContentionFailsStage(t *testing.T) {
	h := newHarness(t, devQAPipeline())

	handle, acquired, err := h.locker.Acquire(context.Background(), lock.Key("search-api", model.EnvDevelopment), time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	defer handle.Release()

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment, model.EnvQA))
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, exec.ExecutionID)
	assert.Equal(t, model.PipelineFailed, final.Status)
	require.Len(t, final.Stages, 1)
	assert.Equal(t, model.StageFailed, final.Stages[0].Status)
	assert.Contains(t, final.Stages[0].Message, "another deployment holds")

	// Later stages never started: no traffic moved anywhere.
	assert.Empty(t, h.shifter.Events())
}

func TestSameModuleDisjointEnvironmentsRunConcurrently(t *testing.T) {
	p := config.Pipeline{
		Stages: []config.StageConfig{
			{Environment: model.EnvDevelopment, Strategy: model.StrategyDirect},
			{Environment: model.EnvQA, Strategy: model.StrategyDirect},
		},
		Thresholds: config.Thresholds{MaxErrorRate: 5.0},
	}
	h := newHarness(t, p)

	a, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment))
	require.NoError(t, err)
	b, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvQA))
	require.NoError(t, err)

	assert.Equal(t, model.PipelineSucceeded, waitTerminal(t, h.orch, a.ExecutionID).Status)
	assert.Equal(t, model.PipelineSucceeded, waitTerminal(t, h.orch, b.ExecutionID).Status)
}

func TestApprovalRejectionHaltsBeforeRollout(t *testing.T) {
	p := devQAPipeline()
	p.Stages[0].RequireApproval = true
	h := newHarness(t, p)

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment))
	require.NoError(t, err)

	// Wait for the gate to open, then reject.
	require.Eventually(t, func() bool {
		pending, err := h.gate.Pending(context.Background())
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.gate.Decide(context.Background(), exec.ExecutionID, "ops@example.com", false, "not during release freeze")
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, exec.ExecutionID)
	assert.Equal(t, model.PipelineFailed, final.Status)
	require.Len(t, final.Stages, 1)
	assert.Equal(t, model.StageFailed, final.Stages[0].Status)
	assert.Contains(t, final.Stages[0].Message, "rejected")
	assert.Contains(t, final.Stages[0].Message, "release freeze")

	// Rollout never started.
	assert.Empty(t, h.shifter.Events())
	assert.Empty(t, h.fleet.DeployedVersion(model.EnvDevelopment, "n1"))
}

func TestApprovalApprovedProceeds(t *testing.T) {
	p := devQAPipeline()
	p.Stages[0].RequireApproval = true
	h := newHarness(t, p)

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pending, err := h.gate.Pending(context.Background())
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.gate.Decide(context.Background(), exec.ExecutionID, "ops@example.com", true, "lgtm")
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, exec.ExecutionID)
	assert.Equal(t, model.PipelineSucceeded, final.Status)
}

func TestCanaryBreachRollsBackToPreviousVersion(t *testing.T) {
	// Healthy at the first canary step, breaching at the second; every later
	// sample is healthy again so the rollback's own canary walk completes.
	probe := &scriptedMetrics{
		health: model.ClusterHealthSnapshot{TotalNodes: 3, HealthyNodes: 3},
		samples: []model.ClusterMetrics{
			{AvgErrorRate: 0.2},
			{AvgErrorRate: 9.7},
			{AvgErrorRate: 0.2},
		},
	}
	h := newHarnessWithProbe(t, stagingCanaryPipeline(), probe)
	ctx := context.Background()

	// 1.3.0 is the known-good version already serving staging.
	require.NoError(t, h.releases.SetCurrent(ctx, "search-api", model.EnvStaging, "1.3.0"))

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvStaging))
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, exec.ExecutionID)

	assert.Equal(t, model.PipelineRolledBack, final.Status)
	assert.False(t, final.Success)
	require.Len(t, final.Stages, 2)
	assert.Equal(t, model.StageFailed, final.Stages[0].Status)
	assert.Contains(t, final.Stages[0].Message, "error_rate")
	assert.Equal(t, model.StageRolledBack, final.Stages[1].Status)

	// The failed version's traffic was cut, the restored one carries it all.
	assert.Equal(t, 0, h.shifter.CurrentPercent(model.EnvStaging, "search-api", "1.4.0"))
	assert.Equal(t, 100, h.shifter.CurrentPercent(model.EnvStaging, "search-api", "1.3.0"))

	rec, err := h.releases.Get(ctx, "search-api", model.EnvStaging)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", rec.CurrentVersion)

	assert.Contains(t, h.events.kinds(), model.AuditRollback)
}

func TestRollingPartialSuccessIsReportedNotRolledBack(t *testing.T) {
	h := newHarness(t, devQAPipeline())
	h.fleet.SetNodeUnhealthy(model.EnvQA, "n2", true)

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment, model.EnvQA))
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, exec.ExecutionID)
	assert.Equal(t, model.PipelineFailed, final.Status)
	require.Len(t, final.Stages, 2)
	assert.Equal(t, model.StageSucceeded, final.Stages[0].Status)
	assert.Equal(t, model.StagePartiallySucceeded, final.Stages[1].Status)
	assert.Equal(t, 1, final.Stages[1].NodesDeployed)

	// The replaced node keeps the new version; the rest were never touched.
	assert.Equal(t, "1.4.0", h.fleet.DeployedVersion(model.EnvQA, "n1"))
	assert.Empty(t, h.fleet.DeployedVersion(model.EnvQA, "n3"))
}

func TestCancellationRollsBackHalfShiftedStage(t *testing.T) {
	p := stagingCanaryPipeline()
	p.Stages[0].WaitBetweenSteps = 10 * time.Second
	h := newHarness(t, p)
	ctx := context.Background()

	require.NoError(t, h.releases.SetCurrent(ctx, "search-api", model.EnvStaging, "1.3.0"))

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvStaging))
	require.NoError(t, err)

	// Let the first shift land, then cancel mid-wait.
	require.Eventually(t, func() bool {
		return h.shifter.CurrentPercent(model.EnvStaging, "search-api", "1.4.0") >= 10
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.orch.Cancel(exec.ExecutionID))

	final := waitTerminal(t, h.orch, exec.ExecutionID)
	assert.Equal(t, model.PipelineRolledBack, final.Status)

	rec, err := h.releases.Get(ctx, "search-api", model.EnvStaging)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", rec.CurrentVersion)
}

func TestCancelUnknownAndTerminal(t *testing.T) {
	h := newHarness(t, devQAPipeline())

	assert.ErrorIs(t, h.orch.Cancel("nope"), ErrExecutionNotFound)

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment))
	require.NoError(t, err)
	waitTerminal(t, h.orch, exec.ExecutionID)
	assert.ErrorIs(t, h.orch.Cancel(exec.ExecutionID), ErrExecutionTerminal)
}

func TestManualRollbackRestoresPreviousVersion(t *testing.T) {
	h := newHarness(t, devQAPipeline())
	ctx := context.Background()

	require.NoError(t, h.releases.SetCurrent(ctx, "search-api", model.EnvQA, "1.3.0"))

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment, model.EnvQA))
	require.NoError(t, err)
	require.Equal(t, model.PipelineSucceeded, waitTerminal(t, h.orch, exec.ExecutionID).Status)

	require.NoError(t, h.orch.Rollback(exec.ExecutionID, "manual"))

	require.Eventually(t, func() bool {
		e, err := h.orch.Get(exec.ExecutionID)
		return err == nil && e.Status == model.PipelineRolledBack
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := h.releases.Get(ctx, "search-api", model.EnvQA)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", rec.CurrentVersion)
}

func TestManualRollbackRequiresTerminalExecution(t *testing.T) {
	p := stagingCanaryPipeline()
	p.Stages[0].WaitBetweenSteps = 10 * time.Second
	h := newHarness(t, p)

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvStaging))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, _ := h.orch.Get(exec.ExecutionID)
		return e != nil && e.Status == model.PipelineRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.orch.Rollback(exec.ExecutionID, "manual"), ErrExecutionRunning)
	require.NoError(t, h.orch.Cancel(exec.ExecutionID))
	waitTerminal(t, h.orch, exec.ExecutionID)
}

func TestGetUnknownExecution(t *testing.T) {
	h := newHarness(t, devQAPipeline())
	_, err := h.orch.Get("missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestMonitorRollsBackDelayedDegradation(t *testing.T) {
	h := newHarness(t, devQAPipeline())
	ctx := context.Background()

	require.NoError(t, h.releases.SetCurrent(ctx, "search-api", model.EnvQA, "1.3.0"))

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment, model.EnvQA))
	require.NoError(t, err)
	require.Equal(t, model.PipelineSucceeded, waitTerminal(t, h.orch, exec.ExecutionID).Status)

	// Symptoms show up after the stage reported success.
	h.probe.SetMetrics(model.EnvQA, model.ClusterMetrics{AvgErrorRate: 22.0})

	cfg := config.Config{MonitorInterval: 10 * time.Millisecond, MonitorWindow: time.Minute}
	mon := NewMonitor(h.orch, h.probe, devQAPipeline(), cfg, zerolog.Nop())
	mon.sweep(ctx)

	require.Eventually(t, func() bool {
		e, err := h.orch.Get(exec.ExecutionID)
		return err == nil && e.Status == model.PipelineRolledBack
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := h.releases.Get(ctx, "search-api", model.EnvQA)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", rec.CurrentVersion)
}

func TestStageDurationRecordsTerminalStatus(t *testing.T) {
	h := newHarness(t, devQAPipeline())

	succeededCount := func() uint64 {
		obs, err := metrics.StageDuration.GetMetricWithLabelValues(
			string(model.EnvDevelopment), model.StrategyDirect, model.StageSucceeded)
		require.NoError(t, err)
		var m dto.Metric
		require.NoError(t, obs.(prometheus.Metric).Write(&m))
		return m.GetHistogram().GetSampleCount()
	}
	before := succeededCount()

	req := newRequest("search-api", "1.4.0", model.EnvDevelopment)
	req.ExecutionID = "exec-stage-metrics"
	stage := config.StageConfig{Environment: model.EnvDevelopment, Strategy: model.StrategyDirect}

	result, _ := h.executor.Run(context.Background(), req, stage, config.Thresholds{})
	require.Equal(t, model.StageSucceeded, result.Status)

	// The deferred observation must carry the terminal status, not "running".
	assert.Equal(t, before+1, succeededCount())
}

func TestDuplicateRollbackRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t, devQAPipeline())
	ctx := context.Background()

	require.NoError(t, h.releases.SetCurrent(ctx, "search-api", model.EnvQA, "1.3.0"))

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment, model.EnvQA))
	require.NoError(t, err)
	require.Equal(t, model.PipelineSucceeded, waitTerminal(t, h.orch, exec.ExecutionID).Status)

	// Hold the QA lock so the first rollback stays in flight.
	handle, acquired, err := h.locker.Acquire(ctx, lock.Key("search-api", model.EnvQA), time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, h.orch.Rollback(exec.ExecutionID, "manual"))
	assert.ErrorIs(t, h.orch.Rollback(exec.ExecutionID, "monitor"), ErrExecutionRunning)

	handle.Release()
	require.Eventually(t, func() bool {
		e, err := h.orch.Get(exec.ExecutionID)
		return err == nil && e.Status == model.PipelineRolledBack
	}, 5*time.Second, 10*time.Millisecond)

	final, err := h.orch.Get(exec.ExecutionID)
	require.NoError(t, err)
	rolledBack := 0
	for _, s := range final.Stages {
		if s.Status == model.StageRolledBack {
			rolledBack++
		}
	}
	assert.Equal(t, 1, rolledBack)

	rec, err := h.releases.Get(ctx, "search-api", model.EnvQA)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", rec.CurrentVersion)
}

func TestMonitorIgnoresHealthyEnvironments(t *testing.T) {
	h := newHarness(t, devQAPipeline())
	ctx := context.Background()

	exec, err := h.orch.Submit(newRequest("search-api", "1.4.0", model.EnvDevelopment, model.EnvQA))
	require.NoError(t, err)
	require.Equal(t, model.PipelineSucceeded, waitTerminal(t, h.orch, exec.ExecutionID).Status)

	cfg := config.Config{MonitorInterval: 10 * time.Millisecond, MonitorWindow: time.Minute}
	mon := NewMonitor(h.orch, h.probe, devQAPipeline(), cfg, zerolog.Nop())
	mon.sweep(ctx)

	time.Sleep(50 * time.Millisecond)
	e, err := h.orch.Get(exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineSucceeded, e.Status)
}
