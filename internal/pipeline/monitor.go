package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/deployctl/internal/cluster"
	"github.com/edvin/deployctl/internal/config"
	"github.com/edvin/deployctl/internal/model"
)

// Monitor watches environments that received a deployment recently. A breach
// that shows up after a stage reported success still triggers a rollback,
// through the same lock discipline as a manual one.
type Monitor struct {
	orch     *Orchestrator
	probe    cluster.Probe
	pipeline config.Pipeline
	interval time.Duration
	window   time.Duration
	logger   zerolog.Logger
}

func NewMonitor(orch *Orchestrator, probe cluster.Probe, p config.Pipeline, cfg config.Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		orch:     orch,
		probe:    probe,
		pipeline: p,
		interval: cfg.MonitorInterval,
		window:   cfg.MonitorWindow,
		logger:   logger,
	}
}

// Run ticks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.interval).
		Dur("window", m.window).
		Msg("health monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep checks every execution that succeeded within the watch window and
// rolls back the ones whose environment has since degraded.
func (m *Monitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.window)

	for _, exec := range m.orch.List() {
		if exec.Status != model.PipelineSucceeded || exec.CompletedAt == nil || exec.CompletedAt.Before(cutoff) {
			continue
		}

		env, ok := lastSucceededEnvironment(exec)
		if !ok {
			continue
		}

		breach := m.degraded(ctx, env)
		if breach == "" {
			continue
		}

		m.logger.Warn().
			Str("execution_id", exec.ExecutionID).
			Str("environment", string(env)).
			Str("breach", breach).
			Msg("delayed degradation detected, triggering rollback")

		// A rollback already in flight for this execution is not a failure.
		if err := m.orch.Rollback(exec.ExecutionID, "monitor"); err != nil && !errors.Is(err, ErrExecutionRunning) {
			m.logger.Error().Err(err).
				Str("execution_id", exec.ExecutionID).
				Msg("monitor rollback trigger failed")
		}
	}
}

// degraded samples an environment against the pipeline thresholds and names
// the first breached metric, or returns "".
func (m *Monitor) degraded(ctx context.Context, env model.Environment) string {
	th := m.pipeline.Thresholds

	metrics, err := m.probe.Metrics(ctx, env)
	if err != nil {
		return ""
	}
	health, err := m.probe.Health(ctx, env)
	if err != nil {
		return ""
	}

	switch {
	case th.MaxErrorRate > 0 && metrics.AvgErrorRate > th.MaxErrorRate:
		return "error_rate"
	case th.MaxLatencyMS > 0 && metrics.AvgLatencyMS > th.MaxLatencyMS:
		return "latency_ms"
	case th.MinHealthyRatio > 0 && health.HealthyRatio() < th.MinHealthyRatio:
		return "healthy_ratio"
	}
	return ""
}

func lastSucceededEnvironment(exec model.PipelineExecution) (model.Environment, bool) {
	for i := len(exec.Stages) - 1; i >= 0; i-- {
		if exec.Stages[i].Status == model.StageSucceeded {
			return exec.Stages[i].StageName, true
		}
	}
	return "", false
}
