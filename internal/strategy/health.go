package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/deployctl/internal/config"
	"github.com/edvin/deployctl/internal/model"
)

// Breach describes which threshold a health sample violated, with enough
// detail for the rollback coordinator and the audit trail.
type Breach struct {
	Metric    string
	Observed  float64
	Threshold float64
	Percent   int
}

func (b Breach) String() string {
	return fmt.Sprintf("%s %.2f breached threshold %.2f at %d%%", b.Metric, b.Observed, b.Threshold, b.Percent)
}

// sample reads the environment's current health and returns a Step at the
// given percent, plus a Breach when any threshold is violated.
func sample(ctx context.Context, deps Deps, env model.Environment, percent int, th config.Thresholds) (Step, *Breach, error) {
	metrics, err := deps.Probe.Metrics(ctx, env)
	if err != nil {
		return Step{}, nil, fmt.Errorf("sample metrics for %s: %w", env, err)
	}
	health, err := deps.Probe.Health(ctx, env)
	if err != nil {
		return Step{}, nil, fmt.Errorf("sample health for %s: %w", env, err)
	}

	step := Step{
		Percent:      percent,
		ErrorRate:    metrics.AvgErrorRate,
		LatencyMS:    metrics.AvgLatencyMS,
		HealthyRatio: health.HealthyRatio(),
		ShiftedAt:    time.Now(),
	}

	if th.MaxErrorRate > 0 && metrics.AvgErrorRate > th.MaxErrorRate {
		return step, &Breach{Metric: "error_rate", Observed: metrics.AvgErrorRate, Threshold: th.MaxErrorRate, Percent: percent}, nil
	}
	if th.MaxLatencyMS > 0 && metrics.AvgLatencyMS > th.MaxLatencyMS {
		return step, &Breach{Metric: "latency_ms", Observed: metrics.AvgLatencyMS, Threshold: th.MaxLatencyMS, Percent: percent}, nil
	}
	if th.MinHealthyRatio > 0 && step.HealthyRatio < th.MinHealthyRatio {
		return step, &Breach{Metric: "healthy_ratio", Observed: step.HealthyRatio, Threshold: th.MinHealthyRatio, Percent: percent}, nil
	}
	return step, nil, nil
}

// wait blocks for d, honoring cancellation.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
