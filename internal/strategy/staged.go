package strategy

import (
	"context"
	"fmt"
	"time"
)

// runStaged is the shared loop behind canary and progressive: stage the new
// version on the whole fleet, then walk the percentage schedule, waiting and
// sampling health after each shift. On a breach the new version's traffic is
// cut to zero immediately and the outcome reports the breach; the formal
// rollback of the release record is the caller's job.
func runStaged(ctx context.Context, deps Deps, r Rollout, percents []int) (*Outcome, error) {
	nodes, err := deps.Fleet.Nodes(ctx, r.Environment)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if err := deps.Fleet.Deploy(ctx, r.Environment, node, r.Module); err != nil {
			return &Outcome{
				Success:     false,
				NodesFailed: len(nodes),
				Message:     fmt.Sprintf("staging %s on node %s failed: %v", r.Module, node, err),
			}, nil
		}
	}

	var steps []Step
	for i, pct := range percents {
		if err := deps.Shifter.Shift(ctx, r.Environment, r.Module.Name, r.Module.Version, pct); err != nil {
			return &Outcome{
				Success:        false,
				TrafficShifted: i > 0,
				Steps:          steps,
				NodesFailed:    len(nodes),
				Message:        fmt.Sprintf("traffic shift to %d%% failed: %v", pct, err),
			}, err
		}

		deps.Logger.Info().
			Str("execution_id", r.ExecutionID).
			Str("environment", string(r.Environment)).
			Int("percent", pct).
			Msg("traffic shifted")

		if err := wait(ctx, r.Stage.WaitBetweenSteps); err != nil {
			return &Outcome{
				Success:        false,
				TrafficShifted: true,
				Steps:          steps,
				NodesFailed:    len(nodes),
				Message:        fmt.Sprintf("cancelled during wait at %d%%", pct),
			}, err
		}

		step, breach, err := sample(ctx, deps, r.Environment, pct, r.Thresholds)
		if err != nil {
			return &Outcome{
				Success:        false,
				TrafficShifted: true,
				Steps:          steps,
				NodesFailed:    len(nodes),
				Message:        err.Error(),
			}, err
		}
		steps = append(steps, step)

		if breach != nil {
			deps.Logger.Warn().
				Str("execution_id", r.ExecutionID).
				Str("environment", string(r.Environment)).
				Str("metric", breach.Metric).
				Float64("observed", breach.Observed).
				Float64("threshold", breach.Threshold).
				Int("percent", pct).
				Msg("health breach, cutting traffic to new version")

			revertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if rerr := deps.Shifter.Shift(revertCtx, r.Environment, r.Module.Name, r.Module.Version, 0); rerr != nil {
				deps.Logger.Error().Err(rerr).
					Str("execution_id", r.ExecutionID).
					Msg("emergency traffic cut failed")
			}

			return &Outcome{
				Success:        false,
				TrafficShifted: true,
				Steps:          steps,
				NodesFailed:    nodesAtPercent(len(nodes), pct),
				Message:        breach.String(),
			}, nil
		}
	}

	return &Outcome{
		Success:        true,
		TrafficShifted: true,
		NodesDeployed:  len(nodes),
		Steps:          steps,
		Message:        fmt.Sprintf("%s serving 100%% of %s traffic", r.Module, r.Environment),
	}, nil
}

// nodesAtPercent approximates how many nodes were serving the new version
// when a breach was observed, rounding up.
func nodesAtPercent(total, percent int) int {
	if total == 0 {
		return 0
	}
	n := (total*percent + 99) / 100
	if n > total {
		n = total
	}
	return n
}
