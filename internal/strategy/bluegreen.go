package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/deployctl/internal/model"
)

// BlueGreen stages the new version on the whole fleet without routing any
// traffic to it, health-checks the staged target, then performs a single
// atomic 100% switch. A failure before the switch leaves the running version
// untouched; no live traffic was ever at risk.
type BlueGreen struct {
	deps Deps
}

func (s *BlueGreen) Name() string { return model.StrategyBlueGreen }

func (s *BlueGreen) Execute(ctx context.Context, r Rollout) (*Outcome, error) {
	nodes, err := s.deps.Fleet.Nodes(ctx, r.Environment)
	if err != nil {
		return nil, err
	}

	for _, node := range nodes {
		if err := s.deps.Fleet.Deploy(ctx, r.Environment, node, r.Module); err != nil {
			return &Outcome{
				Success:     false,
				NodesFailed: len(nodes),
				Message:     fmt.Sprintf("green target staging failed on node %s: %v", node, err),
			}, nil
		}
	}

	// Verify the staged target before any traffic moves.
	for _, node := range nodes {
		healthy, err := s.deps.Fleet.NodeHealthy(ctx, r.Environment, node)
		if err != nil {
			return &Outcome{
				Success:     false,
				NodesFailed: len(nodes),
				Message:     fmt.Sprintf("green health check on node %s failed: %v", node, err),
			}, err
		}
		if !healthy {
			s.deps.Logger.Warn().
				Str("execution_id", r.ExecutionID).
				Str("environment", string(r.Environment)).
				Str("node", node).
				Msg("green target unhealthy, discarding without switching")
			return &Outcome{
				Success:     false,
				NodesFailed: len(nodes),
				Message:     fmt.Sprintf("green target unhealthy on node %s, traffic never switched", node),
			}, nil
		}
	}

	if err := wait(ctx, r.Stage.WaitBetweenSteps); err != nil {
		return &Outcome{
			Success:     false,
			NodesFailed: len(nodes),
			Message:     "cancelled before traffic switch, running version untouched",
		}, err
	}

	if err := s.deps.Shifter.Shift(ctx, r.Environment, r.Module.Name, r.Module.Version, 100); err != nil {
		return &Outcome{
			Success:     false,
			NodesFailed: len(nodes),
			Message:     fmt.Sprintf("atomic traffic switch failed: %v", err),
		}, err
	}

	s.deps.Logger.Info().
		Str("execution_id", r.ExecutionID).
		Str("environment", string(r.Environment)).
		Str("module", r.Module.String()).
		Int("nodes", len(nodes)).
		Msg("blue-green switch complete")

	return &Outcome{
		Success:        true,
		TrafficShifted: true,
		NodesDeployed:  len(nodes),
		Steps:          []Step{{Percent: 100, ShiftedAt: time.Now()}},
		Message:        fmt.Sprintf("%s switched to 100%% of %s traffic", r.Module, r.Environment),
	}, nil
}
