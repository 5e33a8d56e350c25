package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/deployctl/internal/model"
)

// Direct deploys to every node and shifts all traffic in one step, with no
// intermediate health checks. Suited to low-risk environments.
type Direct struct {
	deps Deps
}

func (s *Direct) Name() string { return model.StrategyDirect }

func (s *Direct) Execute(ctx context.Context, r Rollout) (*Outcome, error) {
	nodes, err := s.deps.Fleet.Nodes(ctx, r.Environment)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if err := s.deps.Fleet.Deploy(ctx, r.Environment, node, r.Module); err != nil {
			return &Outcome{
				Success:     false,
				NodesFailed: len(nodes),
				Message:     fmt.Sprintf("deploy to node %s failed: %v", node, err),
			}, nil
		}
	}

	if err := s.deps.Shifter.Shift(ctx, r.Environment, r.Module.Name, r.Module.Version, 100); err != nil {
		return &Outcome{
			Success:     false,
			NodesFailed: len(nodes),
			Message:     fmt.Sprintf("traffic shift failed: %v", err),
		}, err
	}

	s.deps.Logger.Info().
		Str("execution_id", r.ExecutionID).
		Str("environment", string(r.Environment)).
		Str("module", r.Module.String()).
		Int("nodes", len(nodes)).
		Msg("direct deploy complete")

	return &Outcome{
		Success:        true,
		TrafficShifted: true,
		NodesDeployed:  len(nodes),
		Steps:          []Step{{Percent: 100, ShiftedAt: time.Now()}},
		Message:        fmt.Sprintf("%s deployed to all %d nodes in %s", r.Module, len(nodes), r.Environment),
	}, nil
}
