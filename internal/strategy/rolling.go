package strategy

import (
	"context"
	"fmt"

	"github.com/edvin/deployctl/internal/model"
)

// Rolling replaces nodes one at a time, health-checking each before moving
// on. The first unhealthy node halts progression; nodes already replaced
// stay on the new version and the outcome reports partial success.
type Rolling struct {
	deps Deps
}

func (s *Rolling) Name() string { return model.StrategyRolling }

func (s *Rolling) Execute(ctx context.Context, r Rollout) (*Outcome, error) {
	nodes, err := s.deps.Fleet.Nodes(ctx, r.Environment)
	if err != nil {
		return nil, err
	}

	deployed := 0
	for i, node := range nodes {
		if err := ctx.Err(); err != nil {
			return &Outcome{
				Success:        false,
				Partial:        deployed > 0,
				TrafficShifted: deployed > 0,
				NodesDeployed:  deployed,
				NodesFailed:    len(nodes) - deployed,
				Message:        fmt.Sprintf("cancelled after %d of %d nodes", deployed, len(nodes)),
			}, err
		}

		if err := s.deps.Fleet.Deploy(ctx, r.Environment, node, r.Module); err != nil {
			return &Outcome{
				Success:        false,
				Partial:        deployed > 0,
				TrafficShifted: deployed > 0,
				NodesDeployed:  deployed,
				NodesFailed:    1,
				Message:        fmt.Sprintf("deploy to node %s failed: %v", node, err),
			}, nil
		}

		healthy, err := s.deps.Fleet.NodeHealthy(ctx, r.Environment, node)
		if err != nil {
			return &Outcome{
				Success:        false,
				Partial:        deployed > 0,
				TrafficShifted: deployed > 0,
				NodesDeployed:  deployed,
				NodesFailed:    1,
				Message:        fmt.Sprintf("health check on node %s failed: %v", node, err),
			}, err
		}
		if !healthy {
			s.deps.Logger.Warn().
				Str("execution_id", r.ExecutionID).
				Str("environment", string(r.Environment)).
				Str("node", node).
				Int("deployed", deployed).
				Msg("unhealthy node halts rolling deploy")
			return &Outcome{
				Success:        false,
				Partial:        deployed > 0,
				TrafficShifted: deployed > 0,
				NodesDeployed:  deployed,
				NodesFailed:    1,
				Message:        fmt.Sprintf("node %s unhealthy after update, %d of %d nodes updated", node, deployed, len(nodes)),
			}, nil
		}

		deployed++

		if i < len(nodes)-1 {
			if err := wait(ctx, r.Stage.WaitBetweenSteps); err != nil {
				return &Outcome{
					Success:        false,
					Partial:        true,
					TrafficShifted: true,
					NodesDeployed:  deployed,
					NodesFailed:    len(nodes) - deployed,
					Message:        fmt.Sprintf("cancelled after %d of %d nodes", deployed, len(nodes)),
				}, err
			}
		}
	}

	s.deps.Logger.Info().
		Str("execution_id", r.ExecutionID).
		Str("environment", string(r.Environment)).
		Str("module", r.Module.String()).
		Int("nodes", deployed).
		Msg("rolling deploy complete")

	return &Outcome{
		Success:        true,
		TrafficShifted: true,
		NodesDeployed:  deployed,
		Message:        fmt.Sprintf("%s rolled onto all %d nodes in %s", r.Module, deployed, r.Environment),
	}, nil
}
