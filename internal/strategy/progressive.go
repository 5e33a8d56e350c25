package strategy

import (
	"context"
	"fmt"

	"github.com/edvin/deployctl/internal/model"
)

// Progressive is the canary mechanics with an explicit percentage schedule
// from the stage configuration instead of a fixed increment.
type Progressive struct {
	deps Deps
}

func (s *Progressive) Name() string { return model.StrategyProgressive }

func (s *Progressive) Execute(ctx context.Context, r Rollout) (*Outcome, error) {
	if len(r.Stage.Batches) == 0 {
		return nil, fmt.Errorf("progressive strategy requires a batch schedule for %s", r.Environment)
	}
	return runStaged(ctx, s.deps, r, r.Stage.Batches)
}
