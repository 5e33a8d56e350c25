package strategy

import (
	"context"

	"github.com/edvin/deployctl/internal/model"
)

const (
	defaultInitialPercent   = 10
	defaultIncrementPercent = 20
)

// Canary shifts a small slice of traffic to the new version first and expands
// by a fixed increment on each healthy sample until 100%.
type Canary struct {
	deps Deps
}

func (s *Canary) Name() string { return model.StrategyCanary }

func (s *Canary) Execute(ctx context.Context, r Rollout) (*Outcome, error) {
	initial := r.Stage.InitialPercent
	if initial <= 0 {
		initial = defaultInitialPercent
	}
	increment := r.Stage.IncrementPercent
	if increment <= 0 {
		increment = defaultIncrementPercent
	}

	var percents []int
	for pct := initial; pct < 100; pct += increment {
		percents = append(percents, pct)
	}
	percents = append(percents, 100)

	return runStaged(ctx, s.deps, r, percents)
}
