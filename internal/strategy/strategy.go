// Package strategy implements the rollout variants that move traffic onto a
// new module version: direct, canary, progressive, rolling and blue-green.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/deployctl/internal/cluster"
	"github.com/edvin/deployctl/internal/config"
	"github.com/edvin/deployctl/internal/model"
)

// Rollout describes one stage's worth of work for a strategy.
type Rollout struct {
	ExecutionID string
	Module      model.ModuleDescriptor
	Environment model.Environment
	Stage       config.StageConfig
	Thresholds  config.Thresholds
}

// Step records one traffic shift and the health sample taken after it.
type Step struct {
	Percent      int       `json:"percent"`
	ErrorRate    float64   `json:"error_rate"`
	LatencyMS    float64   `json:"latency_ms"`
	HealthyRatio float64   `json:"healthy_ratio"`
	ShiftedAt    time.Time `json:"shifted_at"`
}

// Outcome is the result of executing a strategy. A health breach is reported
// through Success=false with a Message, not through the error return; errors
// are reserved for infrastructure failures and cancellation.
type Outcome struct {
	Success        bool   `json:"success"`
	Partial        bool   `json:"partial"`
	TrafficShifted bool   `json:"-"`
	NodesDeployed  int    `json:"nodes_deployed"`
	NodesFailed    int    `json:"nodes_failed"`
	Steps          []Step `json:"steps,omitempty"`
	Message        string `json:"message"`
}

// Strategy drives a rollout in one environment.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, r Rollout) (*Outcome, error)
}

// Deps are the collaborators every strategy works against.
type Deps struct {
	Fleet   Fleet
	Shifter TrafficShifter
	Probe   cluster.Probe
	Logger  zerolog.Logger
}

// New returns the strategy implementation for kind.
func New(kind string, deps Deps) (Strategy, error) {
	switch kind {
	case model.StrategyDirect:
		return &Direct{deps: deps}, nil
	case model.StrategyCanary:
		return &Canary{deps: deps}, nil
	case model.StrategyProgressive:
		return &Progressive{deps: deps}, nil
	case model.StrategyRolling:
		return &Rolling{deps: deps}, nil
	case model.StrategyBlueGreen:
		return &BlueGreen{deps: deps}, nil
	default:
		return nil, fmt.Errorf("unknown rollout strategy %q", kind)
	}
}
