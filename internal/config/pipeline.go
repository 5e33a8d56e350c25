package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edvin/deployctl/internal/model"
)

// Thresholds are the health-breach limits applied between rollout steps.
type Thresholds struct {
	MaxErrorRate    float64 `yaml:"max_error_rate"`
	MaxLatencyMS    float64 `yaml:"max_latency_ms"`
	MinHealthyRatio float64 `yaml:"min_healthy_ratio"`
}

// StageConfig describes one environment stage of the pipeline.
type StageConfig struct {
	Environment     model.Environment `yaml:"environment"`
	Strategy        string            `yaml:"strategy"`
	RequireApproval bool              `yaml:"require_approval"`
	// Batches is the explicit percentage schedule for the progressive
	// strategy, e.g. [10, 30, 50, 100].
	Batches          []int         `yaml:"batches,omitempty"`
	InitialPercent   int           `yaml:"initial_percent,omitempty"`
	IncrementPercent int           `yaml:"increment_percent,omitempty"`
	WaitBetweenSteps time.Duration `yaml:"wait_between_steps,omitempty"`
	// RollbackOnPartial rolls already-updated elements back when a rolling
	// stage halts partway. Off by default; partial success is left for the
	// operator.
	RollbackOnPartial bool `yaml:"rollback_on_partial,omitempty"`
}

// Pipeline is the deployment pipeline definition. A pipeline execution runs
// to completion with the snapshot it started with.
type Pipeline struct {
	Stages                []StageConfig `yaml:"stages"`
	Thresholds            Thresholds    `yaml:"thresholds"`
	AutoRollbackOnFailure bool          `yaml:"auto_rollback_on_failure"`
}

// DefaultPipeline is the chain used when no pipeline file is configured.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Stages: []StageConfig{
			{Environment: model.EnvDevelopment, Strategy: model.StrategyDirect},
			{Environment: model.EnvQA, Strategy: model.StrategyRolling},
			{Environment: model.EnvStaging, Strategy: model.StrategyCanary, RequireApproval: true,
				InitialPercent: 10, IncrementPercent: 20, WaitBetweenSteps: 5 * time.Minute},
			{Environment: model.EnvProduction, Strategy: model.StrategyBlueGreen, RequireApproval: true},
		},
		Thresholds: Thresholds{
			MaxErrorRate:    5.0,
			MaxLatencyMS:    750,
			MinHealthyRatio: 0.9,
		},
		AutoRollbackOnFailure: true,
	}
}

// LoadPipeline reads a pipeline definition from a YAML file, or returns the
// default pipeline when path is empty.
func LoadPipeline(path string) (Pipeline, error) {
	if path == "" {
		return DefaultPipeline(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline file: %w", err)
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Pipeline{}, fmt.Errorf("parse pipeline file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// Validate checks stage ordering and strategy names.
func (p Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}
	seen := make(map[model.Environment]bool, len(p.Stages))
	for _, stage := range p.Stages {
		if _, err := model.ParseEnvironment(string(stage.Environment)); err != nil {
			return fmt.Errorf("stage %q: %w", stage.Environment, err)
		}
		if seen[stage.Environment] {
			return fmt.Errorf("duplicate stage %q", stage.Environment)
		}
		seen[stage.Environment] = true

		switch stage.Strategy {
		case model.StrategyDirect, model.StrategyCanary, model.StrategyRolling, model.StrategyBlueGreen:
		case model.StrategyProgressive:
			if len(stage.Batches) == 0 {
				return fmt.Errorf("stage %q: progressive strategy requires batches", stage.Environment)
			}
			prev := 0
			for _, b := range stage.Batches {
				if b <= prev || b > 100 {
					return fmt.Errorf("stage %q: batches must be increasing percentages ending at most 100", stage.Environment)
				}
				prev = b
			}
			if prev != 100 {
				return fmt.Errorf("stage %q: last batch must be 100", stage.Environment)
			}
		default:
			return fmt.Errorf("stage %q: unknown strategy %q", stage.Environment, stage.Strategy)
		}
	}
	return nil
}

// Stage returns the configuration for one environment.
func (p Pipeline) Stage(env model.Environment) (StageConfig, bool) {
	for _, s := range p.Stages {
		if s.Environment == env {
			return s, true
		}
	}
	return StageConfig{}, false
}

// ChainFor returns the stage configs for the requested target chain, in the
// pipeline's configured order.
func (p Pipeline) ChainFor(envs []model.Environment) ([]StageConfig, error) {
	want := make(map[model.Environment]bool, len(envs))
	for _, env := range envs {
		want[env] = true
	}
	var chain []StageConfig
	for _, s := range p.Stages {
		if want[s.Environment] {
			chain = append(chain, s)
			delete(want, s.Environment)
		}
	}
	for env := range want {
		return nil, fmt.Errorf("environment %q is not part of the pipeline", env)
	}
	return chain, nil
}
