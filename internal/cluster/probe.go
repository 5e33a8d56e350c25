// Package cluster exposes read-only health and metric snapshots per
// environment. Collection is out of scope; an external collector writes,
// the orchestrator samples.
package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/edvin/deployctl/internal/model"
)

// Probe is the read interface the rollout strategies and the health monitor
// consume between steps.
type Probe interface {
	Health(ctx context.Context, env model.Environment) (model.ClusterHealthSnapshot, error)
	Metrics(ctx context.Context, env model.Environment) (model.ClusterMetrics, error)
}

// MemoryProbe holds the latest snapshot per environment behind a RWMutex;
// reads are concurrent, writes come from a single collector.
type MemoryProbe struct {
	mu      sync.RWMutex
	health  map[model.Environment]model.ClusterHealthSnapshot
	metrics map[model.Environment]model.ClusterMetrics
}

func NewMemoryProbe() *MemoryProbe {
	return &MemoryProbe{
		health:  make(map[model.Environment]model.ClusterHealthSnapshot),
		metrics: make(map[model.Environment]model.ClusterMetrics),
	}
}

// SetHealth records the latest node counts for an environment.
func (p *MemoryProbe) SetHealth(env model.Environment, snap model.ClusterHealthSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health[env] = snap
}

// SetMetrics records the latest aggregate metrics for an environment.
func (p *MemoryProbe) SetMetrics(env model.Environment, m model.ClusterMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics[env] = m
}

func (p *MemoryProbe) Health(_ context.Context, env model.Environment) (model.ClusterHealthSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.health[env]
	if !ok {
		return model.ClusterHealthSnapshot{}, fmt.Errorf("no health snapshot for environment %q", env)
	}
	return snap, nil
}

func (p *MemoryProbe) Metrics(_ context.Context, env model.Environment) (model.ClusterMetrics, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.metrics[env]
	if !ok {
		return model.ClusterMetrics{}, fmt.Errorf("no metrics for environment %q", env)
	}
	return m, nil
}
