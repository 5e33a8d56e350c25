package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/edvin/deployctl/internal/model"
)

// Fleet exposes the instances of an environment. Deploy stages a version on a
// node without routing traffic to it; TrafficShifter does the routing.
type Fleet interface {
	Nodes(ctx context.Context, env model.Environment) ([]string, error)
	Deploy(ctx context.Context, env model.Environment, node string, module model.ModuleDescriptor) error
	NodeHealthy(ctx context.Context, env model.Environment, node string) (bool, error)
}

// TrafficShifter routes a percentage of an environment's traffic to a module
// version. Shifting to 0 sends everything back to the prior version.
type TrafficShifter interface {
	Shift(ctx context.Context, env model.Environment, moduleName, version string, percent int) error
}

// ---------- in-memory implementations ----------

// MemoryFleet is a process-local Fleet used by tests and single-node setups.
type MemoryFleet struct {
	mu        sync.RWMutex
	nodes     map[model.Environment][]string
	deployed  map[string]string // env/node -> version
	unhealthy map[string]bool   // env/node
	deployErr map[string]error  // env/node -> forced error
}

func NewMemoryFleet() *MemoryFleet {
	return &MemoryFleet{
		nodes:     make(map[model.Environment][]string),
		deployed:  make(map[string]string),
		unhealthy: make(map[string]bool),
		deployErr: make(map[string]error),
	}
}

func nodeKey(env model.Environment, node string) string {
	return string(env) + "/" + node
}

// SetNodes registers the node list for an environment.
func (f *MemoryFleet) SetNodes(env model.Environment, nodes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[env] = append([]string(nil), nodes...)
}

// SetNodeUnhealthy marks a node so NodeHealthy reports false for it.
func (f *MemoryFleet) SetNodeUnhealthy(env model.Environment, node string, unhealthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy[nodeKey(env, node)] = unhealthy
}

// FailDeploy forces Deploy on the given node to return err.
func (f *MemoryFleet) FailDeploy(env model.Environment, node string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployErr[nodeKey(env, node)] = err
}

// DeployedVersion reports the version last staged on a node.
func (f *MemoryFleet) DeployedVersion(env model.Environment, node string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.deployed[nodeKey(env, node)]
}

func (f *MemoryFleet) Nodes(_ context.Context, env model.Environment) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	nodes, ok := f.nodes[env]
	if !ok {
		return nil, fmt.Errorf("no fleet registered for environment %q", env)
	}
	return append([]string(nil), nodes...), nil
}

func (f *MemoryFleet) Deploy(_ context.Context, env model.Environment, node string, module model.ModuleDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := nodeKey(env, node)
	if err := f.deployErr[k]; err != nil {
		return err
	}
	f.deployed[k] = module.Version
	return nil
}

func (f *MemoryFleet) NodeHealthy(_ context.Context, env model.Environment, node string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.unhealthy[nodeKey(env, node)], nil
}

// ShiftEvent is one recorded traffic shift.
type ShiftEvent struct {
	Environment model.Environment
	ModuleName  string
	Version     string
	Percent     int
}

// MemoryShifter records traffic shifts; tests assert on the sequence.
type MemoryShifter struct {
	mu     sync.RWMutex
	events []ShiftEvent
	err    error
}

func NewMemoryShifter() *MemoryShifter {
	return &MemoryShifter{}
}

// FailWith forces every subsequent Shift call to return err.
func (s *MemoryShifter) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryShifter) Shift(_ context.Context, env model.Environment, moduleName, version string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ShiftEvent{Environment: env, ModuleName: moduleName, Version: version, Percent: percent})
	return nil
}

// Events returns a copy of all recorded shifts.
func (s *MemoryShifter) Events() []ShiftEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ShiftEvent(nil), s.events...)
}

// CurrentPercent reports the percentage last routed to version in env, or 0.
func (s *MemoryShifter) CurrentPercent(env model.Environment, moduleName, version string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.Environment == env && ev.ModuleName == moduleName && ev.Version == version {
			return ev.Percent
		}
	}
	return 0
}
