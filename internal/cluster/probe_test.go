package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/deployctl/internal/model"
)

func TestMemoryProbe_RoundTrip(t *testing.T) {
	p := NewMemoryProbe()
	ctx := context.Background()

	p.SetHealth(model.EnvStaging, model.ClusterHealthSnapshot{TotalNodes: 6, HealthyNodes: 6})
	p.SetMetrics(model.EnvStaging, model.ClusterMetrics{AvgErrorRate: 0.4, AvgLatencyMS: 120})

	snap, err := p.Health(ctx, model.EnvStaging)
	require.NoError(t, err)
	assert.Equal(t, 6, snap.TotalNodes)

	m, err := p.Metrics(ctx, model.EnvStaging)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, m.AvgErrorRate, 1e-9)
}

func TestMemoryProbe_UnknownEnvironment(t *testing.T) {
	p := NewMemoryProbe()
	ctx := context.Background()

	_, err := p.Health(ctx, model.EnvProduction)
	assert.Error(t, err)

	_, err = p.Metrics(ctx, model.EnvProduction)
	assert.Error(t, err)
}
