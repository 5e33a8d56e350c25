package release

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/deployctl/internal/model"
)

func TestMemoryStoreGetUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "billing", model.EnvProduction)
	assert.ErrorIs(t, err, ErrNoRelease)
}

func TestMemoryStoreSetCurrentShiftsPrevious(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetCurrent(ctx, "billing", model.EnvProduction, "1.0.0"))
	rec, err := s.Get(ctx, "billing", model.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.CurrentVersion)
	assert.Empty(t, rec.PreviousVersion)

	require.NoError(t, s.SetCurrent(ctx, "billing", model.EnvProduction, "1.1.0"))
	rec, err = s.Get(ctx, "billing", model.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rec.CurrentVersion)
	assert.Equal(t, "1.0.0", rec.PreviousVersion)
}

func TestMemoryStoreSetCurrentSameVersionKeepsPrevious(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetCurrent(ctx, "billing", model.EnvQA, "1.0.0"))
	require.NoError(t, s.SetCurrent(ctx, "billing", model.EnvQA, "1.1.0"))
	// Rollback writes the previous version back as current; the known-good
	// chain must not collapse onto itself.
	require.NoError(t, s.SetCurrent(ctx, "billing", model.EnvQA, "1.1.0"))

	rec, err := s.Get(ctx, "billing", model.EnvQA)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rec.CurrentVersion)
	assert.Equal(t, "1.0.0", rec.PreviousVersion)
}

func TestMemoryStoreEnvironmentsIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetCurrent(ctx, "billing", model.EnvQA, "2.0.0"))
	require.NoError(t, s.SetCurrent(ctx, "billing", model.EnvProduction, "1.0.0"))

	qa, err := s.Get(ctx, "billing", model.EnvQA)
	require.NoError(t, err)
	prod, err := s.Get(ctx, "billing", model.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", qa.CurrentVersion)
	assert.Equal(t, "1.0.0", prod.CurrentVersion)
}

func TestMemoryStoreListByModule(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetCurrent(ctx, "billing", model.EnvQA, "2.0.0"))
	require.NoError(t, s.SetCurrent(ctx, "billing", model.EnvProduction, "1.0.0"))
	require.NoError(t, s.SetCurrent(ctx, "search", model.EnvProduction, "3.0.0"))

	recs, err := s.ListByModule(ctx, "billing")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
