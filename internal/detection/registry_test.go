package detection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizome/backend/internal/storage/models"
)

type stubEngine struct {
	kind EngineKind
}

func (s stubEngine) Kind() EngineKind { return s.kind }

func (s stubEngine) Detect(context.Context, []models.Chunk) (*EngineResult, error) {
	return &EngineResult{Engine: s.kind}, nil
}

func fullRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	// Registered out of order on purpose.
	require.NoError(t, r.Register(stubEngine{kind: EngineThematicBridge}))
	require.NoError(t, r.Register(stubEngine{kind: EngineSimilarity}))
	require.NoError(t, r.Register(stubEngine{kind: EngineContradiction}))
	return r
}

func TestRegistryExecutionOrderIsFixed(t *testing.T) {
	r := fullRegistry(t)

	kinds := r.Kinds()

	assert.Equal(t, []EngineKind{EngineSimilarity, EngineContradiction, EngineThematicBridge}, kinds)
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := fullRegistry(t)

	err := r.Register(stubEngine{kind: EngineSimilarity})

	assert.Error(t, err)
}

func TestEnabledEmptyMeansAll(t *testing.T) {
	r := fullRegistry(t)

	engines, err := r.Enabled(nil)

	require.NoError(t, err)
	assert.Len(t, engines, 3)
}

func TestEnabledSubsetKeepsExecutionOrder(t *testing.T) {
	r := fullRegistry(t)

	engines, err := r.Enabled([]string{"thematic-bridge", "similarity"})

	require.NoError(t, err)
	require.Len(t, engines, 2)
	assert.Equal(t, EngineSimilarity, engines[0].Kind())
	assert.Equal(t, EngineThematicBridge, engines[1].Kind())
}

func TestEnabledUnknownEngine(t *testing.T) {
	r := fullRegistry(t)

	_, err := r.Enabled([]string{"similarity", "telepathy"})

	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegistryExtraEnginesRunAfterBuiltins(t *testing.T) {
	r := fullRegistry(t)
	require.NoError(t, r.Register(stubEngine{kind: EngineKind("citation")}))

	kinds := r.Kinds()

	require.Len(t, kinds, 4)
	assert.Equal(t, EngineKind("citation"), kinds[3])
}
