package contradiction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/config"
)

type fakeIndex struct {
	neighbors map[string][]detection.Neighbor
	err       error
	calls     int
}

func (f *fakeIndex) SearchNeighbors(_ context.Context, embeddingID string, _ int) ([]detection.Neighbor, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.neighbors[embeddingID], nil
}

type fakeScorer struct {
	scores map[string]float64
	calls  int
	err    error
}

func (f *fakeScorer) ScoreContradiction(_ context.Context, a, b string) (float64, string, error) {
	f.calls++
	if f.err != nil {
		return 0, "", f.err
	}
	if score, ok := f.scores[a+"|"+b]; ok {
		return score, "conflicting claims", nil
	}
	return 0.1, "", nil
}

func testCfg() config.ContradictionConfig {
	return config.ContradictionConfig{
		Threshold:        0.6,
		MinImportance:    0.4,
		MaxPairsPerChunk: 5,
	}
}

func TestDetectReportsScoresAboveThreshold(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]float64{
		"x is true|x is false": 0.9,
	}}
	e := New(scorer, nil, testCfg())

	result, err := e.Detect(context.Background(), []models.Chunk{
		{ID: "c1", Content: "x is true", ImportanceScore: 0.9},
		{ID: "c2", Content: "x is false", ImportanceScore: 0.8},
		{ID: "c3", Content: "unrelated", ImportanceScore: 0.7},
	})

	require.NoError(t, err)
	require.Len(t, result.Connections, 1)
	c := result.Connections[0]
	assert.Equal(t, "c1", c.SourceChunkID)
	assert.Equal(t, "c2", c.TargetChunkID)
	assert.Equal(t, "contradiction", c.Engine)
	assert.Equal(t, 0.9, c.Strength)
	assert.Equal(t, "conflicting claims", c.Explanation)
}

func TestDetectSkipsEmptyAndUnimportant(t *testing.T) {
	scorer := &fakeScorer{}
	e := New(scorer, nil, testCfg())

	result, err := e.Detect(context.Background(), []models.Chunk{
		{ID: "c1", Content: "   ", ImportanceScore: 0.9},
		{ID: "c2", Content: "text", ImportanceScore: 0.1},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, result.Skipped)
	assert.Zero(t, scorer.calls)
}

func TestDetectBoundsPairsPerChunk(t *testing.T) {
	cfg := testCfg()
	cfg.MaxPairsPerChunk = 2

	scorer := &fakeScorer{}
	e := New(scorer, nil, cfg)

	chunks := make([]models.Chunk, 5)
	for i := range chunks {
		chunks[i] = models.Chunk{
			ID:              string(rune('a' + i)),
			Content:         "claim",
			ImportanceScore: 0.9,
		}
	}

	_, err := e.Detect(context.Background(), chunks)

	require.NoError(t, err)
	// Chunks 0..3 score 2 pairs each except the tail: 2+2+2+1+0.
	assert.Equal(t, 7, scorer.calls)
}

func TestDetectScorerErrorFailsEngine(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("llm unavailable")}
	e := New(scorer, nil, testCfg())

	_, err := e.Detect(context.Background(), []models.Chunk{
		{ID: "c1", Content: "a", ImportanceScore: 0.9},
		{ID: "c2", Content: "b", ImportanceScore: 0.9},
	})

	assert.Error(t, err)
}

func TestDetectNeighborBoundingRestrictsPairs(t *testing.T) {
	cfg := testCfg()
	cfg.CandidateNeighbors = 4

	// c1's neighborhood contains only c3; the c1/c2 pair must be skipped
	// without an LLM call.
	index := &fakeIndex{neighbors: map[string][]detection.Neighbor{
		"emb1": {{ChunkID: "c3", DocumentID: "doc1", Score: 0.9}},
		"emb2": {},
		"emb3": {},
	}}
	scorer := &fakeScorer{scores: map[string]float64{
		"one|three": 0.9,
	}}
	e := New(scorer, index, cfg)

	result, err := e.Detect(context.Background(), []models.Chunk{
		{ID: "c1", Content: "one", EmbeddingID: "emb1", ImportanceScore: 0.9},
		{ID: "c2", Content: "two", EmbeddingID: "emb2", ImportanceScore: 0.8},
		{ID: "c3", Content: "three", EmbeddingID: "emb3", ImportanceScore: 0.7},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, scorer.calls)
	require.Len(t, result.Connections, 1)
	assert.Equal(t, "c1", result.Connections[0].SourceChunkID)
	assert.Equal(t, "c3", result.Connections[0].TargetChunkID)
}

func TestDetectWithoutEmbeddingFallsBackToAllPairs(t *testing.T) {
	cfg := testCfg()
	cfg.CandidateNeighbors = 4

	index := &fakeIndex{}
	scorer := &fakeScorer{}
	e := New(scorer, index, cfg)

	_, err := e.Detect(context.Background(), []models.Chunk{
		{ID: "c1", Content: "one", ImportanceScore: 0.9},
		{ID: "c2", Content: "two", ImportanceScore: 0.8},
	})

	require.NoError(t, err)
	assert.Zero(t, index.calls)
	assert.Equal(t, 1, scorer.calls)
}

func TestDetectNeighborSearchErrorFailsEngine(t *testing.T) {
	cfg := testCfg()
	cfg.CandidateNeighbors = 4

	index := &fakeIndex{err: errors.New("index unreachable")}
	e := New(&fakeScorer{}, index, cfg)

	_, err := e.Detect(context.Background(), []models.Chunk{
		{ID: "c1", Content: "one", EmbeddingID: "emb1", ImportanceScore: 0.9},
		{ID: "c2", Content: "two", EmbeddingID: "emb2", ImportanceScore: 0.8},
	})

	assert.Error(t, err)
}

func TestDetectSingleChunkScoresNothing(t *testing.T) {
	scorer := &fakeScorer{}
	e := New(scorer, nil, testCfg())

	result, err := e.Detect(context.Background(), []models.Chunk{
		{ID: "c1", Content: "alone", ImportanceScore: 0.9},
	})

	require.NoError(t, err)
	assert.Empty(t, result.Connections)
	assert.Zero(t, scorer.calls)
}
