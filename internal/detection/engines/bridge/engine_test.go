package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/config"
)

const (
	astroText   = "The telescope observed the distant galaxy through gravitational lensing effects."
	financeText = "Market prices respond quickly when the central bank adjusts interest rates."
	overlapText = "The new telescope array tracks every galaxy cluster in the survey catalog."
)

type fakeIndex struct {
	neighbors []detection.Neighbor
	err       error
}

func (f *fakeIndex) SearchNeighbors(context.Context, string, int) ([]detection.Neighbor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.neighbors, nil
}

type fakeChunkStore struct {
	chunks map[string]models.Chunk
}

func (f *fakeChunkStore) GetChunks(context.Context, string, detection.ChunkFilter) ([]models.Chunk, error) {
	return nil, nil
}

func (f *fakeChunkStore) GetChunksByIDs(_ context.Context, ids []string) ([]models.Chunk, error) {
	out := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		if chunk, ok := f.chunks[id]; ok {
			out = append(out, chunk)
		}
	}
	return out, nil
}

func (f *fakeChunkStore) MarkDetected(context.Context, []string, time.Time) error {
	return nil
}

type fakeScorer struct {
	score float64
	theme string
	calls int
	err   error
}

func (f *fakeScorer) ScoreBridge(_ context.Context, _, _ string, _, _ []string) (float64, string, error) {
	f.calls++
	if f.err != nil {
		return 0, "", f.err
	}
	return f.score, f.theme, nil
}

func testCfg() config.ThematicBridgeConfig {
	return config.ThematicBridgeConfig{
		Threshold:        0.6,
		MinImportance:    0.6,
		MaxPairsPerChunk: 3,
		MinConcepts:      2,
	}
}

func sourceChunk() models.Chunk {
	return models.Chunk{
		ID:              "c1",
		DocumentID:      "doc1",
		Content:         astroText,
		EmbeddingID:     "emb1",
		ImportanceScore: 0.8,
	}
}

func TestDetectBridgesDisjointCrossDocumentChunks(t *testing.T) {
	index := &fakeIndex{neighbors: []detection.Neighbor{
		{ChunkID: "c2", DocumentID: "doc2", Score: 0.7},
	}}
	store := &fakeChunkStore{chunks: map[string]models.Chunk{
		"c2": {ID: "c2", DocumentID: "doc2", Content: financeText},
	}}
	scorer := &fakeScorer{score: 0.8, theme: "feedback amplification"}

	e := New(index, store, scorer, testCfg())

	result, err := e.Detect(context.Background(), []models.Chunk{sourceChunk()})

	require.NoError(t, err)
	require.Len(t, result.Connections, 1)
	c := result.Connections[0]
	assert.Equal(t, "thematic-bridge", c.Engine)
	assert.Equal(t, 0.8, c.Strength)
	assert.Equal(t, "feedback amplification", c.Explanation)
	assert.NotEmpty(t, c.Metadata["source_concepts"])
	assert.NotEmpty(t, c.Metadata["target_concepts"])
}

func TestDetectIgnoresSameDocumentNeighbors(t *testing.T) {
	index := &fakeIndex{neighbors: []detection.Neighbor{
		{ChunkID: "c2", DocumentID: "doc1", Score: 0.9},
	}}
	store := &fakeChunkStore{chunks: map[string]models.Chunk{
		"c2": {ID: "c2", DocumentID: "doc1", Content: financeText},
	}}
	scorer := &fakeScorer{score: 0.9}

	e := New(index, store, scorer, testCfg())

	result, err := e.Detect(context.Background(), []models.Chunk{sourceChunk()})

	require.NoError(t, err)
	assert.Empty(t, result.Connections)
	assert.Zero(t, scorer.calls)
}

func TestDetectSkipsOverlappingVocabulary(t *testing.T) {
	index := &fakeIndex{neighbors: []detection.Neighbor{
		{ChunkID: "c2", DocumentID: "doc2", Score: 0.7},
	}}
	store := &fakeChunkStore{chunks: map[string]models.Chunk{
		"c2": {ID: "c2", DocumentID: "doc2", Content: overlapText},
	}}
	scorer := &fakeScorer{score: 0.9}

	e := New(index, store, scorer, testCfg())

	result, err := e.Detect(context.Background(), []models.Chunk{sourceChunk()})

	require.NoError(t, err)
	assert.Empty(t, result.Connections)
	assert.Zero(t, scorer.calls, "shared vocabulary disqualifies the pair before scoring")
}

func TestDetectSkipsLowImportanceChunks(t *testing.T) {
	e := New(&fakeIndex{}, &fakeChunkStore{}, &fakeScorer{}, testCfg())

	chunk := sourceChunk()
	chunk.ImportanceScore = 0.2

	result, err := e.Detect(context.Background(), []models.Chunk{chunk})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
}

func TestDetectBelowThresholdDiscarded(t *testing.T) {
	index := &fakeIndex{neighbors: []detection.Neighbor{
		{ChunkID: "c2", DocumentID: "doc2", Score: 0.7},
	}}
	store := &fakeChunkStore{chunks: map[string]models.Chunk{
		"c2": {ID: "c2", DocumentID: "doc2", Content: financeText},
	}}
	scorer := &fakeScorer{score: 0.3}

	e := New(index, store, scorer, testCfg())

	result, err := e.Detect(context.Background(), []models.Chunk{sourceChunk()})

	require.NoError(t, err)
	assert.Empty(t, result.Connections)
	assert.Equal(t, 1, scorer.calls)
}

func TestDetectScorerErrorFailsEngine(t *testing.T) {
	index := &fakeIndex{neighbors: []detection.Neighbor{
		{ChunkID: "c2", DocumentID: "doc2", Score: 0.7},
	}}
	store := &fakeChunkStore{chunks: map[string]models.Chunk{
		"c2": {ID: "c2", DocumentID: "doc2", Content: financeText},
	}}
	scorer := &fakeScorer{err: errors.New("llm unavailable")}

	e := New(index, store, scorer, testCfg())

	_, err := e.Detect(context.Background(), []models.Chunk{sourceChunk()})

	assert.Error(t, err)
}

func TestExtractConceptsLowercasesAndBounds(t *testing.T) {
	concepts := extractConcepts(astroText)

	require.NotEmpty(t, concepts)
	assert.LessOrEqual(t, len(concepts), maxConcepts)
	for _, c := range concepts {
		assert.Equal(t, c, strings.ToLower(c))
		assert.GreaterOrEqual(t, len(c), 3)
	}
}
