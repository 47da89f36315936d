// Package contradiction pairs chunks within the resolved set and asks an
// NLI-style scorer whether they make conflicting claims. Candidates are
// restricted to embedding-space neighbors when an index is available, and
// pair count is bounded per source chunk, highest-importance chunks first.
package contradiction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/config"
	"github.com/rhizome/backend/pkg/logger"
)

// PairScorer judges whether two passages contradict each other, returning
// a score in [0, 1] and a short explanation.
type PairScorer interface {
	ScoreContradiction(ctx context.Context, a, b string) (float64, string, error)
}

type Engine struct {
	scorer PairScorer
	index  detection.VectorIndex
	cfg    config.ContradictionConfig
}

// New builds the engine. A nil index disables neighbor bounding; every
// eligible pair within the set becomes a candidate.
func New(scorer PairScorer, index detection.VectorIndex, cfg config.ContradictionConfig) *Engine {
	return &Engine{scorer: scorer, index: index, cfg: cfg}
}

func (e *Engine) Kind() detection.EngineKind {
	return detection.EngineContradiction
}

func (e *Engine) Detect(ctx context.Context, chunks []models.Chunk) (*detection.EngineResult, error) {
	start := time.Now()
	result := &detection.EngineResult{Engine: e.Kind()}

	eligible := make([]models.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk.Content) == "" || chunk.ImportanceScore < e.cfg.MinImportance {
			result.Skipped++
			continue
		}
		eligible = append(eligible, chunk)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].ImportanceScore > eligible[j].ImportanceScore
	})

	for i, source := range eligible {
		neighbors, err := e.neighborSet(ctx, source)
		if err != nil {
			return nil, err
		}

		pairs := 0
		for j := i + 1; j < len(eligible) && pairs < e.cfg.MaxPairsPerChunk; j++ {
			target := eligible[j]
			if neighbors != nil && !neighbors[target.ID] {
				continue
			}
			pairs++

			score, explanation, err := e.scorer.ScoreContradiction(ctx, source.Content, target.Content)
			if err != nil {
				return nil, fmt.Errorf("scoring pair (%s, %s): %w", source.ID, target.ID, err)
			}

			if score < e.cfg.Threshold {
				continue
			}

			result.Connections = append(result.Connections, models.Connection{
				SourceChunkID: source.ID,
				TargetChunkID: target.ID,
				Engine:        string(e.Kind()),
				Strength:      score,
				Explanation:   explanation,
				DetectedAt:    time.Now(),
			})
		}
	}

	result.Elapsed = time.Since(start)

	logger.Debug("Contradiction pass finished",
		zap.Int("chunks", len(chunks)),
		zap.Int("eligible", len(eligible)),
		zap.Int("connections", len(result.Connections)),
	)

	return result, nil
}

// neighborSet returns the source chunk's embedding-space neighborhood, the
// candidate bound for contradiction pairs. Contradicting passages discuss
// the same subject, so semantically distant chunks are not worth an LLM
// call. A nil set means unbounded.
func (e *Engine) neighborSet(ctx context.Context, source models.Chunk) (map[string]bool, error) {
	if e.index == nil || e.cfg.CandidateNeighbors <= 0 || source.EmbeddingID == "" {
		return nil, nil
	}

	neighbors, err := e.index.SearchNeighbors(ctx, source.EmbeddingID, e.cfg.CandidateNeighbors)
	if err != nil {
		return nil, fmt.Errorf("neighbor search for chunk %s: %w", source.ID, err)
	}

	set := make(map[string]bool, len(neighbors))
	for _, neighbor := range neighbors {
		set[neighbor.ChunkID] = true
	}
	return set, nil
}
