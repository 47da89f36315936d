// Package similarity finds embedding-space neighbors of each chunk. It is
// the cheapest engine and runs first; its connections carry no explanation
// because cosine distance has nothing to say.
package similarity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/config"
	"github.com/rhizome/backend/pkg/logger"
)

type Engine struct {
	index detection.VectorIndex
	cfg   config.SimilarityConfig
}

func New(index detection.VectorIndex, cfg config.SimilarityConfig) *Engine {
	return &Engine{index: index, cfg: cfg}
}

func (e *Engine) Kind() detection.EngineKind {
	return detection.EngineSimilarity
}

func (e *Engine) Detect(ctx context.Context, chunks []models.Chunk) (*detection.EngineResult, error) {
	start := time.Now()
	result := &detection.EngineResult{Engine: e.Kind()}

	seen := make(map[string]bool)

	for _, chunk := range chunks {
		if chunk.EmbeddingID == "" || chunk.ImportanceScore < e.cfg.MinImportance {
			result.Skipped++
			continue
		}

		neighbors, err := e.index.SearchNeighbors(ctx, chunk.EmbeddingID, e.cfg.MaxCandidates)
		if err != nil {
			return nil, fmt.Errorf("neighbor search for chunk %s: %w", chunk.ID, err)
		}

		for _, neighbor := range neighbors {
			if neighbor.ChunkID == chunk.ID {
				continue
			}
			if !e.cfg.CrossDocument && neighbor.DocumentID != chunk.DocumentID {
				continue
			}
			if neighbor.Score < e.cfg.Threshold {
				continue
			}

			key := pairKey(chunk.ID, neighbor.ChunkID)
			if seen[key] {
				continue
			}
			seen[key] = true

			result.Connections = append(result.Connections, models.Connection{
				SourceChunkID: chunk.ID,
				TargetChunkID: neighbor.ChunkID,
				Engine:        string(e.Kind()),
				Strength:      neighbor.Score,
				Metadata: map[string]string{
					"metric": "cosine",
				},
				DetectedAt: time.Now(),
			})
		}
	}

	result.Elapsed = time.Since(start)

	logger.Debug("Similarity pass finished",
		zap.Int("chunks", len(chunks)),
		zap.Int("skipped", result.Skipped),
		zap.Int("connections", len(result.Connections)),
	)

	return result, nil
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
