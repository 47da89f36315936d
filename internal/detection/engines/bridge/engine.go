// Package bridge is the expensive engine: it looks for chunks in other
// documents that share no surface vocabulary with the source yet orbit the
// same theme. Candidates come from the vector index, surface concepts from
// prose NER, and the final judgment from an LLM.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/config"
	"github.com/rhizome/backend/pkg/logger"
)

// BridgeScorer judges whether two cross-domain passages share an
// underlying theme, returning a score in [0, 1] and the theme itself.
type BridgeScorer interface {
	ScoreBridge(ctx context.Context, a, b string, conceptsA, conceptsB []string) (float64, string, error)
}

type Engine struct {
	index  detection.VectorIndex
	chunks detection.ChunkStore
	scorer BridgeScorer
	cfg    config.ThematicBridgeConfig
}

func New(index detection.VectorIndex, chunks detection.ChunkStore, scorer BridgeScorer, cfg config.ThematicBridgeConfig) *Engine {
	return &Engine{index: index, chunks: chunks, scorer: scorer, cfg: cfg}
}

func (e *Engine) Kind() detection.EngineKind {
	return detection.EngineThematicBridge
}

func (e *Engine) Detect(ctx context.Context, chunks []models.Chunk) (*detection.EngineResult, error) {
	start := time.Now()
	result := &detection.EngineResult{Engine: e.Kind()}

	for _, chunk := range chunks {
		if chunk.EmbeddingID == "" || chunk.ImportanceScore < e.cfg.MinImportance {
			result.Skipped++
			continue
		}

		concepts := extractConcepts(chunk.Content)
		if len(concepts) < e.cfg.MinConcepts {
			result.Skipped++
			continue
		}

		// Over-fetch so same-document hits can be discarded and still
		// leave enough cross-document candidates.
		neighbors, err := e.index.SearchNeighbors(ctx, chunk.EmbeddingID, e.cfg.MaxPairsPerChunk*4)
		if err != nil {
			return nil, fmt.Errorf("neighbor search for chunk %s: %w", chunk.ID, err)
		}

		candidateIDs := make([]string, 0, len(neighbors))
		for _, neighbor := range neighbors {
			if neighbor.DocumentID == chunk.DocumentID {
				continue
			}
			candidateIDs = append(candidateIDs, neighbor.ChunkID)
		}
		if len(candidateIDs) == 0 {
			continue
		}

		candidates, err := e.chunks.GetChunksByIDs(ctx, candidateIDs)
		if err != nil {
			return nil, fmt.Errorf("loading bridge candidates for chunk %s: %w", chunk.ID, err)
		}

		scored := 0
		for _, candidate := range candidates {
			if scored >= e.cfg.MaxPairsPerChunk {
				break
			}

			candidateConcepts := extractConcepts(candidate.Content)
			if len(candidateConcepts) < e.cfg.MinConcepts || overlaps(concepts, candidateConcepts) {
				continue
			}
			scored++

			score, theme, err := e.scorer.ScoreBridge(ctx, chunk.Content, candidate.Content, concepts, candidateConcepts)
			if err != nil {
				return nil, fmt.Errorf("scoring bridge (%s, %s): %w", chunk.ID, candidate.ID, err)
			}
			if score < e.cfg.Threshold {
				continue
			}

			result.Connections = append(result.Connections, models.Connection{
				SourceChunkID: chunk.ID,
				TargetChunkID: candidate.ID,
				Engine:        string(e.Kind()),
				Strength:      score,
				Explanation:   theme,
				Metadata: map[string]string{
					"source_concepts": strings.Join(concepts, ", "),
					"target_concepts": strings.Join(candidateConcepts, ", "),
				},
				DetectedAt: time.Now(),
			})
		}
	}

	result.Elapsed = time.Since(start)

	logger.Debug("Thematic bridge pass finished",
		zap.Int("chunks", len(chunks)),
		zap.Int("skipped", result.Skipped),
		zap.Int("connections", len(result.Connections)),
	)

	return result, nil
}

const maxConcepts = 12

// extractConcepts pulls the chunk's surface vocabulary: named entities
// first, proper/common nouns as fallback, lowercased and deduplicated.
func extractConcepts(content string) []string {
	doc, err := prose.NewDocument(content)
	if err != nil {
		logger.Warn("Concept extraction failed", zap.Error(err))
		return nil
	}

	seen := make(map[string]bool)
	var concepts []string

	add := func(text string) {
		text = strings.ToLower(strings.TrimSpace(text))
		if len(text) < 3 || seen[text] || len(concepts) >= maxConcepts {
			return
		}
		seen[text] = true
		concepts = append(concepts, text)
	}

	for _, entity := range doc.Entities() {
		add(entity.Text)
	}
	for _, token := range doc.Tokens() {
		if strings.HasPrefix(token.Tag, "NN") {
			add(token.Text)
		}
	}

	return concepts
}

func overlaps(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if set[c] {
			return true
		}
	}
	return false
}
