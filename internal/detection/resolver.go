package detection

import (
	"context"
	"fmt"

	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/logger"

	"go.uber.org/zap"
)

// Resolver turns a detection request into the concrete chunk set a run
// must cover.
type Resolver struct {
	chunks ChunkStore
}

func NewResolver(chunks ChunkStore) *Resolver {
	return &Resolver{chunks: chunks}
}

// Resolve returns the chunks to detect for documentID.
//
// Explicit IDs are returned verbatim after checking they belong to the
// document. Without explicit IDs the default is every undetected chunk;
// forceAll bypasses the detected filter for forced reprocessing and is the
// only path that re-scores already-detected chunks.
func (r *Resolver) Resolve(ctx context.Context, documentID string, explicitIDs []string, forceAll bool) ([]models.Chunk, error) {
	all, err := r.chunks.GetChunks(ctx, documentID, FilterAll)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks for document %s: %w", documentID, err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: document %s has no chunks", ErrNotFound, documentID)
	}

	if len(explicitIDs) > 0 {
		byID := make(map[string]models.Chunk, len(all))
		for _, chunk := range all {
			byID[chunk.ID] = chunk
		}

		selected := make([]models.Chunk, 0, len(explicitIDs))
		for _, id := range explicitIDs {
			chunk, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: chunk %s does not belong to document %s", ErrInvalidInput, id, documentID)
			}
			selected = append(selected, chunk)
		}
		return selected, nil
	}

	if forceAll {
		logger.Debug("Resolved full document for forced reprocessing",
			zap.String("document_id", documentID),
			zap.Int("chunks", len(all)),
		)
		return all, nil
	}

	undetected := make([]models.Chunk, 0, len(all))
	for _, chunk := range all {
		if !chunk.Detected {
			undetected = append(undetected, chunk)
		}
	}

	logger.Debug("Resolved undetected chunks",
		zap.String("document_id", documentID),
		zap.Int("total", len(all)),
		zap.Int("undetected", len(undetected)),
	)

	return undetected, nil
}
