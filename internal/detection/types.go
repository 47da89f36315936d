// Package detection holds the connection-detection core: the engine
// contract, chunk selection, orchestration and deduplication. Engines and
// stores are consumed through interfaces; concrete clients live under
// internal/graph, internal/vector and internal/llm.
package detection

import (
	"context"
	"time"

	"github.com/rhizome/backend/internal/storage/models"
)

type EngineKind string

const (
	EngineSimilarity     EngineKind = "similarity"
	EngineContradiction  EngineKind = "contradiction"
	EngineThematicBridge EngineKind = "thematic-bridge"
)

// builtinOrder fixes the execution order within a run. Later engines may
// overwrite earlier ones through the strength rule, so the order is part of
// the contract, not a detail.
var builtinOrder = []EngineKind{
	EngineSimilarity,
	EngineContradiction,
	EngineThematicBridge,
}

// Engine scores a resolved chunk set. Implementations must be side-effect
// free with respect to the stores: they return candidate connections, they
// never write. Chunks missing an engine's required inputs are skipped and
// counted, not failed.
type Engine interface {
	Kind() EngineKind
	Detect(ctx context.Context, chunks []models.Chunk) (*EngineResult, error)
}

// EngineResult is the transient per-engine output of one run.
type EngineResult struct {
	Engine      EngineKind
	Connections []models.Connection
	Skipped     int
	Elapsed     time.Duration
}

// RunResult is what the orchestrator hands back to the job manager.
type RunResult struct {
	Connections []models.Connection
	ByEngine    map[EngineKind]int
	Errors      []string
	Persisted   int
}

// ChunkFilter selects which chunks of a document GetChunks returns.
type ChunkFilter int

const (
	FilterAll ChunkFilter = iota
	FilterUndetected
)

// ChunkStore is the external collaborator owning chunks. The core reads
// chunks and writes exactly one field: the detected flag, once per chunk
// per successful job.
type ChunkStore interface {
	GetChunks(ctx context.Context, documentID string, filter ChunkFilter) ([]models.Chunk, error)
	GetChunksByIDs(ctx context.Context, ids []string) ([]models.Chunk, error)
	MarkDetected(ctx context.Context, ids []string, at time.Time) error
}

// ConnectionStore is the external collaborator owning connections.
// UpsertIfStronger must be an atomic per-key compare-and-swap on strength;
// it reports whether the write was applied.
type ConnectionStore interface {
	UpsertIfStronger(ctx context.Context, conn models.Connection) (bool, error)
	GetExisting(ctx context.Context, chunkIDs []string) ([]models.Connection, error)
}

// ProgressSink receives fire-and-forget progress notifications. A sink must
// never be able to fail or stall a run; publishers go through publish().
type ProgressSink interface {
	Publish(p models.Progress)
}

// Neighbor is an ANN search hit from the vector index, used by engines to
// bound their candidate pairs.
type Neighbor struct {
	ChunkID    string
	DocumentID string
	Score      float64
}

// VectorIndex is the embedding search backend. EmbeddingRefs are opaque
// handles written by ingestion; the core never inspects vectors.
type VectorIndex interface {
	SearchNeighbors(ctx context.Context, embeddingID string, topK int) ([]Neighbor, error)
}

// canonicalPair orders a chunk pair so the identity key and the stored
// direction are stable regardless of which side an engine scored first.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// identityKey is the deduplication key: unordered chunk pair plus engine.
func identityKey(conn models.Connection) string {
	lo, hi := canonicalPair(conn.SourceChunkID, conn.TargetChunkID)
	return lo + "\x00" + hi + "\x00" + conn.Engine
}
