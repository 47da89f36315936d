package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/metrics"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/logger"
)

const persistBandStart = 90

// Orchestrator runs the enabled engines sequentially over a resolved chunk
// set, merges their output against stored connections and persists the
// deduplicated delta. One engine failing is survivable; a persistence
// failure is not.
type Orchestrator struct {
	connections   ConnectionStore
	engineTimeout time.Duration
	weights       map[EngineKind]int
}

func NewOrchestrator(connections ConnectionStore, engineTimeout time.Duration, weights map[EngineKind]int) *Orchestrator {
	if engineTimeout <= 0 {
		engineTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		connections:   connections,
		engineTimeout: engineTimeout,
		weights:       weights,
	}
}

// Run executes engines in their given order. Engine failures and timeouts
// are recorded in RunResult.Errors and skipped. The returned error is
// non-nil only for the fatal cases: job context expiry or a persistence
// failure, neither of which leaves partial state behind.
func (o *Orchestrator) Run(ctx context.Context, chunks []models.Chunk, engines []Engine, sink ProgressSink) (*RunResult, error) {
	result := &RunResult{
		ByEngine: make(map[EngineKind]int),
	}

	var candidates []Candidate
	bands := o.progressBands(engines)
	done := 0

	for i, engine := range engines {
		kind := engine.Kind()

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrJobTimeout, err)
		}

		publish(sink, models.Progress{
			Percent: done,
			Stage:   models.StageEngines,
			Detail:  fmt.Sprintf("%s: scoring %d chunks", kind, len(chunks)),
		})

		engineCtx, cancel := context.WithTimeout(ctx, o.engineTimeout)
		start := time.Now()
		engineResult, err := engine.Detect(engineCtx, chunks)
		cancel()

		metrics.EngineDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

		// A fatal job timeout looks like an engine failure from here;
		// tell them apart by checking the parent context.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrJobTimeout, ctx.Err())
		}

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("timeout after %s", o.engineTimeout)
			}
			engineErr := &EngineError{Engine: kind, Err: err}
			result.Errors = append(result.Errors, engineErr.Error())
			result.ByEngine[kind] = 0
			metrics.EngineFailures.WithLabelValues(string(kind)).Inc()

			logger.Warn("Engine failed, continuing run",
				zap.String("engine", string(kind)),
				zap.Error(err),
			)
			done = bands[i]
			continue
		}

		generatedAt := time.Now()
		for _, conn := range engineResult.Connections {
			candidates = append(candidates, Candidate{Connection: conn, GeneratedAt: generatedAt})
		}
		result.ByEngine[kind] = len(engineResult.Connections)
		metrics.ConnectionsFound.WithLabelValues(string(kind)).Add(float64(len(engineResult.Connections)))

		logger.Info("Engine completed",
			zap.String("engine", string(kind)),
			zap.Int("connections", len(engineResult.Connections)),
			zap.Int("skipped_chunks", engineResult.Skipped),
			zap.Duration("elapsed", engineResult.Elapsed),
		)

		done = bands[i]
		publish(sink, models.Progress{
			Percent: done,
			Stage:   models.StageEngines,
			Detail:  fmt.Sprintf("%s: %d connections", kind, len(engineResult.Connections)),
		})
	}

	publish(sink, models.Progress{
		Percent: persistBandStart,
		Stage:   models.StagePersist,
		Detail:  fmt.Sprintf("deduplicating %d candidates", len(candidates)),
	})

	persisted, connections, err := o.persist(ctx, chunks, candidates)
	if err != nil {
		return nil, err
	}
	result.Persisted = persisted
	result.Connections = connections

	publish(sink, models.Progress{
		Percent: 100,
		Stage:   models.StageFinished,
		Detail:  fmt.Sprintf("%d connections persisted", persisted),
	})

	return result, nil
}

// persist is the correctness boundary: any failure here fails the whole
// run so the caller leaves chunk state untouched and the job retryable.
func (o *Orchestrator) persist(ctx context.Context, chunks []models.Chunk, candidates []Candidate) (int, []models.Connection, error) {
	chunkIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		chunkIDs[i] = chunk.ID
	}

	existing, err := o.connections.GetExisting(ctx, chunkIDs)
	if err != nil {
		return 0, nil, &PersistenceError{Op: "load existing connections", Err: err}
	}

	delta := Deduplicate(candidates, existing)

	persisted := 0
	for _, conn := range delta {
		applied, err := o.connections.UpsertIfStronger(ctx, conn)
		if err != nil {
			return 0, nil, &PersistenceError{Op: "upsert connection", Err: err}
		}
		if applied {
			persisted++
		}
	}

	metrics.ConnectionsPersisted.Add(float64(persisted))

	return persisted, delta, nil
}

// progressBands maps each engine index to the percent reached once that
// engine finishes (or is skipped). Engines split [0, 90] by weight, equal
// weights by default; [90, 100] belongs to dedup and persistence.
func (o *Orchestrator) progressBands(engines []Engine) []int {
	bands := make([]int, len(engines))
	if len(engines) == 0 {
		return bands
	}

	total := 0
	weights := make([]int, len(engines))
	for i, engine := range engines {
		w := o.weights[engine.Kind()]
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	acc := 0
	for i, w := range weights {
		acc += w
		bands[i] = persistBandStart * acc / total
	}
	return bands
}
