// Package jobs wraps one orchestration run as a durable, observable unit
// of work: the thing callers submit, poll and retry.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/internal/metrics"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/logger"
)

// Store is the durable job table. CreateJobIfNoOverlap is the
// concurrency-control primitive: it must atomically reject a job whose
// chunk set intersects any non-terminal job, returning the conflicting ID.
type Store interface {
	CreateJobIfNoOverlap(ctx context.Context, job *models.DetectionJob) (conflictID string, err error)
	GetJob(ctx context.Context, jobID string) (*models.DetectionJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus) error
	UpdateJobProgress(ctx context.Context, jobID string, progress models.Progress) error
	CompleteJob(ctx context.Context, jobID string, connectionCount int, engineErrors []string, at time.Time) error
	FailJob(ctx context.Context, jobID string, jobErr string, at time.Time) error
}

// StatsSource serves the detection-state query for reader badges and
// admin dashboards.
type StatsSource interface {
	GetDetectionStats(ctx context.Context, documentID string) (*models.DetectionStats, error)
}

// Cache is optional; a nil cache just means every poll hits the store.
type Cache interface {
	GetStats(ctx context.Context, documentID string) (*models.DetectionStats, bool, error)
	SetStats(ctx context.Context, documentID string, stats *models.DetectionStats, ttl time.Duration) error
	InvalidateStats(ctx context.Context, documentID string) error
	SetProgress(ctx context.Context, jobID string, progress models.Progress, ttl time.Duration) error
	GetProgress(ctx context.Context, jobID string) (*models.Progress, bool, error)
}

type SubmitRequest struct {
	DocumentID     string
	ChunkIDs       []string
	Trigger        models.JobTrigger
	EnabledEngines []string
	ForceAll       bool
}

type Manager struct {
	store        Store
	stats        StatsSource
	chunks       detection.ChunkStore
	resolver     *detection.Resolver
	orchestrator *detection.Orchestrator
	registry     *detection.Registry
	cache        Cache

	jobTimeout time.Duration
	statsTTL   time.Duration

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	watchers map[string]map[*detection.ChannelSink]bool
}

type Config struct {
	Workers    int
	JobTimeout time.Duration
	StatsTTL   time.Duration
}

func NewManager(
	store Store,
	stats StatsSource,
	chunks detection.ChunkStore,
	resolver *detection.Resolver,
	orchestrator *detection.Orchestrator,
	registry *detection.Registry,
	cache Cache,
	cfg Config,
) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 5 * time.Minute
	}

	m := &Manager{
		store:        store,
		stats:        stats,
		chunks:       chunks,
		resolver:     resolver,
		orchestrator: orchestrator,
		registry:     registry,
		cache:        cache,
		jobTimeout:   cfg.JobTimeout,
		statsTTL:     cfg.StatsTTL,
		queue:        make(chan string, 256),
		watchers:     make(map[string]map[*detection.ChannelSink]bool),
	}

	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	logger.Info("Job manager started", zap.Int("workers", cfg.Workers))

	return m
}

// Close drains the worker pool; queued jobs still run.
func (m *Manager) Close() {
	close(m.queue)
	m.wg.Wait()
}

// Submit validates the request, resolves the chunk set, runs the
// duplicate-job guard and enqueues the job. The chunk set is resolved here
// rather than at start so the guard always compares concrete chunk IDs.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*models.DetectionJob, error) {
	if req.DocumentID == "" {
		return nil, fmt.Errorf("%w: document id is required", detection.ErrInvalidInput)
	}
	if !validTrigger(req.Trigger) {
		return nil, fmt.Errorf("%w: unknown trigger %q", detection.ErrInvalidInput, req.Trigger)
	}
	if len(req.ChunkIDs) > 0 && req.ForceAll {
		return nil, fmt.Errorf("%w: forceAll cannot be combined with explicit chunk ids", detection.ErrInvalidInput)
	}

	engines, err := m.registry.Enabled(req.EnabledEngines)
	if err != nil {
		return nil, err
	}
	engineNames := make([]string, len(engines))
	for i, engine := range engines {
		engineNames[i] = string(engine.Kind())
	}

	chunks, err := m.resolver.Resolve(ctx, req.DocumentID, req.ChunkIDs, req.ForceAll)
	if err != nil {
		return nil, err
	}

	chunkIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		chunkIDs[i] = chunk.ID
	}

	job := &models.DetectionJob{
		ID:             uuid.New().String(),
		DocumentID:     req.DocumentID,
		ChunkIDs:       chunkIDs,
		Trigger:        req.Trigger,
		Status:         models.JobPending,
		Progress:       models.Progress{Stage: models.StageQueued},
		EnabledEngines: engineNames,
		CreatedAt:      time.Now(),
	}

	conflictID, err := m.store.CreateJobIfNoOverlap(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if conflictID != "" {
		metrics.JobsSubmitted.WithLabelValues(string(req.Trigger), "duplicate").Inc()
		return nil, &detection.DuplicateJobError{ExistingJobID: conflictID}
	}

	metrics.JobsSubmitted.WithLabelValues(string(req.Trigger), "accepted").Inc()

	// Resubmitting a fully detected document resolves to an empty set.
	// Nothing left to detect, so complete right away instead of burning a
	// worker slot.
	if len(chunkIDs) == 0 {
		now := time.Now()
		if err := m.store.CompleteJob(ctx, job.ID, 0, nil, now); err != nil {
			return nil, fmt.Errorf("failed to complete empty job: %w", err)
		}
		job.Status = models.JobCompleted
		job.Progress = models.Progress{Percent: 100, Stage: models.StageFinished, Detail: "no undetected chunks"}
		job.CompletedAt = &now
		metrics.JobsCompleted.WithLabelValues(string(models.JobCompleted)).Inc()
		return job, nil
	}

	m.queue <- job.ID

	return job, nil
}

// Get returns the job, with the progress of a running job taken from the
// cached snapshot when one is available. The snapshot is written on every
// checkpoint while the job row only has to catch the ones that stuck.
func (m *Manager) Get(ctx context.Context, jobID string) (*models.DetectionJob, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if m.cache != nil && !job.Status.Terminal() {
		progress, ok, err := m.cache.GetProgress(ctx, jobID)
		if err != nil {
			logger.Warn("Progress snapshot read failed", zap.Error(err))
		} else if ok {
			job.Progress = *progress
		}
	}

	return job, nil
}

// Stats answers the scanned/not-scanned query, through the cache when one
// is wired.
func (m *Manager) Stats(ctx context.Context, documentID string) (*models.DetectionStats, error) {
	if m.cache != nil {
		stats, ok, err := m.cache.GetStats(ctx, documentID)
		if err != nil {
			logger.Warn("Stats cache read failed", zap.Error(err))
		} else if ok {
			metrics.StatsCacheHits.WithLabelValues("hit").Inc()
			return stats, nil
		}
		metrics.StatsCacheHits.WithLabelValues("miss").Inc()
	}

	stats, err := m.stats.GetDetectionStats(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if err := m.cache.SetStats(ctx, documentID, stats, m.statsTTL); err != nil {
			logger.Warn("Stats cache write failed", zap.Error(err))
		}
	}

	return stats, nil
}

// Subscribe returns a channel of progress updates for a job plus a cancel
// function. The channel closes when the job reaches a terminal state. Each
// subscriber gets its own bounded sink; a stalled reader loses updates, it
// never stalls the run.
func (m *Manager) Subscribe(jobID string) (<-chan models.Progress, func()) {
	sink := detection.NewChannelSink(16)

	m.mu.Lock()
	if m.watchers[jobID] == nil {
		m.watchers[jobID] = make(map[*detection.ChannelSink]bool)
	}
	m.watchers[jobID][sink] = true
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.watchers[jobID]; ok && set[sink] {
			delete(set, sink)
			sink.Close()
		}
	}

	return sink.Updates(), cancel
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for jobID := range m.queue {
		m.run(jobID)
	}
}

// run drives one job through the state machine:
// pending -> processing -> completed | failed.
func (m *Manager) run(jobID string) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), m.jobTimeout)
	defer cancel()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("Failed to load queued job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != models.JobPending {
		logger.Warn("Skipping job in unexpected state",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
		)
		return
	}

	if err := m.store.UpdateJobStatus(ctx, jobID, models.JobProcessing); err != nil {
		logger.Error("Failed to mark job processing", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	chunks, err := m.chunks.GetChunksByIDs(ctx, job.ChunkIDs)
	if err != nil {
		m.fail(jobID, fmt.Errorf("failed to load job chunks: %w", err), start)
		return
	}

	engines, err := m.registry.Enabled(job.EnabledEngines)
	if err != nil {
		m.fail(jobID, err, start)
		return
	}

	sink := detection.SinkFunc(func(p models.Progress) {
		m.publishProgress(jobID, p)
	})

	result, err := m.orchestrator.Run(ctx, chunks, engines, sink)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", detection.ErrJobTimeout, m.jobTimeout)
		}
		m.fail(jobID, err, start)
		return
	}

	// Only now, with the deduplicated delta durably persisted, does chunk
	// state change. Marking means "detection was attempted", so chunks
	// every engine skipped are marked too.
	now := time.Now()
	if err := m.chunks.MarkDetected(ctx, job.ChunkIDs, now); err != nil {
		m.fail(jobID, fmt.Errorf("failed to mark chunks detected: %w", err), start)
		return
	}
	metrics.ChunksMarked.Add(float64(len(job.ChunkIDs)))

	if err := m.store.CompleteJob(ctx, jobID, result.Persisted, result.Errors, now); err != nil {
		logger.Error("Failed to record job completion", zap.String("job_id", jobID), zap.Error(err))
	}

	if m.cache != nil {
		if err := m.cache.InvalidateStats(context.Background(), job.DocumentID); err != nil {
			logger.Warn("Stats cache invalidation failed", zap.Error(err))
		}
	}

	metrics.JobsCompleted.WithLabelValues(string(models.JobCompleted)).Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	m.finishWatchers(jobID, models.Progress{
		Percent: 100,
		Stage:   models.StageFinished,
		Detail:  fmt.Sprintf("%d connections persisted", result.Persisted),
	})

	logger.Info("Detection job completed",
		zap.String("job_id", jobID),
		zap.String("document_id", job.DocumentID),
		zap.Int("chunks", len(job.ChunkIDs)),
		zap.Int("connections", result.Persisted),
		zap.Strings("engine_errors", result.Errors),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// fail records a fatal job error. No chunks were marked, so resubmitting
// resolves the same chunks again.
func (m *Manager) fail(jobID string, jobErr error, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.store.FailJob(ctx, jobID, jobErr.Error(), time.Now()); err != nil {
		logger.Error("Failed to record job failure", zap.String("job_id", jobID), zap.Error(err))
	}

	metrics.JobsCompleted.WithLabelValues(string(models.JobFailed)).Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	m.finishWatchers(jobID, models.Progress{
		Stage:  models.StageFinished,
		Detail: jobErr.Error(),
	})

	logger.Error("Detection job failed",
		zap.String("job_id", jobID),
		zap.Error(jobErr),
	)
}

// publishProgress fans a progress update out to the job row, the cache
// and any live watchers. Failures are logged and swallowed: progress is
// advisory and must never sink a run.
func (m *Manager) publishProgress(jobID string, p models.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.store.UpdateJobProgress(ctx, jobID, p); err != nil {
		logger.Warn("Failed to persist progress", zap.String("job_id", jobID), zap.Error(err))
	}
	if m.cache != nil {
		if err := m.cache.SetProgress(ctx, jobID, p, m.jobTimeout); err != nil {
			logger.Warn("Failed to cache progress", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for sink := range m.watchers[jobID] {
		sink.Publish(p)
	}
}

func (m *Manager) finishWatchers(jobID string, last models.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sink := range m.watchers[jobID] {
		sink.Publish(last)
		sink.Close()
	}
	delete(m.watchers, jobID)
}

func validTrigger(trigger models.JobTrigger) bool {
	switch trigger {
	case models.TriggerUpload, models.TriggerSingle, models.TriggerBatch, models.TriggerAdminBulk:
		return true
	}
	return false
}
