package detection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizome/backend/internal/storage/models"
)

type fakeConnStore struct {
	mu       sync.Mutex
	existing []models.Connection
	upserts  []models.Connection

	getErr    error
	upsertErr error
}

func (f *fakeConnStore) UpsertIfStronger(_ context.Context, conn models.Connection) (bool, error) {
	if f.upsertErr != nil {
		return false, f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, conn)
	return true, nil
}

func (f *fakeConnStore) GetExisting(context.Context, []string) ([]models.Connection, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.existing, nil
}

type scriptedEngine struct {
	kind        EngineKind
	connections []models.Connection
	err         error
	block       bool
}

func (e *scriptedEngine) Kind() EngineKind { return e.kind }

func (e *scriptedEngine) Detect(ctx context.Context, _ []models.Chunk) (*EngineResult, error) {
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return &EngineResult{Engine: e.kind, Connections: e.connections}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	updates []models.Progress
}

func (s *recordingSink) Publish(p models.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, p)
}

func (s *recordingSink) all() []models.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Progress(nil), s.updates...)
}

func runChunks() []models.Chunk {
	return []models.Chunk{
		{ID: "c1", DocumentID: "doc1"},
		{ID: "c2", DocumentID: "doc1"},
	}
}

func TestRunPersistsAllEngineOutput(t *testing.T) {
	store := &fakeConnStore{}
	o := NewOrchestrator(store, time.Minute, nil)

	engines := []Engine{
		&scriptedEngine{kind: EngineSimilarity, connections: []models.Connection{
			conn("c1", "c2", "similarity", 0.8, ""),
		}},
		&scriptedEngine{kind: EngineContradiction, connections: []models.Connection{
			conn("c1", "c2", "contradiction", 0.7, ""),
		}},
	}

	result, err := o.Run(context.Background(), runChunks(), engines, NopSink{})

	require.NoError(t, err)
	assert.Equal(t, 2, result.Persisted)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.ByEngine[EngineSimilarity])
	assert.Equal(t, 1, result.ByEngine[EngineContradiction])
	assert.Len(t, store.upserts, 2)
}

func TestRunSurvivesSingleEngineFailure(t *testing.T) {
	store := &fakeConnStore{}
	o := NewOrchestrator(store, time.Minute, nil)

	engines := []Engine{
		&scriptedEngine{kind: EngineSimilarity, err: errors.New("index unreachable")},
		&scriptedEngine{kind: EngineContradiction, connections: []models.Connection{
			conn("c1", "c2", "contradiction", 0.7, ""),
		}},
	}

	result, err := o.Run(context.Background(), runChunks(), engines, NopSink{})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Persisted)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "similarity")
	assert.Contains(t, result.Errors[0], "index unreachable")
}

func TestRunAllEnginesFailingStillCompletes(t *testing.T) {
	store := &fakeConnStore{}
	o := NewOrchestrator(store, time.Minute, nil)

	engines := []Engine{
		&scriptedEngine{kind: EngineSimilarity, err: errors.New("down")},
		&scriptedEngine{kind: EngineContradiction, err: errors.New("down")},
	}

	result, err := o.Run(context.Background(), runChunks(), engines, NopSink{})

	require.NoError(t, err)
	assert.Zero(t, result.Persisted)
	assert.Len(t, result.Errors, 2)
}

func TestRunEngineTimeoutIsNonFatal(t *testing.T) {
	store := &fakeConnStore{}
	o := NewOrchestrator(store, 20*time.Millisecond, nil)

	engines := []Engine{
		&scriptedEngine{kind: EngineSimilarity, block: true},
		&scriptedEngine{kind: EngineContradiction, connections: []models.Connection{
			conn("c1", "c2", "contradiction", 0.7, ""),
		}},
	}

	result, err := o.Run(context.Background(), runChunks(), engines, NopSink{})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Persisted)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "timeout")
}

func TestRunJobTimeoutIsFatal(t *testing.T) {
	store := &fakeConnStore{}
	o := NewOrchestrator(store, time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	engines := []Engine{
		&scriptedEngine{kind: EngineSimilarity, block: true},
		&scriptedEngine{kind: EngineContradiction},
	}

	_, err := o.Run(ctx, runChunks(), engines, NopSink{})

	assert.ErrorIs(t, err, ErrJobTimeout)
	assert.Empty(t, store.upserts)
}

func TestRunPersistenceFailureIsFatal(t *testing.T) {
	store := &fakeConnStore{upsertErr: errors.New("graph down")}
	o := NewOrchestrator(store, time.Minute, nil)

	engines := []Engine{
		&scriptedEngine{kind: EngineSimilarity, connections: []models.Connection{
			conn("c1", "c2", "similarity", 0.8, ""),
		}},
	}

	_, err := o.Run(context.Background(), runChunks(), engines, NopSink{})

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "upsert connection", perr.Op)
}

func TestRunLoadExistingFailureIsFatal(t *testing.T) {
	store := &fakeConnStore{getErr: errors.New("graph down")}
	o := NewOrchestrator(store, time.Minute, nil)

	engines := []Engine{&scriptedEngine{kind: EngineSimilarity}}

	_, err := o.Run(context.Background(), runChunks(), engines, NopSink{})

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "load existing connections", perr.Op)
}

func TestRunSkipsWeakerThanStored(t *testing.T) {
	store := &fakeConnStore{existing: []models.Connection{
		conn("c1", "c2", "similarity", 0.9, "stored"),
	}}
	o := NewOrchestrator(store, time.Minute, nil)

	engines := []Engine{
		&scriptedEngine{kind: EngineSimilarity, connections: []models.Connection{
			conn("c1", "c2", "similarity", 0.8, "rerun"),
		}},
	}

	result, err := o.Run(context.Background(), runChunks(), engines, NopSink{})

	require.NoError(t, err)
	assert.Zero(t, result.Persisted)
	assert.Empty(t, store.upserts)
}

func TestRunProgressIsMonotonicAndBanded(t *testing.T) {
	store := &fakeConnStore{}
	weights := map[EngineKind]int{
		EngineSimilarity:    1,
		EngineContradiction: 2,
	}
	o := NewOrchestrator(store, time.Minute, weights)

	sink := &recordingSink{}
	engines := []Engine{
		&scriptedEngine{kind: EngineSimilarity},
		&scriptedEngine{kind: EngineContradiction},
	}

	_, err := o.Run(context.Background(), runChunks(), engines, sink)
	require.NoError(t, err)

	updates := sink.all()
	require.NotEmpty(t, updates)

	prev := -1
	for _, p := range updates {
		assert.GreaterOrEqual(t, p.Percent, prev, "progress must never go backwards")
		prev = p.Percent
	}

	// Weighted bands over [0, 90]: similarity ends at 30, contradiction at 90.
	var engineDone []int
	for _, p := range updates {
		if p.Stage == models.StageEngines {
			engineDone = append(engineDone, p.Percent)
		}
	}
	assert.Contains(t, engineDone, 30)
	assert.Contains(t, engineDone, 90)

	last := updates[len(updates)-1]
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, models.StageFinished, last.Stage)
}

func TestRunPanickingSinkDoesNotAbort(t *testing.T) {
	store := &fakeConnStore{}
	o := NewOrchestrator(store, time.Minute, nil)

	sink := SinkFunc(func(models.Progress) { panic("observer bug") })
	engines := []Engine{
		&scriptedEngine{kind: EngineSimilarity, connections: []models.Connection{
			conn("c1", "c2", "similarity", 0.8, ""),
		}},
	}

	result, err := o.Run(context.Background(), runChunks(), engines, sink)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Persisted)
}

func TestRunNoEngines(t *testing.T) {
	store := &fakeConnStore{}
	o := NewOrchestrator(store, time.Minute, nil)

	result, err := o.Run(context.Background(), runChunks(), nil, NopSink{})

	require.NoError(t, err)
	assert.Zero(t, result.Persisted)
	assert.Empty(t, result.Errors)
}
