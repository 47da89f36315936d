package models

import "time"

// Chunk is owned by the ingestion pipeline; the detection core only reads
// chunks and flips the detected flag after a successful job.
type Chunk struct {
	ID              string
	DocumentID      string
	Content         string
	ImportanceScore float64
	EmbeddingID     string
	Detected        bool
	DetectedAt      *time.Time
}

// Connection is a scored relationship between two chunks found by one
// engine. At most one stored connection exists per (unordered chunk pair,
// engine); re-runs replace it only with a strictly higher strength.
type Connection struct {
	ID            string
	SourceChunkID string
	TargetChunkID string
	Engine        string
	Strength      float64
	Explanation   string
	Metadata      map[string]string
	DetectedAt    time.Time
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is legal.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type JobTrigger string

const (
	TriggerUpload    JobTrigger = "upload"
	TriggerSingle    JobTrigger = "single"
	TriggerBatch     JobTrigger = "batch"
	TriggerAdminBulk JobTrigger = "admin-bulk"
)

type ProgressStage string

const (
	StageQueued   ProgressStage = "queued"
	StageEngines  ProgressStage = "engines"
	StagePersist  ProgressStage = "persisting"
	StageFinished ProgressStage = "finished"
)

type Progress struct {
	Percent int
	Stage   ProgressStage
	Detail  string
}

type DetectionJob struct {
	ID              string
	DocumentID      string
	ChunkIDs        []string
	Trigger         JobTrigger
	Status          JobStatus
	Progress        Progress
	EnabledEngines  []string
	ConnectionCount int
	EngineErrors    []string
	Error           string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

type DetectionStats struct {
	Total      int
	Detected   int
	Undetected int
	Percentage float64
}
