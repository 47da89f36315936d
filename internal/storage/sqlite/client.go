package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/logger"
)

// Client backs both the chunk store and the detection-job table. Chunks
// are written by the ingestion pipeline; the detection core only flips
// their detected flag.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	// _txlock=immediate makes BeginTx take the write lock up front, which
	// the duplicate-job guard relies on: its overlap check and insert must
	// be one atomic compare-and-insert, not a read-then-write race.
	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		content TEXT NOT NULL,
		importance_score REAL NOT NULL DEFAULT 0.5,
		embedding_id TEXT,
		detected INTEGER NOT NULL DEFAULT 0,
		detected_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_document_detected ON chunks(document_id, detected);

	CREATE TABLE IF NOT EXISTS detection_jobs (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		status TEXT NOT NULL,
		percent INTEGER NOT NULL DEFAULT 0,
		stage TEXT NOT NULL DEFAULT 'queued',
		detail TEXT NOT NULL DEFAULT '',
		enabled_engines TEXT NOT NULL DEFAULT '[]',
		connection_count INTEGER NOT NULL DEFAULT 0,
		engine_errors TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_document ON detection_jobs(document_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON detection_jobs(status);

	CREATE TABLE IF NOT EXISTS detection_job_chunks (
		job_id TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		PRIMARY KEY (job_id, chunk_id),
		FOREIGN KEY (job_id) REFERENCES detection_jobs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_job_chunks_chunk ON detection_job_chunks(chunk_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InsertChunk exists for the ingestion pipeline and tests; the detection
// core itself never creates chunks.
func (c *Client) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	query := `
		INSERT INTO chunks (id, document_id, content, importance_score, embedding_id, detected, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	detected := 0
	var detectedAt interface{}
	if chunk.Detected {
		detected = 1
		if chunk.DetectedAt != nil {
			detectedAt = chunk.DetectedAt.Unix()
		}
	}

	_, err := c.db.ExecContext(ctx, query,
		chunk.ID,
		chunk.DocumentID,
		chunk.Content,
		chunk.ImportanceScore,
		chunk.EmbeddingID,
		detected,
		detectedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	return nil
}

func (c *Client) GetChunks(ctx context.Context, documentID string, filter detection.ChunkFilter) ([]models.Chunk, error) {
	query := `
		SELECT id, document_id, content, importance_score, embedding_id, detected, detected_at
		FROM chunks
		WHERE document_id = ?
	`
	if filter == detection.FilterUndetected {
		query += " AND detected = 0"
	}
	query += " ORDER BY id"

	rows, err := c.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

func (c *Client) GetChunksByIDs(ctx context.Context, ids []string) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id, document_id, content, importance_score, embedding_id, detected, detected_at
		FROM chunks
		WHERE id IN (%s)
		ORDER BY id
	`, placeholders(len(ids)))

	rows, err := c.db.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks by ids: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// MarkDetected flips the detected flag for every id in one transaction:
// either the whole run's chunk set is marked, or none of it is.
func (c *Client) MarkDetected(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(
		"UPDATE chunks SET detected = 1, detected_at = ? WHERE id IN (%s)",
		placeholders(len(ids)),
	)

	args := append([]interface{}{at.Unix()}, toArgs(ids)...)
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark chunks detected: %w", err)
	}

	affected, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk marking: %w", err)
	}

	logger.Info("Chunks marked detected",
		zap.Int("requested", len(ids)),
		zap.Int64("updated", affected),
	)

	return nil
}

func (c *Client) GetDetectionStats(ctx context.Context, documentID string) (*models.DetectionStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(detected), 0)
		FROM chunks
		WHERE document_id = ?
	`

	var stats models.DetectionStats
	err := c.db.QueryRowContext(ctx, query, documentID).Scan(&stats.Total, &stats.Detected)
	if err != nil {
		return nil, fmt.Errorf("failed to get detection stats: %w", err)
	}

	stats.Undetected = stats.Total - stats.Detected
	if stats.Total > 0 {
		stats.Percentage = 100 * float64(stats.Detected) / float64(stats.Total)
	}

	return &stats, nil
}

// CreateJobIfNoOverlap inserts the job unless a non-terminal job already
// claims any of its chunks. Check and insert run in one immediate
// transaction, so two concurrent submissions over the same chunks cannot
// both get through; the second receives the first's job ID.
func (c *Client) CreateJobIfNoOverlap(ctx context.Context, job *models.DetectionJob) (string, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(job.ChunkIDs) > 0 {
		query := fmt.Sprintf(`
			SELECT j.id
			FROM detection_jobs j
			JOIN detection_job_chunks jc ON jc.job_id = j.id
			WHERE j.status IN ('pending', 'processing') AND jc.chunk_id IN (%s)
			LIMIT 1
		`, placeholders(len(job.ChunkIDs)))

		var conflictID string
		err := tx.QueryRowContext(ctx, query, toArgs(job.ChunkIDs)...).Scan(&conflictID)
		if err == nil {
			return conflictID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("failed to check job overlap: %w", err)
		}
	}

	enginesJSON, _ := json.Marshal(job.EnabledEngines)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO detection_jobs (id, document_id, trigger_type, status, percent, stage, detail, enabled_engines, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.DocumentID,
		string(job.Trigger),
		string(job.Status),
		job.Progress.Percent,
		string(job.Progress.Stage),
		job.Progress.Detail,
		string(enginesJSON),
		job.CreatedAt.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	for _, chunkID := range job.ChunkIDs {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO detection_job_chunks (job_id, chunk_id) VALUES (?, ?)",
			job.ID, chunkID,
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert job chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit job: %w", err)
	}

	logger.Info("Detection job created",
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.String("trigger", string(job.Trigger)),
		zap.Int("chunks", len(job.ChunkIDs)),
	)

	return "", nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*models.DetectionJob, error) {
	query := `
		SELECT id, document_id, trigger_type, status, percent, stage, detail,
		       enabled_engines, connection_count, engine_errors, error, created_at, completed_at
		FROM detection_jobs
		WHERE id = ?
	`

	var job models.DetectionJob
	var trigger, status, stage, enginesJSON, errorsJSON string
	var createdAt int64
	var completedAt sql.NullInt64

	err := c.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID,
		&job.DocumentID,
		&trigger,
		&status,
		&job.Progress.Percent,
		&stage,
		&job.Progress.Detail,
		&enginesJSON,
		&job.ConnectionCount,
		&errorsJSON,
		&job.Error,
		&createdAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: job %s", detection.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Trigger = models.JobTrigger(trigger)
	job.Status = models.JobStatus(status)
	job.Progress.Stage = models.ProgressStage(stage)
	job.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		job.CompletedAt = &t
	}
	json.Unmarshal([]byte(enginesJSON), &job.EnabledEngines)
	json.Unmarshal([]byte(errorsJSON), &job.EngineErrors)

	rows, err := c.db.QueryContext(ctx,
		"SELECT chunk_id FROM detection_job_chunks WHERE job_id = ? ORDER BY chunk_id", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chunkID string
		if err := rows.Scan(&chunkID); err != nil {
			return nil, fmt.Errorf("failed to scan job chunk: %w", err)
		}
		job.ChunkIDs = append(job.ChunkIDs, chunkID)
	}

	return &job, nil
}

func (c *Client) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE detection_jobs SET status = ? WHERE id = ?",
		string(status), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (c *Client) UpdateJobProgress(ctx context.Context, jobID string, progress models.Progress) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE detection_jobs SET percent = ?, stage = ?, detail = ? WHERE id = ?",
		progress.Percent, string(progress.Stage), progress.Detail, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

func (c *Client) CompleteJob(ctx context.Context, jobID string, connectionCount int, engineErrors []string, at time.Time) error {
	errorsJSON, _ := json.Marshal(engineErrors)

	_, err := c.db.ExecContext(ctx, `
		UPDATE detection_jobs
		SET status = ?, percent = 100, stage = ?, connection_count = ?, engine_errors = ?, completed_at = ?
		WHERE id = ?
	`,
		string(models.JobCompleted),
		string(models.StageFinished),
		connectionCount,
		string(errorsJSON),
		at.Unix(),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (c *Client) FailJob(ctx context.Context, jobID string, jobErr string, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE detection_jobs SET status = ?, error = ?, completed_at = ? WHERE id = ?
	`,
		string(models.JobFailed),
		jobErr,
		at.Unix(),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

func scanChunks(rows *sql.Rows) ([]models.Chunk, error) {
	var chunks []models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		var embeddingID sql.NullString
		var detected int
		var detectedAt sql.NullInt64

		err := rows.Scan(
			&chunk.ID,
			&chunk.DocumentID,
			&chunk.Content,
			&chunk.ImportanceScore,
			&embeddingID,
			&detected,
			&detectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}

		chunk.EmbeddingID = embeddingID.String
		chunk.Detected = detected != 0
		if detectedAt.Valid {
			t := time.Unix(detectedAt.Int64, 0)
			chunk.DetectedAt = &t
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
