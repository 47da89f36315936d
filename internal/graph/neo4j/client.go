package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/circuitbreaker"
	"github.com/rhizome/backend/pkg/logger"
	"github.com/rhizome/backend/pkg/retry"
)

// Client is the connection store: connections live as CONNECTED edges
// between Chunk nodes, one edge per (unordered pair, engine). Upserts are
// per-key compare-and-swap on strength, so concurrent jobs can never
// regress a stored connection.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// UpsertIfStronger writes the connection unless an edge with the same
// identity key already holds an equal or greater strength. Retrying the
// write is safe: the swap condition makes it idempotent.
func (c *Client) UpsertIfStronger(ctx context.Context, conn models.Connection) (bool, error) {
	metadataJSON, _ := json.Marshal(conn.Metadata)

	query := `
		MERGE (a:Chunk {id: $source})
		MERGE (b:Chunk {id: $target})
		MERGE (a)-[r:CONNECTED {engine: $engine}]->(b)
		ON CREATE SET r.strength = -1.0
		WITH r, r.strength < $strength AS apply
		SET r.id          = CASE WHEN apply THEN $id ELSE r.id END,
		    r.strength    = CASE WHEN apply THEN $strength ELSE r.strength END,
		    r.explanation = CASE WHEN apply THEN $explanation ELSE r.explanation END,
		    r.metadata    = CASE WHEN apply THEN $metadata ELSE r.metadata END,
		    r.detected_at = CASE WHEN apply THEN $detected_at ELSE r.detected_at END
		RETURN apply
	`

	params := map[string]interface{}{
		"id":          conn.ID,
		"source":      conn.SourceChunkID,
		"target":      conn.TargetChunkID,
		"engine":      conn.Engine,
		"strength":    conn.Strength,
		"explanation": conn.Explanation,
		"metadata":    string(metadataJSON),
		"detected_at": conn.DetectedAt.UnixMilli(),
	}

	applied := false
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			res, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			record, err := res.Single(ctx)
			if err != nil {
				return nil, err
			}
			value, _ := record.Get("apply")
			return value, nil
		})
		if err != nil {
			return err
		}
		applied, _ = result.(bool)
		return nil
	})

	if err != nil {
		return false, fmt.Errorf("failed to upsert connection: %w", err)
	}

	logger.Debug("Connection upserted",
		zap.String("source", conn.SourceChunkID),
		zap.String("target", conn.TargetChunkID),
		zap.String("engine", conn.Engine),
		zap.Bool("applied", applied),
	)

	return applied, nil
}

// GetExisting returns every stored connection touching any of the given
// chunks; the deduplicator compares the run's candidates against these.
func (c *Client) GetExisting(ctx context.Context, chunkIDs []string) ([]models.Connection, error) {
	query := `
		MATCH (a:Chunk)-[r:CONNECTED]->(b:Chunk)
		WHERE a.id IN $ids OR b.id IN $ids
		RETURN r.id AS id, a.id AS source, b.id AS target, r.engine AS engine,
		       r.strength AS strength, r.explanation AS explanation,
		       r.metadata AS metadata, r.detected_at AS detected_at
	`

	var connections []models.Connection
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			res, err := tx.Run(ctx, query, map[string]interface{}{"ids": chunkIDs})
			if err != nil {
				return nil, err
			}
			return res.Collect(ctx)
		})
		if err != nil {
			return err
		}

		records, _ := result.([]*neo4j.Record)
		connections = connections[:0]
		for _, record := range records {
			connections = append(connections, recordToConnection(record))
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to load existing connections: %w", err)
	}

	return connections, nil
}

func recordToConnection(record *neo4j.Record) models.Connection {
	conn := models.Connection{
		ID:            stringValue(record, "id"),
		SourceChunkID: stringValue(record, "source"),
		TargetChunkID: stringValue(record, "target"),
		Engine:        stringValue(record, "engine"),
		Explanation:   stringValue(record, "explanation"),
	}

	if value, ok := record.Get("strength"); ok {
		if strength, ok := value.(float64); ok {
			conn.Strength = strength
		}
	}
	if value, ok := record.Get("detected_at"); ok {
		if millis, ok := value.(int64); ok {
			conn.DetectedAt = time.UnixMilli(millis)
		}
	}
	if raw := stringValue(record, "metadata"); raw != "" {
		json.Unmarshal([]byte(raw), &conn.Metadata)
	}

	return conn
}

func stringValue(record *neo4j.Record, key string) string {
	if value, ok := record.Get(key); ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}
