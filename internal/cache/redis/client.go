package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/logger"
)

// Client caches per-document detection stats (the reader UI polls them for
// scanned/not-scanned badges) and keeps the latest progress snapshot per
// running job so status polls skip SQLite.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) SetStats(ctx context.Context, documentID string, stats *models.DetectionStats, ttl time.Duration) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	err = c.client.Set(ctx, statsKey(documentID), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set stats cache: %w", err)
	}

	return nil
}

func (c *Client) GetStats(ctx context.Context, documentID string) (*models.DetectionStats, bool, error) {
	data, err := c.client.Get(ctx, statsKey(documentID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get stats cache: %w", err)
	}

	var stats models.DetectionStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal stats: %w", err)
	}

	logger.Debug("Stats cache hit", zap.String("document_id", documentID))
	return &stats, true, nil
}

// InvalidateStats drops the cached stats after a job completes, so the
// next poll sees the fresh detected counts.
func (c *Client) InvalidateStats(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, statsKey(documentID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate stats cache: %w", err)
	}
	return nil
}

func (c *Client) SetProgress(ctx context.Context, jobID string, progress models.Progress, ttl time.Duration) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	err = c.client.Set(ctx, progressKey(jobID), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set progress snapshot: %w", err)
	}

	return nil
}

func (c *Client) GetProgress(ctx context.Context, jobID string) (*models.Progress, bool, error) {
	data, err := c.client.Get(ctx, progressKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get progress snapshot: %w", err)
	}

	var progress models.Progress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal progress: %w", err)
	}

	return &progress, true, nil
}

func statsKey(documentID string) string {
	return fmt.Sprintf("detection:stats:%s", documentID)
}

func progressKey(jobID string) string {
	return fmt.Sprintf("detection:progress:%s", jobID)
}
