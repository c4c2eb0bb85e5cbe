// Package cache is a Redis read-through cache for attempt summaries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajaybenii/test-system-backend/internal/model"
)

const keyPrefix = "testsystem:summary:"

// DefaultTTL bounds how long a summary read may lag behind an apply that
// raced with the cache fill.
const DefaultTTL = 30 * time.Second

// SummaryReader loads a summary from the source of truth.
type SummaryReader interface {
	GetSummary(ctx context.Context, attemptID string) (model.AttemptSummary, error)
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Summaries serves GetSummary from Redis, falling back to the wrapped reader
// on a miss. With a nil client it is a plain pass-through.
type Summaries struct {
	client *redis.Client
	next   SummaryReader
	ttl    time.Duration
}

// NewClient connects to Redis and pings it. An empty address returns nil.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		slog.Info("redis address is empty, summary cache is disabled")
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	slog.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

// New wraps next. A non-positive ttl selects DefaultTTL.
func New(client *redis.Client, next SummaryReader, ttl time.Duration) *Summaries {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Summaries{client: client, next: next, ttl: ttl}
}

func key(attemptID string) string { return keyPrefix + attemptID }

// GetSummary returns the cached summary or loads and caches it. Redis errors
// are logged and the reader is consulted directly.
func (c *Summaries) GetSummary(ctx context.Context, attemptID string) (model.AttemptSummary, error) {
	if c.client == nil {
		return c.next.GetSummary(ctx, attemptID)
	}

	data, err := c.client.Get(ctx, key(attemptID)).Bytes()
	switch {
	case err == nil:
		var summary model.AttemptSummary
		if err := json.Unmarshal(data, &summary); err == nil {
			return summary, nil
		}
		slog.Warn("discarding undecodable cached summary", "attempt_id", attemptID)
	case errors.Is(err, redis.Nil):
	default:
		slog.Warn("redis get failed", "attempt_id", attemptID, "error", err)
	}

	summary, err := c.next.GetSummary(ctx, attemptID)
	if err != nil {
		return model.AttemptSummary{}, err
	}
	if data, err := json.Marshal(summary); err == nil {
		if err := c.client.Set(ctx, key(attemptID), data, c.ttl).Err(); err != nil {
			slog.Warn("redis set failed", "attempt_id", attemptID, "error", err)
		}
	}
	return summary, nil
}

// Invalidate drops the cached summary for the attempt.
func (c *Summaries) Invalidate(ctx context.Context, attemptID string) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, key(attemptID)).Err(); err != nil {
		return fmt.Errorf("invalidate summary: %w", err)
	}
	return nil
}

// Name identifies the notifier in logs and metrics.
func (c *Summaries) Name() string { return "redis" }

// AnswerApplied invalidates the summary the event changed.
func (c *Summaries) AnswerApplied(ctx context.Context, evt model.Event) error {
	return c.Invalidate(ctx, evt.AttemptID)
}
