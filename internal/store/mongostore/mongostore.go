// Package mongostore implements the event log and attempt summaries on
// MongoDB. Idempotency rests on a unique index over (attempt_id, event_key);
// the summary merge is a single conditional upsert on the attempt document.
package mongostore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/ajaybenii/test-system-backend/internal/store"
)

const (
	eventsCollection   = "events"
	attemptsCollection = "attempts"
)

// Config holds connection settings.
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxPoolSize    uint64
}

// Store is a MongoDB-backed event log and summary store.
type Store struct {
	client   *mongo.Client
	events   *mongo.Collection
	attempts *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// New connects to MongoDB and verifies the primary is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "test_system"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetReadPreference(readpref.Primary()).
		SetRetryWrites(true).
		SetRetryReads(true)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	slog.Info("connected to mongo", "database", cfg.Database)
	return &Store{
		client:   client,
		events:   db.Collection(eventsCollection),
		attempts: db.Collection(attemptsCollection),
	}, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks that the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the uniqueness constraint that idempotency depends on
// and the ordering indexes used by LatestFor and analytics. Safe to repeat.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	eventIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "attempt_id", Value: 1}, {Key: "event_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_event_key"),
		},
		{
			Keys: bson.D{
				{Key: "attempt_id", Value: 1},
				{Key: "question", Value: 1},
				{Key: "timestamp", Value: -1},
				{Key: "event_key", Value: -1},
			},
			Options: options.Index().SetName("attempt_question_timestamp"),
		},
		{
			Keys:    bson.D{{Key: "attempt_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("attempt_timestamp"),
		},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, eventIndexes); err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}

	attemptIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "attempt_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_attempt_id"),
		},
	}
	if _, err := s.attempts.Indexes().CreateMany(ctx, attemptIndexes); err != nil {
		return fmt.Errorf("create attempt indexes: %w", err)
	}
	slog.Info("mongo indexes ensured")
	return nil
}
