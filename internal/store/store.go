// Package store defines the persistence contracts for the answer event log
// and the derived attempt summaries. Backends live in subpackages.
package store

import (
	"context"
	"errors"

	"github.com/ajaybenii/test-system-backend/internal/model"
)

var (
	// ErrNotFound is returned when an attempt summary does not exist.
	ErrNotFound = errors.New("not found")
	// ErrKeySchemeMismatch is returned when a database was written with a
	// different event identity scheme than this binary computes.
	ErrKeySchemeMismatch = errors.New("event key scheme mismatch")
)

// EventLog is the append-only, deduplicated record of every submitted event.
type EventLog interface {
	// Append inserts the event unless one with the same (attempt_id, event_key)
	// already exists. Uniqueness is enforced by the storage engine.
	Append(ctx context.Context, evt model.Event) (model.AppendResult, error)
	// LatestFor returns the event with the greatest (timestamp, event_key) for
	// the question, or nil if none was logged.
	LatestFor(ctx context.Context, attemptID, question string) (*model.Event, error)
	// ListEvents returns every event for the attempt ordered by (timestamp, event_key).
	ListEvents(ctx context.Context, attemptID string) ([]model.Event, error)
	// QuestionStats returns the latest timestamp and event count per question.
	QuestionStats(ctx context.Context, attemptID string) ([]model.QuestionStat, error)
}

// SummaryStore holds the mutable per-attempt current-answer view.
type SummaryStore interface {
	// MergeAnswer atomically records evt as the answer for its question if evt
	// supersedes the version currently stored, creating the summary when absent.
	// It reports whether the merge took effect.
	MergeAnswer(ctx context.Context, evt model.Event) (bool, error)
	// GetSummary returns ErrNotFound when the attempt has no summary.
	GetSummary(ctx context.Context, attemptID string) (model.AttemptSummary, error)
}

// Store is a complete backend.
type Store interface {
	EventLog
	SummaryStore
	ListAttemptIDs(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
