// Package apply turns answer events into attempt summary updates.
//
// Every event is first appended to the event log. Only an event that was
// newly logged and is the newest for its question is merged into the
// summary, and the merge itself is conditional on the stored version, so
// concurrent appliers converge on the newest answer without locks.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ajaybenii/test-system-backend/internal/metrics"
	"github.com/ajaybenii/test-system-backend/internal/model"
	"github.com/ajaybenii/test-system-backend/internal/store"
)

// Notifier is told about every event that became the current answer.
type Notifier interface {
	Name() string
	AnswerApplied(ctx context.Context, evt model.Event) error
}

// Applier applies events against an event log and a summary store.
type Applier struct {
	events    store.EventLog
	summaries store.SummaryStore
	notifiers []Notifier
	now       func() time.Time
}

// Option configures an Applier.
type Option func(*Applier)

// WithNotifiers registers notifiers called after each applied event.
func WithNotifiers(n ...Notifier) Option {
	return func(a *Applier) { a.notifiers = append(a.notifiers, n...) }
}

// WithClock overrides the receive-time clock.
func WithClock(now func() time.Time) Option {
	return func(a *Applier) { a.now = now }
}

// New returns an Applier over the given stores.
func New(events store.EventLog, summaries store.SummaryStore, opts ...Option) *Applier {
	a := &Applier{events: events, summaries: summaries, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ErrInvalidEvent is returned for events missing an attempt or question.
var ErrInvalidEvent = errors.New("invalid event")

// Apply logs evt and, if it is the newest event for its question, merges it
// into the attempt summary. The identity key is always recomputed from the
// event's fields, so a caller-supplied key is ignored.
func (a *Applier) Apply(ctx context.Context, evt model.Event) (model.Outcome, error) {
	if evt.AttemptID == "" || evt.Question == "" {
		return "", fmt.Errorf("%w: attempt_id and question are required", ErrInvalidEvent)
	}
	received := evt.ReceivedAt
	evt = model.NewEvent(evt.AttemptID, evt.Question, evt.Answer, evt.Timestamp)
	evt.ReceivedAt = received
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = a.now().UTC()
	}

	start := time.Now()
	outcome, err := a.apply(ctx, evt)
	if err != nil {
		return "", err
	}
	metrics.ObserveApply(outcome, time.Since(start))

	slog.Debug("applied event",
		"attempt_id", evt.AttemptID,
		"question", evt.Question,
		"event_key", evt.EventKey,
		"outcome", outcome,
	)
	return outcome, nil
}

func (a *Applier) apply(ctx context.Context, evt model.Event) (model.Outcome, error) {
	res, err := a.events.Append(ctx, evt)
	if err != nil {
		metrics.StorageFailure("append")
		return "", fmt.Errorf("append event: %w", err)
	}
	if res == model.AlreadyExists {
		return model.AppliedIgnoredDuplicate, nil
	}

	latest, err := a.events.LatestFor(ctx, evt.AttemptID, evt.Question)
	if err != nil {
		metrics.StorageFailure("latest")
		return "", fmt.Errorf("find latest event: %w", err)
	}
	if latest == nil {
		metrics.StorageFailure("latest")
		return "", fmt.Errorf("find latest event: appended event %s not visible", evt.EventKey)
	}
	if latest.EventKey != evt.EventKey {
		return model.AppliedStale, nil
	}

	merged, err := a.summaries.MergeAnswer(ctx, evt)
	if err != nil {
		metrics.StorageFailure("merge")
		return "", fmt.Errorf("merge answer: %w", err)
	}
	if !merged {
		// A newer event for the question was merged after our LatestFor read.
		return model.AppliedStale, nil
	}

	a.notify(ctx, evt)
	return model.AppliedNew, nil
}

// notify reports evt to every notifier. The event is already durable, so
// failures are logged and counted only.
func (a *Applier) notify(ctx context.Context, evt model.Event) {
	for _, n := range a.notifiers {
		if err := n.AnswerApplied(ctx, evt); err != nil {
			metrics.NotifyFailure(n.Name())
			slog.Warn("notifier failed",
				"notifier", n.Name(),
				"attempt_id", evt.AttemptID,
				"event_key", evt.EventKey,
				"error", err,
			)
		}
	}
}

// Reconcile re-merges the newest logged event of every question in the
// attempt. It repairs summaries left behind when a merge failed after its
// append succeeded, and returns how many answers changed.
func (a *Applier) Reconcile(ctx context.Context, attemptID string) (int, error) {
	stats, err := a.events.QuestionStats(ctx, attemptID)
	if err != nil {
		return 0, fmt.Errorf("question stats: %w", err)
	}

	merged := 0
	for _, st := range stats {
		latest, err := a.events.LatestFor(ctx, attemptID, st.Question)
		if err != nil {
			return merged, fmt.Errorf("find latest event for %q: %w", st.Question, err)
		}
		if latest == nil {
			continue
		}
		ok, err := a.summaries.MergeAnswer(ctx, *latest)
		if err != nil {
			return merged, fmt.Errorf("merge answer for %q: %w", st.Question, err)
		}
		if ok {
			merged++
			a.notify(ctx, *latest)
		}
	}

	metrics.Reconciled(merged)
	if merged > 0 {
		slog.Info("reconciled attempt", "attempt_id", attemptID, "merged", merged)
	}
	return merged, nil
}
