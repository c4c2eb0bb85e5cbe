package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ajaybenii/test-system-backend/internal/model"
)

// Export builds an export of every attempt: its summary (if one was ever
// merged) and its full event log.
func Export(ctx context.Context, s Store) (model.LogExport, error) {
	ids, err := s.ListAttemptIDs(ctx)
	if err != nil {
		return model.LogExport{}, fmt.Errorf("list attempts: %w", err)
	}

	out := model.LogExport{
		ExportedAt: time.Now().UTC(),
		KeyScheme:  model.KeyScheme,
		Attempts:   make([]model.AttemptExport, 0, len(ids)),
	}
	for _, id := range ids {
		ae := model.AttemptExport{AttemptID: id, Answers: map[string]string{}}

		summary, err := s.GetSummary(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			// Logged but never merged; reconcile will fix it.
		case err != nil:
			return model.LogExport{}, fmt.Errorf("get summary %s: %w", id, err)
		default:
			ae.Answers = summary.Answers
			ae.TotalScore = summary.TotalScore()
			lu, ca := summary.LastUpdated, summary.CreatedAt
			ae.LastUpdated = &lu
			ae.CreatedAt = &ca
		}

		events, err := s.ListEvents(ctx, id)
		if err != nil {
			return model.LogExport{}, fmt.Errorf("list events %s: %w", id, err)
		}
		ae.Events = make([]model.EventExport, 0, len(events))
		for _, e := range events {
			ae.Events = append(ae.Events, model.EventExport{
				EventKey:   e.EventKey,
				Question:   e.Question,
				Answer:     e.Answer,
				Timestamp:  e.Timestamp,
				ReceivedAt: e.ReceivedAt,
			})
		}
		out.Attempts = append(out.Attempts, ae)
	}
	return out, nil
}
