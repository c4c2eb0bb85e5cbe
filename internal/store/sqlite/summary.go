package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/ajaybenii/test-system-backend/internal/model"
	"github.com/ajaybenii/test-system-backend/internal/store"
)

// MergeAnswer records evt as the current answer for its question if it
// supersedes the stored version, then advances the attempt's last_updated
// high-water mark. Both writes share one IMMEDIATE transaction.
func (s *Store) MergeAnswer(ctx context.Context, evt model.Event) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap("begin merge", err)
	}
	defer tx.Rollback()

	tsMs := toMillis(evt.Timestamp)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO attempt_answers (attempt_id, question, answer, timestamp_ms, event_key)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id, question) DO UPDATE SET
			answer = excluded.answer,
			timestamp_ms = excluded.timestamp_ms,
			event_key = excluded.event_key
		 WHERE excluded.timestamp_ms > attempt_answers.timestamp_ms
			OR (excluded.timestamp_ms = attempt_answers.timestamp_ms AND excluded.event_key > attempt_answers.event_key)`,
		evt.AttemptID, evt.Question, evt.Answer, tsMs, evt.EventKey,
	)
	if err != nil {
		return false, wrap("merge answer", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("merge answer", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO attempts (attempt_id, last_updated_ms, created_at_ms)
		 VALUES (?, ?, ?)
		 ON CONFLICT(attempt_id) DO UPDATE SET
			last_updated_ms = MAX(attempts.last_updated_ms, excluded.last_updated_ms)`,
		evt.AttemptID, tsMs, toMillis(time.Now()),
	)
	if err != nil {
		return false, wrap("merge attempt", err)
	}

	if err := tx.Commit(); err != nil {
		return false, wrap("commit merge", err)
	}
	return true, nil
}

// GetSummary returns the attempt's current answers. A single joined query
// keeps answers and last_updated from the same snapshot.
func (s *Store) GetSummary(ctx context.Context, attemptID string) (model.AttemptSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.last_updated_ms, a.created_at_ms, aa.question, aa.answer
		 FROM attempts a
		 LEFT JOIN attempt_answers aa ON aa.attempt_id = a.attempt_id
		 WHERE a.attempt_id = ?`,
		attemptID,
	)
	if err != nil {
		return model.AttemptSummary{}, wrap("get summary", err)
	}
	defer rows.Close()

	summary := model.AttemptSummary{AttemptID: attemptID, Answers: map[string]string{}}
	found := false
	for rows.Next() {
		var lastMs, createdMs int64
		var question, answer sql.NullString
		if err := rows.Scan(&lastMs, &createdMs, &question, &answer); err != nil {
			return model.AttemptSummary{}, wrap("get summary", err)
		}
		found = true
		summary.LastUpdated = fromMillis(lastMs)
		summary.CreatedAt = fromMillis(createdMs)
		if question.Valid {
			summary.Answers[question.String] = answer.String
		}
	}
	if err := rows.Err(); err != nil {
		return model.AttemptSummary{}, wrap("get summary", err)
	}
	if !found {
		return model.AttemptSummary{}, store.ErrNotFound
	}
	return summary, nil
}
