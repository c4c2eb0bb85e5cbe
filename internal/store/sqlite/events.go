package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/ajaybenii/test-system-backend/internal/model"
)

// Append inserts the event unless (attempt_id, event_key) is already logged.
// The UNIQUE constraint decides; concurrent callers racing on the same event
// see exactly one Inserted.
func (s *Store) Append(ctx context.Context, evt model.Event) (model.AppendResult, error) {
	receivedAt := evt.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (attempt_id, event_key, question, answer, timestamp_ms, received_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id, event_key) DO NOTHING`,
		evt.AttemptID, evt.EventKey, evt.Question, evt.Answer, toMillis(evt.Timestamp), toMillis(receivedAt),
	)
	if err != nil {
		return 0, wrap("append event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("append event", err)
	}
	if n == 0 {
		return model.AlreadyExists, nil
	}
	return model.Inserted, nil
}

// LatestFor returns the newest event for the question, or nil.
func (s *Store) LatestFor(ctx context.Context, attemptID, question string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT attempt_id, event_key, question, answer, timestamp_ms, received_at_ms
		 FROM events
		 WHERE attempt_id = ? AND question = ?
		 ORDER BY timestamp_ms DESC, event_key DESC
		 LIMIT 1`,
		attemptID, question,
	)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("latest event", err)
	}
	return &e, nil
}

// ListEvents returns every event of the attempt, oldest first.
func (s *Store) ListEvents(ctx context.Context, attemptID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, event_key, question, answer, timestamp_ms, received_at_ms
		 FROM events
		 WHERE attempt_id = ?
		 ORDER BY timestamp_ms, event_key`,
		attemptID,
	)
	if err != nil {
		return nil, wrap("list events", err)
	}
	defer rows.Close()
	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrap("list events", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// QuestionStats returns the latest timestamp and event count for each
// question of the attempt, ordered by question.
func (s *Store) QuestionStats(ctx context.Context, attemptID string) ([]model.QuestionStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question, MAX(timestamp_ms), COUNT(*)
		 FROM events
		 WHERE attempt_id = ?
		 GROUP BY question
		 ORDER BY question`,
		attemptID,
	)
	if err != nil {
		return nil, wrap("question stats", err)
	}
	defer rows.Close()
	var stats []model.QuestionStat
	for rows.Next() {
		var st model.QuestionStat
		var lastMs int64
		if err := rows.Scan(&st.Question, &lastMs, &st.EventCount); err != nil {
			return nil, wrap("question stats", err)
		}
		st.LastUpdated = fromMillis(lastMs)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// ListAttemptIDs returns every attempt that has logged events or a summary.
func (s *Store) ListAttemptIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id FROM events
		 UNION
		 SELECT attempt_id FROM attempts
		 ORDER BY attempt_id`,
	)
	if err != nil {
		return nil, wrap("list attempts", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("list attempts", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (model.Event, error) {
	var e model.Event
	var tsMs, recvMs int64
	if err := r.Scan(&e.AttemptID, &e.EventKey, &e.Question, &e.Answer, &tsMs, &recvMs); err != nil {
		return model.Event{}, err
	}
	e.Timestamp = fromMillis(tsMs)
	e.ReceivedAt = fromMillis(recvMs)
	return e, nil
}
