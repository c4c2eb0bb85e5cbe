package model

import "time"

// Outcome is the result of applying one answer event.
type Outcome string

const (
	// AppliedNew means the event was logged and is now reflected in the attempt summary.
	AppliedNew Outcome = "applied"
	// AppliedIgnoredDuplicate means an identical event was already logged; nothing changed.
	AppliedIgnoredDuplicate Outcome = "duplicate"
	// AppliedStale means the event was logged but a newer event already owns its question.
	AppliedStale Outcome = "stale"
)

// AppendResult is the outcome of an insert-if-absent into the event log.
type AppendResult int

const (
	// Inserted means the event did not exist and was written.
	Inserted AppendResult = iota + 1
	// AlreadyExists means an event with the same identity was already logged.
	AlreadyExists
)

func (r AppendResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Event is one immutable answer submission.
type Event struct {
	AttemptID  string
	Question   string
	Answer     string
	Timestamp  time.Time
	EventKey   string
	ReceivedAt time.Time
}

// AttemptSummary is the current-answer view of one attempt.
type AttemptSummary struct {
	AttemptID   string
	Answers     map[string]string
	LastUpdated time.Time
	CreatedAt   time.Time
}

// TotalScore is one point per answered question.
func (s AttemptSummary) TotalScore() int {
	return len(s.Answers)
}

// QuestionStat is the per-question aggregate of the event log.
type QuestionStat struct {
	Question    string
	LastUpdated time.Time
	EventCount  int
}
