package model

import "time"

// LogExport is the top-level JSON structure written by the export command.
type LogExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	KeyScheme  string          `json:"key_scheme"`
	Attempts   []AttemptExport `json:"attempts"`
}

// AttemptExport holds one attempt's summary and full event log.
type AttemptExport struct {
	AttemptID   string            `json:"attempt_id"`
	Answers     map[string]string `json:"answers"`
	TotalScore  int               `json:"total_score"`
	LastUpdated *time.Time        `json:"last_updated,omitempty"`
	CreatedAt   *time.Time        `json:"created_at,omitempty"`
	Events      []EventExport     `json:"events"`
}

// EventExport is a single logged event.
type EventExport struct {
	EventKey   string    `json:"event_key"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}
