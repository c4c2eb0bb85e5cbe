package model

import (
	"encoding/hex"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// KeyScheme names the event identity algorithm. Stores persist it so that a
// database written under one scheme is never read under another.
const KeyScheme = "blake2b256-ms-v1"

// TimestampLayout is the canonical text form of an event timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Precision is the resolution at which event timestamps are compared and stored.
const Precision = time.Millisecond

// NormalizeTime converts t to UTC at millisecond precision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}

// EventKey returns the deterministic identity of an answer submission.
// Each field is length-prefixed so that separators inside values cannot
// make two different tuples collide.
func EventKey(attemptID, question, answer string, ts time.Time) string {
	ts = NormalizeTime(ts)
	buf := make([]byte, 0, len(attemptID)+len(question)+len(answer)+64)
	for _, field := range []string{attemptID, question, answer, ts.Format(TimestampLayout)} {
		buf = strconv.AppendInt(buf, int64(len(field)), 10)
		buf = append(buf, ':')
		buf = append(buf, field...)
	}
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// NewEvent builds an event with a normalised timestamp and its identity key.
// ReceivedAt is left for the store to assign.
func NewEvent(attemptID, question, answer string, ts time.Time) Event {
	ts = NormalizeTime(ts)
	return Event{
		AttemptID: attemptID,
		Question:  question,
		Answer:    answer,
		Timestamp: ts,
		EventKey:  EventKey(attemptID, question, answer, ts),
	}
}

// Supersedes reports whether a version (ts, key) is newer than (otherTS, otherKey).
// Equal timestamps are ordered by the lexicographically larger key.
func Supersedes(ts time.Time, key string, otherTS time.Time, otherKey string) bool {
	ts, otherTS = NormalizeTime(ts), NormalizeTime(otherTS)
	if !ts.Equal(otherTS) {
		return ts.After(otherTS)
	}
	return key > otherKey
}

// Supersedes reports whether e is newer than other for the same question.
func (e Event) Supersedes(other Event) bool {
	return Supersedes(e.Timestamp, e.EventKey, other.Timestamp, other.EventKey)
}
