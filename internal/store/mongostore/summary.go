package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ajaybenii/test-system-backend/internal/model"
	"github.com/ajaybenii/test-system-backend/internal/store"
)

type answerDoc struct {
	Value     string    `bson:"value"`
	Timestamp time.Time `bson:"timestamp"`
	EventKey  string    `bson:"event_key"`
}

type attemptDoc struct {
	AttemptID   string               `bson:"attempt_id"`
	Answers     map[string]answerDoc `bson:"answers"`
	LastUpdated time.Time            `bson:"last_updated"`
	CreatedAt   time.Time            `bson:"created_at"`
}

// Question ids become field names under "answers", where '.' and '$' have
// path meaning. They are percent-escaped on the way in.
var (
	keyEscaper   = strings.NewReplacer("%", "%25", ".", "%2E", "$", "%24")
	keyUnescaper = strings.NewReplacer("%2E", ".", "%24", "$", "%25", "%")
)

func escapeKey(question string) string { return keyEscaper.Replace(question) }
func unescapeKey(field string) string { return keyUnescaper.Replace(field) }

// MergeAnswer is one conditional upsert: the filter only matches when the
// stored version of the question is absent or older than evt. If the attempt
// exists but the condition fails, the upsert collides with unique_attempt_id;
// the update is then retried without upsert to tell "stale" apart from a
// concurrent first insert.
func (s *Store) MergeAnswer(ctx context.Context, evt model.Event) (bool, error) {
	if evt.Question == "" {
		return false, fmt.Errorf("merge answer: question is required")
	}
	field := "answers." + escapeKey(evt.Question)
	ts := model.NormalizeTime(evt.Timestamp)

	filter := bson.M{
		"attempt_id": evt.AttemptID,
		"$or": bson.A{
			bson.M{field: bson.M{"$exists": false}},
			bson.M{field + ".timestamp": bson.M{"$lt": ts}},
			bson.M{field + ".timestamp": ts, field + ".event_key": bson.M{"$lt": evt.EventKey}},
		},
	}
	update := bson.M{
		"$set": bson.M{field: answerDoc{
			Value:     evt.Answer,
			Timestamp: ts,
			EventKey:  evt.EventKey,
		}},
		"$max":         bson.M{"last_updated": ts},
		"$setOnInsert": bson.M{"created_at": time.Now().UTC()},
	}

	res, err := s.attempts.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err == nil {
		return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("merge answer: %w", err)
	}

	res, err = s.attempts.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("merge answer: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// GetSummary returns store.ErrNotFound when the attempt has no document.
func (s *Store) GetSummary(ctx context.Context, attemptID string) (model.AttemptSummary, error) {
	var doc attemptDoc
	err := s.attempts.FindOne(ctx, bson.M{"attempt_id": attemptID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.AttemptSummary{}, store.ErrNotFound
	}
	if err != nil {
		return model.AttemptSummary{}, fmt.Errorf("get summary: %w", err)
	}

	answers := make(map[string]string, len(doc.Answers))
	for k, a := range doc.Answers {
		answers[unescapeKey(k)] = a.Value
	}
	return model.AttemptSummary{
		AttemptID:   doc.AttemptID,
		Answers:     answers,
		LastUpdated: doc.LastUpdated.UTC(),
		CreatedAt:   doc.CreatedAt.UTC(),
	}, nil
}
