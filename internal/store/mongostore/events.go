package mongostore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ajaybenii/test-system-backend/internal/model"
)

type eventDoc struct {
	AttemptID  string    `bson:"attempt_id"`
	EventKey   string    `bson:"event_key"`
	Question   string    `bson:"question"`
	Answer     string    `bson:"answer"`
	Timestamp  time.Time `bson:"timestamp"`
	ReceivedAt time.Time `bson:"received_at"`
}

func (d eventDoc) toModel() model.Event {
	return model.Event{
		AttemptID:  d.AttemptID,
		EventKey:   d.EventKey,
		Question:   d.Question,
		Answer:     d.Answer,
		Timestamp:  d.Timestamp.UTC(),
		ReceivedAt: d.ReceivedAt.UTC(),
	}
}

// newestFirst is the total order used to pick the latest event.
var newestFirst = bson.D{{Key: "timestamp", Value: -1}, {Key: "event_key", Value: -1}}

// Append inserts the event; a duplicate-key error from the unique index means
// the event is already logged.
func (s *Store) Append(ctx context.Context, evt model.Event) (model.AppendResult, error) {
	receivedAt := evt.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	doc := eventDoc{
		AttemptID:  evt.AttemptID,
		EventKey:   evt.EventKey,
		Question:   evt.Question,
		Answer:     evt.Answer,
		Timestamp:  model.NormalizeTime(evt.Timestamp),
		ReceivedAt: receivedAt,
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.AlreadyExists, nil
		}
		return 0, fmt.Errorf("append event: %w", err)
	}
	return model.Inserted, nil
}

// LatestFor returns the newest event for the question, or nil.
func (s *Store) LatestFor(ctx context.Context, attemptID, question string) (*model.Event, error) {
	var doc eventDoc
	err := s.events.FindOne(ctx,
		bson.M{"attempt_id": attemptID, "question": question},
		options.FindOne().SetSort(newestFirst),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event: %w", err)
	}
	e := doc.toModel()
	return &e, nil
}

// ListEvents returns every event of the attempt, oldest first.
func (s *Store) ListEvents(ctx context.Context, attemptID string) ([]model.Event, error) {
	cursor, err := s.events.Find(ctx,
		bson.M{"attempt_id": attemptID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "event_key", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []model.Event
	for cursor.Next(ctx) {
		var doc eventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// QuestionStats groups the attempt's events by question.
func (s *Store) QuestionStats(ctx context.Context, attemptID string) ([]model.QuestionStat, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"attempt_id": attemptID}}},
		{{Key: "$group", Value: bson.M{
			"_id":          "$question",
			"last_updated": bson.M{"$max": "$timestamp"},
			"count":        bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}
	cursor, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("question stats: %w", err)
	}
	defer cursor.Close(ctx)

	var stats []model.QuestionStat
	for cursor.Next(ctx) {
		var row struct {
			Question    string    `bson:"_id"`
			LastUpdated time.Time `bson:"last_updated"`
			Count       int       `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode question stats: %w", err)
		}
		stats = append(stats, model.QuestionStat{
			Question:    row.Question,
			LastUpdated: row.LastUpdated.UTC(),
			EventCount:  row.Count,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("question stats: %w", err)
	}
	return stats, nil
}

// ListAttemptIDs returns every attempt with logged events or a summary, sorted.
func (s *Store) ListAttemptIDs(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	for _, coll := range []*mongo.Collection{s.events, s.attempts} {
		res := coll.Distinct(ctx, "attempt_id", bson.M{})
		var ids []string
		if err := res.Decode(&ids); err != nil {
			return nil, fmt.Errorf("distinct attempt ids: %w", err)
		}
		for _, id := range ids {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
