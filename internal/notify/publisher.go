// Package notify publishes applied-answer notifications to RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/ajaybenii/test-system-backend/internal/model"
)

// RoutingKeyApplied is the topic used for answers that became current.
const RoutingKeyApplied = "attempt.answer.applied"

// AnswerApplied is the message body published for each applied event.
type AnswerApplied struct {
	Type      string    `json:"type"`
	AttemptID string    `json:"attempt_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
	EventKey  string    `json:"event_key"`
}

// Publisher sends notifications to a topic exchange. A Publisher built from
// an empty URI is disabled and drops messages.
type Publisher struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	enabled  bool
}

// NewPublisher dials RabbitMQ and declares a durable topic exchange.
func NewPublisher(uri, exchange string) (*Publisher, error) {
	if uri == "" {
		slog.Info("amqp uri is empty, answer notifications are disabled")
		return &Publisher{enabled: false}, nil
	}
	if exchange == "" {
		exchange = "testsystem.events"
	}

	conn, err := amqp091.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	slog.Info("connected to rabbitmq", "exchange", exchange)
	return &Publisher{conn: conn, channel: channel, exchange: exchange, enabled: true}, nil
}

// Name identifies the notifier in logs and metrics.
func (p *Publisher) Name() string { return "amqp" }

// AnswerApplied publishes evt under RoutingKeyApplied. The event key doubles
// as the message id so consumers can deduplicate.
func (p *Publisher) AnswerApplied(ctx context.Context, evt model.Event) error {
	if !p.enabled {
		return nil
	}
	body, err := json.Marshal(newAnswerApplied(evt))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(
		pubCtx,
		p.exchange,        // exchange
		RoutingKeyApplied, // routing key
		false,             // mandatory
		false,             // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    evt.EventKey,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func newAnswerApplied(evt model.Event) AnswerApplied {
	return AnswerApplied{
		Type:      RoutingKeyApplied,
		AttemptID: evt.AttemptID,
		Question:  evt.Question,
		Answer:    evt.Answer,
		Timestamp: evt.Timestamp,
		EventKey:  evt.EventKey,
	}
}
