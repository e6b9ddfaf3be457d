package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

const consumerName = "events-persister"

// Consumer listens on the audit event subjects and persists entries to
// the database.
type Consumer struct {
	repo *Repository
	js   jetstream.JetStream
}

// NewConsumer creates a new audit event Consumer.
func NewConsumer(repo *Repository, js jetstream.JetStream) *Consumer {
	return &Consumer{repo: repo, js: js}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, StreamEvents, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensuring consumer %s: %w", consumerName, err)
	}

	slog.Info("event consumer started", "consumer", consumerName)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("event consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		slog.Error("event consumer: unmarshaling event", "error", err)
		_ = msg.Nak()
		return
	}

	if err := c.repo.Insert(ctx, ev); err != nil {
		slog.Error("event consumer: persisting event", "error", err, "event_type", ev.Type)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("event consumer: persisted event",
		"event_type", ev.Type,
		"subscriber_id", ev.SubscriberID,
		"severity", ev.Severity,
	)
}
