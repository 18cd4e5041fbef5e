package queue

import (
	"announce-notifier/pkg/notifier"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/codeGROOVE-dev/retry"
)

// PubSub is a Queue on Cloud Pub/Sub.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *slog.Logger
}

// NewPubSub publishes to topicID and receives from subID. subID may be empty
// for publish-only processes.
func NewPubSub(client *pubsub.Client, topicID, subID string, logger *slog.Logger) *PubSub {
	q := &PubSub{
		client: client,
		topic:  client.Topic(topicID),
		logger: logger,
	}
	if subID != "" {
		q.sub = client.Subscription(subID)
	}
	return q
}

// Publish waits for the server to acknowledge the message.
func (q *PubSub) Publish(ctx context.Context, msg *notifier.DispatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	var serverID string
	err = retry.Do(
		func() error {
			res := q.topic.Publish(ctx, &pubsub.Message{
				Data: data,
				Attributes: map[string]string{
					"bucket": msg.Bucket,
					"id":     msg.ID,
				},
			})
			id, err := res.Get(ctx)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			serverID = id
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			q.logger.Info("Retrying publish after error", "attempt", n, "id", msg.ID, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("publish %s after retries: %w", msg.ID, err)
	}
	q.logger.Debug("Published dispatch message", "id", msg.ID, "server_id", serverID, "bucket", msg.Bucket)
	return nil
}

// Receive acks handled messages and nacks failed ones for redelivery.
// Undecodable messages are acked and dropped.
func (q *PubSub) Receive(ctx context.Context, h Handler) error {
	if q.sub == nil {
		return fmt.Errorf("no subscription configured")
	}
	err := q.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var msg notifier.DispatchMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			q.logger.Error("Dropping undecodable message", "pubsub_id", m.ID, "error", err)
			m.Ack()
			return
		}
		if err := h(ctx, &msg); err != nil {
			q.logger.Warn("Handler failed, message will be redelivered", "id", msg.ID, "error", err)
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (q *PubSub) Close() error {
	q.topic.Stop()
	return q.client.Close()
}

var _ Queue = (*PubSub)(nil)
