// Package queue carries dispatch messages from enqueue to the push handler
// with at-least-once delivery.
package queue

import (
	"announce-notifier/pkg/notifier"
	"context"
)

// Handler processes one message. A returned error asks for redelivery.
type Handler func(ctx context.Context, msg *notifier.DispatchMessage) error

// Queue is implemented by the Pub/Sub and in-memory backends.
type Queue interface {
	// Publish returns once the message is durably accepted.
	Publish(ctx context.Context, msg *notifier.DispatchMessage) error
	// Receive delivers messages to h until ctx is cancelled.
	Receive(ctx context.Context, h Handler) error
	Close() error
}
