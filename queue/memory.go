package queue

import (
	"announce-notifier/pkg/notifier"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxAttempts bounds in-memory redelivery.
const DefaultMaxAttempts = 5

type delivery struct {
	data    []byte
	attempt int
}

// Memory is an in-process Queue for local development and tests. Messages
// are serialized like they would be on the wire, and failed deliveries are
// retried up to MaxAttempts times.
type Memory struct {
	MaxAttempts int

	logger  *slog.Logger
	mu      sync.Mutex
	pending []delivery
	notify  chan struct{}
	dropped int
}

// NewMemory creates an empty in-memory queue.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		MaxAttempts: DefaultMaxAttempts,
		logger:      logger,
		notify:      make(chan struct{}, 1),
	}
}

// Publish enqueues a copy of msg.
func (q *Memory) Publish(_ context.Context, msg *notifier.DispatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	q.push(delivery{data: data, attempt: 1})
	return nil
}

func (q *Memory) push(d delivery) {
	q.mu.Lock()
	q.pending = append(q.pending, d)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Memory) pop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return delivery{}, false
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	return d, true
}

// Len returns the number of queued deliveries.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dropped returns how many messages exhausted their attempts.
func (q *Memory) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Memory) handle(ctx context.Context, d delivery, h Handler) {
	var msg notifier.DispatchMessage
	if err := json.Unmarshal(d.data, &msg); err != nil {
		q.logger.Error("Dropping undecodable message", "error", err)
		return
	}
	err := h(ctx, &msg)
	if err == nil {
		return
	}
	if d.attempt >= q.MaxAttempts {
		q.logger.Error("Message exhausted delivery attempts", "id", msg.ID, "attempts", d.attempt, "error", err)
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		return
	}
	q.logger.Warn("Handler failed, message will be redelivered", "id", msg.ID, "attempt", d.attempt, "error", err)
	q.push(delivery{data: d.data, attempt: d.attempt + 1})
}

// Receive delivers messages until ctx is cancelled.
func (q *Memory) Receive(ctx context.Context, h Handler) error {
	for {
		if d, ok := q.pop(); ok {
			q.handle(ctx, d, h)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
	}
}

// Drain delivers queued messages, including redeliveries, until none are left.
func (q *Memory) Drain(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok := q.pop()
		if !ok {
			return nil
		}
		q.handle(ctx, d, h)
	}
}

// Close is a no-op.
func (q *Memory) Close() error {
	return nil
}

var _ Queue = (*Memory)(nil)
