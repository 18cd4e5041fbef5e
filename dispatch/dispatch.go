// Package dispatch fans new posts out to bucket followers through the queue
// and turns provider results into token cleanup.
package dispatch

import (
	"announce-notifier/pkg/notifier"
	"announce-notifier/push"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// freshness bounds how old a post can be and still go out in a timed slot.
	freshness = 24 * time.Hour
	// publishConcurrency bounds in-flight queue publishes.
	publishConcurrency = 8
)

// Followers reads the materialized follower set of a bucket.
type Followers interface {
	ReadAll(ctx context.Context, key string) (map[string]notifier.Entry, error)
}

// Announces looks up announcement metadata. Get may serve a cached copy;
// Load always reads the store.
type Announces interface {
	Get(ctx context.Context, id string) (*notifier.Announce, error)
	Load(ctx context.Context, id string) (*notifier.Announce, error)
}

// Invalidator drops a device whose token the provider rejected permanently.
// bucket is where the failed send found the token.
type Invalidator interface {
	Invalidate(ctx context.Context, token, bucket string) error
}

// Publisher puts messages on the queue.
type Publisher interface {
	Publish(ctx context.Context, msg *notifier.DispatchMessage) error
}

// Dispatcher builds, enqueues and sends notifications.
type Dispatcher struct {
	followers   Followers
	announces   Announces
	invalidator Invalidator
	queue       Publisher
	provider    push.Provider
	logger      *slog.Logger
	now         func() time.Time
}

// Config holds the Dispatcher's collaborators.
type Config struct {
	Followers   Followers
	Announces   Announces
	Invalidator Invalidator
	Queue       Publisher
	Provider    push.Provider
	Logger      *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		followers:   cfg.Followers,
		announces:   cfg.Announces,
		invalidator: cfg.Invalidator,
		queue:       cfg.Queue,
		provider:    cfg.Provider,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// ShouldFire reports whether a bucket is due. Immediate buckets fire whenever
// their announcement gets a post; timed buckets fire in their own slot.
func ShouldFire(key, slot string) bool {
	if notifier.IsTimed(key) {
		return key == notifier.TimedKey(slot)
	}
	return true
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// BuildMessages splits followers into multicasts of at most notifier.MaxBatch
// tokens sharing payload. Tokens are sorted so the split is deterministic.
func BuildMessages(bucket string, followers map[string]notifier.Entry, payload notifier.Payload) []*notifier.DispatchMessage {
	tokens := slices.Sorted(maps.Keys(followers))
	var msgs []*notifier.DispatchMessage
	for _, group := range chunk(tokens, notifier.MaxBatch) {
		msgs = append(msgs, &notifier.DispatchMessage{
			ID:        uuid.NewString(),
			Bucket:    bucket,
			Multicast: &notifier.Multicast{Tokens: group, Payload: payload},
		})
	}
	return msgs
}

// FireImmediate notifies the immediate followers of an announcement about its
// latest post and returns the number of messages enqueued.
func (d *Dispatcher) FireImmediate(ctx context.Context, announceID string) (int, error) {
	// The post that triggered this call must be the one sent.
	a, err := d.announces.Load(ctx, announceID)
	if err != nil {
		return 0, fmt.Errorf("load announce: %w", err)
	}
	if a.LastPost == nil {
		d.logger.Warn("Announce has no post to notify about", "announce_id", announceID)
		return 0, nil
	}
	key := notifier.ImmediateKey(announceID)
	followers, err := d.followers.ReadAll(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read followers: %w", err)
	}
	if len(followers) == 0 {
		d.logger.Info("No immediate followers", "announce_id", announceID)
		return 0, nil
	}
	msgs := BuildMessages(key, followers, postPayload(a))
	if err := d.Enqueue(ctx, msgs); err != nil {
		return 0, err
	}
	d.logger.Info("Enqueued immediate notifications",
		"announce_id", announceID,
		"followers", len(followers),
		"messages", len(msgs))
	return len(msgs), nil
}

// fresh reports whether a's latest post should go out to a follower whose
// previous slot was hoursBefore hours ago (0 means no earlier slot).
func fresh(a *notifier.Announce, hoursBefore int, now time.Time) bool {
	if a == nil || a.LastPost == nil {
		return false
	}
	if !a.LastPostAt.After(now.Add(-freshness)) {
		return false
	}
	if hoursBefore > 0 && !a.LastPostAt.After(now.Add(-time.Duration(hoursBefore)*time.Hour)) {
		return false
	}
	return true
}

// FireTimed notifies the followers of a time slot about announcements with
// recent posts and returns the number of messages enqueued. Each device gets
// the post itself when one announcement qualifies and a digest otherwise.
func (d *Dispatcher) FireTimed(ctx context.Context, slot string) (int, error) {
	key := notifier.TimedKey(slot)
	followers, err := d.followers.ReadAll(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read followers: %w", err)
	}
	if len(followers) == 0 {
		return 0, nil
	}

	announces := make(map[string]*notifier.Announce)
	for _, e := range followers {
		for id := range e.Announces {
			if _, seen := announces[id]; seen {
				continue
			}
			a, err := d.announces.Get(ctx, id)
			if err != nil {
				d.logger.Warn("Skipping announce in timed slot", "slot", slot, "announce_id", id, "error", err)
			}
			announces[id] = a
		}
	}

	now := d.now()
	var each []notifier.TokenMessage
	for _, token := range slices.Sorted(maps.Keys(followers)) {
		e := followers[token]
		var due []*notifier.Announce
		for _, id := range slices.Sorted(maps.Keys(e.Announces)) {
			if a := announces[id]; fresh(a, e.Announces[id], now) {
				due = append(due, a)
			}
		}
		switch len(due) {
		case 0:
			continue
		case 1:
			each = append(each, notifier.TokenMessage{Token: token, Payload: postPayload(due[0])})
		default:
			each = append(each, notifier.TokenMessage{Token: token, Payload: digestPayload(e.Lang, due)})
		}
	}

	var msgs []*notifier.DispatchMessage
	for _, group := range chunk(each, notifier.MaxBatch) {
		msgs = append(msgs, &notifier.DispatchMessage{ID: uuid.NewString(), Bucket: key, Each: group})
	}
	if err := d.Enqueue(ctx, msgs); err != nil {
		return 0, err
	}
	d.logger.Info("Enqueued timed notifications",
		"slot", slot,
		"followers", len(followers),
		"notified", len(each),
		"messages", len(msgs))
	return len(msgs), nil
}

// Enqueue publishes msgs concurrently and returns once every publish is durable.
func (d *Dispatcher) Enqueue(ctx context.Context, msgs []*notifier.DispatchMessage) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(publishConcurrency)
	for _, msg := range msgs {
		eg.Go(func() error {
			if err := d.queue.Publish(ctx, msg); err != nil {
				return fmt.Errorf("enqueue %s: %w", msg.ID, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// HandleMessage is the queue handler. A failed provider call is returned so
// the queue redelivers the message; per-token failures are handled here.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *notifier.DispatchMessage) error {
	results, err := push.Send(ctx, d.provider, msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", msg.ID, err)
	}
	d.OnSendResult(ctx, msg, results)
	return nil
}

// OnSendResult drops permanently invalid tokens and logs other failures.
// Transient failures are not retried here.
func (d *Dispatcher) OnSendResult(ctx context.Context, msg *notifier.DispatchMessage, results []notifier.SendResult) {
	var invalid, failed []string
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if r.Invalid {
			invalid = append(invalid, r.Token)
			continue
		}
		failed = append(failed, r.Token)
		d.logger.Warn("Push delivery failed", "id", msg.ID, "bucket", msg.Bucket, "error", r.Err)
	}
	sort.Strings(invalid)

	var errs []error
	for _, token := range invalid {
		if err := d.invalidator.Invalidate(ctx, token, msg.Bucket); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Error("Failed to drop invalid tokens", "id", msg.ID, "error", err)
	}
	d.logger.Info("Processed send results",
		"id", msg.ID,
		"bucket", msg.Bucket,
		"sent", len(results)-len(invalid)-len(failed),
		"invalid", len(invalid),
		"failed", len(failed))
}
