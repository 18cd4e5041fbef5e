// Package subscribe owns the device subscription write path: validate the
// request, move the device between buckets, then persist the record.
package subscribe

import (
	"announce-notifier/archive"
	"announce-notifier/docstore"
	"announce-notifier/index"
	"announce-notifier/pkg/notifier"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-playground/validator/v10"
)

const (
	deviceCollection = "devices"
	defaultLang      = "en"
)

// errConcurrentChange means the device record changed while its buckets were being updated.
var errConcurrentChange = errors.New("device subscription changed concurrently")

// Service applies device subscription changes.
type Service struct {
	db        docstore.Store
	followers *archive.Store
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a subscription service.
func New(db docstore.Store, followers *archive.Store, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		followers: followers,
		validate:  NewValidator(),
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source used for slot computation.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// DevicePath returns the document path of a device subscription.
func DevicePath(token string) string {
	return docstore.Join(deviceCollection, token)
}

func (s *Service) load(ctx context.Context, token string) (*notifier.DeviceSubscription, error) {
	snap, err := s.db.Get(ctx, DevicePath(token))
	if err != nil {
		return nil, fmt.Errorf("read device: %w", err)
	}
	return decodeDevice(snap)
}

func decodeDevice(snap docstore.Snapshot) (*notifier.DeviceSubscription, error) {
	if !snap.Exists() {
		return nil, nil
	}
	var sub notifier.DeviceSubscription
	if err := snap.DataTo(&sub); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	if err := notifier.CheckSchema("device", sub.Schema); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Get returns the stored subscription of a device.
func (s *Service) Get(ctx context.Context, token string) (*notifier.DeviceSubscription, error) {
	if !ValidToken(token) {
		return nil, &notifier.ValidationError{Reason: "malformed token"}
	}
	sub, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("device subscription: %w", docstore.ErrNotFound)
	}
	return sub, nil
}

// Update replaces a device's preferences. An empty follow set deletes the
// record. Malformed input is rejected before anything is written.
func (s *Service) Update(ctx context.Context, req *Request) (*notifier.DeviceSubscription, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if len(req.Follows) == 0 {
		return nil, s.apply(ctx, req.Token, nil)
	}

	lang := req.Lang
	if lang == "" {
		lang = defaultLang
	}
	tz := req.TZ
	if tz == "" {
		tz = "UTC"
	}
	follows := make(map[string][]int, len(req.Follows))
	for id, hours := range req.Follows {
		norm, err := index.NormalizeHours(hours)
		if err != nil {
			return nil, err
		}
		follows[id] = norm
	}
	cur := &notifier.DeviceSubscription{
		Schema:  notifier.SchemaVersion,
		Token:   req.Token,
		Lang:    lang,
		TZ:      tz,
		Follows: follows,
	}
	idx, err := index.Compute(cur, s.now())
	if err != nil {
		return nil, err
	}
	cur.Buckets = idx
	if err := s.apply(ctx, req.Token, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// Delete removes a device's record and every bucket membership.
func (s *Service) Delete(ctx context.Context, token string) error {
	if !ValidToken(token) {
		return &notifier.ValidationError{Reason: "malformed token"}
	}
	return s.apply(ctx, token, nil)
}

// Invalidate drops a token the push provider reported as permanently invalid.
// The device record is the source of truth, so this is an unsubscribe. The
// token is also removed from bucket, where the failed send found it, when the
// record does not account for that membership.
func (s *Service) Invalidate(ctx context.Context, token, bucket string) error {
	if !ValidToken(token) {
		return &notifier.ValidationError{Reason: "malformed token"}
	}
	prev, err := s.load(ctx, token)
	if err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	if err := s.apply(ctx, token, nil); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	if bucket != "" && !member(prev, bucket, s.now()) {
		if err := s.followers.Remove(ctx, bucket, token); err != nil {
			return fmt.Errorf("remove orphaned membership: %w", err)
		}
		s.logger.Warn("Removed orphaned bucket membership", "bucket", bucket, "token_len", len(token))
	}
	s.logger.Info("Invalidated device token", "token_len", len(token))
	return nil
}

// member reports whether sub's bucket index includes key.
func member(sub *notifier.DeviceSubscription, key string, now time.Time) bool {
	if sub == nil {
		return false
	}
	idx, err := index.Of(sub, now)
	if err != nil {
		return false
	}
	_, ok := idx[key]
	return ok
}

// apply moves the device between buckets and then writes cur (nil deletes).
// Bucket operations are idempotent, so when the record changed underneath
// us the whole step is retried against the new previous value.
func (s *Service) apply(ctx context.Context, token string, cur *notifier.DeviceSubscription) error {
	err := retry.Do(
		func() error {
			return s.applyOnce(ctx, token, cur)
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(100*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying subscription update", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errConcurrentChange)
		}),
	)
	if err != nil {
		return fmt.Errorf("apply subscription: %w", err)
	}
	return nil
}

func (s *Service) applyOnce(ctx context.Context, token string, cur *notifier.DeviceSubscription) error {
	prev, err := s.load(ctx, token)
	if err != nil {
		return err
	}
	now := s.now()
	prevIdx, err := index.Of(prev, now)
	if err != nil {
		return fmt.Errorf("index previous subscription: %w", err)
	}
	var curIdx index.Index
	if cur != nil {
		curIdx = cur.Buckets
	}
	changes := index.Diff(prevIdx, curIdx)

	if len(changes) > 0 {
		var batch docstore.Batch
		for _, c := range changes {
			if c.IsRemove() {
				archive.StageRemove(&batch, c.Key, token)
			} else {
				archive.StageUpsert(&batch, c.Key, token, *c.Entry)
			}
		}
		if err := s.db.Commit(ctx, &batch); err != nil {
			return fmt.Errorf("update buckets: %w", err)
		}
		s.compactChanged(ctx, changes)
	}

	return s.db.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(DevicePath(token))
		if err != nil {
			return fmt.Errorf("re-read device: %w", err)
		}
		latest, err := decodeDevice(snap)
		if err != nil {
			return err
		}
		if !sameVersion(prev, latest) {
			return errConcurrentChange
		}
		if cur == nil {
			if latest == nil {
				return nil
			}
			return tx.Delete(DevicePath(token))
		}
		cur.UpdatedAt = now.UTC().Truncate(time.Microsecond)
		return tx.Set(DevicePath(token), cur)
	})
}

// compactChanged compacts changed buckets that reached their budget.
// Tombstones count toward the budget, so removes are checked too. The bucket
// writes already succeeded, so failures here are only logged.
func (s *Service) compactChanged(ctx context.Context, changes []index.Change) {
	for _, c := range changes {
		should, err := s.followers.ShouldCompact(ctx, c.Key)
		if err != nil {
			s.logger.Warn("Failed to check bucket size", "bucket", c.Key, "error", err)
			continue
		}
		if !should {
			continue
		}
		if _, err := s.followers.Compact(ctx, c.Key); err != nil {
			s.logger.Warn("Failed to compact bucket", "bucket", c.Key, "error", err)
		}
	}
}

func sameVersion(a, b *notifier.DeviceSubscription) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UpdatedAt.Equal(b.UpdatedAt)
}
