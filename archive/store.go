// Package archive stores the followers of each fan-out bucket. New followers
// land in the bucket document; compaction moves them into numbered shard
// documents so no single document outgrows the store's limits.
package archive

import (
	"announce-notifier/docstore"
	"announce-notifier/pkg/notifier"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

const bucketCollection = "buckets"

// shardGrace is how long a shard above the high-water mark may wait for its
// compaction to commit before Sweep treats it as abandoned.
const shardGrace = time.Hour

// Store is the sharded follower store.
type Store struct {
	db     docstore.Store
	logger *slog.Logger
	policy func(key string) Policy
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPolicy overrides the per-bucket compaction budget.
func WithPolicy(fn func(key string) Policy) Option {
	return func(s *Store) {
		s.policy = fn
	}
}

// New creates a follower store on db.
func New(db docstore.Store, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: logger,
		policy: PolicyFor,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetClock overrides the clock stamped on shards and compactions.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// BucketPath returns the document path of a bucket.
func BucketPath(key string) string {
	return docstore.Join(bucketCollection, key)
}

// ShardPath returns the document path of one archive shard.
func ShardPath(key, id string) string {
	return docstore.Join(bucketCollection, key, "archives", id)
}

func upsertMutations(token string, e notifier.Entry) []docstore.Mutation {
	return []docstore.Mutation{
		docstore.SetField(e, "followers", token),
		docstore.ArrayRemove("unfollows", token),
		docstore.SetField(notifier.SchemaVersion, "schema"),
		docstore.ServerTimestamp("updatedAt"),
	}
}

func removeMutations(token string) []docstore.Mutation {
	return []docstore.Mutation{
		docstore.DeleteField("followers", token),
		docstore.ArrayUnion("unfollows", token),
		docstore.SetField(notifier.SchemaVersion, "schema"),
		docstore.ServerTimestamp("updatedAt"),
	}
}

// Upsert adds or replaces a follower and cancels any pending tombstone for it.
func (s *Store) Upsert(ctx context.Context, key, token string, e notifier.Entry) error {
	if err := s.db.Merge(ctx, BucketPath(key), upsertMutations(token, e)...); err != nil {
		return fmt.Errorf("upsert follower: %w", err)
	}
	s.logger.Debug("Upserted follower", "bucket", key, "token_len", len(token))
	return nil
}

// Remove deletes a live follower and tombstones any archived copy.
func (s *Store) Remove(ctx context.Context, key, token string) error {
	if err := s.db.Merge(ctx, BucketPath(key), removeMutations(token)...); err != nil {
		return fmt.Errorf("remove follower: %w", err)
	}
	s.logger.Debug("Removed follower", "bucket", key, "token_len", len(token))
	return nil
}

// StageUpsert appends an Upsert to b.
func StageUpsert(b *docstore.Batch, key, token string, e notifier.Entry) {
	b.Merge(BucketPath(key), upsertMutations(token, e)...)
}

// StageRemove appends a Remove to b.
func StageRemove(b *docstore.Batch, key, token string) {
	b.Merge(BucketPath(key), removeMutations(token)...)
}

func decodeBucket(snap docstore.Snapshot) (*notifier.Bucket, error) {
	var b notifier.Bucket
	if err := snap.DataTo(&b); err != nil {
		return nil, fmt.Errorf("decode bucket: %w", err)
	}
	if err := notifier.CheckSchema("bucket", b.Schema); err != nil {
		return nil, err
	}
	return &b, nil
}

func decodeShard(snap docstore.Snapshot) (map[string]notifier.Entry, error) {
	var sh notifier.Shard
	if err := snap.DataTo(&sh); err != nil {
		return nil, fmt.Errorf("decode shard: %w", err)
	}
	if err := notifier.CheckSchema("shard", sh.Schema); err != nil {
		return nil, err
	}
	if sh.Followers == nil {
		sh.Followers = make(map[string]notifier.Entry)
	}
	return sh.Followers, nil
}

// readShards returns every listed shard keyed by ID. Missing shards are logged and left out.
func (s *Store) readShards(key string, ids []string, get func([]string) ([]docstore.Snapshot, error)) (map[string]map[string]notifier.Entry, error) {
	shards := make(map[string]map[string]notifier.Entry, len(ids))
	if len(ids) == 0 {
		return shards, nil
	}
	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = ShardPath(key, id)
	}
	snaps, err := get(paths)
	if err != nil {
		return nil, fmt.Errorf("read shards: %w", err)
	}
	for i, snap := range snaps {
		if !snap.Exists() {
			s.logger.Warn("Archive shard listed but missing", "bucket", key, "shard", ids[i])
			continue
		}
		followers, err := decodeShard(snap)
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", ids[i], err)
		}
		shards[ids[i]] = followers
	}
	return shards, nil
}

// ReadAll returns the bucket's full follower set: every shard in listed
// order, overridden by live followers, minus tombstoned tokens. A missing
// bucket has no followers.
func (s *Store) ReadAll(ctx context.Context, key string) (map[string]notifier.Entry, error) {
	var out map[string]notifier.Entry
	err := s.db.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		out = make(map[string]notifier.Entry)
		snap, err := tx.Get(BucketPath(key))
		if err != nil {
			return fmt.Errorf("read bucket: %w", err)
		}
		if !snap.Exists() {
			return nil
		}
		b, err := decodeBucket(snap)
		if err != nil {
			return err
		}
		shards, err := s.readShards(key, b.Archives, tx.GetAll)
		if err != nil {
			return err
		}
		for _, id := range b.Archives {
			for token, e := range shards[id] {
				out[token] = e
			}
		}
		for token, e := range b.Followers {
			out[token] = e
		}
		for _, token := range b.Unfollows {
			delete(out, token)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read followers of %s: %w", key, err)
	}
	return out, nil
}

// Bucket returns the raw bucket document, or nil if it does not exist.
func (s *Store) Bucket(ctx context.Context, key string) (*notifier.Bucket, error) {
	snap, err := s.db.Get(ctx, BucketPath(key))
	if err != nil {
		return nil, fmt.Errorf("read bucket: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return decodeBucket(snap)
}

// ShouldCompact reports whether the bucket's live part has reached its budget.
func (s *Store) ShouldCompact(ctx context.Context, key string) (bool, error) {
	b, err := s.Bucket(ctx, key)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	return s.policy(key).Over(b), nil
}

// Compact moves the live followers and tombstones into shards. The budget is
// re-checked inside the transaction; a bucket that is missing or no longer
// over budget is left alone and reported as not compacted.
func (s *Store) Compact(ctx context.Context, key string) (bool, error) {
	return s.compact(ctx, key, false)
}

// ForceCompact compacts regardless of the budget, as long as the bucket has
// live followers or tombstones.
func (s *Store) ForceCompact(ctx context.Context, key string) (bool, error) {
	return s.compact(ctx, key, true)
}

func (s *Store) compact(ctx context.Context, key string, force bool) (bool, error) {
	policy := s.policy(key)
	var result plan
	compacted := false
	err := s.db.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		compacted = false
		snap, err := tx.Get(BucketPath(key))
		if err != nil {
			return fmt.Errorf("read bucket: %w", err)
		}
		if !snap.Exists() {
			s.logger.Warn("Compaction skipped, bucket missing", "bucket", key)
			return nil
		}
		b, err := decodeBucket(snap)
		if err != nil {
			return err
		}
		if force {
			if len(b.Followers) == 0 && len(b.Unfollows) == 0 {
				return nil
			}
		} else if !policy.Over(b) {
			return nil
		}

		shards, err := s.readShards(key, b.Archives, tx.GetAll)
		if err != nil {
			return err
		}
		result = planCompaction(b, shards, policy)
		at := s.now().UTC()

		// Shards before the bucket that references them, deletes last.
		for _, w := range result.Writes {
			if err := tx.Set(ShardPath(key, w.ID), notifier.Shard{Schema: notifier.SchemaVersion, Followers: w.Followers, WrittenAt: at}); err != nil {
				return fmt.Errorf("write shard %s: %w", w.ID, err)
			}
		}
		if err := tx.Update(BucketPath(key),
			docstore.SetField(map[string]notifier.Entry{}, "followers"),
			docstore.SetField([]string{}, "unfollows"),
			docstore.SetField(result.Archives, "archives"),
			docstore.SetField(result.FreeIDs, "freeIds"),
			docstore.SetField(result.LastArchiveID, "lastArchiveId"),
			docstore.SetField(at, "compactedAt"),
			docstore.SetField(notifier.SchemaVersion, "schema"),
			docstore.ServerTimestamp("updatedAt"),
		); err != nil {
			return fmt.Errorf("update bucket: %w", err)
		}
		for _, id := range result.Deletes {
			if err := tx.Delete(ShardPath(key, id)); err != nil {
				return fmt.Errorf("delete shard %s: %w", id, err)
			}
		}
		compacted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("compact %s: %w", key, err)
	}
	if compacted {
		s.logger.Info("Compacted bucket",
			"bucket", key,
			"shards", len(result.Archives),
			"written", len(result.Writes),
			"deleted", len(result.Deletes),
			"last_archive_id", result.LastArchiveID)
	}
	return compacted, nil
}

// Sweep deletes shard documents no compaction will reference again. Listed
// shards are kept. A shard on the free list goes once the bucket has been
// compacted since it was written. A shard above the high-water mark belongs
// to a compaction that never committed and goes after shardGrace. Any other
// unlisted shard goes at once.
func (s *Store) Sweep(ctx context.Context, key string) (int, error) {
	ids, err := s.db.List(ctx, docstore.Join(bucketCollection, key, "archives"))
	if err != nil {
		return 0, fmt.Errorf("list shards: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted []string
	err = s.db.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		deleted = nil
		snap, err := tx.Get(BucketPath(key))
		if err != nil {
			return fmt.Errorf("read bucket: %w", err)
		}
		b := &notifier.Bucket{}
		if snap.Exists() {
			if b, err = decodeBucket(snap); err != nil {
				return err
			}
		}
		var candidates, paths []string
		for _, id := range ids {
			if !slices.Contains(b.Archives, id) {
				candidates = append(candidates, id)
				paths = append(paths, ShardPath(key, id))
			}
		}
		if len(paths) == 0 {
			return nil
		}
		snaps, err := tx.GetAll(paths)
		if err != nil {
			return fmt.Errorf("read shards: %w", err)
		}
		now := s.now()
		for i, snap := range snaps {
			if !snap.Exists() {
				continue
			}
			var sh notifier.Shard
			if err := snap.DataTo(&sh); err != nil {
				return fmt.Errorf("decode shard %s: %w", candidates[i], err)
			}
			if !abandoned(b, candidates[i], sh.WrittenAt, now) {
				continue
			}
			if err := tx.Delete(paths[i]); err != nil {
				return fmt.Errorf("delete shard %s: %w", candidates[i], err)
			}
			deleted = append(deleted, candidates[i])
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", key, err)
	}
	for _, id := range deleted {
		s.logger.Info("Deleted orphaned shard", "bucket", key, "shard", id)
	}
	return len(deleted), nil
}

// abandoned reports whether an unlisted shard can be deleted.
func abandoned(b *notifier.Bucket, id string, writtenAt, now time.Time) bool {
	switch {
	case slices.Contains(b.FreeIDs, id):
		return writtenAt.Before(b.CompactedAt)
	case b.LastArchiveID == "" || CompareID(id, b.LastArchiveID) > 0:
		return now.Sub(writtenAt) >= shardGrace
	default:
		return true
	}
}
