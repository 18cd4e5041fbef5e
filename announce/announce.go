// Package announce stores announcement metadata and the latest post used for notifications.
package announce

import (
	"announce-notifier/cache"
	"announce-notifier/docstore"
	"announce-notifier/pkg/notifier"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const collection = "announces"

// Store reads and writes announcements. Reads go through an advisory cache
// that is invalidated on every write made by this process.
type Store struct {
	db     docstore.Store
	cache  *cache.TTL[notifier.Announce]
	logger *slog.Logger
	now    func() time.Time
}

// New creates an announcement store.
func New(db docstore.Store, c *cache.TTL[notifier.Announce], logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		cache:  c,
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the document path of an announcement.
func Path(id string) string {
	return docstore.Join(collection, id)
}

func (s *Store) load(ctx context.Context, id string) (notifier.Announce, error) {
	snap, err := s.db.Get(ctx, Path(id))
	if err != nil {
		return notifier.Announce{}, fmt.Errorf("read announce: %w", err)
	}
	if !snap.Exists() {
		return notifier.Announce{}, fmt.Errorf("announce %s: %w", id, docstore.ErrNotFound)
	}
	var a notifier.Announce
	if err := snap.DataTo(&a); err != nil {
		return notifier.Announce{}, fmt.Errorf("decode announce: %w", err)
	}
	if err := notifier.CheckSchema("announce", a.Schema); err != nil {
		return notifier.Announce{}, err
	}
	if a.ID == "" {
		a.ID = id
	}
	return a, nil
}

// Load reads an announcement from the store, bypassing the cache. Use it
// where a stale copy would change what gets sent.
func (s *Store) Load(ctx context.Context, id string) (*notifier.Announce, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Get returns an announcement, possibly from the cache. Missing announcements
// report docstore.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*notifier.Announce, error) {
	a, err := s.cache.Get(ctx, id, func(ctx context.Context) (notifier.Announce, error) {
		return s.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Put creates or updates an announcement's title and icon.
func (s *Store) Put(ctx context.Context, id, title, icon string) error {
	err := s.db.Merge(ctx, Path(id),
		docstore.SetField(notifier.SchemaVersion, "schema"),
		docstore.SetField(id, "id"),
		docstore.SetField(title, "title"),
		docstore.SetField(icon, "icon"),
		docstore.ServerTimestamp("updatedAt"),
	)
	s.cache.Remove(id)
	if err != nil {
		return fmt.Errorf("save announce: %w", err)
	}
	s.logger.Info("Saved announce", "announce_id", id)
	return nil
}

// RecordPost stores post as the announcement's latest post. Missing post IDs
// and creation times are filled in. The announcement must exist.
func (s *Store) RecordPost(ctx context.Context, id string, post *notifier.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = s.now().UTC()
	}
	err := s.db.Update(ctx, Path(id),
		docstore.SetField(post, "lastPost"),
		docstore.SetField(post.CreatedAt, "lastPostAt"),
		docstore.ServerTimestamp("updatedAt"),
	)
	s.cache.Remove(id)
	if err != nil {
		return fmt.Errorf("record post: %w", err)
	}
	s.logger.Info("Recorded post", "announce_id", id, "post_id", post.ID)
	return nil
}
