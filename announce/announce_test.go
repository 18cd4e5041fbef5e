package announce

import (
	"announce-notifier/cache"
	"announce-notifier/docstore"
	"announce-notifier/pkg/notifier"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, *docstore.Memory) {
	t.Helper()
	db := docstore.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, cache.New[notifier.Announce](16, time.Minute), logger), db
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "AAAAAAAAAAAA"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPutAndRecordPost(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := "AAAAAAAAAAAA"
	now := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.RecordPost(ctx, id, &notifier.Post{Title: "early"}); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("RecordPost(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, id, "News", "https://example.com/i.png"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.Title != "News" || a.LastPost != nil {
		t.Errorf("Get() = %+v, want title News and no post", a)
	}

	post := &notifier.Post{Title: "Hello", Body: "<p>hi</p>"}
	if err := s.RecordPost(ctx, id, post); err != nil {
		t.Fatalf("RecordPost() error = %v", err)
	}
	if post.ID == "" || !post.CreatedAt.Equal(now) {
		t.Errorf("post = %+v, want generated ID and CreatedAt %v", post, now)
	}
	// The write invalidated the cached copy.
	a, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.LastPost == nil || a.LastPost.Title != "Hello" || !a.LastPostAt.Equal(now) {
		t.Errorf("Get() = %+v, want last post Hello at %v", a, now)
	}
}

func TestGetServesFromCache(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	id := "AAAAAAAAAAAA"
	if err := s.Put(ctx, id, "v1", ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Get(ctx, id); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	// A write from another process is not seen until the entry expires.
	if err := db.Update(ctx, Path(id), docstore.SetField("v2", "title")); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.Title != "v1" {
		t.Errorf("Get().Title = %q, want cached v1", a.Title)
	}
}

func TestLoadBypassesCache(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	id := "AAAAAAAAAAAA"
	if err := s.Put(ctx, id, "v1", ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Get(ctx, id); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := db.Update(ctx, Path(id), docstore.SetField("v2", "title")); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	a, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if a.Title != "v2" {
		t.Errorf("Load().Title = %q, want v2", a.Title)
	}
	if _, err := s.Load(ctx, "BBBBBBBBBBBB"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}
}
