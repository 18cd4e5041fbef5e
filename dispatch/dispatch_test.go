package dispatch

import (
	"announce-notifier/announce"
	"announce-notifier/archive"
	"announce-notifier/cache"
	"announce-notifier/docstore"
	"announce-notifier/pkg/notifier"
	"announce-notifier/push"
	"announce-notifier/queue"
	"announce-notifier/subscribe"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

const (
	a1 = "A1aaaaaaaaaa"
	a2 = "A2bbbbbbbbbb"
)

var testNow = time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)

type fixture struct {
	db        *docstore.Memory
	followers *archive.Store
	announces *announce.Store
	subs      *subscribe.Service
	queue     *queue.Memory
	provider  *push.MockProvider
	d         *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := docstore.NewMemory()
	f := &fixture{
		db:        db,
		followers: archive.New(db, logger),
		announces: announce.New(db, cache.New[notifier.Announce](16, time.Minute), logger),
		queue:     queue.NewMemory(logger),
		provider:  push.NewMockProvider(logger),
	}
	f.subs = subscribe.New(db, f.followers, logger)
	f.subs.SetClock(func() time.Time { return testNow })
	f.d = New(Config{
		Followers:   f.followers,
		Announces:   f.announces,
		Invalidator: f.subs,
		Queue:       f.queue,
		Provider:    f.provider,
		Logger:      logger,
	})
	f.d.SetClock(func() time.Time { return testNow })
	return f
}

func (f *fixture) follow(t *testing.T, token string, follows map[string][]int) {
	t.Helper()
	if _, err := f.subs.Update(context.Background(), &subscribe.Request{Token: token, Lang: "en", Follows: follows}); err != nil {
		t.Fatalf("Update(%s) error = %v", token, err)
	}
}

func (f *fixture) post(t *testing.T, id, title string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := f.announces.Put(ctx, id, "Announce "+id, "https://example.com/icon.png"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := f.announces.RecordPost(ctx, id, &notifier.Post{Title: title, Body: "<p>body</p>", CreatedAt: at}); err != nil {
		t.Fatalf("RecordPost() error = %v", err)
	}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	if err := f.queue.Drain(context.Background(), f.d.HandleMessage); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestBuildMessagesChunks(t *testing.T) {
	followers := make(map[string]notifier.Entry)
	for i := range 1201 {
		followers[fmt.Sprintf("tok-%04d", i)] = notifier.Entry{Lang: "en"}
	}
	msgs := BuildMessages(notifier.ImmediateKey(a1), followers, notifier.Payload{Title: "t"})
	want := []int{500, 500, 201}
	if len(msgs) != len(want) {
		t.Fatalf("BuildMessages() = %d messages, want %d", len(msgs), len(want))
	}
	seen := make(map[string]bool)
	ids := make(map[string]bool)
	for i, m := range msgs {
		if got := len(m.Multicast.Tokens); got != want[i] {
			t.Errorf("message %d has %d tokens, want %d", i, got, want[i])
		}
		for _, tok := range m.Multicast.Tokens {
			if seen[tok] {
				t.Errorf("token %s in two messages", tok)
			}
			seen[tok] = true
		}
		if ids[m.ID] {
			t.Errorf("duplicate message ID %s", m.ID)
		}
		ids[m.ID] = true
	}
	if msgs[0].Multicast.Tokens[0] != "tok-0000" {
		t.Errorf("first token = %s, want tok-0000", msgs[0].Multicast.Tokens[0])
	}
	if len(BuildMessages(notifier.ImmediateKey(a1), nil, notifier.Payload{})) != 0 {
		t.Error("BuildMessages(nil) returned messages")
	}
}

func TestShouldFire(t *testing.T) {
	tests := []struct {
		key, slot string
		want      bool
	}{
		{notifier.ImmediateKey(a1), "0700", true},
		{notifier.TimedKey("0700"), "0700", true},
		{notifier.TimedKey("0715"), "0700", false},
	}
	for _, tt := range tests {
		if got := ShouldFire(tt.key, tt.slot); got != tt.want {
			t.Errorf("ShouldFire(%q, %q) = %v, want %v", tt.key, tt.slot, got, tt.want)
		}
	}
}

func TestFireImmediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, "T1", map[string][]int{a1: nil})
	f.follow(t, "T2", map[string][]int{a1: nil, a2: nil})
	f.follow(t, "T3", map[string][]int{a1: {9}})
	f.post(t, a1, "Big news", testNow)

	n, err := f.d.FireImmediate(ctx, a1)
	if err != nil {
		t.Fatalf("FireImmediate() error = %v", err)
	}
	if n != 1 {
		t.Errorf("FireImmediate() = %d messages, want 1", n)
	}
	f.drain(t)

	sent := f.provider.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d pushes, want 2", len(sent))
	}
	p := sent[0].Payload
	if p.Title != "Announce "+a1 || !strings.HasPrefix(p.Body, "Big news") {
		t.Errorf("payload = %+v, want announce title and post body", p)
	}
	if p.ImageURL != "https://example.com/icon.png" {
		t.Errorf("ImageURL = %q, want announce icon fallback", p.ImageURL)
	}
	if p.Data["announce_id"] != a1 || p.Data["type"] != "post" {
		t.Errorf("Data = %v, want announce_id and type", p.Data)
	}
}

func TestFireImmediateWithoutPost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.announces.Put(ctx, a1, "Empty", ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	f.follow(t, "T1", map[string][]int{a1: nil})
	n, err := f.d.FireImmediate(ctx, a1)
	if err != nil || n != 0 {
		t.Errorf("FireImmediate() = %d, %v, want 0, nil", n, err)
	}
	if _, err := f.d.FireImmediate(ctx, a2); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("FireImmediate(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFireTimedFiltersStalePosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// 07:00 follows A1 alone; T2 has a previous slot 13 hours earlier.
	f.follow(t, "T1", map[string][]int{a1: {7}})
	f.follow(t, "T2", map[string][]int{a1: {7, 18}})
	f.follow(t, "T3", map[string][]int{a2: {7, 18}})
	f.post(t, a1, "Fresh", testNow.Add(-2*time.Hour))
	f.post(t, a2, "Covered by the 18:00 slot", testNow.Add(-20*time.Hour))

	n, err := f.d.FireTimed(ctx, "0700")
	if err != nil {
		t.Fatalf("FireTimed() error = %v", err)
	}
	if n != 1 {
		t.Errorf("FireTimed() = %d messages, want 1", n)
	}
	f.drain(t)

	got := make(map[string]notifier.Payload)
	for _, m := range f.provider.Sent() {
		got[m.Token] = m.Payload
	}
	if len(got) != 2 {
		t.Fatalf("sent to %v, want T1 and T2", got)
	}
	if _, ok := got["T3"]; ok {
		t.Error("T3 notified about a post older than its previous slot")
	}
	if !strings.HasPrefix(got["T1"].Body, "Fresh") {
		t.Errorf("T1 payload = %+v, want the post", got["T1"])
	}
}

func TestFireTimedSkipsPostsOlderThanADay(t *testing.T) {
	f := newFixture(t)
	f.follow(t, "T1", map[string][]int{a1: {7}})
	f.post(t, a1, "Old", testNow.Add(-25*time.Hour))
	n, err := f.d.FireTimed(context.Background(), "0700")
	if err != nil || n != 0 {
		t.Errorf("FireTimed() = %d, %v, want 0, nil", n, err)
	}
}

func TestFireTimedDigest(t *testing.T) {
	f := newFixture(t)
	if _, err := f.subs.Update(context.Background(), &subscribe.Request{
		Token:   "T1",
		Lang:    "ja",
		Follows: map[string][]int{a1: {7}, a2: {7}},
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	f.post(t, a1, "one", testNow.Add(-time.Hour))
	f.post(t, a2, "two", testNow.Add(-time.Hour))

	if _, err := f.d.FireTimed(context.Background(), "0700"); err != nil {
		t.Fatalf("FireTimed() error = %v", err)
	}
	f.drain(t)
	sent := f.provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d pushes, want 1 digest", len(sent))
	}
	p := sent[0].Payload
	if p.Data["type"] != "digest" || p.Title != digestTitle("ja", 2) {
		t.Errorf("payload = %+v, want localized digest", p)
	}
	if p.Data["announce_ids"] != a1+","+a2 {
		t.Errorf("announce_ids = %q, want both", p.Data["announce_ids"])
	}
}

// TestInvalidTokenIsUnsubscribed feeds an unregistered token back to the
// device record and checks it generates no bucket membership afterwards.
func TestInvalidTokenIsUnsubscribed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, "T1", map[string][]int{a1: nil})
	f.follow(t, "T2", map[string][]int{a1: nil, a2: {9}})
	f.post(t, a1, "hello", testNow)
	f.provider.MarkInvalid("T2")

	if _, err := f.d.FireImmediate(ctx, a1); err != nil {
		t.Fatalf("FireImmediate() error = %v", err)
	}
	f.drain(t)

	if _, err := f.subs.Get(ctx, "T2"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("Get(T2) error = %v, want ErrNotFound", err)
	}
	for _, key := range []string{notifier.ImmediateKey(a1), notifier.TimedKey("0900")} {
		got, err := f.followers.ReadAll(ctx, key)
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		if _, ok := got["T2"]; ok {
			t.Errorf("%s still contains T2", key)
		}
	}
	got, err := f.followers.ReadAll(ctx, notifier.ImmediateKey(a1))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if _, ok := got["T1"]; !ok {
		t.Error("T1 was removed along with T2")
	}
}

func TestTransientFailuresAreOnlyLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, "T1", map[string][]int{a1: nil})
	f.provider.MarkFailing("T1")
	msg := &notifier.DispatchMessage{ID: "m", Bucket: notifier.ImmediateKey(a1), Multicast: &notifier.Multicast{Tokens: []string{"T1"}}}
	if err := f.d.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if _, err := f.subs.Get(ctx, "T1"); err != nil {
		t.Errorf("Get(T1) error = %v, want record kept", err)
	}
}

func TestProviderOutageIsRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.FailCalls(errors.New("unavailable"))
	msg := &notifier.DispatchMessage{ID: "m", Multicast: &notifier.Multicast{Tokens: []string{"T1"}}}
	if err := f.d.Enqueue(ctx, []*notifier.DispatchMessage{msg}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	calls := 0
	if err := f.queue.Drain(ctx, func(ctx context.Context, m *notifier.DispatchMessage) error {
		calls++
		if calls == 2 {
			f.provider.FailCalls(nil)
		}
		return f.d.HandleMessage(ctx, m)
	}); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
	if len(f.provider.Sent()) != 1 {
		t.Errorf("sent %d, want 1 after redelivery", len(f.provider.Sent()))
	}
}

// TestFireImmediateIgnoresCachedAnnounce checks a post recorded elsewhere is
// sent even while an older copy of the announce is cached.
func TestFireImmediateIgnoresCachedAnnounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.follow(t, "T1", map[string][]int{a1: nil})
	f.post(t, a1, "first", testNow.Add(-time.Minute))
	if _, err := f.announces.Get(ctx, a1); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second := notifier.Post{ID: "p2", Title: "second", CreatedAt: testNow}
	if err := f.db.Update(ctx, announce.Path(a1), docstore.SetField(second, "lastPost")); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, err := f.d.FireImmediate(ctx, a1); err != nil {
		t.Fatalf("FireImmediate() error = %v", err)
	}
	f.drain(t)
	sent := f.provider.Sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Payload.Body, "second") {
		t.Errorf("sent = %+v, want the second post", sent)
	}
	if sent[0].Payload.Data["post_id"] != "p2" {
		t.Errorf("post_id = %q, want p2", sent[0].Payload.Data["post_id"])
	}
}

func TestInvalidOrphanIsRemovedFromBucket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := notifier.ImmediateKey(a1)
	if err := f.followers.Upsert(ctx, key, "ORPHAN", notifier.Entry{Lang: "en"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	f.post(t, a1, "hello", testNow)
	f.provider.MarkInvalid("ORPHAN")

	if _, err := f.d.FireImmediate(ctx, a1); err != nil {
		t.Fatalf("FireImmediate() error = %v", err)
	}
	f.drain(t)

	got, err := f.followers.ReadAll(ctx, key)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadAll() = %v, want the orphan removed", got)
	}
}
