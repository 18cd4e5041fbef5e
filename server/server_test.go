package server

import (
	"announce-notifier/announce"
	"announce-notifier/archive"
	"announce-notifier/cache"
	"announce-notifier/dispatch"
	"announce-notifier/docstore"
	"announce-notifier/pkg/notifier"
	"announce-notifier/push"
	"announce-notifier/queue"
	"announce-notifier/subscribe"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const (
	adminToken = "s3cret"
	announceID = "A1aaaaaaaaaa"
)

var testNow = time.Date(2026, 1, 15, 7, 2, 0, 0, time.UTC)

type testEnv struct {
	srv   *Server
	queue *queue.Memory
	h     http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := docstore.NewMemory()
	followers := archive.New(db, logger)
	subs := subscribe.New(db, followers, logger)
	subs.SetClock(func() time.Time { return testNow })
	announces := announce.New(db, cache.New[notifier.Announce](16, time.Minute), logger)
	q := queue.NewMemory(logger)
	d := dispatch.New(dispatch.Config{
		Followers:   followers,
		Announces:   announces,
		Invalidator: subs,
		Queue:       q,
		Provider:    push.NewMockProvider(logger),
		Logger:      logger,
	})
	d.SetClock(func() time.Time { return testNow })
	srv := New(&Config{
		Devices:    subs,
		Announces:  announces,
		Dispatcher: d,
		Compactor:  followers,
		AdminToken: adminToken,
		Logger:     logger,
	})
	srv.now = func() time.Time { return testNow }
	return &testEnv{srv: srv, queue: q, h: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := decodeBody[map[string]string](t, rec)["status"]; got != "healthy" {
		t.Errorf("status = %q, want healthy", got)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	body := `{"lang":"en","tz":"Asia/Tokyo","follows":{"A1aaaaaaaaaa":[9],"A2bbbbbbbbbb":[]}}`

	rec := env.do(t, http.MethodPut, "/devices/tok-1", body, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /devices = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	sub := decodeBody[notifier.DeviceSubscription](t, rec)
	if _, ok := sub.Buckets[notifier.TimedKey("0000")]; !ok {
		t.Errorf("Buckets = %v, want timed-0000 for 09:00 Tokyo", sub.Buckets)
	}
	if _, ok := sub.Buckets[notifier.ImmediateKey("A2bbbbbbbbbb")]; !ok {
		t.Errorf("Buckets = %v, want immediate bucket", sub.Buckets)
	}

	if rec := env.do(t, http.MethodGet, "/devices/tok-1", "", false); rec.Code != http.StatusOK {
		t.Errorf("GET /devices = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := env.do(t, http.MethodDelete, "/devices/tok-1", "", false); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE /devices = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := env.do(t, http.MethodGet, "/devices/tok-1", "", false); rec.Code != http.StatusNotFound {
		t.Errorf("GET deleted device = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestPutDeviceRejectsBadInput(t *testing.T) {
	tests := []struct {
		name, path, body string
	}{
		{"bad hour", "/devices/tok-1", `{"follows":{"A1aaaaaaaaaa":[24]}}`},
		{"bad announce id", "/devices/tok-1", `{"follows":{"short":[]}}`},
		{"bad tz", "/devices/tok-1", `{"tz":"Mars/Base","follows":{"A1aaaaaaaaaa":[]}}`},
		{"bad token", "/devices/bad%20token", `{"follows":{"A1aaaaaaaaaa":[]}}`},
		{"not json", "/devices/tok-1", `follows`},
		{"unknown field", "/devices/tok-1", `{"email":"x@example.com"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(t, http.MethodPut, tt.path, tt.body, false)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("PUT %s = %d, want %d", tt.path, rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestPutDeviceRateLimited(t *testing.T) {
	env := newTestEnv(t)
	body := `{"follows":{"A1aaaaaaaaaa":[]}}`
	for i := range DefaultDeviceWritesPerHour {
		if rec := env.do(t, http.MethodPut, "/devices/tok-1", body, false); rec.Code != http.StatusOK {
			t.Fatalf("PUT #%d = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}
	if rec := env.do(t, http.MethodPut, "/devices/tok-1", body, false); rec.Code != http.StatusTooManyRequests {
		t.Errorf("PUT over limit = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	for _, header := range []string{"", "Bearer wrong", adminToken} {
		req := httptest.NewRequest(http.MethodPost, "/tickz", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		env.h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("POST /tickz with %q = %d, want %d", header, rec.Code, http.StatusUnauthorized)
		}
	}

	env.srv.adminToken = ""
	if rec := env.do(t, http.MethodPost, "/tickz", "", true); rec.Code != http.StatusUnauthorized {
		t.Errorf("POST /tickz with admin disabled = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestPostFiresImmediate(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodPost, "/announces/"+announceID+"/posts", `{"title":"x"}`, true); rec.Code != http.StatusNotFound {
		t.Errorf("POST to missing announce = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := env.do(t, http.MethodPut, "/announces/"+announceID, `{"title":"Release notes"}`, true); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT /announces = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := env.do(t, http.MethodPut, "/devices/tok-1", `{"follows":{"A1aaaaaaaaaa":[]}}`, false); rec.Code != http.StatusOK {
		t.Fatalf("PUT /devices = %d, want %d", rec.Code, http.StatusOK)
	}

	rec := env.do(t, http.MethodPost, "/announces/"+announceID+"/posts", `{"title":"v2","body":"<p>new</p>"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /posts = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	got := decodeBody[map[string]any](t, rec)
	if got["messages"] != float64(1) || got["post_id"] == "" {
		t.Errorf("response = %v, want one message and a post id", got)
	}
	if env.queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", env.queue.Len())
	}
}

func TestTickUsesCurrentSlot(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/tickz", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /tickz = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := decodeBody[map[string]any](t, rec)["slot"]; got != "0700" {
		t.Errorf("slot = %v, want 0700", got)
	}
}

func TestCompactEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodPost, "/buckets/other-key/compact", "", true); rec.Code != http.StatusBadRequest {
		t.Errorf("compact unknown key = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := env.do(t, http.MethodPut, "/devices/tok-1", `{"follows":{"A1aaaaaaaaaa":[]}}`, false); rec.Code != http.StatusOK {
		t.Fatalf("PUT /devices = %d, want %d", rec.Code, http.StatusOK)
	}
	rec := env.do(t, http.MethodPost, "/buckets/"+notifier.ImmediateKey(announceID)+"/compact", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("compact = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	if got := decodeBody[map[string]any](t, rec)["compacted"]; got != true {
		t.Errorf("compacted = %v, want true", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name, xff, remote, want string
	}{
		{"forwarded", "203.0.113.7, 10.0.0.1", "10.0.0.1:1234", "203.0.113.7"},
		{"remote ipv4", "", "192.0.2.1:1234", "192.0.2.1"},
		{"remote ipv6", "", "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := newRateLimiter(2, time.Hour)
	start := testNow
	if !rl.allow("a", start) || !rl.allow("a", start.Add(time.Minute)) {
		t.Fatal("allow() = false within limit, want true")
	}
	if rl.allow("a", start.Add(2*time.Minute)) {
		t.Error("allow() = true over limit, want false")
	}
	if !rl.allow("b", start) {
		t.Error("allow() = false for another client, want true")
	}
	if !rl.allow("a", start.Add(61*time.Minute)) {
		t.Error("allow() = false after window, want true")
	}
}

func TestRateLimiterDropsIdleClients(t *testing.T) {
	rl := newRateLimiter(2, time.Hour)
	start := testNow
	rl.allow("a", start)
	rl.allow("b", start.Add(30*time.Minute))
	rl.allow("c", start.Add(70*time.Minute))
	if _, ok := rl.clients["a"]; ok {
		t.Error("idle client a still tracked after a window")
	}
	if got := len(rl.clients); got != 2 {
		t.Errorf("len(clients) = %d, want 2", got)
	}
}

func TestDeviceWriteLimit(t *testing.T) {
	tests := []struct {
		configured int
		want       int
	}{
		{0, DefaultDeviceWritesPerHour},
		{-3, DefaultDeviceWritesPerHour},
		{20, 20},
	}
	for _, tt := range tests {
		srv := New(&Config{DeviceWritesPerHour: tt.configured})
		if got := srv.limiter.limit; got != tt.want {
			t.Errorf("New(DeviceWritesPerHour: %d) limit = %d, want %d", tt.configured, got, tt.want)
		}
	}
}
