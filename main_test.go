package main

import (
	"announce-notifier/config"
	"announce-notifier/docstore"
	"announce-notifier/queue"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBuildLocal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Port:              "0",
		StoreBackend:      config.BackendMemory,
		AdminToken:        "admin",
		AnnounceCacheSize: 8,
		AnnounceCacheTTL:  time.Minute,
	}
	a, err := build(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer a.Close(logger)

	if _, ok := a.db.(*docstore.Memory); !ok {
		t.Errorf("store = %T, want *docstore.Memory", a.db)
	}
	q, ok := a.queue.(*queue.Memory)
	if !ok {
		t.Fatalf("queue = %T, want *queue.Memory", a.queue)
	}

	h := a.server.Handler()
	do := func(method, path, body string, admin bool) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if admin {
			req.Header.Set("Authorization", "Bearer admin")
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if got := do(http.MethodPut, "/announces/A1aaaaaaaaaa", `{"title":"News"}`, true); got != http.StatusNoContent {
		t.Fatalf("PUT announce = %d, want %d", got, http.StatusNoContent)
	}
	if got := do(http.MethodPut, "/devices/tok-1", `{"follows":{"A1aaaaaaaaaa":[]}}`, false); got != http.StatusOK {
		t.Fatalf("PUT device = %d, want %d", got, http.StatusOK)
	}
	if got := do(http.MethodPost, "/announces/A1aaaaaaaaaa/posts", `{"title":"hello"}`, true); got != http.StatusOK {
		t.Fatalf("POST post = %d, want %d", got, http.StatusOK)
	}
	if err := q.Drain(context.Background(), a.dispatcher.HandleMessage); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if q.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", q.Dropped())
	}
}

func TestNewStoreMemory(t *testing.T) {
	db, err := newStore(context.Background(), &config.Config{StoreBackend: config.BackendMemory}, slog.Default())
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if _, ok := db.(*docstore.Memory); !ok {
		t.Errorf("newStore() = %T, want *docstore.Memory", db)
	}
}
