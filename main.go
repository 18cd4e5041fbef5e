// Package main runs the announcement notification service: device
// preferences over HTTP, bucket fan-out through a queue and delivery via FCM.
package main

import (
	"announce-notifier/announce"
	"announce-notifier/archive"
	"announce-notifier/cache"
	"announce-notifier/config"
	"announce-notifier/dispatch"
	"announce-notifier/docstore"
	"announce-notifier/pkg/notifier"
	"announce-notifier/push"
	"announce-notifier/queue"
	"announce-notifier/server"
	"announce-notifier/subscribe"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
)

type app struct {
	db         docstore.Store
	queue      queue.Queue
	dispatcher *dispatch.Dispatcher
	server     *server.Server
	closers    []func() error
}

func (a *app) Close(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Failed to close client", "error", err)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutting down", "signal", sig.String())
		cancel()
	}()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close(logger)

	go func() {
		if err := a.queue.Receive(ctx, a.dispatcher.HandleMessage); err != nil {
			logger.Error("Queue receive stopped", "error", err)
			cancel()
		}
	}()

	if cfg.Local() {
		logger.Info("Running in local development mode", "store", cfg.StoreBackend)
		go tickLoop(ctx, a.dispatcher, logger)
	}

	if err := a.server.ListenAndServe(ctx, cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// build wires the components selected by cfg.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close(logger)
		}
	}()

	db, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	if cfg.UsePubSub() {
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		q := queue.NewPubSub(client, cfg.PubSubTopic, cfg.PubSubSubscription, logger)
		a.queue = q
		a.closers = append(a.closers, q.Close)
	} else {
		a.queue = queue.NewMemory(logger)
	}

	var provider push.Provider
	if cfg.Local() {
		logger.Info("Mock push mode enabled (no GOOGLE_CLOUD_PROJECT)")
		provider = push.NewMockProvider(logger)
	} else {
		fcm, err := push.NewFCM(ctx, cfg.ProjectID, cfg.FirebaseCreds, logger)
		if err != nil {
			return nil, err
		}
		provider = fcm
	}

	followers := archive.New(db, logger)
	subs := subscribe.New(db, followers, logger)
	announces := announce.New(db, cache.New[notifier.Announce](cfg.AnnounceCacheSize, cfg.AnnounceCacheTTL), logger)
	a.dispatcher = dispatch.New(dispatch.Config{
		Followers:   followers,
		Announces:   announces,
		Invalidator: subs,
		Queue:       a.queue,
		Provider:    provider,
		Logger:      logger,
	})
	a.server = server.New(&server.Config{
		Devices:             subs,
		Announces:           announces,
		Dispatcher:          a.dispatcher,
		Compactor:           followers,
		Logger:              logger,
		AdminToken:          cfg.AdminToken,
		DeviceWritesPerHour: cfg.RateLimitPerHour,
	})
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin endpoints are disabled")
	}
	ok = true
	return a, nil
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create firestore client: %w", err)
		}
		return docstore.NewFirestore(client, logger), nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return docstore.NewGCS(client, cfg.Bucket, logger), nil
	default:
		return docstore.NewMemory(), nil
	}
}

// tickLoop stands in for Cloud Scheduler's /tickz calls in local development.
func tickLoop(ctx context.Context, d *dispatch.Dispatcher, logger *slog.Logger) {
	ticker := time.NewTicker(notifier.SlotMinutes * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			slot := notifier.SlotOf(now)
			if _, err := d.FireTimed(ctx, slot); err != nil {
				logger.Error("Timed dispatch failed", "slot", slot, "error", err)
			}
		}
	}
}
