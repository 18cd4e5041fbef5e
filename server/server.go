// Package server exposes device preferences and the admin triggers over HTTP.
package server

import (
	"announce-notifier/docstore"
	"announce-notifier/pkg/notifier"
	"announce-notifier/subscribe"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxBodyBytes = 64 << 10

// Devices manages device subscriptions.
type Devices interface {
	Get(ctx context.Context, token string) (*notifier.DeviceSubscription, error)
	Update(ctx context.Context, req *subscribe.Request) (*notifier.DeviceSubscription, error)
	Delete(ctx context.Context, token string) error
}

// Announces writes announcement metadata and posts.
type Announces interface {
	Put(ctx context.Context, id, title, icon string) error
	RecordPost(ctx context.Context, id string, post *notifier.Post) error
}

// Dispatcher fans notifications out.
type Dispatcher interface {
	FireImmediate(ctx context.Context, announceID string) (int, error)
	FireTimed(ctx context.Context, slot string) (int, error)
}

// Compactor maintains bucket archives.
type Compactor interface {
	ForceCompact(ctx context.Context, key string) (bool, error)
	Sweep(ctx context.Context, key string) (int, error)
}

// Server handles HTTP requests.
type Server struct {
	devices    Devices
	announces  Announces
	dispatcher Dispatcher
	compactor  Compactor
	limiter    *rateLimiter
	adminToken string
	logger     *slog.Logger
	now        func() time.Time
}

// Config holds server configuration.
type Config struct {
	Devices    Devices
	Announces  Announces
	Dispatcher Dispatcher
	Compactor  Compactor
	Logger     *slog.Logger

	// AdminToken guards the admin endpoints; empty disables them.
	AdminToken string
	// DeviceWritesPerHour caps device writes per client IP; 0 means DefaultDeviceWritesPerHour.
	DeviceWritesPerHour int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit := cfg.DeviceWritesPerHour
	if limit <= 0 {
		limit = DefaultDeviceWritesPerHour
	}
	return &Server{
		devices:    cfg.Devices,
		announces:  cfg.Announces,
		dispatcher: cfg.Dispatcher,
		compactor:  cfg.Compactor,
		limiter:    newRateLimiter(limit, time.Hour),
		adminToken: cfg.AdminToken,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /devices/{token}", s.handleGetDevice)
	mux.HandleFunc("PUT /devices/{token}", s.limited(s.handlePutDevice))
	mux.HandleFunc("DELETE /devices/{token}", s.limited(s.handleDeleteDevice))
	mux.HandleFunc("PUT /announces/{id}", s.admin(s.handlePutAnnounce))
	mux.HandleFunc("POST /announces/{id}/posts", s.admin(s.handlePost))
	mux.HandleFunc("POST /tickz", s.admin(s.handleTick))
	mux.HandleFunc("POST /buckets/{key}/compact", s.admin(s.handleCompact))
	return mux
}

// ListenAndServe serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip, s.now()) {
			s.logger.Warn("Rate limit exceeded", "ip", ip)
			writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
			return
		}
		h(w, r)
	}
}

func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if !subscribe.ValidToken(token) {
		writeError(w, http.StatusBadRequest, "malformed token")
		return
	}
	sub, err := s.devices.Get(r.Context(), token)
	if err != nil {
		s.fail(w, "get device", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handlePutDevice(w http.ResponseWriter, r *http.Request) {
	var req subscribe.Request
	if !decode(w, r, &req) {
		return
	}
	req.Token = r.PathValue("token")
	sub, err := s.devices.Update(r.Context(), &req)
	if err != nil {
		s.fail(w, "update device", err)
		return
	}
	if sub == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.logger.Info("Device preferences saved", "follows", len(sub.Follows), "buckets", len(sub.Buckets))
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.Delete(r.Context(), r.PathValue("token")); err != nil {
		s.fail(w, "delete device", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type announceRequest struct {
	Title string `json:"title"`
	Icon  string `json:"icon"`
}

func (s *Server) handlePutAnnounce(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !subscribe.ValidAnnounceID(id) {
		writeError(w, http.StatusBadRequest, "malformed announce ID")
		return
	}
	var req announceRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title required")
		return
	}
	if err := s.announces.Put(r.Context(), id, req.Title, req.Icon); err != nil {
		s.fail(w, "put announce", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !subscribe.ValidAnnounceID(id) {
		writeError(w, http.StatusBadRequest, "malformed announce ID")
		return
	}
	var post notifier.Post
	if !decode(w, r, &post) {
		return
	}
	if err := s.announces.RecordPost(r.Context(), id, &post); err != nil {
		s.fail(w, "record post", err)
		return
	}
	n, err := s.dispatcher.FireImmediate(r.Context(), id)
	if err != nil {
		s.fail(w, "fire immediate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"post_id": post.ID, "messages": n})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	slot := notifier.SlotOf(s.now())
	s.logger.Info("Tick endpoint triggered", "slot", slot)
	n, err := s.dispatcher.FireTimed(r.Context(), slot)
	if err != nil {
		s.fail(w, "fire timed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slot": slot, "messages": n})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, isImm := notifier.AnnounceFromKey(key); !isImm && !notifier.IsTimed(key) {
		writeError(w, http.StatusBadRequest, "unknown bucket key")
		return
	}
	compacted, err := s.compactor.ForceCompact(r.Context(), key)
	if err != nil {
		s.fail(w, "compact", err)
		return
	}
	swept, err := s.compactor.Sweep(r.Context(), key)
	if err != nil {
		s.fail(w, "sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"compacted": compacted, "swept": swept})
}

// fail maps err to a status code. Validation errors are the caller's fault and
// are reported verbatim; anything unexpected is logged and hidden.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	var verr *notifier.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("Request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
