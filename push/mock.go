package push

import (
	"announce-notifier/pkg/notifier"
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrMockUnregistered is returned for tokens marked invalid on a MockProvider.
var ErrMockUnregistered = errors.New("mock: registration token is not registered")

// MockProvider is a mock push provider for local development and tests.
type MockProvider struct {
	logger *slog.Logger

	mu      sync.Mutex
	invalid map[string]bool
	failing map[string]bool
	sent    []notifier.TokenMessage
	err     error
}

// NewMockProvider creates a new mock push provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger:  logger,
		invalid: make(map[string]bool),
		failing: make(map[string]bool),
	}
}

// MarkInvalid makes sends to token fail permanently.
func (m *MockProvider) MarkInvalid(tokens ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		m.invalid[t] = true
	}
}

// MarkFailing makes sends to token fail transiently.
func (m *MockProvider) MarkFailing(tokens ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		m.failing[t] = true
	}
}

// FailCalls makes every call fail with err; nil restores normal behavior.
func (m *MockProvider) FailCalls(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Sent returns every message delivered so far.
func (m *MockProvider) Sent() []notifier.TokenMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notifier.TokenMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockProvider) deliver(msgs []notifier.TokenMessage) ([]notifier.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]notifier.SendResult, len(msgs))
	for i, msg := range msgs {
		out[i].Token = msg.Token
		switch {
		case m.invalid[msg.Token]:
			out[i].Err = ErrMockUnregistered
			out[i].Invalid = true
		case m.failing[msg.Token]:
			out[i].Err = errors.New("mock: unavailable")
		default:
			m.sent = append(m.sent, msg)
		}
	}
	return out, nil
}

// SendMulticast logs the push instead of sending it.
func (m *MockProvider) SendMulticast(_ context.Context, tokens []string, p notifier.Payload) ([]notifier.SendResult, error) {
	m.logger.Info("MOCK PUSH", "kind", "multicast", "tokens", len(tokens), "title", p.Title)
	msgs := make([]notifier.TokenMessage, len(tokens))
	for i, t := range tokens {
		msgs[i] = notifier.TokenMessage{Token: t, Payload: p}
	}
	return m.deliver(msgs)
}

// SendEach logs the pushes instead of sending them.
func (m *MockProvider) SendEach(_ context.Context, msgs []notifier.TokenMessage) ([]notifier.SendResult, error) {
	m.logger.Info("MOCK PUSH", "kind", "each", "messages", len(msgs))
	return m.deliver(msgs)
}

var _ Provider = (*MockProvider)(nil)
