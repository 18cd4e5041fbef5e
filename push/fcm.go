package push

import (
	"announce-notifier/pkg/notifier"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/option"
)

// FCM sends through Firebase Cloud Messaging.
type FCM struct {
	client *messaging.Client
	logger *slog.Logger
}

// NewFCM creates an FCM provider. An empty credentialsFile uses application default credentials.
func NewFCM(ctx context.Context, projectID, credentialsFile string, logger *slog.Logger) (*FCM, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	var cfg *firebase.Config
	if projectID != "" {
		cfg = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}
	return &FCM{client: client, logger: logger}, nil
}

func notification(p notifier.Payload) *messaging.Notification {
	return &messaging.Notification{
		Title:    p.Title,
		Body:     p.Body,
		ImageURL: p.ImageURL,
	}
}

// webpush sets the click-through link. FCM only accepts HTTPS links.
func webpush(p notifier.Payload) *messaging.WebpushConfig {
	if !strings.HasPrefix(p.Link, "https://") {
		return nil
	}
	return &messaging.WebpushConfig{
		FCMOptions: &messaging.WebpushFCMOptions{Link: p.Link},
	}
}

// IsInvalidToken reports whether a per-token error means the token will never work again.
func IsInvalidToken(err error) bool {
	return messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err)
}

func (f *FCM) send(ctx context.Context, kind string, n int, call func() (*messaging.BatchResponse, error)) (*messaging.BatchResponse, error) {
	var resp *messaging.BatchResponse
	err := retry.Do(
		func() error {
			var err error
			resp, err = call()
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			f.logger.Info("Retrying push send after error", "kind", kind, "attempt", attempt, "messages", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("send %s after retries: %w", kind, err)
	}
	f.logger.Info("Push batch sent", "kind", kind, "success", resp.SuccessCount, "failure", resp.FailureCount)
	return resp, nil
}

func results(tokens []string, resp *messaging.BatchResponse) []notifier.SendResult {
	out := make([]notifier.SendResult, len(tokens))
	for i, token := range tokens {
		out[i].Token = token
		if i >= len(resp.Responses) || resp.Responses[i].Success {
			continue
		}
		out[i].Err = resp.Responses[i].Error
		out[i].Invalid = IsInvalidToken(resp.Responses[i].Error)
	}
	return out
}

// SendMulticast sends one payload to many tokens.
func (f *FCM) SendMulticast(ctx context.Context, tokens []string, p notifier.Payload) ([]notifier.SendResult, error) {
	msg := &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: notification(p),
		Data:         p.Data,
		Webpush:      webpush(p),
	}
	resp, err := f.send(ctx, "multicast", len(tokens), func() (*messaging.BatchResponse, error) {
		return f.client.SendEachForMulticast(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return results(tokens, resp), nil
}

// SendEach sends an individual payload per token.
func (f *FCM) SendEach(ctx context.Context, msgs []notifier.TokenMessage) ([]notifier.SendResult, error) {
	tokens := make([]string, len(msgs))
	batch := make([]*messaging.Message, len(msgs))
	for i, m := range msgs {
		tokens[i] = m.Token
		batch[i] = &messaging.Message{
			Token:        m.Token,
			Notification: notification(m.Payload),
			Data:         m.Payload.Data,
			Webpush:      webpush(m.Payload),
		}
	}
	resp, err := f.send(ctx, "each", len(msgs), func() (*messaging.BatchResponse, error) {
		return f.client.SendEach(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return results(tokens, resp), nil
}

var _ Provider = (*FCM)(nil)
