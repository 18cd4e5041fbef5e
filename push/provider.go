// Package push delivers dispatch messages through a push notification provider.
package push

import (
	"announce-notifier/pkg/notifier"
	"context"
	"fmt"
)

// Provider defines the interface for push delivery implementations.
type Provider interface {
	// SendMulticast sends one payload to up to notifier.MaxBatch tokens.
	// The error is reserved for whole-call failures; per-token outcomes are in the results.
	SendMulticast(ctx context.Context, tokens []string, p notifier.Payload) ([]notifier.SendResult, error)
	// SendEach sends individual payloads, up to notifier.MaxBatch of them.
	SendEach(ctx context.Context, msgs []notifier.TokenMessage) ([]notifier.SendResult, error)
}

// Send delivers a dispatch message with whichever call its shape needs.
func Send(ctx context.Context, p Provider, msg *notifier.DispatchMessage) ([]notifier.SendResult, error) {
	switch {
	case msg.Multicast != nil:
		if len(msg.Multicast.Tokens) > notifier.MaxBatch {
			return nil, fmt.Errorf("multicast has %d tokens, limit %d", len(msg.Multicast.Tokens), notifier.MaxBatch)
		}
		return p.SendMulticast(ctx, msg.Multicast.Tokens, msg.Multicast.Payload)
	case len(msg.Each) > 0:
		if len(msg.Each) > notifier.MaxBatch {
			return nil, fmt.Errorf("batch has %d messages, limit %d", len(msg.Each), notifier.MaxBatch)
		}
		return p.SendEach(ctx, msg.Each)
	default:
		return nil, nil
	}
}
