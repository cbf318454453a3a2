package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventStore is the redis surface used to mark processed notifications.
type EventStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	WebhookEventKey(gateway, eventID string) string
}

// Guard marks webhook event ids so a redelivered notification is acknowledged
// without being processed twice.
type Guard struct {
	store EventStore
	ttl   time.Duration
}

func NewGuard(store EventStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// CheckAndMark returns true when the event was already marked.
func (g *Guard) CheckAndMark(ctx context.Context, gatewayID, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, g.store.WebhookEventKey(gatewayID, eventID), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set webhook event key: %w", err)
	}
	return !set, nil
}

// Release removes the mark so the sender's retry is processed.
func (g *Guard) Release(ctx context.Context, gatewayID, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, g.store.WebhookEventKey(gatewayID, eventID))
}
