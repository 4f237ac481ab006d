package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"WalletBridge/internal/client"
	"WalletBridge/pkg/logger"
)

// Relay forwards client state changes to a publisher. Publish failures are
// logged and the change is dropped.
type Relay struct {
	client    *client.Client
	publisher Publisher
	timeout   time.Duration
	buffer    int
	log       *slog.Logger
}

// RelayOption customises a Relay.
type RelayOption func(*Relay)

// WithPublishTimeout bounds each publish.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithBuffer sets how many changes may queue while a publish is running.
func WithBuffer(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.buffer = size
		}
	}
}

// NewRelay creates a relay from c to publisher.
func NewRelay(c *client.Client, publisher Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		client:    c,
		publisher: publisher,
		timeout:   5 * time.Second,
		buffer:    64,
		log:       logger.Named("events"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run relays changes until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	changes := make(chan client.Change, r.buffer)
	sub := r.client.SubscribeChanges(changes)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case change := <-changes:
			r.forward(ctx, change)
		}
	}
}

func (r *Relay) forward(ctx context.Context, change client.Change) {
	msg, err := Encode(change)
	if err != nil {
		r.log.Error("编码状态变更失败", slog.Any("error", err), slog.String("id", change.ID.String()))
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.publisher.Publish(publishCtx, msg); err != nil {
		r.log.Warn("发布状态变更失败", slog.Any("error", err), slog.String("id", msg.ID))
	}
}

// Encode renders a change as a broker message routed by its reason.
func Encode(change client.Change) (Message, error) {
	body, err := json.Marshal(change)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         change.ID.String(),
		RoutingKey: "wallet." + string(change.Reason),
		Body:       body,
	}, nil
}
