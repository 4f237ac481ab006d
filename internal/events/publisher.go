// Package events relays wallet state changes to external consumers through
// a message broker.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"WalletBridge/pkg/logger"
)

// Message is one encoded state change.
type Message struct {
	ID         string
	RoutingKey string
	Body       []byte
}

// Publisher delivers messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Config selects and configures a publisher.
type Config struct {
	Driver string

	RabbitMQURL string
	Exchange    string
	Queue       string
	Durable     bool

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
}

// NewPublisher builds the configured publisher. An empty driver disables the
// relay and returns nil.
func NewPublisher(ctx context.Context, cfg Config) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "log":
		return NewLogPublisher(nil), nil
	case "rabbitmq":
		publisher, err := NewRabbitMQPublisher(ctx, RabbitMQConfig{
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.Exchange,
			Queue:    cfg.Queue,
			Durable:  cfg.Durable,
		})
		if err != nil {
			return nil, err
		}
		return publisher, nil
	case "redis":
		publisher, err := NewRedisPublisher(ctx, RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
		})
		if err != nil {
			return nil, err
		}
		return publisher, nil
	default:
		return nil, fmt.Errorf("暂不支持的事件驱动: %s", cfg.Driver)
	}
}

// LogPublisher writes messages to the log.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher creates a LogPublisher; a nil logger uses the "events"
// component logger.
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = logger.Named("events")
	}
	return &LogPublisher{log: log}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	p.log.InfoContext(ctx, "钱包状态变更",
		slog.String("id", msg.ID),
		slog.String("routing_key", msg.RoutingKey),
		slog.String("body", string(msg.Body)))
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }
