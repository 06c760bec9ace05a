package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisTransport publishes pages as JSON to a Redis pub/sub channel. The
// paging gateway subscribes to the channel and drives the pagers.
type RedisTransport struct {
	client  *redis.Client
	channel string
}

// RedisConfig configures the connection used by NewRedisTransportFromURL.
type RedisConfig struct {
	URL          string
	Channel      string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
}

func NewRedisTransport(client *redis.Client, channel string) *RedisTransport {
	return &RedisTransport{client: client, channel: channel}
}

// NewRedisTransportFromURL dials Redis and verifies the connection.
func NewRedisTransportFromURL(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBackoff > 0 {
		opts.MinRetryBackoff = cfg.RetryBackoff
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisTransport(client, cfg.Channel), nil
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) Send(ctx context.Context, p Page) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal page: %w", err)
	}
	return t.client.Publish(ctx, t.channel, payload).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

// LogTransport writes pages to the structured log. It is the fallback when no
// paging gateway is configured.
type LogTransport struct {
	logger zerolog.Logger
}

func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, p Page) error {
	t.logger.Info().
		Str("page_id", p.ID).
		Str("recipient", p.Recipient).
		Str("pager", p.Pager).
		Str("priority", string(p.Priority)).
		Str("subject", p.Subject).
		Msg(p.Body)
	return nil
}

// MemoryTransport records pages in memory. Used by tests and the offline CLI.
type MemoryTransport struct {
	mu         sync.Mutex
	pages      []Page
	ShouldFail bool
	FailError  string
}

func (m *MemoryTransport) Name() string { return "memory" }

// Send records the page and optionally returns an error.
func (m *MemoryTransport) Send(_ context.Context, p Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	m.pages = append(m.pages, p)
	return nil
}

// Pages returns a copy of recorded pages.
func (m *MemoryTransport) Pages() []Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Page, len(m.pages))
	copy(out, m.pages)
	return out
}

// SetFailing toggles failure injection.
func (m *MemoryTransport) SetFailing(fail bool, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = fail
	m.FailError = msg
}
