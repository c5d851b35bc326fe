// Package redis publishes relay events as JSON on a Redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loykin/onair/internal/history"
)

const DefaultChannel = "onair:events"

type Sink struct {
	client  *goredis.Client
	channel string
}

// New parses a DSN of the form redis://[user:pass@]host:port/db?channel=name
// (rediss:// for TLS). The connection is established lazily on first Send.
func New(dsn string) (*Sink, error) {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("redis dsn: %w", err)
	}
	q := u.Query()
	channel := q.Get("channel")
	if channel == "" {
		channel = DefaultChannel
	}
	q.Del("channel")
	u.RawQuery = q.Encode()

	opts, err := goredis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("redis dsn: %w", err)
	}
	return &Sink{client: goredis.NewClient(opts), channel: channel}, nil
}

func (s *Sink) Channel() string { return s.channel }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, b).Err()
}

func (s *Sink) Close() error { return s.client.Close() }
