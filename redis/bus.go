package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/GetStream/chat-fanout/realtime"
)

// Bus carries realtime events between processes over Redis Pub/Sub. Topic
// names are used as Redis channel names.
type Bus struct {
	cli *redis.Client
}

// Bus returns a pub/sub bus on the same connection pool as the cache.
func (r *Redis) Bus() *Bus {
	return &Bus{cli: r.cli}
}

// Publish sends payload to every subscriber of topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.cli.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w: %w", topic, realtime.ErrTransport, err)
	}
	return nil
}

// Subscribe subscribes to topic and waits for the server to confirm, so
// that every payload published after it returns is received.
func (b *Bus) Subscribe(ctx context.Context, topic string) (realtime.Stream, error) {
	ps := b.cli.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %w", topic, realtime.ErrTransport, err)
	}
	return &stream{ps: ps, topic: topic}, nil
}

type stream struct {
	ps        *redis.PubSub
	topic     string
	closeOnce sync.Once
	closeErr  error
}

// Next returns the next payload. A cancelled ctx closes the subscription,
// since a blocked read does not watch ctx.
func (s *stream) Next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	msg, err := s.ps.ReceiveMessage(ctx)
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, realtime.ErrClosed
		}
		return nil, fmt.Errorf("receive %s: %w: %w", s.topic, realtime.ErrTransport, err)
	}
	return []byte(msg.Payload), nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ps.Close()
	})
	return s.closeErr
}
