package realtime

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Bus. Hubs sharing one MemoryBus behave like
// processes sharing a Redis server, which makes it the bus for single
// process deployments and for tests.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]map[*memStream]struct{}
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[*memStream]struct{})}
}

// Publish delivers a copy of payload to every open stream of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := append([]byte(nil), payload...)

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.topics[topic] {
		s.push(p)
	}
	return nil
}

// Subscribe opens a stream on topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memStream{bus: b, topic: topic, notify: make(chan struct{}, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*memStream]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s, nil
}

// Subscribers returns the number of open streams on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Disconnect fails every open stream with ErrTransport, as if the
// connection to a shared bus server had dropped.
func (b *MemoryBus) Disconnect() {
	b.mu.Lock()
	var streams []*memStream
	for topic, subs := range b.topics {
		for s := range subs {
			streams = append(streams, s)
		}
		delete(b.topics, topic)
	}
	b.mu.Unlock()

	for _, s := range streams {
		s.fail(fmt.Errorf("memory bus disconnected: %w", ErrTransport))
	}
}

func (b *MemoryBus) remove(s *memStream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[s.topic]
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.topics, s.topic)
	}
}

type memStream struct {
	bus    *MemoryBus
	topic  string
	notify chan struct{}

	mu    sync.Mutex
	queue [][]byte
	err   error
}

func (s *memStream) push(p []byte) {
	s.mu.Lock()
	if s.err == nil {
		s.queue = append(s.queue, p)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *memStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		s.queue = nil
	}
	s.mu.Unlock()
	s.wake()
}

func (s *memStream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memStream) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			p := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return p, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memStream) Close() error {
	s.bus.remove(s)
	s.fail(ErrClosed)
	return nil
}
