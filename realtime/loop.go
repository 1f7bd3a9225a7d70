package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/GetStream/chat-fanout/metrics"
	"github.com/GetStream/chat-fanout/retry"
)

type loopState int

const (
	loopStarting loopState = iota // subscribing, or resubscribing after a drop
	loopRunning                   // stream established, delivering
	loopStopping                  // refcount reached zero, waiting for exit
)

func (s loopState) String() string {
	switch s {
	case loopStarting:
		return "starting"
	case loopRunning:
		return "running"
	case loopStopping:
		return "stopping"
	}
	return "unknown"
}

// A topicLoop is the single bus subscription of one topic on this process.
// A topic without an entry in loops.m is absent.
type topicLoop struct {
	topic  string
	state  loopState
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
	// prev is the done channel of a loop for the same topic that was still
	// stopping when this one was created.
	prev <-chan struct{}
}

type loops struct {
	bus     Bus
	deliver func(topic string, ev Event)
	logger  *slog.Logger
	clock   clockwork.Clock
	backoff retry.Backoff

	mu     sync.Mutex
	m      map[string]*topicLoop
	closed bool
	wg     sync.WaitGroup
}

func newLoops(bus Bus, deliver func(string, Event), logger *slog.Logger, clock clockwork.Clock, backoff retry.Backoff) *loops {
	return &loops{
		bus:     bus,
		deliver: deliver,
		logger:  logger,
		clock:   clock,
		backoff: backoff,
		m:       make(map[string]*topicLoop),
	}
}

// acquire takes a reference on topic's loop, starting it if absent or
// stopping.
func (l *loops) acquire(topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	cur := l.m[topic]
	if cur != nil && cur.state != loopStopping {
		cur.refs++
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &topicLoop{
		topic:  topic,
		state:  loopStarting,
		refs:   1,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if cur != nil {
		t.prev = cur.done
	}
	l.m[topic] = t
	l.wg.Add(1)
	metrics.TopicLoopsCurrent.Inc()
	go l.run(ctx, t)
}

// release drops a reference on topic's loop and stops it at zero.
func (l *loops) release(topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.m[topic]
	if t == nil || t.state == loopStopping {
		return
	}
	t.refs--
	if t.refs > 0 {
		return
	}
	t.state = loopStopping
	t.cancel()
}

func (l *loops) setState(t *topicLoop, s loopState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.state != loopStopping {
		t.state = s
	}
}

// state reports the state of topic's current loop; ok is false when the
// topic is absent.
func (l *loops) state(topic string) (s loopState, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.m[topic]
	if !ok {
		return 0, false
	}
	return t.state, true
}

func (l *loops) run(ctx context.Context, t *topicLoop) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		if l.m[t.topic] == t {
			delete(l.m, t.topic)
		}
		l.mu.Unlock()
		metrics.TopicLoopsCurrent.Dec()
		close(t.done)
	}()

	// The previous loop was cancelled before this one was created. Waiting
	// for it even when this loop is itself cancelled keeps a chain of
	// short-lived loops from ever overlapping on the bus.
	if t.prev != nil {
		<-t.prev
		if ctx.Err() != nil {
			return
		}
	}

	follow(ctx, followConfig{
		bus:     l.bus,
		topic:   t.topic,
		logger:  l.logger,
		clock:   l.clock,
		backoff: l.backoff,
		onSubscribed: func() {
			l.setState(t, loopRunning)
		},
		onLost: func() {
			l.setState(t, loopStarting)
		},
	}, func(payload []byte) {
		l.deliver(t.topic, DecodeEvent(payload))
	})
}

// close stops every loop and waits for them to exit or ctx to be done.
func (l *loops) close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	for _, t := range l.m {
		t.state = loopStopping
		t.cancel()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type followConfig struct {
	bus          Bus
	topic        string
	logger       *slog.Logger
	clock        clockwork.Clock
	backoff      retry.Backoff
	onSubscribed func()
	onLost       func()
}

// follow subscribes to cfg.topic and hands every payload to handle, in
// order, until ctx is done. Failed subscriptions and dropped streams are
// retried with capped exponential backoff.
func follow(ctx context.Context, cfg followConfig, handle func(payload []byte)) {
	backoff := cfg.backoff
	wait := func(reason string, err error) bool {
		d := backoff.Next()
		cfg.logger.Warn(reason, "topic", cfg.topic, "error", err.Error(), "retry_in", d)
		return retry.Sleep(ctx, cfg.clock, d) == nil
	}

	for {
		stream, err := cfg.bus.Subscribe(ctx, cfg.topic)
		if err != nil {
			if ctx.Err() != nil || !wait("Could not subscribe to topic", err) {
				return
			}
			continue
		}
		backoff.Reset()
		if cfg.onSubscribed != nil {
			cfg.onSubscribed()
		}
		cfg.logger.Debug("Subscribed to topic", "topic", cfg.topic)

		err = consume(ctx, stream, handle)
		if cerr := stream.Close(); cerr != nil {
			cfg.logger.Debug("Could not close stream", "topic", cfg.topic, "error", cerr.Error())
		}
		if ctx.Err() != nil {
			return
		}

		metrics.BusReconnects.Inc()
		if cfg.onLost != nil {
			cfg.onLost()
		}
		if !wait("Topic stream lost, resubscribing", err) {
			return
		}
	}
}

func consume(ctx context.Context, stream Stream, handle func([]byte)) error {
	for {
		payload, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		handle(payload)
	}
}

// defaultBackoff is used when Options leave the bus backoff unset.
var defaultBackoff = retry.Backoff{Base: 100 * time.Millisecond, Max: 30 * time.Second}
