package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/GetStream/chat-fanout/metrics"
	"github.com/GetStream/chat-fanout/retry"
)

type presenceChange struct {
	userID string
	online bool
}

// PresenceTracker announces user_online and user_offline on the presence
// topic when a user's binding on this process appears or goes away.
// Announcements leave in the order the registry made the changes. Each
// process announces its own bindings only, so consumers see duplicate
// online events for users connected to several processes.
//
// The registry reports changes while holding its lock, so reporting never
// waits on the bus: changes pile up in memory while publishing is slow.
type PresenceTracker struct {
	publish func(ctx context.Context, topic string, ev Event)
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending []presenceChange
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newPresenceTracker(publish func(context.Context, string, Event), timeout time.Duration, logger *slog.Logger) *PresenceTracker {
	p := &PresenceTracker{
		publish: publish,
		timeout: timeout,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *PresenceTracker) online(userID string) {
	p.push(presenceChange{userID: userID, online: true})
}

func (p *PresenceTracker) offline(userID string) {
	p.push(presenceChange{userID: userID, online: false})
}

func (p *PresenceTracker) push(change presenceChange) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, change)
	p.mu.Unlock()

	metrics.PresencePending.Inc()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *PresenceTracker) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		closed := p.closed
		p.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-p.wake
			continue
		}
		for _, change := range batch {
			p.announce(change)
			metrics.PresencePending.Dec()
		}
	}
}

func (p *PresenceTracker) announce(change presenceChange) {
	t := EventUserOffline
	if change.online {
		t = EventUserOnline
	}
	ev, err := NewEvent(t, PresenceBody{Type: t, UserID: change.userID})
	if err != nil {
		p.logger.Error("Could not encode presence event", "user_id", change.userID, "error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	p.publish(ctx, PresenceTopic, ev)
	cancel()
}

// close publishes the queued announcements and stops the tracker. Changes
// reported afterwards are ignored.
func (p *PresenceTracker) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	<-p.done
}

// PresenceObserver consumes the presence topic. It is the collaborator
// that decides what presence means beyond a single process: aggregating
// across processes, or relaying to interested channels.
type PresenceObserver struct {
	Bus     Bus
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Backoff retry.Backoff
	// Handle is called for every presence event, in publish order.
	Handle func(PresenceBody)
}

// Run follows the presence topic until ctx is done, resubscribing after
// transport failures.
func (o *PresenceObserver) Run(ctx context.Context) {
	backoff := o.Backoff
	if backoff.Base == 0 {
		backoff = defaultBackoff
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	follow(ctx, followConfig{
		bus:     o.Bus,
		topic:   PresenceTopic,
		logger:  logger,
		clock:   o.Clock,
		backoff: backoff,
	}, func(payload []byte) {
		var body PresenceBody
		if err := json.Unmarshal(payload, &body); err != nil {
			logger.Warn("Invalid presence event", "error", err.Error())
			return
		}
		if body.Type != EventUserOnline && body.Type != EventUserOffline {
			logger.Warn("Unexpected event on presence topic", "type", body.Type)
			return
		}
		o.Handle(body)
	})
}
