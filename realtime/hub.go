package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/GetStream/chat-fanout/metrics"
	"github.com/GetStream/chat-fanout/reaction"
	"github.com/GetStream/chat-fanout/retry"
)

// Options tune a Hub. Zero values select the defaults.
type Options struct {
	Logger *slog.Logger
	// SendBuffer is the number of frames queued per connection before the
	// connection counts as too slow and is dropped. Default 64.
	SendBuffer int
	// WriteTimeout bounds a single frame write. Default 10s.
	WriteTimeout time.Duration
	// PublishTimeout bounds a single bus publish. Default 5s.
	PublishTimeout time.Duration
	// BackoffBase and BackoffMax shape resubscription after bus failures.
	// Defaults 100ms and 30s.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Clock       clockwork.Clock
}

// Hub is the real-time fan-out of one process: the connection registry,
// one subscription loop per topic with local subscribers, and the presence
// tracker, all on top of a shared Bus.
type Hub struct {
	*Registry

	bus            Bus
	logger         *slog.Logger
	publishTimeout time.Duration
	loops          *loops
	presence       *PresenceTracker
	closeOnce      sync.Once
	closeErr       error
}

// NewHub starts a Hub on bus.
func NewHub(bus Bus, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	backoff := defaultBackoff
	if opts.BackoffBase > 0 {
		backoff.Base = opts.BackoffBase
	}
	if opts.BackoffMax > 0 {
		backoff.Max = opts.BackoffMax
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	h := &Hub{
		bus:            bus,
		logger:         opts.Logger,
		publishTimeout: opts.PublishTimeout,
	}
	h.Registry = newRegistry(opts.Logger, opts.SendBuffer, opts.WriteTimeout)
	h.loops = newLoops(bus, h.deliver, opts.Logger, opts.Clock, backoff)
	h.presence = newPresenceTracker(h.Publish, opts.PublishTimeout, opts.Logger)
	h.Registry.watcher = h.loops
	h.Registry.presence = h.presence
	return h
}

func (h *Hub) deliver(topic string, ev Event) {
	h.Registry.DeliverLocal(topic, ev)
}

// Keep holds topic's subscription loop open without a local subscriber
// until the returned release function is called.
func (h *Hub) Keep(topic string) (release func()) {
	h.loops.acquire(topic)
	var once sync.Once
	return func() {
		once.Do(func() { h.loops.release(topic) })
	}
}

// Publish sends ev to every process subscribed to topic, this one
// included. Failures are logged and the event is dropped.
func (h *Hub) Publish(ctx context.Context, topic string, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, h.publishTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, topic, ev.Payload); err != nil {
		metrics.BusPublishFailures.WithLabelValues(string(ev.Type)).Inc()
		h.logger.Warn("Could not publish event", "topic", topic, "type", ev.Type, "error", err.Error())
	}
}

func (h *Hub) publishBody(ctx context.Context, topic string, t EventType, body any) {
	ev, err := NewEvent(t, body)
	if err != nil {
		h.logger.Error("Could not encode event", "topic", topic, "type", t, "error", err.Error())
		return
	}
	h.Publish(ctx, topic, ev)
}

// PublishMessageCreated announces a new message on its channel.
func (h *Hub) PublishMessageCreated(ctx context.Context, channelID string, message any) {
	h.publishBody(ctx, ChannelTopic(channelID), EventMessageCreated, MessageBody{
		Type:      EventMessageCreated,
		ChannelID: channelID,
		Message:   message,
	})
}

// PublishMessageUpdated announces an edited message on its channel.
func (h *Hub) PublishMessageUpdated(ctx context.Context, channelID string, message any) {
	h.publishBody(ctx, ChannelTopic(channelID), EventMessageUpdated, MessageBody{
		Type:      EventMessageUpdated,
		ChannelID: channelID,
		Message:   message,
	})
}

// PublishMessageDeleted announces a deleted message on its channel.
func (h *Hub) PublishMessageDeleted(ctx context.Context, channelID, messageID string) {
	h.publishBody(ctx, ChannelTopic(channelID), EventMessageDeleted, MessageDeletedBody{
		Type:      EventMessageDeleted,
		ChannelID: channelID,
		MessageID: messageID,
	})
}

// PublishReactionChanged announces the new reaction set of a message on
// its channel.
func (h *Hub) PublishReactionChanged(ctx context.Context, channelID, messageID string, reactions []reaction.Reaction) {
	if reactions == nil {
		reactions = []reaction.Reaction{}
	}
	h.publishBody(ctx, ChannelTopic(channelID), EventReactionChanged, ReactionBody{
		Type:      EventReactionChanged,
		ChannelID: channelID,
		MessageID: messageID,
		Reactions: reactions,
	})
}

// Close closes every connection, publishes the resulting presence changes
// and stops all subscription loops. It returns early with ctx's error if
// the loops do not exit in time.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.Registry.closeAll()
		h.presence.close()
		if err := h.loops.close(ctx); err != nil {
			h.closeErr = fmt.Errorf("stop topic loops: %w", err)
		}
	})
	return h.closeErr
}
