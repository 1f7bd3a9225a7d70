package reaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/GetStream/chat-fanout/metrics"
	"github.com/GetStream/chat-fanout/retry"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 5 * time.Millisecond
)

// Aggregator toggles reactions on messages.
type Aggregator struct {
	Store     Store
	Publisher Publisher
	Logger    *slog.Logger
	// MaxAttempts bounds compare-and-swap retries; zero means 5.
	MaxAttempts int
	// Backoff is the initial wait after a conflict; zero means 5ms.
	Backoff time.Duration
	Clock   clockwork.Clock

	locks keyedMutex
}

// Toggle adds userID's emoji reaction to the message, or removes it if the
// user already reacted with that emoji, and publishes the new reaction set
// to the message's channel. Toggles on the same message never overwrite
// each other; toggles on different messages run in parallel.
func (a *Aggregator) Toggle(ctx context.Context, messageID, userID, emoji string) (Delta, error) {
	if messageID == "" || userID == "" || emoji == "" {
		return Delta{}, ErrInvalid
	}

	unlock, err := a.locks.lock(ctx, messageID)
	if err != nil {
		return Delta{}, fmt.Errorf("wait for message %s: %w", messageID, err)
	}
	defer unlock()

	policy := retry.Policy{
		MaxAttempts:    a.maxAttempts(),
		InitialBackoff: a.backoff(),
		MaxBackoff:     50 * a.backoff(),
		Clock:          a.Clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			metrics.ReactionConflicts.Inc()
			a.logger().Debug("Reaction conflict, retrying", "message_id", messageID, "attempt", attempt, "backoff", backoff)
		},
	}
	delta, err := retry.Do(ctx, policy, classify, func() (Delta, error) {
		return a.toggleOnce(ctx, messageID, userID, emoji)
	})
	if err != nil {
		metrics.ReactionToggles.WithLabelValues("failed").Inc()
		return Delta{}, fmt.Errorf("toggle reaction: %w", err)
	}

	if delta.Added {
		metrics.ReactionToggles.WithLabelValues("added").Inc()
	} else {
		metrics.ReactionToggles.WithLabelValues("removed").Inc()
	}

	// Published while the message is still locked, so this process emits
	// reaction sets for a message in commit order. The set is committed, so
	// a caller that has gone away must not suppress the event.
	if a.Publisher != nil {
		a.Publisher.PublishReactionChanged(context.WithoutCancel(ctx), delta.ChannelID, messageID, delta.Reactions)
	}
	return delta, nil
}

func (a *Aggregator) toggleOnce(ctx context.Context, messageID, userID, emoji string) (Delta, error) {
	snap, err := a.Store.LoadReactions(ctx, messageID)
	if err != nil {
		return Delta{}, fmt.Errorf("load reactions: %w", err)
	}

	next, added := Apply(Normalize(snap.Reactions), userID, emoji)
	if err := a.Store.SaveReactions(ctx, messageID, snap.Version, next); err != nil {
		return Delta{}, fmt.Errorf("save reactions: %w", err)
	}

	return Delta{
		MessageID: messageID,
		ChannelID: snap.ChannelID,
		UserID:    userID,
		Emoji:     emoji,
		Added:     added,
		Version:   snap.Version + 1,
		Reactions: next,
	}, nil
}

func classify(err error) retry.Action {
	if errors.Is(err, ErrConflict) {
		return retry.Retry
	}
	return retry.Stop
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Aggregator) maxAttempts() int {
	if a.MaxAttempts > 0 {
		return a.MaxAttempts
	}
	return defaultMaxAttempts
}

func (a *Aggregator) backoff() time.Duration {
	if a.Backoff > 0 {
		return a.Backoff
	}
	return defaultBackoff
}

// keyedMutex serializes holders of the same key. Entries are dropped once
// nobody holds or waits for them.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyLock)
	}
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.m, key)
	}
}
