// Package retry runs operations again after transient failures.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, back off and try again
)

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clockwork.Clock
	OnRetry        func(attempt int, err error, backoff time.Duration)
}

type Classify func(err error) Action
type Operation[T any] func() (T, error)

// Do calls op until it succeeds, classify returns Stop, MaxAttempts is
// reached or ctx is done. Errors from the last attempt are wrapped, so
// errors.Is sees through them.
func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		return zero, fmt.Errorf("retry: MaxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	backoff := Backoff{Base: p.InitialBackoff, Max: p.MaxBackoff}

	for attempt := 1; ; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}

		if classify(err) == Stop {
			return zero, &PermanentError{Err: err}
		}
		if attempt == p.MaxAttempts {
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		d := backoff.Next()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, d)
		}
		if err := Sleep(ctx, p.Clock, d); err != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Backoff yields capped, doubling delays starting at Base. The zero Max
// means no cap; the delay then stops growing at the largest Duration
// instead of overflowing. The zero Base retries without waiting.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	next time.Duration
}

const maxDuration = time.Duration(math.MaxInt64)

// Next returns the delay to wait before the upcoming attempt.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Base
	}
	d := b.next
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d > maxDuration/2 {
		b.next = maxDuration
	} else {
		b.next = d * 2
	}
	return d
}

// Reset starts the sequence over from Base.
func (b *Backoff) Reset() {
	b.next = 0
}

// Sleep waits for d on clock, or until ctx is done. A nil clock is the
// real clock.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
