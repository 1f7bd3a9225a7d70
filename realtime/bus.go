package realtime

import (
	"context"
	"errors"
)

var (
	// ErrTransport reports that the bus connection behind a Stream was lost.
	// Subscription loops recover from it by resubscribing.
	ErrTransport = errors.New("bus transport lost")

	// ErrConnectionWrite reports that a frame could not be handed to a
	// client connection. The connection is dropped; other deliveries go on.
	ErrConnectionWrite = errors.New("connection write failed")

	// ErrClosed is returned by operations on a closed Hub or Stream.
	ErrClosed = errors.New("closed")
)

// A Bus is a shared publish/subscribe transport with named topics. Delivery is
// best effort and at most once. A process must receive its own publishes on
// its own subscriptions. Order is preserved within one topic only.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Stream, error)
}

// A Stream yields the payloads published to one topic after the
// subscription was established.
type Stream interface {
	// Next blocks until the next payload arrives, ctx is done, or the
	// transport fails. A transport failure is terminal for the stream and
	// wraps ErrTransport.
	Next(ctx context.Context) ([]byte, error)
	// Close releases the underlying subscription.
	Close() error
}
