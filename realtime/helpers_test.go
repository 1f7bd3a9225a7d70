package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBrokenPipe = errors.New("broken pipe")

// testTransport records written frames. A non-nil fail makes every write
// fail; a non-nil block makes writes wait until it is closed.
type testTransport struct {
	mu     sync.Mutex
	frames []string
	fail   error
	block  chan struct{}
	closed bool
}

func (tt *testTransport) WriteFrame(ctx context.Context, frame []byte) error {
	tt.mu.Lock()
	block, fail := tt.block, tt.fail
	tt.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.frames = append(tt.frames, string(frame))
	return nil
}

func (tt *testTransport) Close() error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.closed = true
	return nil
}

func (tt *testTransport) received() []string {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]string(nil), tt.frames...)
}

func (tt *testTransport) isClosed() bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.closed
}

// eventually fails the test if cond does not hold within two seconds.
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitFrames waits until tt has received n frames and returns them.
func waitFrames(t *testing.T, tt *testTransport, n int) []string {
	t.Helper()
	eventually(t, "frames received", func() bool { return len(tt.received()) >= n })
	return tt.received()
}

type presenceCall struct {
	userID string
	online bool
}

type testPresence struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (p *testPresence) online(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, presenceCall{userID: userID, online: true})
}

func (p *testPresence) offline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, presenceCall{userID: userID, online: false})
}

func (p *testPresence) got() []presenceCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presenceCall(nil), p.calls...)
}

type testWatcher struct {
	mu   sync.Mutex
	refs map[string]int
}

func (w *testWatcher) acquire(topic string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refs == nil {
		w.refs = make(map[string]int)
	}
	w.refs[topic]++
}

func (w *testWatcher) release(topic string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs[topic]--
}

func (w *testWatcher) count(topic string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refs[topic]
}
