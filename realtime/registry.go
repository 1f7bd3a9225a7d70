package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GetStream/chat-fanout/metrics"
)

// ErrUnknownConnection is returned for operations on a connection that is
// not, or no longer, registered.
var ErrUnknownConnection = errors.New("connection not registered")

// A Transport writes frames to one client. Close must perform the
// transport's close handshake where it has one.
type Transport interface {
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// A Connection is one open client connection registered on this process.
type Connection struct {
	id        string
	userID    string
	seq       uint64
	transport Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// topics is guarded by Registry.mu.
	topics map[string]struct{}
}

// ID returns the connection's process-unique id.
func (c *Connection) ID() string { return c.id }

// UserID returns the user the connection was registered for, if any.
func (c *Connection) UserID() string { return c.userID }

// Done is closed once the connection has been unregistered.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrUnknownConnection
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrConnectionWrite
	}
}

func (c *Connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

type topicWatcher interface {
	acquire(topic string)
	release(topic string)
}

type presenceNotifier interface {
	online(userID string)
	offline(userID string)
}

// Registry is the table of connections attached to this process, the
// user bindings pointing at them and the topics they subscribe to. A single
// mutex guards all three, so bindings and subscriber sets never disagree
// with the connection set.
type Registry struct {
	logger       *slog.Logger
	sendBuffer   int
	writeTimeout time.Duration
	watcher      topicWatcher
	presence     presenceNotifier

	mu     sync.Mutex
	conns  map[string]*Connection
	users  map[string]*Connection
	subs   map[string]map[*Connection]struct{}
	seq    uint64
	closed bool
}

func newRegistry(logger *slog.Logger, sendBuffer int, writeTimeout time.Duration) *Registry {
	return &Registry{
		logger:       logger,
		sendBuffer:   sendBuffer,
		writeTimeout: writeTimeout,
		conns:        make(map[string]*Connection),
		users:        make(map[string]*Connection),
		subs:         make(map[string]map[*Connection]struct{}),
	}
}

// Register adds a connection. A non-empty userID binds the user to this
// connection, replacing any earlier binding on this process; if the user had
// no binding the user is announced online.
func (r *Registry) Register(t Transport, userID string) (*Connection, error) {
	c := &Connection{
		id:        uuid.NewString(),
		userID:    userID,
		transport: t,
		send:      make(chan []byte, r.sendBuffer),
		done:      make(chan struct{}),
		topics:    make(map[string]struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.seq++
	c.seq = r.seq
	r.conns[c.id] = c
	if userID != "" {
		if _, bound := r.users[userID]; !bound && r.presence != nil {
			r.presence.online(userID)
		}
		r.users[userID] = c
	}
	r.mu.Unlock()

	metrics.ConnectionsCurrent.Inc()
	metrics.ConnectionsTotal.Inc()
	r.logger.Debug("Connection registered", "connection_id", c.id, "user_id", userID)

	go r.writeLoop(c)
	return c, nil
}

// Unregister removes a connection, its subscriptions and any binding to it,
// and closes its transport. It is safe to call more than once.
func (r *Registry) Unregister(c *Connection) {
	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.id)
	for topic := range c.topics {
		r.removeSubscriber(c, topic)
	}
	if c.userID != "" && r.users[c.userID] == c {
		if next := r.latestFor(c.userID); next != nil {
			r.users[c.userID] = next
		} else {
			delete(r.users, c.userID)
			if r.presence != nil {
				r.presence.offline(c.userID)
			}
		}
	}
	r.mu.Unlock()

	metrics.ConnectionsCurrent.Dec()
	if err := c.close(); err != nil {
		r.logger.Debug("Could not close transport", "connection_id", c.id, "error", err.Error())
	}
	r.logger.Debug("Connection unregistered", "connection_id", c.id, "user_id", c.userID)
}

// latestFor returns the most recently registered live connection of userID.
// Callers hold r.mu.
func (r *Registry) latestFor(userID string) *Connection {
	var latest *Connection
	for _, c := range r.conns {
		if c.userID == userID && (latest == nil || c.seq > latest.seq) {
			latest = c
		}
	}
	return latest
}

// Subscribe adds the connection to topic's local subscribers. The first
// local subscriber of a topic starts its subscription loop.
func (r *Registry) Subscribe(c *Connection, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return ErrUnknownConnection
	}
	if _, ok := c.topics[topic]; ok {
		return nil
	}
	c.topics[topic] = struct{}{}
	subs, ok := r.subs[topic]
	if !ok {
		subs = make(map[*Connection]struct{})
		r.subs[topic] = subs
	}
	subs[c] = struct{}{}
	if len(subs) == 1 && r.watcher != nil {
		r.watcher.acquire(topic)
	}
	return nil
}

// Unsubscribe removes the connection from topic's local subscribers. The
// last local subscriber leaving stops the topic's subscription loop.
func (r *Registry) Unsubscribe(c *Connection, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := c.topics[topic]; !ok {
		return
	}
	r.removeSubscriber(c, topic)
}

// removeSubscriber is called with r.mu held.
func (r *Registry) removeSubscriber(c *Connection, topic string) {
	delete(c.topics, topic)
	subs := r.subs[topic]
	delete(subs, c)
	if len(subs) == 0 {
		delete(r.subs, topic)
		if r.watcher != nil {
			r.watcher.release(topic)
		}
	}
}

// DeliverLocal queues ev to every connection on this process subscribed to
// topic and returns how many accepted it. A connection that cannot take the
// frame is unregistered; the others still receive it.
func (r *Registry) DeliverLocal(topic string, ev Event) int {
	r.mu.Lock()
	subs := make([]*Connection, 0, len(r.subs[topic]))
	for c := range r.subs[topic] {
		subs = append(subs, c)
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range subs {
		if r.offer(c, ev) != nil {
			continue
		}
		delivered++
	}
	metrics.EventsDelivered.WithLabelValues(string(ev.Type)).Add(float64(delivered))
	return delivered
}

// SendToUser queues ev to the connection bound to userID on this process.
// It reports false when the user has no binding here; the user may be
// connected to another process, which only a topic publish reaches.
func (r *Registry) SendToUser(userID string, ev Event) bool {
	r.mu.Lock()
	c, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if r.offer(c, ev) != nil {
		return false
	}
	metrics.EventsDelivered.WithLabelValues(string(ev.Type)).Inc()
	return true
}

// Send queues ev to c alone.
func (r *Registry) Send(c *Connection, ev Event) error {
	if err := r.offer(c, ev); err != nil {
		return err
	}
	metrics.EventsDelivered.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Subscribed reports whether c is subscribed to topic.
func (r *Registry) Subscribed(c *Connection, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// Lookup returns the registered connection with the given id.
func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Online reports whether userID is bound to a connection on this process.
func (r *Registry) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// Topics returns the sorted topics c is subscribed to.
func (r *Registry) Topics(c *Connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

// Subscribers returns the number of local subscribers of topic.
func (r *Registry) Subscribers(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[topic])
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// offer queues ev to c. A full queue drops c; a connection that was
// unregistered meanwhile is left alone.
func (r *Registry) offer(c *Connection, ev Event) error {
	err := c.enqueue(ev.Payload)
	if errors.Is(err, ErrConnectionWrite) {
		r.drop(c, "queue_full", err)
	}
	return err
}

func (r *Registry) drop(c *Connection, reason string, err error) {
	metrics.ConnectionWriteFailures.WithLabelValues(reason).Inc()
	r.logger.Warn("Dropping connection", "connection_id", c.id, "reason", reason, "error", err.Error())
	r.Unregister(c)
}

func (r *Registry) writeLoop(c *Connection) {
	for {
		select {
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
			err := c.transport.WriteFrame(ctx, frame)
			cancel()
			if err != nil {
				r.drop(c, "write", errors.Join(ErrConnectionWrite, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeAll unregisters every connection and refuses new ones.
func (r *Registry) closeAll() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.Unregister(c)
	}
}
