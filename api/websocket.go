package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/GetStream/chat-fanout/realtime"
)

// WebSocketOptions tune the WebSocket endpoint. Zero values select the
// defaults.
type WebSocketOptions struct {
	// PongWait is how long a connection may stay silent before it is
	// considered dead. Pings go out at nine tenths of it. Default 60s.
	PongWait time.Duration
	// WriteWait bounds control frame writes. Default 10s.
	WriteWait time.Duration
	// MaxFrame is the largest inbound frame in bytes. Default 64 KiB.
	MaxFrame int64
	// FrameRate and FrameBurst limit inbound frames per connection.
	// Defaults 20/s and 40.
	FrameRate  rate.Limit
	FrameBurst int
	// AllowedOrigins lists the origins allowed to open a WebSocket. Empty
	// allows any origin.
	AllowedOrigins []string
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = 64 << 10
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 20
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = 40
	}
	return o
}

func (a *API) checkOrigin(r *http.Request) bool {
	if len(a.WS.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(a.WS.AllowedOrigins, "*") || slices.Contains(a.WS.AllowedOrigins, origin)
}

// wsTransport writes frames to a gorilla WebSocket. The registry's writer
// goroutine is its only data frame writer; control frames may be written
// concurrently.
type wsTransport struct {
	ws        *websocket.Conn
	writeWait time.Duration
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.writeWait)
	}
	if err := t.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) ping() error {
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

// Close sends a close frame and closes the socket, which also ends the
// connection's read loop.
func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return errors.Join(err, t.ws.Close())
}

// Frames a client sends that are not relayed.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
)

type clientFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

type serverFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id,omitempty"`
	ChannelID    string `json:"channel_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (a *API) serveWS(w http.ResponseWriter, r *http.Request) {
	// Anonymous connections are allowed; they never show up in presence.
	userID, _ := a.Identity(r)

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		a.Logger.Warn("Could not upgrade connection", "error", err.Error())
		return
	}
	t := &wsTransport{ws: ws, writeWait: a.WS.WriteWait}

	c, err := a.Hub.Register(t, userID)
	if err != nil {
		a.Logger.Warn("Could not register connection", "error", err.Error())
		_ = t.Close()
		return
	}
	defer a.Hub.Unregister(c)

	if a.Mode == ModeGlobal {
		if err := a.Hub.Subscribe(c, realtime.GlobalTopic); err != nil {
			return
		}
	}
	a.reply(c, serverFrame{Type: "connected", ConnectionID: c.ID()})

	go a.pingLoop(c, t)
	a.readLoop(context.WithoutCancel(r.Context()), c, ws)
}

func (a *API) pingLoop(c *realtime.Connection, t *wsTransport) {
	ticker := time.NewTicker(a.WS.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.ping(); err != nil {
				a.Logger.Debug("Ping failed", "connection_id", c.ID(), "error", err.Error())
				a.Hub.Unregister(c)
				return
			}
		case <-c.Done():
			return
		}
	}
}

func (a *API) readLoop(ctx context.Context, c *realtime.Connection, ws *websocket.Conn) {
	ws.SetReadLimit(a.WS.MaxFrame)
	_ = ws.SetReadDeadline(time.Now().Add(a.WS.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(a.WS.PongWait))
	})
	limiter := rate.NewLimiter(a.WS.FrameRate, a.WS.FrameBurst)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.Logger.Debug("Connection read failed", "connection_id", c.ID(), "error", err.Error())
			}
			return
		}
		if !limiter.Allow() {
			a.Logger.Warn("Dropping frame over rate limit", "connection_id", c.ID())
			a.reply(c, serverFrame{Type: "error", Error: "rate limit exceeded"})
			continue
		}
		a.handleFrame(ctx, c, frame)
	}
}

// handleFrame applies a control frame or relays an opaque one. In global
// mode every opaque frame goes to the global topic. In channel mode a frame
// goes to the channel it names if the sender is subscribed to it and is
// dropped otherwise.
func (a *API) handleFrame(ctx context.Context, c *realtime.Connection, frame []byte) {
	var f clientFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		f = clientFrame{}
	}

	switch f.Type {
	case frameSubscribe, frameUnsubscribe:
		if f.ChannelID == "" {
			a.reply(c, serverFrame{Type: "error", Error: "channel_id is required"})
			return
		}
		topic := realtime.ChannelTopic(f.ChannelID)
		if f.Type == frameUnsubscribe {
			a.Hub.Unsubscribe(c, topic)
			a.reply(c, serverFrame{Type: "unsubscribed", ChannelID: f.ChannelID})
			return
		}
		if err := a.Hub.Subscribe(c, topic); err != nil {
			return
		}
		a.reply(c, serverFrame{Type: "subscribed", ChannelID: f.ChannelID})
		return
	case framePing:
		a.reply(c, serverFrame{Type: "pong"})
		return
	}

	if a.Mode == ModeGlobal {
		a.Hub.Publish(ctx, realtime.GlobalTopic, realtime.RawEvent(frame))
		return
	}
	topic := realtime.ChannelTopic(f.ChannelID)
	if f.ChannelID == "" || !a.Hub.Subscribed(c, topic) {
		a.Logger.Debug("Dropping frame for unsubscribed channel", "connection_id", c.ID(), "channel_id", f.ChannelID)
		return
	}
	a.Hub.Publish(ctx, topic, realtime.RawEvent(frame))
}

func (a *API) reply(c *realtime.Connection, f serverFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		a.Logger.Error("Could not encode frame", "error", err.Error())
		return
	}
	_ = a.Hub.Send(c, realtime.Event{Type: realtime.EventType(f.Type), Payload: b})
}
