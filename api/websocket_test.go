package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GetStream/chat-fanout/reaction"
	"github.com/GetStream/chat-fanout/realtime"
)

func dialWS(t *testing.T, srv *httptest.Server, user string) (*websocket.Conn, string) {
	t.Helper()
	header := http.Header{}
	if user != "" {
		header.Set("X-User-ID", user)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })

	f := readFrame(t, ws)
	if f["type"] != "connected" || f["connection_id"] == "" {
		t.Fatalf("Got first frame %v, want connected", f)
	}
	return ws, f["connection_id"].(string)
}

func readRaw(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return string(b)
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	raw := readRaw(t, ws)
	var f map[string]any
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("Could not decode frame %q: %v", raw, err)
	}
	return f
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func subscribeWS(t *testing.T, api *API, ws *websocket.Conn, channelID string) {
	t.Helper()
	send(t, ws, `{"type":"subscribe","channel_id":"`+channelID+`"}`)
	if f := readFrame(t, ws); f["type"] != "subscribed" || f["channel_id"] != channelID {
		t.Fatalf("Got %v, want subscribed to %s", f, channelID)
	}
	waitSubscribed(t, api, realtime.ChannelTopic(channelID))
}

func TestWebSocket_ReceivesChannelEvents(t *testing.T) {
	db := &testdb{
		insertMessage: func(t *testing.T, msg Message) (Message, error) {
			msg.ID = "1"
			msg.Reactions = []reaction.Reaction{}
			return msg, nil
		},
	}
	api := newTestAPI(t, db, nil, nil)
	srv := httptest.NewServer(api)
	defer srv.Close()

	ws, _ := dialWS(t, srv, "alice")
	subscribeWS(t, api, ws, "42")

	resp := do(t, "POST", srv.URL+"/channels/42/messages", "bob", `{"text": "hello"}`)
	checkStatus(t, resp.StatusCode, 201)

	f := readFrame(t, ws)
	if f["type"] != "message_created" || f["channel_id"] != "42" {
		t.Fatalf("Got %v, want message_created on 42", f)
	}
	msg := f["message"].(map[string]any)
	if msg["text"] != "hello" || msg["user_id"] != "bob" {
		t.Errorf("Got message %v", msg)
	}
}

func TestWebSocket_ChannelRelay(t *testing.T) {
	api := newTestAPI(t, nil, nil, nil)
	srv := httptest.NewServer(api)
	defer srv.Close()

	sender, _ := dialWS(t, srv, "alice")
	receiver, _ := dialWS(t, srv, "bob")
	subscribeWS(t, api, sender, "42")
	subscribeWS(t, api, receiver, "42")

	frame := `{"channel_id":"42","text":"hi"}`
	send(t, sender, frame)
	if got := readRaw(t, receiver); got != frame {
		t.Errorf("Receiver got %s, want %s", got, frame)
	}
	if got := readRaw(t, sender); got != frame {
		t.Errorf("Sender got %s, want its own frame back", got)
	}

	// Frames for channels the sender is not subscribed to, or naming no
	// channel, are dropped.
	send(t, sender, `{"channel_id":"7","text":"nope"}`)
	send(t, sender, `plain text`)
	send(t, sender, `{"type":"ping"}`)
	if f := readFrame(t, sender); f["type"] != "pong" {
		t.Errorf("Got %v, want pong", f)
	}
}

func TestWebSocket_Unsubscribe(t *testing.T) {
	api := newTestAPI(t, nil, nil, nil)
	srv := httptest.NewServer(api)
	defer srv.Close()

	ws, id := dialWS(t, srv, "alice")
	subscribeWS(t, api, ws, "42")

	send(t, ws, `{"type":"unsubscribe","channel_id":"42"}`)
	if f := readFrame(t, ws); f["type"] != "unsubscribed" {
		t.Fatalf("Got %v, want unsubscribed", f)
	}
	c, ok := api.Hub.Lookup(id)
	if !ok {
		t.Fatal("connection not registered")
	}
	if topics := api.Hub.Topics(c); len(topics) != 0 {
		t.Errorf("Got topics %v after unsubscribe", topics)
	}

	send(t, ws, `{"type":"subscribe"}`)
	if f := readFrame(t, ws); f["type"] != "error" || f["error"] != "channel_id is required" {
		t.Errorf("Got %v, want an error frame", f)
	}
}

func TestWebSocket_GlobalMode(t *testing.T) {
	api := newTestAPI(t, nil, nil, nil)
	api.Mode = ModeGlobal
	srv := httptest.NewServer(api)
	defer srv.Close()

	a, _ := dialWS(t, srv, "alice")
	b, _ := dialWS(t, srv, "")
	waitSubscribed(t, api, realtime.GlobalTopic)

	send(t, a, `hello world`)
	for _, ws := range []*websocket.Conn{a, b} {
		if got := readRaw(t, ws); got != "hello world" {
			t.Errorf("Got %q, want hello world", got)
		}
	}
}

func TestWebSocket_RateLimit(t *testing.T) {
	api := newTestAPI(t, nil, nil, nil)
	api.WS = WebSocketOptions{FrameRate: 0.001, FrameBurst: 1}
	srv := httptest.NewServer(api)
	defer srv.Close()

	ws, _ := dialWS(t, srv, "alice")
	send(t, ws, `{"type":"ping"}`)
	send(t, ws, `{"type":"ping"}`)

	if f := readFrame(t, ws); f["type"] != "pong" {
		t.Errorf("Got %v, want pong", f)
	}
	if f := readFrame(t, ws); f["type"] != "error" || f["error"] != "rate limit exceeded" {
		t.Errorf("Got %v, want rate limit error", f)
	}
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	api := newTestAPI(t, nil, nil, nil)
	srv := httptest.NewServer(api)
	defer srv.Close()

	ws, id := dialWS(t, srv, "alice")
	if !api.Hub.Online("alice") {
		t.Fatal("alice not online after connecting")
	}

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for api.Hub.Online("alice") {
		if time.Now().After(deadline) {
			t.Fatal("alice still online after disconnecting")
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := api.Hub.Lookup(id); ok {
		t.Error("connection still registered")
	}
}

func TestWebSocket_ShutdownClosesCleanly(t *testing.T) {
	api := newTestAPI(t, nil, nil, nil)
	srv := httptest.NewServer(api)
	defer srv.Close()

	ws, _ := dialWS(t, srv, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := api.Hub.Close(ctx); err != nil {
		t.Fatal(err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Got %v, want a normal close", err)
	}
}
