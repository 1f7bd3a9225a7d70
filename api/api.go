// Package api serves the REST endpoints and the WebSocket endpoint of the
// chat backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GetStream/chat-fanout/api/validator"
	"github.com/GetStream/chat-fanout/reaction"
	"github.com/GetStream/chat-fanout/realtime"
)

// ErrNotFound is returned by a DB for a message that does not exist. It is
// the error reaction stores report for the same condition.
var ErrNotFound = reaction.ErrNotFound

// ErrNoIdentity is returned by an Identity func when the request carries no
// user.
var ErrNoIdentity = errors.New("no user identity")

// A DB provides a storage layer that persists messages.
type DB interface {
	ListMessages(ctx context.Context, channelID string, limit int, offset int, excludeMsgIDs ...string) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	// ListReplies returns the replies to the given messages, oldest first.
	ListReplies(ctx context.Context, threadIDs ...string) ([]Message, error)
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	UpdateMessage(ctx context.Context, id string, text string) (Message, error)
	// DeleteMessage deletes a message and its thread replies and returns
	// the ids of everything deleted.
	DeleteMessage(ctx context.Context, id string) ([]string, error)
}

// A Cache provides a storage layer that caches the latest messages of each
// channel.
type Cache interface {
	ListMessages(ctx context.Context, channelID string) ([]Message, error)
	InsertMessage(ctx context.Context, msg Message) error
	UpdateMessage(ctx context.Context, msg Message) error
	DeleteMessages(ctx context.Context, channelID string, ids ...string) error
	// SetReactions stores the reaction set at version, unless the cache
	// already holds that version or a newer one.
	SetReactions(ctx context.Context, channelID, messageID string, version int64, reactions []reaction.Reaction) error
}

// Reactions toggles emoji reactions on messages.
type Reactions interface {
	Toggle(ctx context.Context, messageID, userID, emoji string) (reaction.Delta, error)
}

// API provides the REST and WebSocket endpoints for the application.
type API struct {
	Logger    *slog.Logger
	DB        DB
	Cache     Cache
	Val       *validator.Validator
	Hub       *realtime.Hub
	Reactions Reactions
	// Identity resolves the user making a request. It defaults to
	// HeaderIdentity.
	Identity func(r *http.Request) (string, error)
	// Mode selects where opaque WebSocket frames are relayed. It defaults
	// to ModeChannel.
	Mode BroadcastMode
	WS   WebSocketOptions

	once     sync.Once
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// HeaderIdentity trusts the X-User-ID header set by the authenticating
// gateway in front of the service.
func HeaderIdentity(r *http.Request) (string, error) {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id, nil
	}
	return "", ErrNoIdentity
}

const (
	// defaultPageSize is the number of messages returned when the request
	// sets no limit.
	defaultPageSize = 50
	maxPageSize     = 100
)

func (a *API) setupRoutes() {
	if a.Identity == nil {
		a.Identity = HeaderIdentity
	}
	if a.Mode == "" {
		a.Mode = ModeChannel
	}
	a.WS = a.WS.withDefaults()
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("GET /channels/{channelID}/messages", a.listMessages)
	mux.HandleFunc("POST /channels/{channelID}/messages", a.createMessage)
	mux.HandleFunc("PUT /messages/{messageID}", a.updateMessage)
	mux.HandleFunc("DELETE /messages/{messageID}", a.deleteMessage)
	mux.HandleFunc("POST /messages/{messageID}/reactions", a.toggleReaction)
	mux.HandleFunc("POST /connections/{connectionID}/subscriptions", a.subscribe)
	mux.HandleFunc("DELETE /connections/{connectionID}/subscriptions/{channelID}", a.unsubscribe)
	mux.HandleFunc("GET /presence/{userID}", a.presence)
	mux.HandleFunc("GET /ws", a.serveWS)

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	a.Logger.Error("Error", "error", err.Error())
	a.respond(w, status, response{Error: msg})
}

func (a *API) validateBody(w http.ResponseWriter, s any) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

// decodeBody decodes and validates a JSON request body into dst. It writes
// the error response and returns false on failure.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	return a.validateBody(w, dst)
}

// user resolves the caller. It writes a 401 and returns false if there is
// none.
func (a *API) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := a.Identity(r)
	if err != nil {
		a.respondError(w, http.StatusUnauthorized, err, "Missing user identity")
		return "", false
	}
	return id, true
}

// publishContext is the request context without its cancellation. A
// committed change is announced even if the client has hung up.
func publishContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	a.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryInt reads an integer query parameter within [lo, hi].
func queryInt(r *http.Request, key string, def, lo, hi int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s %d out of range [%d, %d]", key, n, lo, hi)
	}
	return n, nil
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Messages []Message `json:"messages"`
	}

	channelID := r.PathValue("channelID")
	limit, err := queryInt(r, "limit", defaultPageSize, 1, maxPageSize)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0, 0, math.MaxInt32)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Invalid offset")
		return
	}

	// The cache only holds the newest messages, so it can serve the first
	// page only.
	var msgs []Message
	if offset == 0 {
		msgs, err = a.Cache.ListMessages(r.Context(), channelID)
		if err != nil {
			a.respondError(w, http.StatusInternalServerError, err, "Could not list messages")
			return
		}
		a.Logger.Info("Got messages from cache", "channel_id", channelID, "count", len(msgs))
		if len(msgs) > limit {
			msgs = msgs[:limit]
		}
	}

	// Get any remaining messages from DB
	if remaining := limit - len(msgs); remaining > 0 {
		msgIDs := make([]string, len(msgs))
		for i, msg := range msgs {
			msgIDs[i] = msg.ID
		}

		dbMsgs, err := a.DB.ListMessages(r.Context(), channelID, remaining, offset, msgIDs...)
		if err != nil {
			a.respondError(w, http.StatusInternalServerError, err, "Could not list messages")
			return
		}
		a.Logger.Info("Got remaining messages from DB", "channel_id", channelID, "count", len(dbMsgs))
		msgs = append(msgs, dbMsgs...)
	}

	slices.SortStableFunc(msgs, func(x, y Message) int {
		return x.CreatedAt.Compare(y.CreatedAt)
	})
	if err := a.attachThreads(r.Context(), msgs); err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list thread replies")
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	a.respond(w, http.StatusOK, response{Messages: msgs})
}

// attachThreads sets the Thread of every top-level message in msgs.
// Replies stay in msgs as well.
func (a *API) attachThreads(ctx context.Context, msgs []Message) error {
	var ids []string
	for _, msg := range msgs {
		if msg.ThreadID == "" {
			ids = append(ids, msg.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	replies, err := a.DB.ListReplies(ctx, ids...)
	if err != nil {
		return err
	}
	threads := make(map[string][]Message)
	for _, reply := range replies {
		threads[reply.ThreadID] = append(threads[reply.ThreadID], reply)
	}
	for i := range msgs {
		if msgs[i].ThreadID == "" {
			msgs[i].Thread = threads[msgs[i].ID]
		}
	}
	return nil
}

func (a *API) createMessage(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Text     string `json:"text" validate:"required,min=1,max=2000"`
		ThreadID string `json:"thread_id"`
	}

	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	channelID := r.PathValue("channelID")

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	if body.ThreadID != "" {
		parent, err := a.DB.GetMessage(r.Context(), body.ThreadID)
		if errors.Is(err, ErrNotFound) {
			a.respondError(w, http.StatusNotFound, err, "Thread not found")
			return
		}
		if err != nil {
			a.respondError(w, http.StatusInternalServerError, err, "Could not load thread")
			return
		}
		if parent.ChannelID != channelID {
			a.respondError(w, http.StatusBadRequest, fmt.Errorf("thread %s is in channel %s", parent.ID, parent.ChannelID), "Thread belongs to another channel")
			return
		}
	}

	now := time.Now().UTC()
	msg, err := a.DB.InsertMessage(r.Context(), Message{
		ChannelID: channelID,
		ThreadID:  body.ThreadID,
		Text:      body.Text,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not insert message")
		return
	}

	if err := a.Cache.InsertMessage(r.Context(), msg); err != nil {
		a.Logger.Error("Could not cache message", "error", err.Error())
	}
	a.Hub.PublishMessageCreated(publishContext(r), channelID, msg)

	a.respond(w, http.StatusCreated, msg)
}

// ownMessage loads a message and checks that userID wrote it. It writes the
// error response and returns false on failure.
func (a *API) ownMessage(w http.ResponseWriter, r *http.Request, id, userID, action string) (Message, bool) {
	msg, err := a.DB.GetMessage(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		a.respondError(w, http.StatusNotFound, err, "Message not found")
		return Message{}, false
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not load message")
		return Message{}, false
	}
	if msg.UserID != userID {
		a.respondError(w, http.StatusForbidden,
			fmt.Errorf("user %s may not %s message %s of user %s", userID, action, msg.ID, msg.UserID),
			fmt.Sprintf("Only the message author can %s the message", action))
		return Message{}, false
	}
	return msg, true
}

func (a *API) updateMessage(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Text string `json:"text" validate:"required,min=1,max=2000"`
	}

	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	existing, ok := a.ownMessage(w, r, r.PathValue("messageID"), userID, "edit")
	if !ok {
		return
	}

	msg, err := a.DB.UpdateMessage(r.Context(), existing.ID, body.Text)
	if errors.Is(err, ErrNotFound) {
		a.respondError(w, http.StatusNotFound, err, "Message not found")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not update message")
		return
	}

	if err := a.Cache.UpdateMessage(r.Context(), msg); err != nil {
		a.Logger.Error("Could not update cached message", "error", err.Error())
	}
	a.Hub.PublishMessageUpdated(publishContext(r), msg.ChannelID, msg)

	a.respond(w, http.StatusOK, msg)
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Deleted []string `json:"deleted"`
	}

	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	msg, ok := a.ownMessage(w, r, r.PathValue("messageID"), userID, "delete")
	if !ok {
		return
	}

	ids, err := a.DB.DeleteMessage(r.Context(), msg.ID)
	if errors.Is(err, ErrNotFound) {
		a.respondError(w, http.StatusNotFound, err, "Message not found")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not delete message")
		return
	}

	if err := a.Cache.DeleteMessages(r.Context(), msg.ChannelID, ids...); err != nil {
		a.Logger.Error("Could not delete cached messages", "error", err.Error())
	}
	ctx := publishContext(r)
	for _, id := range ids {
		a.Hub.PublishMessageDeleted(ctx, msg.ChannelID, id)
	}

	a.respond(w, http.StatusOK, response{Deleted: ids})
}

func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Emoji string `json:"emoji" validate:"required,min=1,max=10"`
	}

	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	messageID := r.PathValue("messageID")
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	delta, err := a.Reactions.Toggle(r.Context(), messageID, userID, body.Emoji)
	switch {
	case errors.Is(err, reaction.ErrNotFound):
		a.respondError(w, http.StatusNotFound, err, "Message not found")
		return
	case errors.Is(err, reaction.ErrInvalid):
		a.respondError(w, http.StatusBadRequest, err, "Invalid reaction")
		return
	case errors.Is(err, reaction.ErrConflict):
		a.respondError(w, http.StatusConflict, err, "Reactions are changing too fast, try again")
		return
	case err != nil:
		a.respondError(w, http.StatusInternalServerError, err, fmt.Sprintf("Could not toggle reaction for message with id %s", messageID))
		return
	}

	if err := a.Cache.SetReactions(publishContext(r), delta.ChannelID, delta.MessageID, delta.Version, delta.Reactions); err != nil {
		a.Logger.Error("Could not cache reactions", "error", err.Error())
	}

	a.respond(w, http.StatusOK, delta)
}

type subscriptionsResponse struct {
	ConnectionID string   `json:"connection_id"`
	Channels     []string `json:"channels"`
}

// connection looks up a live connection owned by the caller. It writes the
// error response and returns false on failure.
func (a *API) connection(w http.ResponseWriter, r *http.Request) (*realtime.Connection, bool) {
	userID, ok := a.user(w, r)
	if !ok {
		return nil, false
	}
	id := r.PathValue("connectionID")
	c, ok := a.Hub.Lookup(id)
	if !ok {
		a.respondError(w, http.StatusNotFound, fmt.Errorf("connection %s: %w", id, realtime.ErrUnknownConnection), "Connection not found")
		return nil, false
	}
	if c.UserID() != userID {
		a.respondError(w, http.StatusForbidden, fmt.Errorf("user %s does not own connection %s", userID, id), "Connection belongs to another user")
		return nil, false
	}
	return c, true
}

func (a *API) subscriptions(c *realtime.Connection) subscriptionsResponse {
	res := subscriptionsResponse{ConnectionID: c.ID(), Channels: []string{}}
	for _, topic := range a.Hub.Topics(c) {
		if id, ok := realtime.ChannelID(topic); ok {
			res.Channels = append(res.Channels, id)
		}
	}
	return res
}

func (a *API) subscribe(w http.ResponseWriter, r *http.Request) {
	type request struct {
		ChannelID string `json:"channel_id" validate:"required"`
	}

	c, ok := a.connection(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	if err := a.Hub.Subscribe(c, realtime.ChannelTopic(body.ChannelID)); err != nil {
		a.respondError(w, http.StatusNotFound, err, "Connection not found")
		return
	}
	a.respond(w, http.StatusOK, a.subscriptions(c))
}

func (a *API) unsubscribe(w http.ResponseWriter, r *http.Request) {
	c, ok := a.connection(w, r)
	if !ok {
		return
	}
	a.Hub.Unsubscribe(c, realtime.ChannelTopic(r.PathValue("channelID")))
	a.respond(w, http.StatusOK, a.subscriptions(c))
}

func (a *API) presence(w http.ResponseWriter, r *http.Request) {
	type response struct {
		UserID string `json:"user_id"`
		Online bool   `json:"online"`
	}
	userID := r.PathValue("userID")
	a.respond(w, http.StatusOK, response{UserID: userID, Online: a.Hub.Online(userID)})
}
