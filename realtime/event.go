// Package realtime distributes chat events to the WebSocket connections
// attached to this process. Events travel between processes over a shared
// publish/subscribe Bus; every process runs one subscription loop per topic
// it has local subscribers for and fans each event out to them.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/GetStream/chat-fanout/reaction"
)

// Fixed topic names.
const (
	GlobalTopic   = "global"
	PresenceTopic = "presence"

	channelTopicPrefix = "channel:"
)

// ChannelTopic returns the topic carrying events for a chat channel.
func ChannelTopic(channelID string) string {
	return channelTopicPrefix + channelID
}

// ChannelID extracts the channel id from a channel topic name.
func ChannelID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, channelTopicPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// EventType discriminates the body of an Event.
type EventType string

const (
	EventMessageCreated  EventType = "message_created"
	EventMessageUpdated  EventType = "message_updated"
	EventMessageDeleted  EventType = "message_deleted"
	EventReactionChanged EventType = "reaction_changed"
	EventUserOnline      EventType = "user_online"
	EventUserOffline     EventType = "user_offline"
	// EventBroadcast marks an opaque client frame relayed verbatim.
	EventBroadcast EventType = "broadcast"
)

// An Event is an immutable payload published to exactly one topic. Payload
// holds the complete JSON frame as it is written to clients.
type Event struct {
	Type    EventType
	Payload []byte
}

// PresenceBody is the body of user_online and user_offline events.
type PresenceBody struct {
	Type   EventType `json:"type"`
	UserID string    `json:"user_id"`
}

// MessageBody is the body of message_created and message_updated events.
type MessageBody struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id"`
	Message   any       `json:"message"`
}

// MessageDeletedBody is the body of message_deleted events.
type MessageDeletedBody struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
}

// ReactionBody is the body of reaction_changed events.
type ReactionBody struct {
	Type      EventType           `json:"type"`
	ChannelID string              `json:"channel_id"`
	MessageID string              `json:"message_id"`
	Reactions []reaction.Reaction `json:"reactions"`
}

// NewEvent encodes body as the payload of an event of type t. The body is
// expected to carry the same type in its "type" field.
func NewEvent(t EventType, body any) (Event, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", t, err)
	}
	return Event{Type: t, Payload: b}, nil
}

// RawEvent wraps an opaque client frame.
func RawEvent(frame []byte) Event {
	return Event{Type: EventBroadcast, Payload: frame}
}

// DecodeEvent reads the type tag of a payload received from the bus.
// Payloads that are not JSON objects with a string "type" are opaque
// broadcasts and are relayed as they are.
func DecodeEvent(payload []byte) Event {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.Type == "" {
		return RawEvent(payload)
	}
	return Event{Type: head.Type, Payload: payload}
}
