package api

import (
	"time"

	"github.com/GetStream/chat-fanout/reaction"
)

// A Message represents a persisted chat message.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	// ThreadID is the id of the message this one replies to, if any.
	ThreadID      string              `json:"thread_id,omitempty"`
	Text          string              `json:"text"`
	UserID        string              `json:"user_id"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	Reactions     []reaction.Reaction `json:"reactions"`
	ReactionCount int                 `json:"reaction_count"`
	// Thread holds the replies to a top-level message in a listing, oldest
	// first.
	Thread []Message `json:"thread,omitempty"`
}

// CountReactions returns the total number of reactions across emoji.
func CountReactions(reactions []reaction.Reaction) int {
	n := 0
	for _, r := range reactions {
		n += r.Count
	}
	return n
}

// BroadcastMode selects where opaque client frames go.
type BroadcastMode string

const (
	// ModeChannel relays a frame to the channel it names, if the sender is
	// subscribed to it.
	ModeChannel BroadcastMode = "channel"
	// ModeGlobal relays every frame to the global topic, which every
	// connection is subscribed to.
	ModeGlobal BroadcastMode = "global"
)
