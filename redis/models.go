package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GetStream/chat-fanout/api"
	"github.com/GetStream/chat-fanout/reaction"
)

// A message represents a cached message. Times are Unix nanoseconds and
// reactions a JSON array so that the hash round-trips through HSet and
// Scan.
type message struct {
	ID        string `redis:"id"`
	ChannelID string `redis:"channel_id"`
	ThreadID  string `redis:"thread_id"`
	Text      string `redis:"text"`
	UserID    string `redis:"user_id"`
	CreatedAt int64  `redis:"created_at"`
	UpdatedAt int64  `redis:"updated_at"`
	Reactions string `redis:"reactions"`
	// Version is the version of Reactions; older sets never replace newer.
	Version int64 `redis:"reactions_version"`
}

func newMessage(msg api.Message) (*message, error) {
	reactions := msg.Reactions
	if reactions == nil {
		reactions = []reaction.Reaction{}
	}
	b, err := json.Marshal(reactions)
	if err != nil {
		return nil, fmt.Errorf("marshal reactions: %w", err)
	}
	return &message{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      msg.Text,
		UserID:    msg.UserID,
		CreatedAt: msg.CreatedAt.UnixNano(),
		UpdatedAt: msg.UpdatedAt.UnixNano(),
		Reactions: string(b),
	}, nil
}

func (m message) APIMessage() (api.Message, error) {
	reactions := []reaction.Reaction{}
	if m.Reactions != "" {
		if err := json.Unmarshal([]byte(m.Reactions), &reactions); err != nil {
			return api.Message{}, fmt.Errorf("unmarshal reactions of %s: %w", m.ID, err)
		}
	}
	return api.Message{
		ID:            m.ID,
		ChannelID:     m.ChannelID,
		ThreadID:      m.ThreadID,
		Text:          m.Text,
		UserID:        m.UserID,
		CreatedAt:     time.Unix(0, m.CreatedAt).UTC(),
		UpdatedAt:     time.Unix(0, m.UpdatedAt).UTC(),
		Reactions:     reactions,
		ReactionCount: api.CountReactions(reactions),
	}, nil
}
