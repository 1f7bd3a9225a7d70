package mongodb

import (
	"time"

	"github.com/GetStream/chat-fanout/api"
	"github.com/GetStream/chat-fanout/reaction"
)

// A message is a document in the messages collection.
type message struct {
	ID        string              `bson:"_id"`
	ChannelID string              `bson:"channel_id"`
	ThreadID  string              `bson:"thread_id,omitempty"`
	Text      string              `bson:"text"`
	UserID    string              `bson:"user_id"`
	Reactions []reaction.Reaction `bson:"reactions"`
	Version   int64               `bson:"version"`
	CreatedAt time.Time           `bson:"created_at"`
	UpdatedAt time.Time           `bson:"updated_at"`
}

func (m message) APIMessage() api.Message {
	reactions := m.Reactions
	if reactions == nil {
		reactions = []reaction.Reaction{}
	}
	return api.Message{
		ID:            m.ID,
		ChannelID:     m.ChannelID,
		ThreadID:      m.ThreadID,
		Text:          m.Text,
		UserID:        m.UserID,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
		Reactions:     reactions,
		ReactionCount: api.CountReactions(reactions),
	}
}
