package postgres

import (
	"time"

	"github.com/GetStream/chat-fanout/api"
	"github.com/GetStream/chat-fanout/reaction"
)

// A message represents a message in the database. Reactions are stored on
// the row as a JSON array and guarded by version.
type message struct {
	ID          string              `bun:",pk,type:uuid,default:gen_random_uuid()"`
	ChannelID   string              `bun:",notnull"`
	ThreadID    string              `bun:",type:uuid,nullzero"`
	MessageText string              `bun:"message_text,notnull"`
	UserID      string              `bun:",notnull"`
	Reactions   []reaction.Reaction `bun:",type:jsonb,notnull"`
	Version     int64               `bun:",notnull,default:0"`
	CreatedAt   time.Time           `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time           `bun:",nullzero,notnull,default:current_timestamp"`
}

func newMessage(msg api.Message) *message {
	reactions := msg.Reactions
	if reactions == nil {
		reactions = []reaction.Reaction{}
	}
	return &message{
		ID:          msg.ID,
		ChannelID:   msg.ChannelID,
		ThreadID:    msg.ThreadID,
		MessageText: msg.Text,
		UserID:      msg.UserID,
		Reactions:   reactions,
		CreatedAt:   msg.CreatedAt,
		UpdatedAt:   msg.UpdatedAt,
	}
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
		Text:          m.MessageText,
		UserID:        m.UserID,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
		Reactions:     reactions,
		ReactionCount: api.CountReactions(reactions),
	}
}

func (m message) snapshot() reaction.Snapshot {
	return reaction.Snapshot{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		Version:   m.Version,
		Reactions: m.Reactions,
	}
}
