// Package reaction aggregates emoji reactions on chat messages. Toggles on
// the same message are applied atomically: they are serialized within the
// process and committed with a compare-and-swap on the reaction set's
// version, so concurrent toggles from other processes are never lost.
package reaction

import (
	"context"
	"errors"
	"slices"
)

var (
	// ErrNotFound is returned when the message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrConflict is returned by a Store when the reaction set changed
	// since it was loaded.
	ErrConflict = errors.New("reaction set was modified concurrently")
	// ErrInvalid is returned for a toggle without a user or an emoji.
	ErrInvalid = errors.New("invalid reaction")
)

// A Reaction is the aggregate of one emoji on one message.
type Reaction struct {
	Emoji string   `json:"emoji" bson:"emoji"`
	Count int      `json:"count" bson:"count"`
	Users []string `json:"users" bson:"users"`
}

// A Snapshot is the reaction set of a message at a given version.
type Snapshot struct {
	MessageID string
	ChannelID string
	Version   int64
	Reactions []Reaction
}

// A Store persists reaction sets. SaveReactions must only succeed if the
// stored version still equals version, and must then increment it;
// otherwise it returns ErrConflict.
type Store interface {
	LoadReactions(ctx context.Context, messageID string) (Snapshot, error)
	SaveReactions(ctx context.Context, messageID string, version int64, reactions []Reaction) error
}

// A Publisher fans out a changed reaction set to the message's channel.
type Publisher interface {
	PublishReactionChanged(ctx context.Context, channelID, messageID string, reactions []Reaction)
}

// A Delta describes the effect of one toggle.
type Delta struct {
	MessageID string     `json:"message_id"`
	ChannelID string     `json:"channel_id"`
	UserID    string     `json:"user_id"`
	Emoji     string     `json:"emoji"`
	Added     bool       `json:"added"`
	Version   int64      `json:"version"`
	Reactions []Reaction `json:"reactions"`
}

// Apply toggles userID's emoji within reactions and reports whether the
// reaction was added. The input is not modified.
func Apply(reactions []Reaction, userID, emoji string) ([]Reaction, bool) {
	out := clone(reactions)

	i := slices.IndexFunc(out, func(r Reaction) bool { return r.Emoji == emoji })
	if i < 0 {
		return append(out, Reaction{Emoji: emoji, Count: 1, Users: []string{userID}}), true
	}

	r := &out[i]
	if j := slices.Index(r.Users, userID); j >= 0 {
		r.Users = slices.Delete(r.Users, j, j+1)
		r.Count = len(r.Users)
		if r.Count == 0 {
			out = slices.Delete(out, i, i+1)
		}
		return out, false
	}

	r.Users = append(r.Users, userID)
	r.Count = len(r.Users)
	return out, true
}

// Normalize repairs a reaction set read from storage: duplicate users are
// removed, counts are recomputed from the user sets, empty entries are
// dropped and entries for the same emoji are merged.
func Normalize(reactions []Reaction) []Reaction {
	out := make([]Reaction, 0, len(reactions))
	index := make(map[string]int, len(reactions))
	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, Reaction{Emoji: r.Emoji, Users: []string{}})
		}
		for _, u := range r.Users {
			if !slices.Contains(out[i].Users, u) {
				out[i].Users = append(out[i].Users, u)
			}
		}
		out[i].Count = len(out[i].Users)
	}
	return slices.DeleteFunc(out, func(r Reaction) bool { return r.Count == 0 })
}

func clone(reactions []Reaction) []Reaction {
	out := make([]Reaction, len(reactions))
	for i, r := range reactions {
		out[i] = Reaction{Emoji: r.Emoji, Count: r.Count, Users: slices.Clone(r.Users)}
	}
	return out
}
