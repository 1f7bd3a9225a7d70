// Package mongodb stores messages and their reactions in MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/GetStream/chat-fanout/api"
	"github.com/GetStream/chat-fanout/reaction"
)

const (
	defaultDatabase = "chat"
	collMessages    = "messages"
)

// Mongo provides storage in MongoDB.
type Mongo struct {
	conn *mdb.Client
	db   *mdb.Database
	// now returns the current time at the precision MongoDB stores.
	now func() time.Time
}

// Connect connects to the server at uri and pings it. An empty database
// name selects "chat".
func Connect(ctx context.Context, uri, database string) (*Mongo, error) {
	conn, err := mdb.Connect(ctx, mdbopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := conn.Ping(ctx, nil); err != nil {
		_ = conn.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	if database == "" {
		database = defaultDatabase
	}
	return &Mongo{
		conn: conn,
		db:   conn.Database(database),
		now:  func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}, nil
}

// Close disconnects from the server.
func (m *Mongo) Close(ctx context.Context) error {
	return m.conn.Disconnect(ctx)
}

// Migrate creates the indexes used by channel listings and thread deletes.
func (m *Mongo) Migrate(ctx context.Context) error {
	_, err := m.db.Collection(collMessages).Indexes().CreateMany(ctx, []mdb.IndexModel{
		{Keys: b.D{{Key: "channel_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys:    b.M{"thread_id": 1},
			Options: mdbopts.Index().SetPartialFilterExpression(b.M{"thread_id": b.M{"$exists": true}}),
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// ListMessages returns the messages of a channel, newest first.
func (m *Mongo) ListMessages(ctx context.Context, channelID string, limit, offset int, excludeMsgIDs ...string) ([]api.Message, error) {
	filter := b.M{"channel_id": channelID}
	if len(excludeMsgIDs) > 0 {
		filter["_id"] = b.M{"$nin": excludeMsgIDs}
	}
	findOpts := mdbopts.Find().
		SetSort(b.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cur, err := m.db.Collection(collMessages).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cur.Close(ctx)

	var msgs []message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	out := make([]api.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.APIMessage()
	}
	return out, nil
}

// ListReplies returns the replies to the given messages, oldest first.
func (m *Mongo) ListReplies(ctx context.Context, threadIDs ...string) ([]api.Message, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	findOpts := mdbopts.Find().SetSort(b.D{{Key: "created_at", Value: 1}})
	cur, err := m.db.Collection(collMessages).Find(ctx, b.M{"thread_id": b.M{"$in": threadIDs}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cur.Close(ctx)

	var msgs []message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	out := make([]api.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.APIMessage()
	}
	return out, nil
}

func (m *Mongo) getMessage(ctx context.Context, id string) (message, error) {
	var msg message
	err := m.db.Collection(collMessages).FindOne(ctx, b.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mdb.ErrNoDocuments) {
		return message{}, api.ErrNotFound
	}
	if err != nil {
		return message{}, fmt.Errorf("find one: %w", err)
	}
	return msg, nil
}

// GetMessage returns a single message.
func (m *Mongo) GetMessage(ctx context.Context, id string) (api.Message, error) {
	msg, err := m.getMessage(ctx, id)
	if err != nil {
		return api.Message{}, err
	}
	return msg.APIMessage(), nil
}

// InsertMessage inserts a message with a new id.
func (m *Mongo) InsertMessage(ctx context.Context, msg api.Message) (api.Message, error) {
	now := m.now()
	doc := message{
		ID:        uuid.NewString(),
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      msg.Text,
		UserID:    msg.UserID,
		Reactions: msg.Reactions,
		CreatedAt: msg.CreatedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt: msg.UpdatedAt.UTC().Truncate(time.Millisecond),
	}
	if doc.Reactions == nil {
		doc.Reactions = []reaction.Reaction{}
	}
	if msg.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	if _, err := m.db.Collection(collMessages).InsertOne(ctx, doc); err != nil {
		return api.Message{}, fmt.Errorf("insert: %w", err)
	}
	return doc.APIMessage(), nil
}

// UpdateMessage replaces the text of a message.
func (m *Mongo) UpdateMessage(ctx context.Context, id, text string) (api.Message, error) {
	var msg message
	err := m.db.Collection(collMessages).FindOneAndUpdate(ctx,
		b.M{"_id": id},
		b.M{"$set": b.M{"text": text, "updated_at": m.now()}},
		mdbopts.FindOneAndUpdate().SetReturnDocument(mdbopts.After),
	).Decode(&msg)
	if errors.Is(err, mdb.ErrNoDocuments) {
		return api.Message{}, api.ErrNotFound
	}
	if err != nil {
		return api.Message{}, fmt.Errorf("update: %w", err)
	}
	return msg.APIMessage(), nil
}

// DeleteMessage deletes a message and its thread replies. The message id
// comes first in the returned ids.
func (m *Mongo) DeleteMessage(ctx context.Context, id string) ([]string, error) {
	coll := m.db.Collection(collMessages)
	filter := b.M{"$or": b.A{b.M{"_id": id}, b.M{"thread_id": id}}}

	cur, err := coll.Find(ctx, filter, mdbopts.Find().SetProjection(b.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	i := slices.Index(ids, id)
	if i < 0 {
		return nil, api.ErrNotFound
	}
	ids[0], ids[i] = ids[i], ids[0]

	if _, err := coll.DeleteMany(ctx, b.M{"_id": b.M{"$in": ids}}); err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	return ids, nil
}

// LoadReactions returns the reaction set of a message and its version.
func (m *Mongo) LoadReactions(ctx context.Context, messageID string) (reaction.Snapshot, error) {
	msg, err := m.getMessage(ctx, messageID)
	if err != nil {
		return reaction.Snapshot{}, err
	}
	return reaction.Snapshot{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		Version:   msg.Version,
		Reactions: msg.Reactions,
	}, nil
}

// SaveReactions stores reactions if the version of the message is still
// version, and increments it.
func (m *Mongo) SaveReactions(ctx context.Context, messageID string, version int64, reactions []reaction.Reaction) error {
	if reactions == nil {
		reactions = []reaction.Reaction{}
	}
	coll := m.db.Collection(collMessages)
	res, err := coll.UpdateOne(ctx,
		b.M{"_id": messageID, "version": version},
		b.M{
			"$set": b.M{"reactions": reactions},
			"$inc": b.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := coll.CountDocuments(ctx, b.M{"_id": messageID}, mdbopts.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	if n == 0 {
		return reaction.ErrNotFound
	}
	return reaction.ErrConflict
}
