package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/GetStream/chat-fanout/api"
	"github.com/GetStream/chat-fanout/reaction"
)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// Close closes the database.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// Migrate creates the messages table and its indexes if they do not exist.
func (pg *Postgres) Migrate(ctx context.Context) error {
	_, err := pg.bun.NewCreateTable().
		Model((*message)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, err = pg.bun.NewCreateIndex().
		Model((*message)(nil)).
		Index("messages_channel_id_created_at_idx").
		Column("channel_id", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	_, err = pg.bun.NewCreateIndex().
		Model((*message)(nil)).
		Index("messages_thread_id_idx").
		Column("thread_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// validID reports whether id can name a row. Anything else cannot exist
// and would be rejected by the uuid column.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ListMessages returns the messages of a channel, newest first.
func (pg *Postgres) ListMessages(ctx context.Context, channelID string, limit, offset int, excludeMsgIDs ...string) ([]api.Message, error) {
	var msgs []message
	q := pg.bun.NewSelect().
		Model(&msgs).
		Where("channel_id = ?", channelID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)

	if len(excludeMsgIDs) > 0 {
		q = q.Where("id NOT IN (?)", bun.In(excludeMsgIDs))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.APIMessage()
	}

	return out, nil
}

// ListReplies returns the replies to the given messages, oldest first.
func (pg *Postgres) ListReplies(ctx context.Context, threadIDs ...string) ([]api.Message, error) {
	ids := slices.DeleteFunc(slices.Clone(threadIDs), func(id string) bool { return !validID(id) })
	if len(ids) == 0 {
		return nil, nil
	}

	var msgs []message
	err := pg.bun.NewSelect().
		Model(&msgs).
		Where("thread_id IN (?)", bun.In(ids)).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.APIMessage()
	}
	return out, nil
}

func (pg *Postgres) getMessage(ctx context.Context, id string) (*message, error) {
	if !validID(id) {
		return nil, api.ErrNotFound
	}
	m := &message{ID: id}
	if err := pg.bun.NewSelect().Model(m).WherePK().Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrNotFound
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	return m, nil
}

// GetMessage returns a single message.
func (pg *Postgres) GetMessage(ctx context.Context, id string) (api.Message, error) {
	m, err := pg.getMessage(ctx, id)
	if err != nil {
		return api.Message{}, err
	}
	return m.APIMessage(), nil
}

// InsertMessage inserts a message into the database. The returned message
// holds auto generated fields, such as the message id.
func (pg *Postgres) InsertMessage(ctx context.Context, msg api.Message) (api.Message, error) {
	m := newMessage(msg)
	if _, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return api.Message{}, fmt.Errorf("insert: %w", err)
	}
	return m.APIMessage(), nil
}

// UpdateMessage replaces the text of a message.
func (pg *Postgres) UpdateMessage(ctx context.Context, id, text string) (api.Message, error) {
	if !validID(id) {
		return api.Message{}, api.ErrNotFound
	}
	m := &message{ID: id}
	err := pg.bun.NewUpdate().
		Model(m).
		Set("message_text = ?", text).
		Set("updated_at = current_timestamp").
		WherePK().
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Message{}, api.ErrNotFound
		}
		return api.Message{}, fmt.Errorf("update: %w", err)
	}
	return m.APIMessage(), nil
}

// DeleteMessage deletes a message and its thread replies. The message id
// comes first in the returned ids.
func (pg *Postgres) DeleteMessage(ctx context.Context, id string) ([]string, error) {
	if !validID(id) {
		return nil, api.ErrNotFound
	}
	var ids []string
	_, err := pg.bun.NewDelete().
		Model((*message)(nil)).
		Where("id = ?", id).
		WhereOr("thread_id = ?", id).
		Returning("id").
		Exec(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	i := slices.Index(ids, id)
	if i < 0 {
		return nil, api.ErrNotFound
	}
	ids[0], ids[i] = ids[i], ids[0]
	return ids, nil
}

// LoadReactions returns the reaction set of a message and its version.
func (pg *Postgres) LoadReactions(ctx context.Context, messageID string) (reaction.Snapshot, error) {
	m, err := pg.getMessage(ctx, messageID)
	if err != nil {
		return reaction.Snapshot{}, err
	}
	return m.snapshot(), nil
}

// SaveReactions stores reactions if the version of the message is still
// version, and increments it.
func (pg *Postgres) SaveReactions(ctx context.Context, messageID string, version int64, reactions []reaction.Reaction) error {
	if !validID(messageID) {
		return reaction.ErrNotFound
	}
	if reactions == nil {
		reactions = []reaction.Reaction{}
	}
	b, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("marshal reactions: %w", err)
	}

	res, err := pg.bun.NewUpdate().
		Model((*message)(nil)).
		Set("reactions = ?::jsonb", string(b)).
		Set("version = version + 1").
		Where("id = ?", messageID).
		Where("version = ?", version).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	exists, err := pg.bun.NewSelect().
		Model((*message)(nil)).
		Where("id = ?", messageID).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("exists: %w", err)
	}
	if !exists {
		return reaction.ErrNotFound
	}
	return reaction.ErrConflict
}
