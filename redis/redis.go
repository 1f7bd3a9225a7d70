package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GetStream/chat-fanout/api"
	"github.com/GetStream/chat-fanout/reaction"
	"github.com/GetStream/chat-fanout/retry"
)

// Redis provides caching and pub/sub in Redis.
type Redis struct {
	cli     *redis.Client
	maxSize int
}

// DefaultCacheSize is the number of messages cached per channel when
// Connect is given no size.
const DefaultCacheSize = 10

// Connect connects to the Redis server and pings the server to ensure the
// connection is working. The cache keeps the newest cacheSize messages of
// every channel.
func Connect(ctx context.Context, addr string, cacheSize int) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Redis{
		cli:     cli,
		maxSize: cacheSize,
	}, nil
}

// Close closes the client and every subscription made through it.
func (r *Redis) Close() error {
	return r.cli.Close()
}

const (
	messagePrefix = "message"
	channelPrefix = "channel"
)

func messageKey(id string) string {
	return fmt.Sprintf("%s:%s", messagePrefix, id)
}

// channelKey names the sorted set of cached message keys of a channel,
// scored by creation time.
func channelKey(channelID string) string {
	return fmt.Sprintf("%s:%s:messages", channelPrefix, channelID)
}

// ListMessages returns the cached messages of a channel, newest first.
func (r *Redis) ListMessages(ctx context.Context, channelID string) ([]api.Message, error) {
	keys, err := r.cli.ZRevRange(ctx, channelKey(channelID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	out := make([]api.Message, 0, len(keys))
	for _, cmd := range cmds {
		var msg message
		if err := cmd.Scan(&msg); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		// Evicted between the range and the read.
		if msg.ID == "" {
			continue
		}
		m, err := msg.APIMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// InsertMessage adds the message to Redis with message:MESSAGE_ID as the key
// and adds the key to its channel's sorted set.
func (r *Redis) InsertMessage(ctx context.Context, msg api.Message) error {
	m, err := newMessage(msg)
	if err != nil {
		return err
	}

	key := messageKey(m.ID)
	err = r.cli.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, m)
			pipe.ZAdd(ctx, channelKey(m.ChannelID), redis.Z{
				Score:  float64(m.CreatedAt),
				Member: key,
			})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("redis insert message: %w", err)
	}

	// Keep only the newest messages of the channel.
	if err := r.evictOldest(ctx, m.ChannelID); err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	return nil
}

var txRetryPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     20 * time.Millisecond,
}

func classifyTx(err error) retry.Action {
	if errors.Is(err, redis.TxFailedErr) {
		return retry.Retry
	}
	return retry.Stop
}

// watch runs fn in a WATCH on key, running it again when another writer
// touches key between WATCH and EXEC.
func (r *Redis) watch(ctx context.Context, fn func(*redis.Tx) error, key string) error {
	_, err := retry.Do(ctx, txRetryPolicy, classifyTx, func() (struct{}, error) {
		return struct{}{}, r.cli.Watch(ctx, fn, key)
	})
	return err
}

var (
	// errNotCached aborts an update of a message that is not in the cache.
	errNotCached = errors.New("message not cached")
	// errStale aborts a reaction update older than the cached set.
	errStale = errors.New("cached reactions are newer")
)

// updateCached sets fields on a cached message. Messages that are not
// cached are left alone.
func (r *Redis) updateCached(ctx context.Context, id string, fields ...any) error {
	key := messageKey(id)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("exists: %w", err)
		}
		if n == 0 {
			return errNotCached
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields...)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, errNotCached) {
		return nil
	}
	return err
}

// UpdateMessage replaces the text of a cached message.
func (r *Redis) UpdateMessage(ctx context.Context, msg api.Message) error {
	err := r.updateCached(ctx, msg.ID,
		"text", msg.Text,
		"updated_at", msg.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("redis update message: %w", err)
	}
	return nil
}

// SetReactions replaces the reactions of a cached message with the set at
// version. A set older than the cached one is ignored, so toggles that
// finish out of order leave the newest set in place.
func (r *Redis) SetReactions(ctx context.Context, channelID, messageID string, version int64, reactions []reaction.Reaction) error {
	b, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("marshal reactions: %w", err)
	}

	key := messageKey(messageID)
	set := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "id", "reactions_version").Result()
		if err != nil {
			return fmt.Errorf("hmget: %w", err)
		}
		if vals[0] == nil {
			return errNotCached
		}
		var cached int64
		if s, ok := vals[1].(string); ok {
			if cached, err = strconv.ParseInt(s, 10, 64); err != nil {
				return fmt.Errorf("parse reactions version: %w", err)
			}
		}
		if cached >= version {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "reactions", string(b), "reactions_version", version)
			return nil
		})
		return err
	}
	err = r.watch(ctx, set, key)
	if errors.Is(err, errNotCached) || errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis set reactions: %w", err)
	}
	return nil
}

// DeleteMessages removes messages from a channel's cache.
func (r *Redis) DeleteMessages(ctx context.Context, channelID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			key := messageKey(id)
			pipe.ZRem(ctx, channelKey(channelID), key)
			pipe.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete messages: %w", err)
	}
	return nil
}

func (r *Redis) evictOldest(ctx context.Context, channelID string) error {
	ckey := channelKey(channelID)
	vals, err := r.cli.ZRange(ctx, ckey, 0, int64(-r.maxSize-1)).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}
	if len(vals) == 0 {
		return nil
	}

	_, err = r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range vals {
			pipe.ZRem(ctx, ckey, key)
			pipe.Del(ctx, key)
		}
		return nil
	})
	return err
}
