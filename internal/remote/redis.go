package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis stores messages as hashes and receipt sets as Redis sets. HSET, SADD
// and ZADD replace rather than duplicate, which makes every write repeatable.
// Changes are announced on a single Pub/Sub channel for other devices.
type Redis struct {
	rdb    *goredis.Client
	prefix string
	log    *zap.Logger
}

// NewRedis creates a client without contacting the server: the engine must
// start while offline and learns reachability from Ping.
func NewRedis(opts RedisOptions, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = "outpost"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &Redis{rdb: rdb, prefix: prefix, log: log.Named("redis")}
}

func (r *Redis) key(parts ...string) string {
	return r.prefix + ":" + strings.Join(parts, ":")
}

func (r *Redis) channel() string {
	return r.key("events")
}

// WriteMessage stores the message hash, seeds both receipt sets with the
// sender and indexes the message in its chat, all in one MULTI.
func (r *Redis) WriteMessage(ctx context.Context, id string, f Fields) error {
	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, r.key("msg", id), f)
		p.SAdd(ctx, r.key("msg", id, string(ReadBy)), f.SenderID)
		p.SAdd(ctx, r.key("msg", id, string(DeliveredTo)), f.SenderID)
		p.ZAdd(ctx, r.key("chat", f.ChatID, "messages"), goredis.Z{Score: float64(f.CreatedAt), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("write message %s: %w", id, err)
	}
	r.publish(ctx, Envelope{Message: &Message{ID: id, Fields: f}})
	return nil
}

// writeLastScript replaces the snapshot hash unless it already holds a newer
// message. Equal timestamps overwrite so a repeated write is harmless.
var writeLastScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'timestamp')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'content', ARGV[2], 'sender_id', ARGV[3], 'timestamp', ARGV[1])
return 1
`)

// WriteChatLastMessage replaces the chat's last-message hash when s is at
// least as new as the stored one.
func (r *Redis) WriteChatLastMessage(ctx context.Context, chatID string, s Snapshot) error {
	err := writeLastScript.Run(ctx, r.rdb, []string{r.key("chat", chatID, "last")},
		s.Timestamp, s.Content, s.SenderID).Err()
	if err != nil {
		return fmt.Errorf("write last message %s: %w", chatID, err)
	}
	return nil
}

// AppendToSet adds participantID to a message's receipt set. Only a new
// member is announced to other devices.
func (r *Redis) AppendToSet(ctx context.Context, messageID string, field SetField, participantID string) error {
	if !field.Valid() {
		return fmt.Errorf("unknown set field %q", field)
	}
	added, err := r.rdb.SAdd(ctx, r.key("msg", messageID, string(field)), participantID).Result()
	if err != nil {
		return fmt.Errorf("append %s to %s: %w", participantID, field, err)
	}
	if added > 0 {
		r.publish(ctx, Envelope{Receipt: &Receipt{MessageID: messageID, Field: field, ParticipantID: participantID}})
	}
	return nil
}

// SetPresence records the user's online flag and last-seen time.
func (r *Redis) SetPresence(ctx context.Context, userID string, online bool) error {
	err := r.rdb.HSet(ctx, r.key("presence", userID),
		"online", online,
		"last_seen", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("set presence %s: %w", userID, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Watch subscribes to the change channel and invokes fn for each envelope
// until ctx is cancelled. It returns once the subscription is confirmed.
func (r *Redis) Watch(ctx context.Context, fn func(Envelope)) error {
	if fn == nil {
		return fmt.Errorf("watch callback required")
	}
	sub := r.rdb.Subscribe(ctx, r.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					r.log.Warn("bad redis payload", zap.Error(err))
					continue
				}
				fn(env)
			}
		}
	}()
	return nil
}

func (r *Redis) publish(ctx context.Context, env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		r.log.Warn("encode envelope", zap.Error(err))
		return
	}
	// The write already succeeded; a lost announcement only delays other devices.
	if err := r.rdb.Publish(ctx, r.channel(), raw).Err(); err != nil {
		r.log.Warn("publish envelope", zap.Error(err))
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
