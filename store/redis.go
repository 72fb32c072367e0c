package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/chatmodel"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/pkg/metricskey"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis, for sessions that must outlive one
// process. The key layout per session is:
//   - `<prefix>chat:<id>:messages` holds the history as a list of
//     JSON-marshaled messages
//   - `<prefix>chat:<id>:info` holds the session record
//
// Idle expiry is delegated to Redis: both keys get EXPIRE refreshed on
// every touch, so an abandoned session disappears on its own.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	maxMessages int
}

// RedisOption configures the Redis store.
type RedisOption func(*RedisStore)

// WithRedisTTL sets the idle expiry applied to session keys.
// Zero keeps keys until cleared.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(m *RedisStore) {
		m.ttl = ttl
	}
}

// WithRedisMaxMessages caps the history list per session via LTRIM.
// Zero means unbounded.
func WithRedisMaxMessages(n int) RedisOption {
	return func(m *RedisStore) {
		m.maxMessages = n
	}
}

// WithKeyPrefix namespaces all keys, e.g. for shared Redis instances.
func WithKeyPrefix(prefix string) RedisOption {
	return func(m *RedisStore) {
		m.prefix = prefix
	}
}

// NewRedisStore returns a Store backed by the given Redis client.
// The store does not own the client; Close releases it anyway because the
// store is the only consumer in this process.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	m := &RedisStore{
		client: client,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *RedisStore) messagesKey(id string) string {
	return m.prefix + fmt.Sprintf("chat:%s:messages", id)
}

func (m *RedisStore) infoKey(id string) string {
	return m.prefix + fmt.Sprintf("chat:%s:info", id)
}

func (m *RedisStore) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	if id != "" {
		s, err := m.Get(ctx, id)
		if err == nil {
			if err := m.touch(ctx, s); err != nil {
				return nil, false, err
			}
			return s, false, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, false, err
		}
	}

	if id == "" {
		id = chatmodel.NewChatID()
	}
	now := time.Now()
	s := &Session{
		ID:             id,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := m.putInfo(ctx, s); err != nil {
		return nil, false, err
	}
	metricskey.StatsSessionsCreated.IncrCounter(1, "redis")
	return s, true, nil
}

func (m *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := m.client.Get(ctx, m.infoKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "failed to get session info")
	}

	s := &Session{}
	if err := json.Unmarshal([]byte(data), s); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session info")
	}

	items, err := m.client.LRange(ctx, m.messagesKey(id), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "failed to get session messages")
	}
	for _, item := range items {
		var msg llms.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "unmarshal message", "session", id, "err", err.Error())
			continue
		}
		s.Messages = append(s.Messages, msg)
	}
	return s, nil
}

func (m *RedisStore) Append(ctx context.Context, id string, msgs ...llms.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s, err := m.getInfo(ctx, id)
	if err != nil {
		return err
	}

	encoded := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal message")
		}
		encoded = append(encoded, data)
	}

	s.LastAccessedAt = time.Now()
	info, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session info")
	}

	msgKey := m.messagesKey(id)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, msgKey, encoded...)
	if m.maxMessages > 0 {
		pipe.LTrim(ctx, msgKey, int64(-m.maxMessages), -1)
	}
	pipe.Set(ctx, m.infoKey(id), info, m.ttl)
	if m.ttl > 0 {
		pipe.Expire(ctx, msgKey, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to append messages")
	}
	return nil
}

func (m *RedisStore) History(ctx context.Context, id string) ([]llms.Message, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Messages, nil
}

func (m *RedisStore) Clear(ctx context.Context, id string) (bool, error) {
	pipe := m.client.Pipeline()
	infoDel := pipe.Del(ctx, m.infoKey(id))
	pipe.Del(ctx, m.messagesKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, "failed to clear session")
	}
	existed := infoDel.Val() > 0
	if existed {
		metricskey.StatsSessionsCleared.IncrCounter(1, "redis")
	}
	return existed, nil
}

func (m *RedisStore) List(ctx context.Context) ([]*SessionInfo, error) {
	var infos []*SessionInfo
	iter := m.client.Scan(ctx, 0, m.prefix+"chat:*:info", 0).Iterator()
	for iter.Next(ctx) {
		data, err := m.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, errors.Wrap(err, "failed to get session info")
		}
		s := &Session{}
		if err := json.Unmarshal([]byte(data), s); err != nil {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "unmarshal session info", "key", iter.Val(), "err", err.Error())
			continue
		}
		count, err := m.client.LLen(ctx, m.messagesKey(s.ID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(err, "failed to get message count")
		}
		info := s.Info()
		info.MessageCount = int(count)
		infos = append(infos, info)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan sessions")
	}
	return infos, nil
}

func (m *RedisStore) Close() error {
	return m.client.Close()
}

// getInfo loads the bare session record without messages.
func (m *RedisStore) getInfo(ctx context.Context, id string) (*Session, error) {
	data, err := m.client.Get(ctx, m.infoKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "failed to get session info")
	}
	s := &Session{}
	if err := json.Unmarshal([]byte(data), s); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session info")
	}
	return s, nil
}

// putInfo stores the session record and refreshes expiry.
func (m *RedisStore) putInfo(ctx context.Context, s *Session) error {
	rec := *s
	rec.Messages = nil
	data, err := json.Marshal(&rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session info")
	}
	if err := m.client.Set(ctx, m.infoKey(s.ID), data, m.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to store session info")
	}
	return nil
}

// touch bumps the access time and key expiry after a read.
func (m *RedisStore) touch(ctx context.Context, s *Session) error {
	s.LastAccessedAt = time.Now()
	if err := m.putInfo(ctx, s); err != nil {
		return err
	}
	if m.ttl > 0 {
		if err := m.client.Expire(ctx, m.messagesKey(s.ID), m.ttl).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return errors.Wrap(err, "failed to refresh messages expiry")
		}
	}
	return nil
}
