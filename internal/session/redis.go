package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/licensebot/internal/model"
)

// DefaultTTL задаёт время жизни незавершённого диалога.
const DefaultTTL = 24 * time.Hour

// clearIfBound удаляет ключ, только если в нём лежит состояние указанного заказа.
var clearIfBound = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return 0
end
local ok, rec = pcall(cjson.decode, v)
if ok and rec['order_id'] == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore хранит состояния диалогов в Redis.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStore создаёт хранилище поверх клиента Redis.
func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "licensebot:conversation:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(chatID int64) string {
	return s.prefix + strconv.FormatInt(chatID, 10)
}

// Get возвращает состояние чата; без сохранённого состояния возвращается Idle.
func (s *RedisStore) Get(ctx context.Context, chatID int64) (model.Conversation, error) {
	data, err := s.client.Get(ctx, s.key(chatID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Idle{}, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return model.DecodeConversation(data)
}

// Set перезаписывает состояние чата.
func (s *RedisStore) Set(ctx context.Context, chatID int64, c model.Conversation) error {
	if c.Step() == model.StepIdle {
		return s.Clear(ctx, chatID)
	}

	data, err := model.EncodeConversation(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(chatID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set conversation: %w", err)
	}
	return nil
}

// Clear удаляет состояние чата.
func (s *RedisStore) Clear(ctx context.Context, chatID int64) error {
	if err := s.client.Del(ctx, s.key(chatID)).Err(); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// ClearIfBound атомарно удаляет состояние, только если оно привязано к заказу orderID.
func (s *RedisStore) ClearIfBound(ctx context.Context, chatID int64, orderID string) (bool, error) {
	n, err := clearIfBound.Run(ctx, s.client, []string{s.key(chatID)}, orderID).Int64()
	if err != nil {
		return false, fmt.Errorf("clear bound conversation: %w", err)
	}
	return n > 0, nil
}
