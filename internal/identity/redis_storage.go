package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/karmahub/internal/model"
)

// RedisKeyPrefix はセッションキーの接頭辞。
const RedisKeyPrefix = "karmahub:auth:"

// redisClient はRedisStoreが使用するコマンドの部分集合。
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore はRedisにトークンを保存するStorageFactory。
// 複数インスタンス構成でもブラウザセッションを引き継げる。
type RedisStore struct {
	client redisClient
	ttl    time.Duration
}

var _ StorageFactory = (*RedisStore)(nil)

// NewRedisStore はRedisStoreを生成する。ttlは各キーの有効期限。
func NewRedisStore(client redisClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// OpenRedis はREDIS_URL形式の接続文字列からクライアントを生成し、疎通を確認する。
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// For はsidに紐づくSessionStorageを返す。
func (r *RedisStore) For(sid string) SessionStorage {
	return &redisSlot{store: r, key: RedisKeyPrefix + sid}
}

type redisSlot struct {
	store *RedisStore
	key   string
}

func (s *redisSlot) Load(ctx context.Context) (*model.Session, error) {
	raw, err := s.store.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

func (s *redisSlot) Save(ctx context.Context, session *model.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.store.client.Set(ctx, s.key, raw, s.store.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *redisSlot) Delete(ctx context.Context) error {
	if err := s.store.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
