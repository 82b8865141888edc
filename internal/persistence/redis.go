// internal/persistence/redis.go
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"estat-capture/internal/logger"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig: RedisStore 연결 설정
type RedisConfig struct {
	// host:port
	Addr string
	// 모든 key 앞에 붙는 prefix (기본 "estat:capture:")
	Prefix string
	// key 만료 시간. 0 이면 만료 없음
	TTL time.Duration
	// Store interface 로 호출되는 Get/Set 각각의 timeout
	OpTimeout time.Duration
}

// RedisStore 는 marker 를 Redis 에 둔다.
// 같은 session 을 공유하는 여러 client 프로세스가 같은 활성화 상태를 보게 된다.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	opTimeout time.Duration
	log       zerolog.Logger
}

// NewRedisStore 는 연결 후 PING 으로 확인한다.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg), nil
}

// NewRedisStoreFromClient 는 이미 있는 client 를 감싼다 (테스트용).
func NewRedisStoreFromClient(client *redis.Client, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "estat:capture:"
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		opTimeout: timeout,
		log:       logger.Component("persistence"),
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Load 는 key 가 없으면 ErrNotFound 를 반환한다.
func (s *RedisStore) Load(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Save(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get: Store 구현
func (s *RedisStore) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	v, err := s.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn().Err(err).Str("key", key).Msg("persistence read failed")
		}
		return "", false
	}
	return v, true
}

// Set: Store 구현
func (s *RedisStore) Set(key, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	if err := s.Save(ctx, key, value); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("persistence write failed")
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
