package storage

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	apperrors "github.com/wfunc/game-core/internal/errors"
)

// RedisStore Redis存储，TTL由Redis原生支持
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore 创建Redis存储，keyPrefix用于多实例共用一个Redis时隔离键空间
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Get 读取键值
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, apperrors.Newf(apperrors.ErrStateNotFound, "键不存在: %s", key)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrStorageGet)
	}
	return value, nil
}

// Set 写入键值
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorageSet)
	}
	return nil
}

// Delete 删除键
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorageDelete)
	}
	return nil
}

// Keys 按前缀扫描键，使用SCAN避免阻塞Redis
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.keyPrefix + prefix + "*"
	keys := make([]string, 0)

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		// 剥离实例前缀，对调用方透明
		keys = append(keys, iter.Val()[len(s.keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrStorageGet)
	}

	sort.Strings(keys)
	return keys, nil
}

// Ping 检查Redis连接
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorageConnect)
	}
	return nil
}
