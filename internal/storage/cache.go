package storage

import (
	"context"
	"time"
)

// CacheStore 带缓存的存储（装饰器模式）
// 读优先走缓存层，写同时落存储层和缓存层，缓存故障不影响主流程
type CacheStore struct {
	cache    Store
	storage  Store
	cacheTTL time.Duration
}

// NewCacheStore 创建带缓存的存储
func NewCacheStore(cache, storage Store, cacheTTL time.Duration) *CacheStore {
	return &CacheStore{
		cache:    cache,
		storage:  storage,
		cacheTTL: cacheTTL,
	}
}

// Get 读取键值（优先从缓存读取）
func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, error) {
	if value, err := s.cache.Get(ctx, key); err == nil {
		return value, nil
	}

	// 缓存未命中，从存储层读取
	value, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// 回填缓存（失败不影响主流程）
	_ = s.cache.Set(ctx, key, value, s.cacheTTL)

	return value, nil
}

// Set 写入键值（先存储层后缓存层）
func (s *CacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.storage.Set(ctx, key, value, ttl); err != nil {
		return err
	}

	cacheTTL := s.cacheTTL
	if ttl > 0 && ttl < cacheTTL {
		cacheTTL = ttl
	}
	_ = s.cache.Set(ctx, key, value, cacheTTL)

	return nil
}

// Delete 删除键（先缓存层后存储层）
func (s *CacheStore) Delete(ctx context.Context, key string) error {
	_ = s.cache.Delete(ctx, key)
	return s.storage.Delete(ctx, key)
}

// Keys 按前缀扫描键（以存储层为准，缓存可能不完整）
func (s *CacheStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.storage.Keys(ctx, prefix)
}
