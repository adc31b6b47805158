package storage

import (
	"context"
	"time"

	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseStore 数据库存储，键值条目落在kv_entries表
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore 创建数据库存储
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// Get 读取键值
func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry models.KVEntry
	result := s.db.WithContext(ctx).
		Where("key = ?", key).
		First(&entry)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, apperrors.Newf(apperrors.ErrStateNotFound, "键不存在: %s", key)
		}
		return nil, apperrors.Wrap(result.Error, apperrors.ErrStorageGet)
	}

	// 过期条目视为不存在，由清理任务异步删除
	if entry.Expired(time.Now()) {
		return nil, apperrors.Newf(apperrors.ErrStateNotFound, "键不存在: %s", key)
	}

	return []byte(entry.Value), nil
}

// Set 写入键值（Upsert，键冲突时更新值和过期时间）
func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	entry := models.KVEntry{
		Key:       key,
		Value:     string(value),
		ExpiresAt: expiresAt,
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).
		Create(&entry)

	if result.Error != nil {
		return apperrors.Wrap(result.Error, apperrors.ErrStorageSet)
	}
	return nil
}

// Delete 删除键
func (s *DatabaseStore) Delete(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).
		Where("key = ?", key).
		Delete(&models.KVEntry{})

	if result.Error != nil {
		return apperrors.Wrap(result.Error, apperrors.ErrStorageDelete)
	}
	return nil
}

// Keys 按前缀扫描键，结果按字典序排序
func (s *DatabaseStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	now := time.Now()

	result := s.db.WithContext(ctx).
		Model(&models.KVEntry{}).
		Where("key LIKE ?", escapeLike(prefix)+"%").
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("key ASC").
		Pluck("key", &keys)

	if result.Error != nil {
		return nil, apperrors.Wrap(result.Error, apperrors.ErrStorageGet)
	}
	return keys, nil
}

// CleanupExpired 删除已过期的条目，返回清理数量
func (s *DatabaseStore) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now()).
		Delete(&models.KVEntry{})

	if result.Error != nil {
		return 0, apperrors.Wrap(result.Error, apperrors.ErrStorageDelete)
	}
	return result.RowsAffected, nil
}

// escapeLike 转义LIKE模式中的特殊字符
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
