package models

import (
	"time"
)

// KVEntry 键值存储行（用于数据库后端的存储适配器）
type KVEntry struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Key       string     `gorm:"uniqueIndex;size:255;not null" json:"key"`
	Value     string     `gorm:"type:text" json:"value"` // JSON格式的值
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (KVEntry) TableName() string {
	return "kv_entries"
}

// Expired 判断条目是否已过期
func (e *KVEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}
