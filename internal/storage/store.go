package storage

import (
	"context"
	"fmt"
	"time"
)

// Store 键值存储抽象，游戏状态与历史快照的持久化协作者
// ttl为0表示永不过期
type Store interface {
	// Get 读取键对应的值，键不存在或已过期时返回ErrStateNotFound类错误
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 写入键值，ttl>0时到期自动失效
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete 删除键，键不存在时静默成功
	Delete(ctx context.Context, key string) error
	// Keys 返回所有匹配前缀的键（不含已过期的）
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// 键命名约定：
//   game:meta:<gameID>               游戏实例元数据
//   game:state:<gameID>              当前状态
//   game:history:<gameID>:<version>  历史快照，版本号零填充8位保证字典序即版本序

// GameKey 游戏实例元数据键
func GameKey(gameID string) string {
	return fmt.Sprintf("game:meta:%s", gameID)
}

// StateKey 当前状态键
func StateKey(gameID string) string {
	return fmt.Sprintf("game:state:%s", gameID)
}

// HistoryKey 历史快照键
func HistoryKey(gameID string, version int64) string {
	return fmt.Sprintf("game:history:%s:%08d", gameID, version)
}

// HistoryPrefix 某个游戏全部历史快照的键前缀
func HistoryPrefix(gameID string) string {
	return fmt.Sprintf("game:history:%s:", gameID)
}
