package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/lock"
	"github.com/wfunc/game-core/internal/models"
	"github.com/wfunc/game-core/internal/storage"
	"go.uber.org/zap"
)

// GetStateHistory 按版本升序返回最近limit条历史，limit<=0返回全部
func (m *Manager) GetStateHistory(ctx context.Context, gameID string, limit int) ([]*models.StateHistoryEntry, error) {
	keys, err := m.store.Keys(ctx, storage.HistoryPrefix(gameID))
	if err != nil {
		return nil, err
	}

	// 键按字典序即版本序，截取尾部即最近的版本
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	entries := make([]*models.StateHistoryEntry, 0, len(keys))
	for _, key := range keys {
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			// 并发清理可能删掉刚扫描到的键
			continue
		}
		var entry models.StateHistoryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			m.log.Warn("历史条目解析失败", zap.String("key", key), zap.Error(err))
			continue
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}

// getHistoryEntry 读取指定版本的历史条目
func (m *Manager) getHistoryEntry(ctx context.Context, gameID string, version int) (*models.StateHistoryEntry, error) {
	raw, err := m.store.Get(ctx, storage.HistoryKey(gameID, int64(version)))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStateNotFound) {
			return nil, apperrors.Newf(apperrors.ErrHistoryNotFound, "gameId=%s version=%d", gameID, version)
		}
		return nil, err
	}

	var entry models.StateHistoryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrDataIntegrity, "gameId=%s version=%d", gameID, version)
	}
	return &entry, nil
}

// RestoreState 把历史版本恢复为新的当前状态
// 恢复本身是一次完整的版本化变更（跳过校验并打restored标签），不是破坏性回写
func (m *Manager) RestoreState(ctx context.Context, gameID string, version int) (*models.GameState, error) {
	entry, err := m.getHistoryEntry(ctx, gameID, version)
	if err != nil {
		return nil, err
	}
	if entry.State == nil {
		return nil, apperrors.Newf(apperrors.ErrDataIntegrity, "历史条目缺少状态快照: gameId=%s version=%d", gameID, version)
	}

	snapshot := entry.State
	action := &models.GameAction{
		ID:        uuid.New().String(),
		Type:      "state_restore",
		PlayerID:  "system",
		GameID:    gameID,
		Timestamp: time.Now(),
		Data:      models.JSONMap{"restored_version": version},
	}

	return m.UpdateState(ctx, gameID, func(state *models.GameState) error {
		state.Phase = snapshot.Phase
		state.Turn = snapshot.Turn
		state.Data = snapshot.Data
		return nil
	}, &UpdateOptions{
		SkipValidation: true,
		Action:         action,
		Tags:           []string{"restored", fmt.Sprintf("restored_from:%d", version)},
	})
}

// CreateCheckpoint 把当前状态落为检查点条目，检查点不受常规清理影响
func (m *Manager) CreateCheckpoint(ctx context.Context, gameID string, tags []string) (*models.StateHistoryEntry, error) {
	var entry *models.StateHistoryEntry

	err := m.coord.ExecuteAtomic(ctx, gameID, func(ctx context.Context, handle *lock.Handle) error {
		current, err := m.loadState(ctx, gameID)
		if err != nil {
			return err
		}
		if !handle.Valid() {
			return apperrors.Newf(apperrors.ErrStaleLock, "gameId=%s", gameID)
		}
		if err := m.writeHistoryEntry(ctx, current, true, tags); err != nil {
			return err
		}
		entry = &models.StateHistoryEntry{
			GameID:     gameID,
			Version:    current.Metadata.Version,
			State:      current,
			Checkpoint: true,
			Tags:       tags,
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CleanupHistory 清理历史条目，返回删除数量
// 保留最近maxHistoryEntries条常规条目；keepCheckpoints时检查点额外保留
// （最多maxCheckpoints个，超出时淘汰最旧的）
func (m *Manager) CleanupHistory(ctx context.Context, gameID string, keepCheckpoints bool) (int, error) {
	deleted := 0

	err := m.coord.ExecuteAtomic(ctx, gameID, func(ctx context.Context, handle *lock.Handle) error {
		entries, err := m.GetStateHistory(ctx, gameID, 0)
		if err != nil {
			return err
		}

		ordinary := make([]*models.StateHistoryEntry, 0, len(entries))
		checkpoints := make([]*models.StateHistoryEntry, 0)
		for _, e := range entries {
			if e.Checkpoint {
				checkpoints = append(checkpoints, e)
			} else {
				ordinary = append(ordinary, e)
			}
		}

		keep := make(map[int]bool)

		// 最近的常规条目
		start := 0
		if m.cfg.MaxHistoryEntries > 0 && len(ordinary) > m.cfg.MaxHistoryEntries {
			start = len(ordinary) - m.cfg.MaxHistoryEntries
		}
		for _, e := range ordinary[start:] {
			keep[e.Version] = true
		}

		// 检查点（可选，有界）
		if keepCheckpoints {
			cpStart := 0
			if m.cfg.MaxCheckpoints > 0 && len(checkpoints) > m.cfg.MaxCheckpoints {
				cpStart = len(checkpoints) - m.cfg.MaxCheckpoints
			}
			for _, e := range checkpoints[cpStart:] {
				keep[e.Version] = true
			}
		}

		for _, e := range entries {
			if keep[e.Version] {
				continue
			}
			if err := m.store.Delete(ctx, storage.HistoryKey(gameID, int64(e.Version))); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	if err != nil {
		return 0, err
	}

	m.log.Info("历史清理完成",
		zap.String("game_id", gameID),
		zap.Int("deleted", deleted),
		zap.Bool("keep_checkpoints", keepCheckpoints),
	)
	return deleted, nil
}
