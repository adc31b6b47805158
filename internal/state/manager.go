package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wfunc/game-core/internal/config"
	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/lock"
	"github.com/wfunc/game-core/internal/logger"
	"github.com/wfunc/game-core/internal/models"
	"github.com/wfunc/game-core/internal/storage"
	"github.com/wfunc/game-core/internal/validation"
	"go.uber.org/zap"
)

// 当前状态写入失败时的有界重试
const (
	commitRetries      = 3
	commitRetryBackoff = 50 * time.Millisecond
)

// UpdateOptions 状态更新选项
type UpdateOptions struct {
	SkipValidation   bool               // 跳过校验（仅限恢复等受控路径）
	CreateCheckpoint bool               // 额外把新状态落为检查点
	ExpectedVersion  *int               // 乐观并发：与当前版本不符则拒绝
	PlayerID         string             // 触发更新的玩家（频率限制与审计）
	Action           *models.GameAction // 产生本次更新的动作，追加到历史
	Tags             []string           // 附加到新版本元数据的标签

	// Validate 提交前校验钩子，在实例锁内对刚加载的当前状态执行
	// 业务规则必须在这里看最新状态，锁外预读的状态可能已过期
	Validate func(current *models.GameState) error
}

// Mutator 在当前状态的深拷贝上施加变更
// 只应修改Phase/Turn/Data，版本与历史由管理器维护
type Mutator func(state *models.GameState) error

// Manager 状态管理器：游戏状态的唯一读写入口
// 组合并发协调器做按实例串行化，组合校验管线做变更门禁
type Manager struct {
	store    storage.Store
	pipeline *validation.Pipeline
	coord    *lock.Coordinator
	cfg      config.GameConfig
	log      *zap.Logger
	limiter  *rateLimiter
}

// NewManager 创建状态管理器
func NewManager(store storage.Store, pipeline *validation.Pipeline, coord *lock.Coordinator, cfg config.GameConfig) *Manager {
	return &Manager{
		store:    store,
		pipeline: pipeline,
		coord:    coord,
		cfg:      cfg,
		log:      logger.GetModuleLogger("state"),
		limiter:  newRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax),
	}
}

// RateLimiterPeek 频率限制的只读探测，供校验管线的限流钩子使用
func (m *Manager) RateLimiterPeek(gameID, playerID string) error {
	if !m.limiter.Peek(rateLimitKey(gameID, playerID)) {
		return apperrors.Newf(apperrors.ErrRateLimitExceeded, "gameId=%s playerId=%s", gameID, playerID)
	}
	return nil
}

// RateLimiterSize 当前限流窗口跟踪的键数量（观测用）
func (m *Manager) RateLimiterSize() int {
	return m.limiter.Size()
}

// PruneRateLimiter 清理空闲限流键，供维护任务周期调用
func (m *Manager) PruneRateLimiter() int {
	return m.limiter.Prune()
}

// LockStats 并发协调器的运行统计（观测用）
func (m *Manager) LockStats() lock.Stats {
	return m.coord.GetStats()
}

// ExecuteAtomic 在指定实例的锁内执行fn
// 状态更新之外的读改写单元（如游戏元数据变更）也必须串行化
func (m *Manager) ExecuteAtomic(ctx context.Context, gameID string, fn func(ctx context.Context) error) error {
	return m.coord.ExecuteAtomic(ctx, gameID, func(ctx context.Context, _ *lock.Handle) error {
		return fn(ctx)
	})
}

func rateLimitKey(gameID, playerID string) string {
	return gameID + ":" + playerID
}

// GetState 读取游戏当前状态，实例不存在返回ErrStateNotFound类错误
func (m *Manager) GetState(ctx context.Context, gameID string) (*models.GameState, error) {
	return m.loadState(ctx, gameID)
}

func (m *Manager) loadState(ctx context.Context, gameID string) (*models.GameState, error) {
	raw, err := m.store.Get(ctx, storage.StateKey(gameID))
	if err != nil {
		return nil, err
	}

	var state models.GameState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrDataIntegrity, "gameId=%s", gameID)
	}
	return &state, nil
}

// SaveState 直接写入状态（管理用途，绕过变更管线但仍走实例锁）
func (m *Manager) SaveState(ctx context.Context, gameID string, state *models.GameState) error {
	return m.coord.ExecuteAtomic(ctx, gameID, func(ctx context.Context, handle *lock.Handle) error {
		if !handle.Valid() {
			return apperrors.Newf(apperrors.ErrStaleLock, "gameId=%s", gameID)
		}
		return m.persistState(ctx, state)
	})
}

// DeleteState 删除状态与全部历史（游戏实例退役）
func (m *Manager) DeleteState(ctx context.Context, gameID string) error {
	return m.coord.ExecuteAtomic(ctx, gameID, func(ctx context.Context, handle *lock.Handle) error {
		keys, err := m.store.Keys(ctx, storage.HistoryPrefix(gameID))
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := m.store.Delete(ctx, key); err != nil {
				return err
			}
		}
		return m.store.Delete(ctx, storage.StateKey(gameID))
	})
}

// UpdateState 状态更新唯一入口
// 频率限制、加载、乐观并发检查、提交前业务校验、深拷贝施变、校验门禁、
// 前像历史落盘、可选检查点、提交，整个读改写单元在实例锁内执行
func (m *Manager) UpdateState(ctx context.Context, gameID string, mutate Mutator, opts *UpdateOptions) (*models.GameState, error) {
	if opts == nil {
		opts = &UpdateOptions{}
	}

	// 步骤1：按 gameId:playerId 的频率限制
	if opts.PlayerID != "" && !m.limiter.Allow(rateLimitKey(gameID, opts.PlayerID)) {
		return nil, apperrors.Newf(apperrors.ErrRateLimitExceeded, "gameId=%s playerId=%s", gameID, opts.PlayerID).
			WithMeta("retry_after", m.cfg.RateLimitWindow.String())
	}

	start := time.Now()
	var result *models.GameState

	err := m.coord.ExecuteAtomic(ctx, gameID, func(ctx context.Context, handle *lock.Handle) error {
		// 步骤2：加载当前状态
		current, err := m.loadState(ctx, gameID)
		if err != nil {
			return err
		}

		// 步骤3：乐观并发检查
		if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current.Metadata.Version {
			return apperrors.Newf(apperrors.ErrVersionConflict, "gameId=%s", gameID).
				WithMeta("expected_version", *opts.ExpectedVersion).
				WithMeta("actual_version", current.Metadata.Version)
		}

		// 步骤4：提交前业务校验，必须对锁内加载的最新状态执行
		if opts.Validate != nil {
			if err := opts.Validate(current); err != nil {
				return err
			}
		}

		// 步骤5：在深拷贝上施加变更并推进版本与历史
		candidate, err := m.CloneState(current)
		if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(candidate); err != nil {
				return apperrors.Wrapf(err, apperrors.ErrInvalidParam, "变更函数失败: gameId=%s", gameID)
			}
		}

		candidate.GameID = current.GameID
		candidate.Metadata.Version = current.Metadata.Version + 1
		candidate.Metadata.UpdatedAt = time.Now()
		candidate.Metadata.UpdatedBy = opts.PlayerID
		candidate.Metadata.Tags = opts.Tags
		if opts.Action != nil {
			candidate.Metadata.LastAction = opts.Action
			candidate.Metadata.ActionHistory = append(candidate.Metadata.ActionHistory, *opts.Action)
		}

		// 步骤6：校验门禁，失败则丢弃候选状态，不产生任何写入
		if !opts.SkipValidation {
			check := m.ValidateState(candidate)
			if opts.Action != nil {
				check.Merge(m.pipeline.ValidateStateTransition(current, candidate, opts.Action))
			}
			if !check.Valid {
				return validationError(gameID, check)
			}
			for _, w := range check.Warnings {
				m.log.Warn("状态校验警告",
					zap.String("game_id", gameID),
					zap.String("code", w.Code),
					zap.String("message", w.Message),
				)
			}
		}

		// 锁被回收则不得提交
		if !handle.Valid() {
			return apperrors.Newf(apperrors.ErrStaleLock, "gameId=%s", gameID)
		}

		// 步骤7：前像历史落盘（失败只记录，不阻断本次变更）
		if err := m.writeHistoryEntry(ctx, current, false, nil); err != nil {
			m.log.Warn("前像历史写入失败",
				zap.String("game_id", gameID),
				zap.Int("version", current.Metadata.Version),
				zap.Error(err),
			)
		}

		// 步骤8：按需落检查点
		if opts.CreateCheckpoint {
			if err := m.writeHistoryEntry(ctx, candidate, true, opts.Tags); err != nil {
				return err
			}
		}

		// 步骤9：提交新状态
		if err := m.persistState(ctx, candidate); err != nil {
			return err
		}

		result = candidate
		return nil
	})

	if err != nil {
		return nil, err
	}

	logger.LogStateUpdate(gameID, result.Metadata.Version-1, result.Metadata.Version, opts.PlayerID, time.Since(start))
	return result, nil
}

// persistState 写入当前状态，有界重试后仍失败则向上抛出
func (m *Manager) persistState(ctx context.Context, state *models.GameState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrDataIntegrity, "状态序列化失败: gameId=%s", state.GameID)
	}

	key := storage.StateKey(state.GameID)
	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(commitRetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled)
			}
		}
		if lastErr = m.store.Set(ctx, key, raw, 0); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// writeHistoryEntry 历史条目落盘
// 常规前像写入不覆盖同版本已有的检查点条目
func (m *Manager) writeHistoryEntry(ctx context.Context, state *models.GameState, checkpoint bool, tags []string) error {
	key := storage.HistoryKey(state.GameID, int64(state.Metadata.Version))

	if !checkpoint {
		if raw, err := m.store.Get(ctx, key); err == nil {
			var existing models.StateHistoryEntry
			if json.Unmarshal(raw, &existing) == nil && existing.Checkpoint {
				return nil
			}
		}
	}

	entry := models.StateHistoryEntry{
		GameID:     state.GameID,
		Version:    state.Metadata.Version,
		State:      state,
		Checkpoint: checkpoint,
		Tags:       tags,
		CreatedAt:  time.Now(),
	}

	raw, err := json.Marshal(&entry)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrDataIntegrity, "历史条目序列化失败: gameId=%s", state.GameID)
	}
	return m.store.Set(ctx, key, raw, 0)
}

// validationError 把校验结果包装为带违例明细的应用错误
func validationError(gameID string, result *models.ValidationResult) error {
	messages := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		messages = append(messages, fmt.Sprintf("[%s] %s", e.Code, e.Message))
	}
	return apperrors.Newf(apperrors.ErrValidationFailed, "gameId=%s", gameID).
		WithMeta("violations", result.Errors).
		WithMeta("summary", messages)
}
