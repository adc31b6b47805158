package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/game-core/internal/config"
	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/lock"
	"github.com/wfunc/game-core/internal/models"
	"github.com/wfunc/game-core/internal/storage"
	"github.com/wfunc/game-core/internal/validation"
	"go.uber.org/zap"
)

func testGameConfig() config.GameConfig {
	return config.GameConfig{
		MaxHistoryEntries:    100,
		HistoryWarnThreshold: 80,
		MaxCheckpoints:       10,
		MaxPayloadBytes:      1 << 20,
		WarnPayloadBytes:     256 << 10,
		ClockSkewTolerance:   30 * time.Second,
		ReplayHorizon:        5 * time.Minute,
		RateLimitWindow:      time.Second,
		RateLimitMax:         100,
		LockTimeout:          2 * time.Second,
		LockMaxHold:          30 * time.Second,
	}
}

func newTestManager(t *testing.T, cfg config.GameConfig) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	pipeline := validation.NewPipeline(cfg, zap.NewNop())
	coord := lock.NewCoordinator(lock.Config{
		AcquireTimeout: cfg.LockTimeout,
		MaxHold:        cfg.LockMaxHold,
	})
	return NewManager(store, pipeline, coord, cfg), store
}

// seedState 写入初始状态（版本1，空历史）
func seedState(t *testing.T, m *Manager, gameID string) *models.GameState {
	t.Helper()
	state := &models.GameState{
		GameID: gameID,
		Phase:  "setup",
		Turn:   0,
		Data:   models.JSONMap{"players": map[string]interface{}{}},
		Metadata: models.StateMetadata{
			Version:       1,
			ActionHistory: []models.GameAction{},
			UpdatedAt:     time.Now(),
		},
	}
	require.NoError(t, m.SaveState(context.Background(), gameID, state))
	return state
}

func testAction(gameID, playerID string) *models.GameAction {
	return &models.GameAction{
		ID:        fmt.Sprintf("a-%d", time.Now().UnixNano()),
		Type:      "attack",
		PlayerID:  playerID,
		GameID:    gameID,
		Timestamp: time.Now(),
	}
}

// TestVersionMonotonic 连续变更版本严格加1，历史每次恰好增加1条
func TestVersionMonotonic(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")

	for i := 0; i < 10; i++ {
		action := testAction("g1", "p1")
		updated, err := m.UpdateState(ctx, "g1", func(s *models.GameState) error {
			s.Phase = "active"
			s.Turn = i + 1
			return nil
		}, &UpdateOptions{PlayerID: "p1", Action: action})
		require.NoError(t, err)

		assert.Equal(t, i+2, updated.Metadata.Version, "版本必须严格加1")
		assert.Len(t, updated.Metadata.ActionHistory, i+1, "历史必须恰好增加1条")
		assert.Equal(t, action.ID, updated.Metadata.LastAction.ID)
	}

	// 持久化的状态与返回值一致
	loaded, err := m.GetState(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 11, loaded.Metadata.Version)
	assert.Len(t, loaded.Metadata.ActionHistory, 10)
}

// TestExpectedVersionConflict 过期的expectedVersion返回版本冲突且状态不变
func TestExpectedVersionConflict(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")

	stale := 99
	_, err := m.UpdateState(ctx, "g1", func(s *models.GameState) error {
		s.Phase = "active"
		return nil
	}, &UpdateOptions{ExpectedVersion: &stale, Action: testAction("g1", "p1")})

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrVersionConflict))
	assert.True(t, apperrors.IsRetryable(err))

	// 状态保持变更前的值
	loaded, err := m.GetState(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Metadata.Version)
	assert.Equal(t, "setup", loaded.Phase)

	// 正确的expectedVersion放行
	correct := 1
	updated, err := m.UpdateState(ctx, "g1", func(s *models.GameState) error {
		s.Phase = "active"
		return nil
	}, &UpdateOptions{ExpectedVersion: &correct, Action: testAction("g1", "p1")})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Metadata.Version)
}

// TestUpdateStateNotFound 不存在的实例返回not found
func TestUpdateStateNotFound(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())

	_, err := m.UpdateState(context.Background(), "ghost", nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStateNotFound))
}

// TestValidationGateNoPartialWrite 校验失败时不产生任何写入
func TestValidationGateNoPartialWrite(t *testing.T) {
	m, store := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")

	// phase置空触发校验失败
	_, err := m.UpdateState(ctx, "g1", func(s *models.GameState) error {
		s.Phase = ""
		return nil
	}, &UpdateOptions{Action: testAction("g1", "p1")})

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed))

	// 当前状态未变
	loaded, err := m.GetState(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Metadata.Version)
	assert.Equal(t, "setup", loaded.Phase)

	// 没有历史条目落盘
	keys, err := store.Keys(ctx, storage.HistoryPrefix("g1"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// TestSkipValidation 跳过校验的受控路径
func TestSkipValidation(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")

	updated, err := m.UpdateState(ctx, "g1", func(s *models.GameState) error {
		s.Phase = ""
		return nil
	}, &UpdateOptions{SkipValidation: true})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Metadata.Version)
}

// TestRateLimit 按gameId:playerId限流，超限返回可重试错误
func TestRateLimit(t *testing.T) {
	cfg := testGameConfig()
	cfg.RateLimitWindow = time.Minute
	cfg.RateLimitMax = 3
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()
	seedState(t, m, "g1")

	mutate := func(s *models.GameState) error { return nil }

	for i := 0; i < 3; i++ {
		_, err := m.UpdateState(ctx, "g1", mutate, &UpdateOptions{
			PlayerID: "p1",
			Action:   testAction("g1", "p1"),
		})
		require.NoError(t, err)
	}

	_, err := m.UpdateState(ctx, "g1", mutate, &UpdateOptions{
		PlayerID: "p1",
		Action:   testAction("g1", "p1"),
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRateLimitExceeded))
	assert.True(t, apperrors.IsRetryable(err))

	// 其他玩家不受影响
	_, err = m.UpdateState(ctx, "g1", mutate, &UpdateOptions{
		PlayerID: "p2",
		Action:   testAction("g1", "p2"),
	})
	assert.NoError(t, err)
}

// TestPreImageHistory 每次变更落盘前像历史
func TestPreImageHistory(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")

	for i := 0; i < 3; i++ {
		_, err := m.UpdateState(ctx, "g1", func(s *models.GameState) error {
			s.Turn = i + 1
			return nil
		}, &UpdateOptions{Action: testAction("g1", "p1")})
		require.NoError(t, err)
	}

	// 前像历史为版本1、2、3
	entries, err := m.GetStateHistory(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Version)
		assert.False(t, entry.Checkpoint)
	}

	// limit截取最近的条目
	recent, err := m.GetStateHistory(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 2, recent[0].Version)
	assert.Equal(t, 3, recent[1].Version)
}

// TestConcurrentUpdatesSameGame 同一游戏并发更新串行化，版本不跳不退
func TestConcurrentUpdatesSameGame(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.UpdateState(ctx, "g1", func(s *models.GameState) error {
				s.Phase = "active"
				return nil
			}, &UpdateOptions{Action: testAction("g1", fmt.Sprintf("p%d", i))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loaded, err := m.GetState(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1+writers, loaded.Metadata.Version)
	assert.Len(t, loaded.Metadata.ActionHistory, writers)
}

// TestValidateState 只读校验的各类结果
func TestValidateState(t *testing.T) {
	cfg := testGameConfig()
	cfg.MaxPayloadBytes = 200
	cfg.WarnPayloadBytes = 100
	cfg.HistoryWarnThreshold = 5
	m, _ := newTestManager(t, cfg)

	valid := &models.GameState{
		GameID:   "g1",
		Phase:    "active",
		Turn:     1,
		Metadata: models.StateMetadata{Version: 1},
	}
	assert.True(t, m.ValidateState(valid).Valid)

	// 结构错误
	bad := &models.GameState{GameID: "", Phase: "", Turn: -1}
	result := m.ValidateState(bad)
	require.False(t, result.Valid)
	codes := make([]string, 0)
	for _, e := range result.Errors {
		codes = append(codes, e.Code)
	}
	assert.ElementsMatch(t, []string{"missing_game_id", "missing_phase", "negative_turn"}, codes)

	// 载荷超过硬上限：序列化后 {"blob":"xxx..."} 为 311 字节
	big := &models.GameState{
		GameID:   "g1",
		Phase:    "active",
		Data:     models.JSONMap{"blob": strings.Repeat("x", 300)},
		Metadata: models.StateMetadata{Version: 1},
	}
	result = m.ValidateState(big)
	require.False(t, result.Valid)
	assert.Equal(t, "payload_too_large", result.Errors[0].Code)

	// 载荷超过警告阈值但未到硬上限：序列化后为 161 字节
	medium := &models.GameState{
		GameID:   "g1",
		Phase:    "active",
		Data:     models.JSONMap{"blob": strings.Repeat("x", 150)},
		Metadata: models.StateMetadata{Version: 1},
	}
	result = m.ValidateState(medium)
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "payload_large", result.Warnings[0].Code)

	// 历史接近上限产生警告
	longHistory := &models.GameState{
		GameID: "g1",
		Phase:  "active",
		Metadata: models.StateMetadata{
			Version:       1,
			ActionHistory: make([]models.GameAction, 6),
		},
	}
	result = m.ValidateState(longHistory)
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "history_near_limit", result.Warnings[0].Code)
}

// TestCloneStateIndependent 深拷贝完全独立
func TestCloneStateIndependent(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())

	original := &models.GameState{
		GameID: "g1",
		Phase:  "active",
		Data: models.JSONMap{
			"players": map[string]interface{}{
				"p1": map[string]interface{}{"hp": float64(100)},
			},
		},
		Metadata: models.StateMetadata{Version: 3},
	}

	clone, err := m.CloneState(original)
	require.NoError(t, err)

	clone.Phase = "ended"
	clone.Data["players"].(map[string]interface{})["p1"].(map[string]interface{})["hp"] = float64(0)

	assert.Equal(t, "active", original.Phase)
	assert.EqualValues(t, float64(100),
		original.Data["players"].(map[string]interface{})["p1"].(map[string]interface{})["hp"])
}
