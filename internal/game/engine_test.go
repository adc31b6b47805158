package game

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/game-core/internal/config"
	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/lock"
	"github.com/wfunc/game-core/internal/models"
	"github.com/wfunc/game-core/internal/state"
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
		SubscriptionTTL:      time.Minute,
		DefaultMaxPlayers:    8,
	}
}

func newTestEngine(t *testing.T, cfg config.GameConfig) *Engine {
	t.Helper()
	store := storage.NewMemoryStore()
	pipeline := validation.NewPipeline(cfg, zap.NewNop())
	coord := lock.NewCoordinator(lock.Config{
		AcquireTimeout: cfg.LockTimeout,
		MaxHold:        cfg.LockMaxHold,
	})
	manager := state.NewManager(store, pipeline, coord, cfg)
	return NewEngine(manager, pipeline, store, cfg)
}

// createActiveGame 创建并激活一个双人游戏
func createActiveGame(t *testing.T, e *Engine) *models.Game {
	t.Helper()
	ctx := context.Background()

	game, err := e.CreateGame(ctx, &CreateConfig{
		Name: "测试对局",
		Type: "deduction",
		Players: []models.Player{
			{ID: "p1", Name: "玩家一"},
			{ID: "p2", Name: "玩家二"},
		},
	})
	require.NoError(t, err)

	game, err = e.SetGameStatus(ctx, game.ID, models.GameStatusActive)
	require.NoError(t, err)
	return game
}

func playerAction(gameID, playerID string, data models.JSONMap) *models.GameAction {
	return &models.GameAction{
		Type:      "move",
		PlayerID:  playerID,
		GameID:    gameID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// TestCreateGame 初始状态为版本1、setup阶段、回合0、空历史
func TestCreateGame(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()

	game, err := e.CreateGame(ctx, &CreateConfig{Name: "新对局", Type: "rpg"})
	require.NoError(t, err)
	assert.NotEmpty(t, game.ID)
	assert.Equal(t, models.GameStatusSetup, game.Status)
	assert.Equal(t, 8, game.MaxPlayers)

	initial, err := e.LoadState(ctx, game.ID)
	require.NoError(t, err)
	require.NotNil(t, initial)
	assert.Equal(t, 1, initial.Metadata.Version)
	assert.Equal(t, "setup", initial.Phase)
	assert.Equal(t, 0, initial.Turn)
	assert.Empty(t, initial.Metadata.ActionHistory)

	// 类型缺失拒绝创建
	_, err = e.CreateGame(ctx, &CreateConfig{Name: "无类型"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParam))
}

// TestProcessAction 动作驱动状态变更并广播事件
func TestProcessAction(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()
	game := createActiveGame(t, e)

	var mu sync.Mutex
	events := make([]*models.GameEvent, 0)
	e.Subscribe(game.ID, models.EventActionProcessed, func(event *models.GameEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	updated, err := e.ProcessAction(ctx, game.ID, playerAction(game.ID, "p1", models.JSONMap{
		"phase": "active",
		"turn":  float64(1),
		"data":  map[string]interface{}{"last_move": "p1"},
	}))
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Metadata.Version)
	assert.Equal(t, "active", updated.Phase)
	assert.Equal(t, 1, updated.Turn)
	assert.Equal(t, "p1", updated.Data["last_move"])
	require.Len(t, updated.Metadata.ActionHistory, 1)
	assert.Equal(t, "p1", updated.Metadata.LastAction.PlayerID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventActionProcessed, events[0].Type)
	assert.Equal(t, "p1", events[0].PlayerID)
}

// TestProcessActionPermissions 权限不满足时拒绝且不变更状态
func TestProcessActionPermissions(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()
	game := createActiveGame(t, e)

	// 非游戏成员
	_, err := e.ProcessAction(ctx, game.ID, playerAction(game.ID, "p9", nil))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPlayerNotInGame))

	// 游戏未激活
	_, err = e.SetGameStatus(ctx, game.ID, models.GameStatusPaused)
	require.NoError(t, err)
	_, err = e.ProcessAction(ctx, game.ID, playerAction(game.ID, "p1", nil))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrGameNotActive))

	// 状态未被污染
	s, err := e.LoadState(ctx, game.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Metadata.Version)
}

// TestProcessActionTimingRejected 过旧时间戳被校验管线拦下
func TestProcessActionTimingRejected(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()
	game := createActiveGame(t, e)

	stale := playerAction(game.ID, "p1", nil)
	stale.Timestamp = time.Now().Add(-10 * time.Minute)

	_, err := e.ProcessAction(ctx, game.ID, stale)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed))
}

// TestSameMillisecondSubmissions 同毫秒并发提交：串行化推进版本，绝不回退或跳号
func TestSameMillisecondSubmissions(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()
	game := createActiveGame(t, e)

	ts := time.Now()
	a1 := playerAction(game.ID, "p1", nil)
	a2 := playerAction(game.ID, "p2", nil)
	a1.Timestamp = ts
	a2.Timestamp = ts

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, action := range []*models.GameAction{a1, a2} {
		wg.Add(1)
		go func(i int, action *models.GameAction) {
			defer wg.Done()
			_, errs[i] = e.ProcessAction(ctx, game.ID, action)
		}(i, action)
	}
	wg.Wait()

	// 不带expectedVersion时两者都串行成功
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	s, err := e.LoadState(ctx, game.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Metadata.Version)
	assert.Len(t, s.Metadata.ActionHistory, 2)
}

// TestSameMillisecondWithStaleVersion 双方都携带expectedVersion时恰好一个成功
func TestSameMillisecondWithStaleVersion(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()
	game := createActiveGame(t, e)

	// 双方都捕获了版本1
	withVersion := func(playerID string) *models.GameAction {
		return playerAction(game.ID, playerID, models.JSONMap{
			"expected_version": float64(1),
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, action := range []*models.GameAction{withVersion("p1"), withVersion("p2")} {
		wg.Add(1)
		go func(i int, action *models.GameAction) {
			defer wg.Done()
			_, errs[i] = e.ProcessAction(ctx, game.ID, action)
		}(i, action)
	}
	wg.Wait()

	succeeded := 0
	conflicted := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if apperrors.Is(err, apperrors.ErrVersionConflict) {
			conflicted++
		}
	}
	assert.Equal(t, 1, succeeded, "恰好一个提交成功")
	assert.Equal(t, 1, conflicted, "另一个以版本冲突失败")

	s, err := e.LoadState(ctx, game.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Metadata.Version, "版本不回退不跳号")
}

// TestConcurrentActionsRevalidated 业务规则针对锁内加载的最新状态生效，
// 并发动作不得各自按过期状态通过校验后都提交
func TestConcurrentActionsRevalidated(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()

	game, err := e.CreateGame(ctx, &CreateConfig{
		Type: "deduction",
		Players: []models.Player{
			{ID: "p1", Name: "玩家一"},
			{ID: "p2", Name: "玩家二"},
		},
		Data: models.JSONMap{"tokens": float64(1)},
	})
	require.NoError(t, err)
	_, err = e.SetGameStatus(ctx, game.ID, models.GameStatusActive)
	require.NoError(t, err)

	// 领取动作要求还有剩余令牌
	e.pipeline.RegisterRule([]string{"claim"}, validation.NewRule("token-available", validation.PriorityHigh,
		func(ctx context.Context, vctx *validation.Context) *models.ValidationResult {
			if tokens, _ := vctx.CurrentState.Data["tokens"].(float64); tokens >= 1 {
				return &models.ValidationResult{Valid: true}
			}
			return &models.ValidationResult{
				Valid:  false,
				Errors: []models.ValidationError{{Rule: "token-available", Code: "no_tokens", Message: "令牌已被领完"}},
			}
		}))

	claim := func(playerID string) *models.GameAction {
		a := playerAction(game.ID, playerID, models.JSONMap{
			"data": map[string]interface{}{"tokens": float64(0), "holder": playerID},
		})
		a.Type = "claim"
		return a
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, action := range []*models.GameAction{claim("p1"), claim("p2")} {
		wg.Add(1)
		go func(i int, action *models.GameAction) {
			defer wg.Done()
			_, errs[i] = e.ProcessAction(ctx, game.ID, action)
		}(i, action)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if apperrors.Is(err, apperrors.ErrValidationFailed) {
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded, "恰好一个领取成功")
	assert.Equal(t, 1, rejected, "另一个被规则拦下")

	s, err := e.LoadState(ctx, game.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Metadata.Version)
	assert.Equal(t, float64(0), s.Data["tokens"])
}

// TestSubscriptionLifecycle 订阅、续订、过期与清理
func TestSubscriptionLifecycle(t *testing.T) {
	cfg := testGameConfig()
	cfg.SubscriptionTTL = 50 * time.Millisecond
	e := newTestEngine(t, cfg)
	ctx := context.Background()
	game := createActiveGame(t, e)

	received := 0
	var mu sync.Mutex
	subID := e.Subscribe(game.ID, "*", func(event *models.GameEvent) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	assert.Equal(t, 1, e.SubscriptionCount())

	_, err := e.ProcessAction(ctx, game.ID, playerAction(game.ID, "p1", nil))
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 1, received)
	mu.Unlock()

	// 续订延长生命周期
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.RenewSubscription(subID))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.RenewSubscription(subID))

	// 过期后停止接收并被清理
	time.Sleep(80 * time.Millisecond)
	_, err = e.ProcessAction(ctx, game.ID, playerAction(game.ID, "p2", nil))
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 1, received, "过期订阅不应再接收事件")
	mu.Unlock()

	assert.Equal(t, 1, e.SweepExpiredSubscriptions())
	assert.Equal(t, 0, e.SubscriptionCount())

	// 过期后的续订失败
	err = e.RenewSubscription(subID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestUnsubscribe 取消订阅后不再接收事件
func TestUnsubscribe(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()
	game := createActiveGame(t, e)

	received := 0
	var mu sync.Mutex
	subID := e.Subscribe(game.ID, models.EventActionProcessed, func(event *models.GameEvent) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	e.Unsubscribe(subID)
	e.Unsubscribe(subID) // 幂等

	_, err := e.ProcessAction(ctx, game.ID, playerAction(game.ID, "p1", nil))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, received)
}

// TestJoinGame 加入限制
func TestJoinGame(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()

	game, err := e.CreateGame(ctx, &CreateConfig{
		Type:       "deduction",
		MaxPlayers: 2,
		Players:    []models.Player{{ID: "p1", Name: "玩家一"}},
	})
	require.NoError(t, err)

	// 正常加入
	game, err = e.JoinGame(ctx, game.ID, models.Player{ID: "p2", Name: "玩家二"})
	require.NoError(t, err)
	assert.Len(t, game.Players, 2)

	// 重复加入
	_, err = e.JoinGame(ctx, game.ID, models.Player{ID: "p2"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyExists))

	// 超过人数上限
	_, err = e.JoinGame(ctx, game.ID, models.Player{ID: "p3"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParam))

	// 开局后禁止加入
	_, err = e.SetGameStatus(ctx, game.ID, models.GameStatusActive)
	require.NoError(t, err)
	_, err = e.JoinGame(ctx, game.ID, models.Player{ID: "p4"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrGameNotActive))
}

// TestConcurrentJoins 并发加入互不覆盖，全部玩家落盘
func TestConcurrentJoins(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()

	game, err := e.CreateGame(ctx, &CreateConfig{Type: "rpg", MaxPlayers: 64})
	require.NoError(t, err)

	const joiners = 32
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.JoinGame(ctx, game.ID, models.Player{
				ID:   fmt.Sprintf("p%02d", i),
				Name: fmt.Sprintf("玩家%02d", i),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := e.GetGame(ctx, game.ID)
	require.NoError(t, err)
	assert.Len(t, final.Players, joiners)
}

// TestDeleteGame 退役后实例与状态都不可见
func TestDeleteGame(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()
	game := createActiveGame(t, e)

	_, err := e.ProcessAction(ctx, game.ID, playerAction(game.ID, "p1", nil))
	require.NoError(t, err)

	require.NoError(t, e.DeleteGame(ctx, game.ID))

	_, err = e.GetGame(ctx, game.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrGameNotFound))

	s, err := e.LoadState(ctx, game.ID)
	require.NoError(t, err)
	assert.Nil(t, s)

	// 再次删除返回not found
	err = e.DeleteGame(ctx, game.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrGameNotFound))
}

// TestRestoreStateEmitsEvent 恢复广播state_restored事件
func TestRestoreStateEmitsEvent(t *testing.T) {
	e := newTestEngine(t, testGameConfig())
	ctx := context.Background()
	game := createActiveGame(t, e)

	_, err := e.ProcessAction(ctx, game.ID, playerAction(game.ID, "p1", models.JSONMap{"turn": float64(1)}))
	require.NoError(t, err)
	_, err = e.ProcessAction(ctx, game.ID, playerAction(game.ID, "p2", models.JSONMap{"turn": float64(2)}))
	require.NoError(t, err)

	var restoredEvent *models.GameEvent
	var mu sync.Mutex
	e.Subscribe(game.ID, models.EventStateRestored, func(event *models.GameEvent) {
		mu.Lock()
		restoredEvent = event
		mu.Unlock()
	})

	// 版本2的快照在版本3产生时落盘
	restored, err := e.RestoreState(ctx, game.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, restored.Metadata.Version)
	assert.Equal(t, 1, restored.Turn)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, restoredEvent)
	assert.Equal(t, models.EventStateRestored, restoredEvent.Type)
}
