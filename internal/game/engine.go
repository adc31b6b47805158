package game

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/game-core/internal/config"
	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/logger"
	"github.com/wfunc/game-core/internal/models"
	"github.com/wfunc/game-core/internal/state"
	"github.com/wfunc/game-core/internal/storage"
	"github.com/wfunc/game-core/internal/validation"
	"go.uber.org/zap"
)

// Engine 游戏引擎：对外的动作处理入口
// 组合状态管理器、校验管线与事件订阅，提供游戏实例的完整生命周期
type Engine struct {
	manager  *state.Manager
	pipeline *validation.Pipeline
	store    storage.Store
	cfg      config.GameConfig
	log      *zap.Logger
	subs     *subscriptionHub
}

// NewEngine 创建游戏引擎
func NewEngine(manager *state.Manager, pipeline *validation.Pipeline, store storage.Store, cfg config.GameConfig) *Engine {
	e := &Engine{
		manager:  manager,
		pipeline: pipeline,
		store:    store,
		cfg:      cfg,
		log:      logger.GetModuleLogger("game"),
		subs:     newSubscriptionHub(cfg.SubscriptionTTL),
	}

	// 限流钩子：校验管线在接近限额时提前给出警告
	pipeline.SetRateLimiter(manager.RateLimiterPeek)

	return e
}

// CreateConfig 创建游戏的配置
type CreateConfig struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"` // rpg, deduction, settlement
	MaxPlayers int             `json:"max_players"`
	Players    []models.Player `json:"players,omitempty"`
	Config     models.JSONMap  `json:"config,omitempty"`
	Data       models.JSONMap  `json:"data,omitempty"` // 初始游戏数据
}

// CreateGame 创建游戏实例：初始状态为版本1、setup阶段、回合0、空历史
func (e *Engine) CreateGame(ctx context.Context, cfg *CreateConfig) (*models.Game, error) {
	if cfg == nil || cfg.Type == "" {
		return nil, apperrors.New(apperrors.ErrInvalidParam, "游戏类型不能为空")
	}

	maxPlayers := cfg.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = e.cfg.DefaultMaxPlayers
	}
	if len(cfg.Players) > maxPlayers {
		return nil, apperrors.Newf(apperrors.ErrInvalidParam, "玩家数量超过上限 %d", maxPlayers)
	}

	now := time.Now()
	players := make([]models.Player, len(cfg.Players))
	for i, p := range cfg.Players {
		players[i] = p
		if players[i].ID == "" {
			players[i].ID = uuid.New().String()
		}
		if players[i].Status == "" {
			players[i].Status = models.PlayerStatusActive
		}
		players[i].JoinedAt = now
	}

	game := &models.Game{
		ID:         uuid.New().String(),
		Name:       cfg.Name,
		Type:       cfg.Type,
		Status:     models.GameStatusSetup,
		MaxPlayers: maxPlayers,
		Players:    players,
		Config:     cfg.Config,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	data := cfg.Data
	if data == nil {
		data = models.JSONMap{}
	}
	initial := &models.GameState{
		GameID: game.ID,
		Phase:  "setup",
		Turn:   0,
		Data:   data,
		Metadata: models.StateMetadata{
			Version:       1,
			ActionHistory: []models.GameAction{},
			UpdatedAt:     now,
		},
	}

	if err := e.saveGame(ctx, game); err != nil {
		return nil, err
	}
	if err := e.manager.SaveState(ctx, game.ID, initial); err != nil {
		// 状态写入失败时回滚元数据，避免残留半创建的实例
		_ = e.store.Delete(ctx, storage.GameKey(game.ID))
		return nil, err
	}

	e.log.Info("创建游戏实例",
		zap.String("game_id", game.ID),
		zap.String("type", game.Type),
		zap.Int("players", len(players)),
	)

	e.emit(&models.GameEvent{
		ID:        uuid.New().String(),
		Type:      models.EventGameCreated,
		GameID:    game.ID,
		Timestamp: now,
	})

	return game, nil
}

// GetGame 读取游戏实例元数据
func (e *Engine) GetGame(ctx context.Context, gameID string) (*models.Game, error) {
	raw, err := e.store.Get(ctx, storage.GameKey(gameID))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStateNotFound) {
			return nil, apperrors.Newf(apperrors.ErrGameNotFound, "gameId=%s", gameID)
		}
		return nil, err
	}

	var game models.Game
	if err := json.Unmarshal(raw, &game); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrDataIntegrity, "gameId=%s", gameID)
	}
	return &game, nil
}

func (e *Engine) saveGame(ctx context.Context, game *models.Game) error {
	raw, err := json.Marshal(game)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrDataIntegrity, "gameId=%s", game.ID)
	}
	return e.store.Set(ctx, storage.GameKey(game.ID), raw, 0)
}

// JoinGame 玩家加入游戏（仅限setup阶段）
// 读改写在实例锁内执行，并发加入不会互相覆盖
func (e *Engine) JoinGame(ctx context.Context, gameID string, player models.Player) (*models.Game, error) {
	if player.ID == "" {
		player.ID = uuid.New().String()
	}

	var game *models.Game
	err := e.manager.ExecuteAtomic(ctx, gameID, func(ctx context.Context) error {
		g, err := e.GetGame(ctx, gameID)
		if err != nil {
			return err
		}
		if g.Status != models.GameStatusSetup {
			return apperrors.Newf(apperrors.ErrGameNotActive, "游戏已开始，无法加入: status=%s", g.Status)
		}
		// 重复加入先于容量判定，满员游戏里的已有玩家也要得到明确错误
		if g.FindPlayer(player.ID) != nil {
			return apperrors.Newf(apperrors.ErrAlreadyExists, "玩家已在游戏中: %s", player.ID)
		}
		if len(g.Players) >= g.MaxPlayers {
			return apperrors.Newf(apperrors.ErrInvalidParam, "玩家数量已达上限 %d", g.MaxPlayers)
		}

		player.Status = models.PlayerStatusActive
		player.JoinedAt = time.Now()
		g.Players = append(g.Players, player)
		g.UpdatedAt = time.Now()

		if err := e.saveGame(ctx, g); err != nil {
			return err
		}
		game = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return game, nil
}

// SetGameStatus 切换游戏实例状态（setup -> active -> paused/ended）
func (e *Engine) SetGameStatus(ctx context.Context, gameID, status string) (*models.Game, error) {
	switch status {
	case models.GameStatusSetup, models.GameStatusActive, models.GameStatusPaused, models.GameStatusEnded:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidParam, "未知的游戏状态: %s", status)
	}

	var game *models.Game
	err := e.manager.ExecuteAtomic(ctx, gameID, func(ctx context.Context) error {
		g, err := e.GetGame(ctx, gameID)
		if err != nil {
			return err
		}
		g.Status = status
		g.UpdatedAt = time.Now()

		if err := e.saveGame(ctx, g); err != nil {
			return err
		}
		game = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return game, nil
}

// ProcessAction 处理玩家动作：权限校验、规则校验、状态变更、事件广播
func (e *Engine) ProcessAction(ctx context.Context, gameID string, action *models.GameAction) (*models.GameState, error) {
	if action == nil {
		return nil, apperrors.New(apperrors.ErrInvalidParam, "动作不能为空")
	}
	if action.GameID == "" {
		action.GameID = gameID
	}
	if action.GameID != gameID {
		return nil, apperrors.Newf(apperrors.ErrInvalidParam, "动作的gameId(%s)与目标实例(%s)不符", action.GameID, gameID)
	}
	if action.ID == "" {
		action.ID = uuid.New().String()
	}

	game, err := e.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	player := game.FindPlayer(action.PlayerID)

	// 权限校验
	if perm := e.pipeline.ValidatePlayerPermissions(player, action, game); !perm.Valid {
		return nil, permissionError(gameID, perm)
	}

	// 动作规则校验（类型专属规则 + 通配规则）在实例锁内执行
	// 校验针对锁内加载的最新状态，并发动作不会各自基于过期状态通过
	opts := &state.UpdateOptions{
		PlayerID: action.PlayerID,
		Action:   action,
		Validate: func(current *models.GameState) error {
			check := e.pipeline.ValidateAction(ctx, &validation.Context{
				Action:       action,
				CurrentState: current,
				Game:         game,
				Player:       player,
			})
			if !check.Valid {
				return validationError(gameID, check)
			}
			return nil
		},
	}
	// 乐观并发：动作数据可携带期望版本
	if ev, ok := expectedVersion(action); ok {
		opts.ExpectedVersion = &ev
	}

	updated, err := e.manager.UpdateState(ctx, gameID, applyAction(action), opts)
	if err != nil {
		return nil, err
	}

	e.emit(&models.GameEvent{
		ID:        uuid.New().String(),
		Type:      models.EventActionProcessed,
		GameID:    gameID,
		PlayerID:  action.PlayerID,
		Payload: models.JSONMap{
			"action_id":   action.ID,
			"action_type": action.Type,
			"version":     updated.Metadata.Version,
		},
		Timestamp: time.Now(),
	})

	return updated, nil
}

// applyAction 把动作数据施加到状态上
// 本核心不含游戏类型专属规则：动作通过约定键驱动通用变更
// （phase切换阶段、turn推进回合、data浅合并进游戏数据）
func applyAction(action *models.GameAction) state.Mutator {
	return func(s *models.GameState) error {
		if action.Data == nil {
			return nil
		}
		if phase, ok := action.Data["phase"].(string); ok && phase != "" {
			s.Phase = phase
		}
		if turn, ok := action.Data["turn"].(float64); ok {
			s.Turn = int(turn)
		}
		if data, ok := action.Data["data"].(map[string]interface{}); ok {
			if s.Data == nil {
				s.Data = models.JSONMap{}
			}
			for k, v := range data {
				s.Data[k] = v
			}
		}
		return nil
	}
}

// expectedVersion 从动作数据中提取期望版本
func expectedVersion(action *models.GameAction) (int, bool) {
	if action.Data == nil {
		return 0, false
	}
	if v, ok := action.Data["expected_version"].(float64); ok {
		return int(v), true
	}
	return 0, false
}

// LoadState 直接读取状态，实例不存在返回nil而不是错误
func (e *Engine) LoadState(ctx context.Context, gameID string) (*models.GameState, error) {
	s, err := e.manager.GetState(ctx, gameID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStateNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// SaveState 直接写入状态（管理用途）
func (e *Engine) SaveState(ctx context.Context, gameID string, s *models.GameState) error {
	if s == nil {
		return apperrors.New(apperrors.ErrInvalidParam, "状态不能为空")
	}
	s.GameID = gameID
	return e.manager.SaveState(ctx, gameID, s)
}

// RestoreState 恢复历史版本并广播state_restored事件
func (e *Engine) RestoreState(ctx context.Context, gameID string, version int) (*models.GameState, error) {
	restored, err := e.manager.RestoreState(ctx, gameID, version)
	if err != nil {
		return nil, err
	}

	e.emit(&models.GameEvent{
		ID:     uuid.New().String(),
		Type:   models.EventStateRestored,
		GameID: gameID,
		Payload: models.JSONMap{
			"restored_version": version,
			"version":          restored.Metadata.Version,
		},
		Timestamp: time.Now(),
	})

	return restored, nil
}

// DeleteGame 删除游戏实例：按保留策略先清理历史，再退役状态与元数据
func (e *Engine) DeleteGame(ctx context.Context, gameID string) error {
	if _, err := e.GetGame(ctx, gameID); err != nil {
		return err
	}

	// 历史归档策略：保留检查点之外的条目直接清理
	if _, err := e.manager.CleanupHistory(ctx, gameID, true); err != nil {
		e.log.Warn("退役前历史清理失败", zap.String("game_id", gameID), zap.Error(err))
	}

	if err := e.manager.DeleteState(ctx, gameID); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, storage.GameKey(gameID)); err != nil {
		return err
	}

	e.emit(&models.GameEvent{
		ID:        uuid.New().String(),
		Type:      models.EventGameDeleted,
		GameID:    gameID,
		Timestamp: time.Now(),
	})

	e.log.Info("游戏实例已退役", zap.String("game_id", gameID))
	return nil
}

// Manager 暴露状态管理器供API层的历史与检查点操作使用
func (e *Engine) Manager() *state.Manager {
	return e.manager
}

func validationError(gameID string, result *models.ValidationResult) error {
	return apperrors.Newf(apperrors.ErrValidationFailed, "gameId=%s", gameID).
		WithMeta("violations", result.Errors).
		WithMeta("warnings", result.Warnings)
}

func permissionError(gameID string, result *models.ValidationResult) error {
	err := apperrors.Newf(apperrors.ErrPermissionDenied, "gameId=%s", gameID).
		WithMeta("violations", result.Errors)
	// 细分错误码便于调用方区分重试策略
	for _, v := range result.Errors {
		switch v.Code {
		case "player_not_in_game":
			return apperrors.New(apperrors.ErrPlayerNotInGame, v.Message).WithMeta("violations", result.Errors)
		case "player_inactive":
			return apperrors.New(apperrors.ErrPlayerInactive, v.Message).WithMeta("violations", result.Errors)
		case "game_not_active":
			return apperrors.New(apperrors.ErrGameNotActive, v.Message).WithMeta("violations", result.Errors)
		}
	}
	return err
}
