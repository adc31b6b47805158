package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/game"
	"github.com/wfunc/game-core/internal/middleware"
	"github.com/wfunc/game-core/internal/models"
	"go.uber.org/zap"
)

// GameHandler 游戏API处理器
type GameHandler struct {
	engine *game.Engine
	log    *zap.Logger
}

// NewGameHandler 创建游戏处理器
func NewGameHandler(engine *game.Engine, log *zap.Logger) *GameHandler {
	return &GameHandler{
		engine: engine,
		log:    log,
	}
}

// CreateGame 创建游戏实例
// POST /api/v1/games
func (h *GameHandler) CreateGame(c *gin.Context) {
	var req game.CreateConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求格式错误", err)
		return
	}

	created, err := h.engine.CreateGame(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"game": created,
	})
}

// GetGame 读取游戏实例
// GET /api/v1/games/:id
func (h *GameHandler) GetGame(c *gin.Context) {
	g, err := h.engine.GetGame(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game": g})
}

// DeleteGame 删除游戏实例
// DELETE /api/v1/games/:id
func (h *GameHandler) DeleteGame(c *gin.Context) {
	if err := h.engine.DeleteGame(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "游戏实例已删除"})
}

// JoinGame 加入游戏
// POST /api/v1/games/:id/join
func (h *GameHandler) JoinGame(c *gin.Context) {
	var player models.Player
	if err := c.ShouldBindJSON(&player); err != nil {
		respondBadRequest(c, "请求格式错误", err)
		return
	}

	// 身份以令牌为准
	if playerID, ok := middleware.GetPlayerID(c); ok {
		player.ID = playerID
	}
	if player.Name == "" {
		if name, ok := middleware.GetPlayerName(c); ok {
			player.Name = name
		}
	}

	g, err := h.engine.JoinGame(c.Request.Context(), c.Param("id"), player)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game": g})
}

// SetGameStatus 切换游戏实例状态
// PUT /api/v1/games/:id/status
func (h *GameHandler) SetGameStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求格式错误", err)
		return
	}

	g, err := h.engine.SetGameStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game": g})
}

// ProcessAction 提交玩家动作
// POST /api/v1/games/:id/actions
func (h *GameHandler) ProcessAction(c *gin.Context) {
	var action models.GameAction
	if err := c.ShouldBindJSON(&action); err != nil {
		respondBadRequest(c, "请求格式错误", err)
		return
	}

	// 动作归属以令牌身份为准，防止冒用
	if playerID, ok := middleware.GetPlayerID(c); ok {
		action.PlayerID = playerID
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}

	updated, err := h.engine.ProcessAction(c.Request.Context(), c.Param("id"), &action)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":   updated,
		"version": updated.Metadata.Version,
	})
}

// GetState 读取当前状态
// GET /api/v1/games/:id/state
func (h *GameHandler) GetState(c *gin.Context) {
	s, err := h.engine.LoadState(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    apperrors.ErrStateNotFound,
			"message": "状态不存在",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s})
}

// GetHistory 读取状态历史
// GET /api/v1/games/:id/history?limit=20
func (h *GameHandler) GetHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondBadRequest(c, "limit参数无效", err)
			return
		}
		limit = parsed
	}

	entries, err := h.engine.Manager().GetStateHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"count":   len(entries),
	})
}

// CreateCheckpoint 手动创建检查点
// POST /api/v1/games/:id/checkpoint
func (h *GameHandler) CreateCheckpoint(c *gin.Context) {
	var req struct {
		Tags []string `json:"tags,omitempty"`
	}
	// 空请求体允许
	_ = c.ShouldBindJSON(&req)

	entry, err := h.engine.Manager().CreateCheckpoint(c.Request.Context(), c.Param("id"), req.Tags)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"checkpoint": entry})
}

// RestoreState 恢复到历史版本
// POST /api/v1/games/:id/restore
func (h *GameHandler) RestoreState(c *gin.Context) {
	var req struct {
		Version int `json:"version" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求格式错误", err)
		return
	}

	restored, err := h.engine.RestoreState(c.Request.Context(), c.Param("id"), req.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":   restored,
		"version": restored.Metadata.Version,
	})
}

// DiffStates 计算历史版本与当前状态的差异
// POST /api/v1/games/:id/diff
func (h *GameHandler) DiffStates(c *gin.Context) {
	var req struct {
		FromVersion int `json:"from_version" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求格式错误", err)
		return
	}

	ctx := c.Request.Context()
	gameID := c.Param("id")
	manager := h.engine.Manager()

	entries, err := manager.GetStateHistory(ctx, gameID, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	var from *models.GameState
	for _, entry := range entries {
		if entry.Version == req.FromVersion {
			from = entry.State
			break
		}
	}
	if from == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    apperrors.ErrHistoryNotFound,
			"message": "历史版本不存在",
		})
		return
	}

	current, err := manager.GetState(ctx, gameID)
	if err != nil {
		respondError(c, err)
		return
	}

	diff, err := manager.DiffStates(from, current)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

// GetStats 运行统计
// GET /api/v1/stats
func (h *GameHandler) GetStats(c *gin.Context) {
	lockStats := h.engine.Manager().LockStats()
	c.JSON(http.StatusOK, gin.H{
		"active_locks":    lockStats.ActiveLocks,
		"queued_ops":      lockStats.QueuedOps,
		"queued_games":    lockStats.QueuedGames,
		"subscriptions":   h.engine.SubscriptionCount(),
		"rate_limit_keys": h.engine.Manager().RateLimiterSize(),
	})
}

// respondError 把应用错误映射为HTTP响应
func respondError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		body := gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		}
		if appErr.Details != "" {
			body["details"] = appErr.Details
		}
		if len(appErr.Meta) > 0 {
			body["meta"] = appErr.Meta
		}
		c.JSON(appErr.HTTPStatus(), body)
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    apperrors.ErrUnknown,
		"message": "内部错误",
	})
}

func respondBadRequest(c *gin.Context, message string, err error) {
	body := gin.H{
		"code":    apperrors.ErrInvalidParam,
		"message": message,
	}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

func isNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrStateNotFound) ||
		apperrors.Is(err, apperrors.ErrGameNotFound) ||
		apperrors.Is(err, apperrors.ErrHistoryNotFound)
}
