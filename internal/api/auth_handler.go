package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wfunc/game-core/internal/utils"
	"go.uber.org/zap"
)

// AuthHandler 认证处理器：为玩家签发访问令牌
// 玩家身份由上游系统负责，这里只做令牌的签发与刷新
type AuthHandler struct {
	jwtManager *utils.JWTManager
	log        *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(jwtManager *utils.JWTManager, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		jwtManager: jwtManager,
		log:        log,
	}
}

// IssueToken 签发令牌
// POST /api/v1/auth/token
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req struct {
		PlayerID string `json:"player_id"`
		Name     string `json:"name" binding:"required"`
		Role     string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求格式错误", err)
		return
	}

	if req.PlayerID == "" {
		req.PlayerID = uuid.New().String()
	}
	if req.Role == "" {
		req.Role = "player"
	}

	accessToken, err := h.jwtManager.GenerateAccessToken(req.PlayerID, req.Name, req.Role)
	if err != nil {
		h.log.Error("签发访问令牌失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_ISSUE_FAILED",
			"message": "令牌签发失败",
		})
		return
	}

	refreshToken, err := h.jwtManager.GenerateRefreshToken(req.PlayerID)
	if err != nil {
		h.log.Error("签发刷新令牌失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_ISSUE_FAILED",
			"message": "令牌签发失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"player_id":     req.PlayerID,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

// RefreshToken 刷新访问令牌
// POST /api/v1/auth/refresh
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
		Name         string `json:"name"`
		Role         string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "请求格式错误", err)
		return
	}

	if req.Role == "" {
		req.Role = "player"
	}

	accessToken, err := h.jwtManager.RefreshAccessToken(req.RefreshToken, req.Name, req.Role)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "INVALID_TOKEN",
			"message": "刷新令牌无效",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
	})
}
