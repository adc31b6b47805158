package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/game-core/internal/game"
	"github.com/wfunc/game-core/internal/middleware"
	"github.com/wfunc/game-core/internal/storage"
	"github.com/wfunc/game-core/internal/utils"
	ws "github.com/wfunc/game-core/internal/websocket"
	"go.uber.org/zap"
)

// Router API路由器
type Router struct {
	engine         *gin.Engine
	gameEngine     *game.Engine
	store          storage.Store
	gameHandler    *GameHandler
	authHandler    *AuthHandler
	wsHandler      *WebSocketHandler
	authMiddleware *middleware.AuthMiddleware
	log            *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(gameEngine *game.Engine, store storage.Store, hub *ws.Hub, jwtManager *utils.JWTManager, log *zap.Logger) *Router {
	// 创建Gin引擎
	engine := gin.New()

	// 全局中间件
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	// 创建处理器
	gameHandler := NewGameHandler(gameEngine, log)
	authHandler := NewAuthHandler(jwtManager, log)
	wsHandler := NewWebSocketHandler(hub, log)

	// 创建中间件
	authMiddleware := middleware.NewAuthMiddleware(jwtManager)

	router := &Router{
		engine:         engine,
		gameEngine:     gameEngine,
		store:          store,
		gameHandler:    gameHandler,
		authHandler:    authHandler,
		wsHandler:      wsHandler,
		authMiddleware: authMiddleware,
		log:            log,
	}

	// 设置路由
	router.setupRoutes()

	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// API v1路由组
	v1 := r.engine.Group("/api/v1")
	{
		// 认证相关路由（不需要认证）
		auth := v1.Group("/auth")
		{
			auth.POST("/token", r.authHandler.IssueToken)
			auth.POST("/refresh", r.authHandler.RefreshToken)
		}

		// 游戏相关路由（需要认证）
		games := v1.Group("/games")
		games.Use(r.authMiddleware.RequireAuth())
		{
			games.POST("", r.gameHandler.CreateGame)
			games.GET("/:id", r.gameHandler.GetGame)
			games.DELETE("/:id", r.gameHandler.DeleteGame)
			games.POST("/:id/join", r.gameHandler.JoinGame)
			games.PUT("/:id/status", r.gameHandler.SetGameStatus)
			games.POST("/:id/actions", r.gameHandler.ProcessAction)
			games.GET("/:id/state", r.gameHandler.GetState)
			games.GET("/:id/history", r.gameHandler.GetHistory)
			games.POST("/:id/checkpoint", r.gameHandler.CreateCheckpoint)
			games.POST("/:id/restore", r.gameHandler.RestoreState)
			games.POST("/:id/diff", r.gameHandler.DiffStates)
		}

		// 运行统计（需要认证）
		v1.GET("/stats", r.authMiddleware.RequireAuth(), r.gameHandler.GetStats)
	}

	// WebSocket路由（可选认证，未认证时作为观战连接）
	ws := r.engine.Group("/ws")
	ws.Use(r.authMiddleware.OptionalAuth())
	{
		ws.GET("/game", r.wsHandler.GameWebSocket)
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	// 检查存储连通性
	probe := storage.GameKey("health-probe")
	if _, err := r.store.Get(c.Request.Context(), probe); err != nil && !isNotFound(err) {
		c.JSON(500, gin.H{
			"status":  "unhealthy",
			"message": "存储不可用",
		})
		return
	}

	c.JSON(200, gin.H{
		"status":  "healthy",
		"message": "服务运行正常",
	})
}

// Run 运行服务器
func (r *Router) Run(addr string) error {
	r.log.Info("Starting API server", zap.String("address", addr))
	return r.engine.Run(addr)
}

// Shutdown 优雅关闭前的收尾
func (r *Router) Shutdown(ctx context.Context) {
	r.log.Info("API server shutting down")
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
