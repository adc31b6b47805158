package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wfunc/game-core/internal/api"
	"github.com/wfunc/game-core/internal/config"
	"github.com/wfunc/game-core/internal/database"
	"github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/game"
	"github.com/wfunc/game-core/internal/lock"
	"github.com/wfunc/game-core/internal/logger"
	"github.com/wfunc/game-core/internal/state"
	"github.com/wfunc/game-core/internal/storage"
	"github.com/wfunc/game-core/internal/utils"
	"github.com/wfunc/game-core/internal/validation"
	ws "github.com/wfunc/game-core/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务组件
	store       storage.Store
	memStore    *storage.MemoryStore
	dbStore     *storage.DatabaseStore
	redisClient *redis.Client
	coordinator *lock.Coordinator
	gameEngine  *game.Engine
	hub         *ws.Hub
	bridge      *ws.EventBridge
	router      *api.Router
	httpServer  *http.Server

	// 关闭控制
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	// 显示版本信息
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 显示帮助信息
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	// 打印启动信息
	printStartInfo(cfg)

	// 创建服务器实例
	server := NewServer(cfg)

	// 启动服务器
	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	// 等待退出信号
	server.WaitForShutdown()

	// 优雅关闭
	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动游戏状态服务器...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	// 初始化各个组件
	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化组件失败")
	}

	// 启动各个服务
	if err := s.startServices(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "启动服务失败")
	}

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)),
		zap.String("storage", s.cfg.Storage.Driver),
	)

	return nil
}

// initComponents 初始化组件
func (s *Server) initComponents() error {
	s.logger.Info("初始化组件...")

	// 初始化存储
	if err := s.initStorage(); err != nil {
		return err
	}

	// 初始化引擎
	gameCfg := s.cfg.Game
	pipeline := validation.NewPipeline(gameCfg, logger.GetModuleLogger("validation"))
	s.coordinator = lock.NewCoordinator(lock.Config{
		AcquireTimeout: gameCfg.LockTimeout,
		MaxHold:        gameCfg.LockMaxHold,
		QueueBuffer:    gameCfg.QueueBuffer,
	})
	manager := state.NewManager(s.store, pipeline, s.coordinator, gameCfg)
	s.gameEngine = game.NewEngine(manager, pipeline, s.store, gameCfg)

	// WebSocket中心与事件桥
	s.hub = ws.NewHub(logger.GetModuleLogger("websocket"))
	s.bridge = ws.NewEventBridge(s.hub, s.gameEngine, logger.GetModuleLogger("websocket"))

	// API路由
	jwtCfg := s.cfg.Security.JWT
	jwtManager := utils.NewJWTManager(
		jwtCfg.Secret,
		time.Duration(jwtCfg.ExpireHours)*time.Hour,
		time.Duration(jwtCfg.RefreshHours)*time.Hour,
	)
	s.router = api.NewRouter(s.gameEngine, s.store, s.hub, jwtManager, logger.GetModuleLogger("api"))

	s.logger.Info("所有组件初始化完成")
	return nil
}

// initStorage 按配置选择存储后端
func (s *Server) initStorage() error {
	s.logger.Info("初始化存储...", zap.String("driver", s.cfg.Storage.Driver))

	var base storage.Store
	switch s.cfg.Storage.Driver {
	case "memory", "":
		s.memStore = storage.NewMemoryStore()
		base = s.memStore

	case "database":
		if err := database.Init(&s.cfg.Database); err != nil {
			return errors.Wrap(err, errors.ErrStorageConnect, "初始化数据库连接失败")
		}
		if s.cfg.Database.AutoMigrate {
			s.logger.Info("执行数据库自动迁移...")
			if err := database.AutoMigrate(); err != nil {
				return errors.Wrap(err, errors.ErrStorageConnect, "数据库迁移失败")
			}
		}
		if !database.IsConnected() {
			return errors.New(errors.ErrStorageConnect, "数据库连接检查失败")
		}
		s.dbStore = storage.NewDatabaseStore(database.GetDB())
		base = s.dbStore

	case "redis":
		client, err := s.newRedisClient()
		if err != nil {
			return err
		}
		base = storage.NewRedisStore(client, s.cfg.Storage.KeyPrefix)

	default:
		return errors.Newf(errors.ErrConfigValidate, "未知的存储驱动: %s", s.cfg.Storage.Driver)
	}

	// 可选的Redis缓存层（redis本身作为主存储时不再叠加）
	if s.cfg.Storage.CacheEnabled && s.cfg.Storage.Driver != "redis" {
		client, err := s.newRedisClient()
		if err != nil {
			return err
		}
		cache := storage.NewRedisStore(client, s.cfg.Storage.KeyPrefix)
		s.store = storage.NewCacheStore(cache, base, s.cfg.Storage.CacheTTL)
		s.logger.Info("启用Redis缓存层", zap.Duration("ttl", s.cfg.Storage.CacheTTL))
	} else {
		s.store = base
	}

	s.logger.Info("存储初始化完成")
	return nil
}

// newRedisClient 创建并验证Redis连接
func (s *Server) newRedisClient() (*redis.Client, error) {
	if s.redisClient != nil {
		return s.redisClient, nil
	}

	rc := s.cfg.Redis
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		PoolSize:     rc.PoolSize,
	})

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrStorageConnect, "Redis连接失败")
	}

	s.redisClient = client
	return client, nil
}

// startServices 启动服务
func (s *Server) startServices() error {
	s.logger.Info("启动服务...")

	// WebSocket中心
	go s.hub.Run()

	// 事件桥：把引擎事件推给WebSocket客户端
	s.bridge.Start(s.ctx, s.cfg.Game.SubscriptionTTL/2)

	// 引擎维护任务：过期订阅清理与限流键回收
	s.gameEngine.StartMaintenanceTask(s.ctx, time.Minute)

	// 锁与存储的周期清理
	s.wg.Add(1)
	go s.runCleanupLoop()

	// HTTP服务器
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router.GetEngine(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP服务器启动", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务器异常退出", zap.Error(err))
		}
	}()

	s.logger.Info("所有服务启动完成")
	return nil
}

// runCleanupLoop 周期回收超时锁与过期存储条目
func (s *Server) runCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if reclaimed := s.coordinator.CleanupExpiredLocks(); reclaimed > 0 {
				s.logger.Warn("回收超时锁", zap.Int("count", reclaimed))
			}
			if s.memStore != nil {
				if removed := s.memStore.CleanupExpired(); removed > 0 {
					s.logger.Debug("清理过期内存条目", zap.Int("count", removed))
				}
			}
			if s.dbStore != nil {
				if removed, err := s.dbStore.CleanupExpired(s.ctx); err != nil {
					s.logger.Warn("清理过期数据库条目失败", zap.Error(err))
				} else if removed > 0 {
					s.logger.Debug("清理过期数据库条目", zap.Int64("count", removed))
				}
			}
		}
	}
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	// 创建信号通道
	sigCh := make(chan os.Signal, 1)

	// 监听系统信号
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)

	// 等待信号
	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))

	// 发送关闭信号
	close(s.shutdownCh)
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	// 创建超时上下文
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接收新请求
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP服务器关闭异常", zap.Error(err))
		}
	}

	// 取消主上下文，触发所有goroutine退出
	s.cancel()

	// 等待所有服务关闭
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	// 等待关闭完成或超时
	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		return errors.New(errors.ErrTimeout, "关闭超时")
	}

	// 关闭各个组件
	if err := s.closeComponents(); err != nil {
		s.logger.Error("关闭组件失败", zap.Error(err))
		return err
	}

	// 同步日志
	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}

	return nil
}

// closeComponents 关闭组件
func (s *Server) closeComponents() error {
	s.logger.Info("关闭组件...")

	// 拒绝后续排队操作
	s.coordinator.Close()

	// 关闭Redis连接
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("关闭Redis失败", zap.Error(err))
		}
	}

	// 关闭数据库连接
	if s.dbStore != nil {
		if err := database.Close(); err != nil {
			s.logger.Error("关闭数据库失败", zap.Error(err))
		}
	}

	s.logger.Info("所有组件已关闭")
	return nil
}

// reloadConfig 重新加载配置
func (s *Server) reloadConfig(newCfg *config.Config) {
	s.cfg = newCfg

	// 存储驱动与端口等需要重启才生效，这里只更新可热加载的部分
	s.logger.Info("配置重新加载完成")
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("游戏状态服务器\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("游戏状态服务器")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  game-core-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  GAME_CORE_ENV          运行环境 (development/production/test)")
	fmt.Println("  GAME_CORE_CONFIG       配置文件路径")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  game-core-server -config=/path/to/config.yaml")
	fmt.Println("  game-core-server -version")
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	fmt.Printf("版本: %s | 模式: %s | PID: %d\n", Version, cfg.Server.Mode, os.Getpid())
	fmt.Printf("配置文件: %s\n", config.GetString("config_file"))
	fmt.Println("═══════════════════════════════════════════════════════════════")
}
