package lock

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/logger"
	"go.uber.org/zap"
)

// Handle 锁句柄，携带epoch令牌用于检测被回收的锁
type Handle struct {
	gameID string
	epoch  uint64
	coord  *Coordinator
}

// GameID 锁定的游戏实例ID
func (h *Handle) GameID() string {
	return h.gameID
}

// Valid 检查锁是否仍归本句柄持有
// 提交写入前必须检查，锁被回收后提交会破坏串行化保证
func (h *Handle) Valid() bool {
	entry := h.coord.peekEntry(h.gameID)
	if entry == nil {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.held && entry.epoch == h.epoch
}

// lockEntry 单个游戏实例的锁状态
type lockEntry struct {
	sem chan struct{} // 容量1的信号量，实际互斥

	mu         sync.Mutex // 保护以下字段
	epoch      uint64     // 每次获取或回收时递增
	held       bool
	acquiredAt time.Time
}

// Config 协调器配置
type Config struct {
	AcquireTimeout time.Duration // 获取锁的最长等待
	MaxHold        time.Duration // 超过此时长的持有者会被回收
	QueueBuffer    int           // 每个实例的排队容量
}

// Coordinator 并发协调器：按gameID串行化变更操作
// 不同gameID的操作完全并行，同一gameID严格按获取顺序串行
type Coordinator struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	entries map[string]*lockEntry
	queues  map[string]*opQueue
	closed  bool
}

// NewCoordinator 创建并发协调器
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = 30 * time.Second
	}
	if cfg.QueueBuffer <= 0 {
		cfg.QueueBuffer = 256
	}
	return &Coordinator{
		cfg:     cfg,
		log:     logger.GetModuleLogger("lock"),
		entries: make(map[string]*lockEntry),
		queues:  make(map[string]*opQueue),
	}
}

// getEntry 获取或创建游戏实例的锁条目
func (c *Coordinator) getEntry(gameID string) *lockEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[gameID]
	if !exists {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		c.entries[gameID] = entry
	}
	return entry
}

// peekEntry 只读查找锁条目
func (c *Coordinator) peekEntry(gameID string) *lockEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[gameID]
}

// AcquireLock 获取游戏实例锁，有界等待超时返回可重试的ErrLockTimeout
func (c *Coordinator) AcquireLock(ctx context.Context, gameID string) (*Handle, error) {
	entry := c.getEntry(gameID)

	timer := time.NewTimer(c.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
	case <-timer.C:
		return nil, apperrors.Newf(apperrors.ErrLockTimeout, "gameId=%s", gameID)
	case <-ctx.Done():
		return nil, apperrors.Wrapf(ctx.Err(), apperrors.ErrCanceled, "等待锁时取消: gameId=%s", gameID)
	}

	entry.mu.Lock()
	entry.epoch++
	entry.held = true
	entry.acquiredAt = time.Now()
	epoch := entry.epoch
	entry.mu.Unlock()

	return &Handle{gameID: gameID, epoch: epoch, coord: c}, nil
}

// ReleaseLock 释放锁，被回收的句柄返回ErrStaleLock
func (c *Coordinator) ReleaseLock(handle *Handle) error {
	if handle == nil {
		return apperrors.New(apperrors.ErrLockNotHeld)
	}

	entry := c.peekEntry(handle.gameID)
	if entry == nil {
		return apperrors.Newf(apperrors.ErrLockNotHeld, "gameId=%s", handle.gameID)
	}

	entry.mu.Lock()
	if !entry.held || entry.epoch != handle.epoch {
		entry.mu.Unlock()
		return apperrors.Newf(apperrors.ErrStaleLock, "gameId=%s epoch=%d", handle.gameID, handle.epoch)
	}
	entry.held = false
	entry.mu.Unlock()

	<-entry.sem
	return nil
}

// ExecuteAtomic 获取锁、运行fn、在所有退出路径上释放锁
// fn内的提交操作应在写入前检查handle.Valid()
func (c *Coordinator) ExecuteAtomic(ctx context.Context, gameID string, fn func(ctx context.Context, handle *Handle) error) error {
	handle, err := c.AcquireLock(ctx, gameID)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := c.ReleaseLock(handle); releaseErr != nil {
			// 锁被回收：fn的结果已不可信，但fn自身的错误优先返回
			logger.LogLockEvent("release_stale", gameID, zap.Error(releaseErr))
		}
	}()

	return fn(ctx, handle)
}

// Operation 批量执行的单个操作
type Operation struct {
	GameID string
	Fn     func(ctx context.Context, handle *Handle) error
}

// BatchResult 批量执行中单个操作的结果
type BatchResult struct {
	GameID string
	Err    error
}

// ExecuteBatch 批量执行操作，不同gameID并行，每个操作按自己的gameID串行
// 单个操作失败不影响其他操作
func (c *Coordinator) ExecuteBatch(ctx context.Context, ops []Operation) []BatchResult {
	results := make([]BatchResult, len(ops))

	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op Operation) {
			defer wg.Done()
			results[i] = BatchResult{
				GameID: op.GameID,
				Err:    c.ExecuteAtomic(ctx, op.GameID, op.Fn),
			}
		}(i, op)
	}
	wg.Wait()

	return results
}

// Stats 协调器运行指标
type Stats struct {
	ActiveLocks int `json:"active_locks"`
	QueuedOps   int `json:"queued_ops"`
	QueuedGames int `json:"queued_games"`
}

// GetStats 返回当前指标
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{}
	for _, entry := range c.entries {
		entry.mu.Lock()
		if entry.held {
			stats.ActiveLocks++
		}
		entry.mu.Unlock()
	}
	for _, q := range c.queues {
		pending := len(q.ch)
		if q.running() {
			pending++
		}
		if pending > 0 {
			stats.QueuedOps += pending
			stats.QueuedGames++
		}
	}
	return stats
}

// CleanupExpiredLocks 回收超过最长持有时间的锁，返回回收数量
// 被回收的持有者后续的释放和提交都会因epoch不匹配而失败
func (c *Coordinator) CleanupExpiredLocks() int {
	c.mu.Lock()
	entries := make(map[string]*lockEntry, len(c.entries))
	for gameID, entry := range c.entries {
		entries[gameID] = entry
	}
	c.mu.Unlock()

	now := time.Now()
	reclaimed := 0

	for gameID, entry := range entries {
		entry.mu.Lock()
		expired := entry.held && now.Sub(entry.acquiredAt) > c.cfg.MaxHold
		if expired {
			entry.epoch++
			entry.held = false
		}
		entry.mu.Unlock()

		if expired {
			// 腾出信号量让其他操作继续
			<-entry.sem
			reclaimed++
			logger.LogLockEvent("reclaimed", gameID)
		}
	}

	return reclaimed
}
