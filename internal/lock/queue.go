package lock

import (
	"context"
	"sync/atomic"

	apperrors "github.com/wfunc/game-core/internal/errors"
	"go.uber.org/zap"
)

// Future 排队操作的结果句柄
type Future struct {
	done chan struct{}
	err  error
}

// Done 操作完成时关闭
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait 阻塞等待操作完成或ctx取消
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled)
	}
}

// Err 操作的最终错误，完成前调用返回nil
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

type queuedOp struct {
	fn     func(ctx context.Context, handle *Handle) error
	future *Future
}

// opQueue 单个游戏实例的FIFO操作队列，由专属worker串行消费
type opQueue struct {
	ch     chan *queuedOp
	active atomic.Bool // worker是否正在执行操作
}

func (q *opQueue) running() bool {
	return q.active.Load()
}

// QueueOperation 非阻塞地将操作加入游戏实例的FIFO队列
// 同一gameID的操作严格按提交顺序执行，队列满时返回ErrQueueFull
func (c *Coordinator) QueueOperation(gameID string, fn func(ctx context.Context, handle *Handle) error) (*Future, error) {
	op := &queuedOp{
		fn:     fn,
		future: &Future{done: make(chan struct{})},
	}

	// 入队必须持锁完成：Close在同一把锁下置closed后才关闭通道，
	// 锁内见到closed为false即可保证通道仍然打开
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, apperrors.New(apperrors.ErrCanceled, "协调器已关闭")
	}
	q, exists := c.queues[gameID]
	if !exists {
		q = &opQueue{ch: make(chan *queuedOp, c.cfg.QueueBuffer)}
		c.queues[gameID] = q
		go c.runQueueWorker(gameID, q)
	}

	select {
	case q.ch <- op:
		return op.future, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrQueueFull, "gameId=%s", gameID)
	}
}

// runQueueWorker 游戏实例的专属消费协程
func (c *Coordinator) runQueueWorker(gameID string, q *opQueue) {
	for op := range q.ch {
		q.active.Store(true)
		op.future.err = c.ExecuteAtomic(context.Background(), gameID, op.fn)
		q.active.Store(false)
		close(op.future.done)
	}
}

// Close 关闭协调器，停止所有队列worker
// 已入队的操作会执行完毕，之后的QueueOperation调用失败
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	queues := c.queues
	c.mu.Unlock()

	for gameID, q := range queues {
		close(q.ch)
		c.log.Debug("操作队列已关闭", zap.String("game_id", gameID))
	}
}
