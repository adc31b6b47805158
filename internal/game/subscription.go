package game

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/logger"
	"github.com/wfunc/game-core/internal/models"
	"go.uber.org/zap"
)

// EventHandler 事件回调
type EventHandler func(event *models.GameEvent)

// subscription 单个订阅，到期未续订自动失效
type subscription struct {
	id        string
	gameID    string // "*"匹配全部游戏实例
	eventType string // "*"匹配全部事件类型
	handler   EventHandler
	expiresAt time.Time
}

// subscriptionHub 事件订阅表
type subscriptionHub struct {
	mu   sync.RWMutex
	subs map[string]*subscription
	ttl  time.Duration
	log  *zap.Logger
}

func newSubscriptionHub(ttl time.Duration) *subscriptionHub {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &subscriptionHub{
		subs: make(map[string]*subscription),
		ttl:  ttl,
		log:  logger.GetModuleLogger("game"),
	}
}

// Subscribe 订阅游戏事件，返回订阅ID
// 订阅在TTL后过期，需要通过RenewSubscription续订
func (e *Engine) Subscribe(gameID, eventType string, handler EventHandler) string {
	return e.subs.add(gameID, eventType, handler)
}

// Unsubscribe 取消订阅，订阅不存在时静默成功
func (e *Engine) Unsubscribe(subID string) {
	e.subs.remove(subID)
}

// RenewSubscription 续订，重置TTL
func (e *Engine) RenewSubscription(subID string) error {
	return e.subs.renew(subID)
}

// SubscriptionCount 当前有效订阅数（观测用）
func (e *Engine) SubscriptionCount() int {
	return e.subs.count()
}

// SweepExpiredSubscriptions 清理过期订阅，返回清理数量
func (e *Engine) SweepExpiredSubscriptions() int {
	return e.subs.sweep()
}

// StartMaintenanceTask 启动周期维护任务：过期订阅清理与限流键回收
func (e *Engine) StartMaintenanceTask(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.log.Info("停止引擎维护任务")
				return
			case <-ticker.C:
				if swept := e.subs.sweep(); swept > 0 {
					e.log.Debug("清理过期订阅", zap.Int("count", swept))
				}
				if pruned := e.manager.PruneRateLimiter(); pruned > 0 {
					e.log.Debug("回收限流键", zap.Int("count", pruned))
				}
			}
		}
	}()
}

func (h *subscriptionHub) add(gameID, eventType string, handler EventHandler) string {
	sub := &subscription{
		id:        uuid.New().String(),
		gameID:    gameID,
		eventType: eventType,
		handler:   handler,
		expiresAt: time.Now().Add(h.ttl),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	return sub.id
}

func (h *subscriptionHub) remove(subID string) {
	h.mu.Lock()
	delete(h.subs, subID)
	h.mu.Unlock()
}

func (h *subscriptionHub) renew(subID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, exists := h.subs[subID]
	if !exists {
		return apperrors.Newf(apperrors.ErrNotFound, "订阅不存在: %s", subID)
	}
	if time.Now().After(sub.expiresAt) {
		delete(h.subs, subID)
		return apperrors.Newf(apperrors.ErrNotFound, "订阅已过期: %s", subID)
	}
	sub.expiresAt = time.Now().Add(h.ttl)
	return nil
}

func (h *subscriptionHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *subscriptionHub) sweep() int {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for id, sub := range h.subs {
		if now.After(sub.expiresAt) {
			delete(h.subs, id)
			removed++
		}
	}
	return removed
}

// dispatch 把事件分发给匹配gameID与事件类型的有效订阅
func (h *subscriptionHub) dispatch(event *models.GameEvent) {
	now := time.Now()

	h.mu.RLock()
	handlers := make([]EventHandler, 0)
	for _, sub := range h.subs {
		if sub.gameID != "*" && sub.gameID != event.GameID {
			continue
		}
		if sub.eventType != "*" && sub.eventType != event.Type {
			continue
		}
		if now.After(sub.expiresAt) {
			continue
		}
		handlers = append(handlers, sub.handler)
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		// 订阅回调panic不影响其他订阅者和调用方
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.log.Error("事件回调panic", zap.Any("panic", r), zap.String("event", event.Type))
				}
			}()
			handler(event)
		}()
	}
}

// emit 广播事件
func (e *Engine) emit(event *models.GameEvent) {
	e.subs.dispatch(event)
	logger.LogGameEvent(event.Type, event.GameID, map[string]interface{}{
		"event_id":  event.ID,
		"player_id": event.PlayerID,
	})
}
