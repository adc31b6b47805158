package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wfunc/game-core/internal/game"
	"github.com/wfunc/game-core/internal/models"
	"go.uber.org/zap"
)

// EventBridge 把引擎事件转发给关注对应游戏实例的WebSocket客户端
type EventBridge struct {
	hub    *Hub
	engine *game.Engine
	logger *zap.Logger
	subID  string
}

// NewEventBridge 创建事件桥
func NewEventBridge(hub *Hub, engine *game.Engine, logger *zap.Logger) *EventBridge {
	return &EventBridge{
		hub:    hub,
		engine: engine,
		logger: logger,
	}
}

// Start 订阅全部游戏事件并保持续订，直到ctx取消
func (b *EventBridge) Start(ctx context.Context, renewInterval time.Duration) {
	if renewInterval <= 0 {
		renewInterval = 5 * time.Minute
	}
	b.subID = b.engine.Subscribe("*", "*", b.forward)

	go func() {
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				b.engine.Unsubscribe(b.subID)
				b.logger.Info("停止事件桥")
				return
			case <-ticker.C:
				if err := b.engine.RenewSubscription(b.subID); err != nil {
					// 续订失败说明订阅已被清理，重新订阅
					b.logger.Warn("事件桥订阅续订失败，重新订阅", zap.Error(err))
					b.subID = b.engine.Subscribe("*", "*", b.forward)
				}
			}
		}
	}()
}

// forward 把引擎事件打包成WebSocket消息推送
func (b *EventBridge) forward(event *models.GameEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("序列化游戏事件失败", zap.Error(err))
		return
	}

	msg := &Message{
		Type:      MessageTypeGameEvent,
		GameID:    event.GameID,
		PlayerID:  event.PlayerID,
		Data:      payload,
		Timestamp: event.Timestamp.Unix(),
	}

	if err := b.hub.SendToGame(event.GameID, msg); err != nil && err != ErrGameNotWatched {
		b.logger.Warn("推送游戏事件失败",
			zap.String("game_id", event.GameID),
			zap.Error(err))
	}
}
