package models

import (
	"time"
)

// 游戏实例状态
const (
	GameStatusSetup  = "setup"  // 等待玩家加入
	GameStatusActive = "active" // 进行中
	GameStatusPaused = "paused" // 暂停
	GameStatusEnded  = "ended"  // 已结束
)

// 玩家状态
const (
	PlayerStatusActive       = "active"
	PlayerStatusDisconnected = "disconnected"
	PlayerStatusRemoved      = "removed"
)

// Game 游戏实例（一局正在运行的会话）
type Game struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"` // rpg, deduction, settlement
	Status     string    `json:"status"`
	MaxPlayers int       `json:"max_players"`
	Players    []Player  `json:"players"`
	Config     JSONMap   `json:"config,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Player 游戏内玩家成员
type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     string    `json:"role,omitempty"`
	Status   string    `json:"status"`
	JoinedAt time.Time `json:"joined_at"`
}

// FindPlayer 按ID查找玩家，不存在返回nil
func (g *Game) FindPlayer(playerID string) *Player {
	for i := range g.Players {
		if g.Players[i].ID == playerID {
			return &g.Players[i]
		}
	}
	return nil
}

// GameEvent 游戏事件（推送给订阅者）
type GameEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // action_processed, state_restored 等
	GameID    string      `json:"game_id"`
	PlayerID  string      `json:"player_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// 事件类型
const (
	EventActionProcessed = "action_processed"
	EventStateRestored   = "state_restored"
	EventGameCreated     = "game_created"
	EventGameDeleted     = "game_deleted"
)
