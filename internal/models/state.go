package models

import (
	"time"
)

// GameState 游戏权威状态快照（每个游戏实例唯一）
type GameState struct {
	GameID   string        `json:"game_id"`
	Phase    string        `json:"phase"` // setup, active, combat, ended 等
	Turn     int           `json:"turn"`
	Data     JSONMap       `json:"data"` // 游戏类型专属数据（对本核心不透明）
	Metadata StateMetadata `json:"metadata"`
}

// StateMetadata 状态元数据（乐观并发与操作历史）
type StateMetadata struct {
	Version       int          `json:"version"` // 每次成功变更严格加1
	LastAction    *GameAction  `json:"last_action,omitempty"`
	ActionHistory []GameAction `json:"action_history"`
	Tags          []string     `json:"tags,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
	UpdatedBy     string       `json:"updated_by,omitempty"` // 触发变更的玩家ID
}

// GameAction 单次玩家提交的状态变更意图
type GameAction struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	PlayerID  string    `json:"player_id"`
	GameID    string    `json:"game_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      JSONMap   `json:"data,omitempty"`
}

// StateHistoryEntry 状态历史条目（不可变快照）
type StateHistoryEntry struct {
	GameID     string     `json:"game_id"`
	Version    int        `json:"version"`
	State      *GameState `json:"state"`
	Checkpoint bool       `json:"checkpoint"` // 检查点条目不受常规清理影响
	Tags       []string   `json:"tags,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ChangeOp 差异操作类型
type ChangeOp string

const (
	ChangeOpAdd     ChangeOp = "add"
	ChangeOpRemove  ChangeOp = "remove"
	ChangeOpReplace ChangeOp = "replace"
	// ChangeOpMove 已声明但语义未定，ApplyDiff 遇到时返回错误
	ChangeOpMove ChangeOp = "move"
)

// StateChange 单个路径级变更
type StateChange struct {
	Op       ChangeOp    `json:"op"`
	Path     string      `json:"path"` // 形如 data/players/p1/hp
	OldValue interface{} `json:"old_value,omitempty"`
	NewValue interface{} `json:"new_value,omitempty"`
}

// StateDiff 两个版本之间的差异集合
type StateDiff struct {
	GameID      string        `json:"game_id"`
	FromVersion int           `json:"from_version"`
	ToVersion   int           `json:"to_version"`
	Changes     []StateChange `json:"changes"`
	Paths       []string      `json:"paths"` // 受影响的顶层路径集合
	CreatedAt   time.Time     `json:"created_at"`
}

// ValidationError 单条校验错误
type ValidationError struct {
	Rule    string `json:"rule,omitempty"` // 产生错误的规则名
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ValidationWarning 非致命校验警告
type ValidationWarning struct {
	Rule    string `json:"rule,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult 校验结果（规则输出合并后）
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// Merge 合并另一个校验结果（任一无效即无效，错误与警告取并集）
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	if !other.Valid {
		r.Valid = false
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}
