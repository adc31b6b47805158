package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wfunc/game-core/internal/models"
)

// ValidateState 对状态做只读检查：结构、业务约束、数据可序列化性与大小阈值
func (m *Manager) ValidateState(state *models.GameState) *models.ValidationResult {
	start := time.Now()
	result := &models.ValidationResult{Valid: true}

	fail := func(code, message, field string) {
		result.Valid = false
		result.Errors = append(result.Errors, models.ValidationError{
			Code:    code,
			Message: message,
			Field:   field,
		})
	}
	warn := func(code, message string) {
		result.Warnings = append(result.Warnings, models.ValidationWarning{
			Code:    code,
			Message: message,
		})
	}

	if state == nil {
		fail("missing_state", "状态为空", "")
		result.Duration = time.Since(start)
		return result
	}

	// 结构检查
	if state.GameID == "" {
		fail("missing_game_id", "gameId不能为空", "game_id")
	}
	if state.Phase == "" {
		fail("missing_phase", "phase不能为空", "phase")
	}
	if state.Turn < 0 {
		fail("negative_turn", fmt.Sprintf("回合数不能为负: %d", state.Turn), "turn")
	}
	if state.Metadata.Version < 0 {
		fail("negative_version", fmt.Sprintf("版本号不能为负: %d", state.Metadata.Version), "metadata.version")
	}

	// 历史长度软阈值
	if m.cfg.HistoryWarnThreshold > 0 && len(state.Metadata.ActionHistory) > m.cfg.HistoryWarnThreshold {
		warn("history_near_limit", fmt.Sprintf("动作历史达到 %d 条，接近清理阈值", len(state.Metadata.ActionHistory)))
	}

	// 数据载荷必须可序列化（循环引用在此暴露）且在大小限制内
	if state.Data != nil {
		raw, err := json.Marshal(state.Data)
		if err != nil {
			fail("payload_not_serializable", fmt.Sprintf("数据载荷不可序列化: %v", err), "data")
		} else {
			if m.cfg.MaxPayloadBytes > 0 && len(raw) > m.cfg.MaxPayloadBytes {
				fail("payload_too_large", fmt.Sprintf("数据载荷 %d 字节，超过硬上限 %d", len(raw), m.cfg.MaxPayloadBytes), "data")
			} else if m.cfg.WarnPayloadBytes > 0 && len(raw) > m.cfg.WarnPayloadBytes {
				warn("payload_large", fmt.Sprintf("数据载荷 %d 字节，超过警告阈值 %d", len(raw), m.cfg.WarnPayloadBytes))
			}
		}
	}

	result.Duration = time.Since(start)
	return result
}

// CloneState 深拷贝状态，JSON往返保证与持久化形态一致
func (m *Manager) CloneState(state *models.GameState) (*models.GameState, error) {
	return cloneState(state)
}

func cloneState(state *models.GameState) (*models.GameState, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("状态深拷贝序列化失败: %w", err)
	}
	var clone models.GameState
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("状态深拷贝反序列化失败: %w", err)
	}
	return &clone, nil
}
