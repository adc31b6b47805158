package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/wfunc/game-core/internal/models"
)

// newStructuralFieldsRule 结构字段规则：动作的标识字段必须齐全
func newStructuralFieldsRule() Rule {
	return NewRule("structural-fields", PriorityCritical, func(ctx context.Context, vctx *Context) *models.ValidationResult {
		result := &models.ValidationResult{Valid: true}
		action := vctx.Action

		check := func(field, value string) {
			if value == "" {
				result.Valid = false
				result.Errors = append(result.Errors, models.ValidationError{
					Rule:    "structural-fields",
					Code:    "missing_field",
					Message: fmt.Sprintf("动作缺少必填字段: %s", field),
					Field:   field,
				})
			}
		}

		check("id", action.ID)
		check("type", action.Type)
		check("player_id", action.PlayerID)
		check("game_id", action.GameID)

		if action.Timestamp.IsZero() {
			result.Valid = false
			result.Errors = append(result.Errors, models.ValidationError{
				Rule:    "structural-fields",
				Code:    "missing_field",
				Message: "动作缺少必填字段: timestamp",
				Field:   "timestamp",
			})
		}

		return result
	})
}

// newTimingRule 时间窗口规则：拒绝超出时钟偏移容忍的未来时间戳和超过重放窗口的过旧时间戳
func newTimingRule(skewTolerance, replayHorizon time.Duration) Rule {
	return NewRule("timing-window", PriorityHigh, func(ctx context.Context, vctx *Context) *models.ValidationResult {
		result := &models.ValidationResult{Valid: true}
		ts := vctx.Action.Timestamp
		if ts.IsZero() {
			// 字段缺失由structural-fields规则报告
			return result
		}

		now := time.Now()
		if ts.After(now.Add(skewTolerance)) {
			result.Valid = false
			result.Errors = append(result.Errors, models.ValidationError{
				Rule:    "timing-window",
				Code:    "timestamp_in_future",
				Message: fmt.Sprintf("动作时间戳超前服务器时间 %v", ts.Sub(now).Round(time.Millisecond)),
				Field:   "timestamp",
			})
		}
		if ts.Before(now.Add(-replayHorizon)) {
			result.Valid = false
			result.Errors = append(result.Errors, models.ValidationError{
				Rule:    "timing-window",
				Code:    "timestamp_too_old",
				Message: fmt.Sprintf("动作时间戳过旧 (too old): %v", now.Sub(ts).Round(time.Millisecond)),
				Field:   "timestamp",
			})
		}

		return result
	})
}

// newRateLimitRule 频率限制钩子规则
// 钩子未设置时直接放行；钩子报错降级为警告，不阻断动作
func newRateLimitRule(p *Pipeline) Rule {
	return NewRule("rate-limit", PriorityMedium, func(ctx context.Context, vctx *Context) *models.ValidationResult {
		result := &models.ValidationResult{Valid: true}

		p.mu.RLock()
		checker := p.rateLimiter
		p.mu.RUnlock()

		if checker == nil {
			return result
		}

		if err := checker(vctx.Action.GameID, vctx.Action.PlayerID); err != nil {
			result.Warnings = append(result.Warnings, models.ValidationWarning{
				Rule:    "rate-limit",
				Code:    "rate_limit",
				Message: err.Error(),
			})
		}

		return result
	})
}

// ValidateStateTransition 校验状态转换的核心结构不变量
// 与业务规则无关，任何违例都是致命的结构错误
func (p *Pipeline) ValidateStateTransition(from, to *models.GameState, action *models.GameAction) *models.ValidationResult {
	start := time.Now()
	result := &models.ValidationResult{Valid: true}

	fail := func(code, message string) {
		result.Valid = false
		result.Errors = append(result.Errors, models.ValidationError{
			Code:    code,
			Message: message,
		})
	}

	if from == nil || to == nil {
		fail("structural_missing_state", "状态转换缺少前后状态")
		result.Duration = time.Since(start)
		return result
	}

	if to.Metadata.Version != from.Metadata.Version+1 {
		fail("structural_version", fmt.Sprintf("版本必须严格加1: %d -> %d",
			from.Metadata.Version, to.Metadata.Version))
	}
	if to.GameID != from.GameID {
		fail("structural_game_id", "gameId不可变更")
	}
	if to.Turn < from.Turn {
		fail("structural_turn", fmt.Sprintf("回合数不可回退: %d -> %d", from.Turn, to.Turn))
	}
	if len(to.Metadata.ActionHistory) != len(from.Metadata.ActionHistory)+1 {
		fail("structural_history", fmt.Sprintf("历史条目必须恰好增加1: %d -> %d",
			len(from.Metadata.ActionHistory), len(to.Metadata.ActionHistory)))
	}
	if action != nil {
		if to.Metadata.LastAction == nil || to.Metadata.LastAction.ID != action.ID {
			fail("structural_last_action", "lastAction必须是触发本次转换的动作")
		}
	}

	result.Duration = time.Since(start)
	return result
}

// ValidatePlayerPermissions 校验玩家操作权限
func (p *Pipeline) ValidatePlayerPermissions(player *models.Player, action *models.GameAction, game *models.Game) *models.ValidationResult {
	start := time.Now()
	result := &models.ValidationResult{Valid: true}

	fail := func(code, message string) {
		result.Valid = false
		result.Errors = append(result.Errors, models.ValidationError{
			Code:    code,
			Message: message,
		})
	}

	if player == nil {
		fail("player_not_in_game", "玩家不在游戏中")
		result.Duration = time.Since(start)
		return result
	}
	if action != nil && action.PlayerID != player.ID {
		fail("player_mismatch", fmt.Sprintf("动作的playerId(%s)与操作玩家(%s)不符", action.PlayerID, player.ID))
	}
	if game != nil {
		if game.FindPlayer(player.ID) == nil {
			fail("player_not_in_game", fmt.Sprintf("玩家 %s 不是游戏成员", player.ID))
		}
		if game.Status != models.GameStatusActive {
			fail("game_not_active", fmt.Sprintf("游戏未处于进行状态: %s", game.Status))
		}
	}
	if player.Status != models.PlayerStatusActive {
		fail("player_inactive", fmt.Sprintf("玩家当前不可操作: %s", player.Status))
	}

	result.Duration = time.Since(start)
	return result
}
