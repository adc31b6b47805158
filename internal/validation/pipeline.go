package validation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/game-core/internal/config"
	"github.com/wfunc/game-core/internal/models"
	"go.uber.org/zap"
)

// WildcardActionType 通配桶，注册到此桶的规则对所有动作类型生效
const WildcardActionType = "*"

// Priority 规则优先级，数值越大越先执行
type Priority int

const (
	PriorityLow      Priority = 10
	PriorityMedium   Priority = 20
	PriorityHigh     Priority = 30
	PriorityCritical Priority = 40
)

// Context 单次校验的输入集合
type Context struct {
	Action       *models.GameAction
	CurrentState *models.GameState
	Game         *models.Game
	Player       *models.Player
}

// Rule 校验规则接口
type Rule interface {
	// Name 规则名，同一动作类型下按名去重
	Name() string
	// Priority 执行优先级
	Priority() Priority
	// Validate 校验动作，返回nil视为通过
	Validate(ctx context.Context, vctx *Context) *models.ValidationResult
}

// RuleFunc 函数式规则适配器
type RuleFunc struct {
	name     string
	priority Priority
	fn       func(ctx context.Context, vctx *Context) *models.ValidationResult
}

// NewRule 用函数创建规则
func NewRule(name string, priority Priority, fn func(ctx context.Context, vctx *Context) *models.ValidationResult) *RuleFunc {
	return &RuleFunc{name: name, priority: priority, fn: fn}
}

func (r *RuleFunc) Name() string       { return r.name }
func (r *RuleFunc) Priority() Priority { return r.priority }
func (r *RuleFunc) Validate(ctx context.Context, vctx *Context) *models.ValidationResult {
	return r.fn(ctx, vctx)
}

// RateLimitChecker 频率限制钩子，返回非nil表示超限
// 钩子缺失或报错不阻断动作（降级为警告）
type RateLimitChecker func(gameID, playerID string) error

type ruleEntry struct {
	rule Rule
	seq  int // 注册顺序，同优先级时先注册先执行
}

// Pipeline 校验管线：按动作类型分桶的规则注册表
type Pipeline struct {
	mu          sync.RWMutex
	rules       map[string][]ruleEntry // actionType -> 规则列表
	seq         int
	rateLimiter RateLimitChecker

	cfg    config.GameConfig
	logger *zap.Logger
}

// NewPipeline 创建校验管线并注册内置通配规则
func NewPipeline(cfg config.GameConfig, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		rules:  make(map[string][]ruleEntry),
		cfg:    cfg,
		logger: log,
	}

	// 内置规则：结构字段、时间窗口、频率限制钩子
	p.RegisterRule([]string{WildcardActionType}, newStructuralFieldsRule())
	p.RegisterRule([]string{WildcardActionType}, newTimingRule(cfg.ClockSkewTolerance, cfg.ReplayHorizon))
	p.RegisterRule([]string{WildcardActionType}, newRateLimitRule(p))

	return p
}

// SetRateLimiter 设置频率限制钩子（可为nil）
func (p *Pipeline) SetRateLimiter(checker RateLimitChecker) {
	p.mu.Lock()
	p.rateLimiter = checker
	p.mu.Unlock()
}

// RegisterRule 注册规则到一个或多个动作类型
// 同名规则在同一动作类型下重复注册时替换原规则
func (p *Pipeline) RegisterRule(actionTypes []string, rule Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, actionType := range actionTypes {
		bucket := p.rules[actionType]
		replaced := false
		for i := range bucket {
			if bucket[i].rule.Name() == rule.Name() {
				bucket[i].rule = rule
				replaced = true
				break
			}
		}
		if !replaced {
			p.seq++
			bucket = append(bucket, ruleEntry{rule: rule, seq: p.seq})
		}
		p.rules[actionType] = bucket
	}
}

// RemoveRule 移除规则，规则不存在时静默成功
func (p *Pipeline) RemoveRule(actionType, ruleName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.rules[actionType]
	for i := range bucket {
		if bucket[i].rule.Name() == ruleName {
			p.rules[actionType] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// GetRules 返回通配规则与类型专属规则的合并列表，按优先级降序、注册顺序升序
func (p *Pipeline) GetRules(actionType string) []Rule {
	p.mu.RLock()
	entries := make([]ruleEntry, 0, len(p.rules[WildcardActionType])+len(p.rules[actionType]))
	entries = append(entries, p.rules[WildcardActionType]...)
	if actionType != WildcardActionType {
		entries = append(entries, p.rules[actionType]...)
	}
	p.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].rule.Priority() != entries[j].rule.Priority() {
			return entries[i].rule.Priority() > entries[j].rule.Priority()
		}
		return entries[i].seq < entries[j].seq
	})

	rules := make([]Rule, len(entries))
	for i, e := range entries {
		rules[i] = e.rule
	}
	return rules
}

// ValidateAction 运行全部适用规则并合并结果
// 单条规则panic不中断其余规则的执行，转换为引用该规则名的失败结果
func (p *Pipeline) ValidateAction(ctx context.Context, vctx *Context) *models.ValidationResult {
	start := time.Now()
	result := &models.ValidationResult{Valid: true}

	if vctx == nil || vctx.Action == nil {
		result.Valid = false
		result.Errors = append(result.Errors, models.ValidationError{
			Code:    "missing_action",
			Message: "校验上下文缺少动作",
		})
		result.Duration = time.Since(start)
		return result
	}

	for _, rule := range p.GetRules(vctx.Action.Type) {
		result.Merge(p.runRule(ctx, rule, vctx))
	}

	result.Duration = time.Since(start)
	return result
}

// runRule 运行单条规则并隔离panic
func (p *Pipeline) runRule(ctx context.Context, rule Rule, vctx *Context) (result *models.ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("校验规则panic",
				zap.String("rule", rule.Name()),
				zap.Any("panic", r),
			)
			result = &models.ValidationResult{
				Valid: false,
				Errors: []models.ValidationError{{
					Rule:    rule.Name(),
					Code:    "rule_panic",
					Message: "规则执行异常",
				}},
			}
		}
	}()

	return rule.Validate(ctx, vctx)
}
