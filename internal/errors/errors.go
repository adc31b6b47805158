package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown          ErrorCode = 1000
	ErrInvalidParam     ErrorCode = 1001
	ErrNotFound         ErrorCode = 1002
	ErrAlreadyExists    ErrorCode = 1003
	ErrPermissionDenied ErrorCode = 1004
	ErrTimeout          ErrorCode = 1005
	ErrCanceled         ErrorCode = 1006
	ErrNotImplemented   ErrorCode = 1007

	// 游戏状态错误 (2000-2999)
	ErrGameNotFound     ErrorCode = 2000
	ErrStateNotFound    ErrorCode = 2001
	ErrVersionConflict  ErrorCode = 2002
	ErrValidationFailed ErrorCode = 2003
	ErrStateTransition  ErrorCode = 2004
	ErrPayloadTooLarge  ErrorCode = 2005
	ErrActionExpired    ErrorCode = 2006
	ErrActionFromFuture ErrorCode = 2007
	ErrPlayerNotInGame  ErrorCode = 2008
	ErrPlayerInactive   ErrorCode = 2009
	ErrGameNotActive    ErrorCode = 2010
	ErrHistoryNotFound  ErrorCode = 2011

	// 并发控制错误 (3000-3999)
	ErrLockTimeout ErrorCode = 3000
	ErrStaleLock   ErrorCode = 3001
	ErrLockNotHeld ErrorCode = 3002
	ErrQueueFull   ErrorCode = 3003

	// 存储错误 (5000-5999)
	ErrStorageConnect ErrorCode = 5000
	ErrStorageGet     ErrorCode = 5001
	ErrStorageSet     ErrorCode = 5002
	ErrStorageDelete  ErrorCode = 5003
	ErrDataIntegrity  ErrorCode = 5004

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002
	ErrConfigMissing  ErrorCode = 6003

	// 安全错误 (7000-7999)
	ErrAuthentication    ErrorCode = 7000
	ErrTokenExpired      ErrorCode = 7002
	ErrTokenInvalid      ErrorCode = 7003
	ErrRateLimitExceeded ErrorCode = 7004
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	// 通用错误
	ErrUnknown:          "未知错误",
	ErrInvalidParam:     "无效的参数",
	ErrNotFound:         "资源未找到",
	ErrAlreadyExists:    "资源已存在",
	ErrPermissionDenied: "权限不足",
	ErrTimeout:          "操作超时",
	ErrCanceled:         "操作已取消",
	ErrNotImplemented:   "功能未实现",

	// 游戏状态错误
	ErrGameNotFound:     "游戏实例不存在",
	ErrStateNotFound:    "游戏状态不存在",
	ErrVersionConflict:  "状态版本冲突",
	ErrValidationFailed: "动作校验失败",
	ErrStateTransition:  "状态转换不合法",
	ErrPayloadTooLarge:  "状态数据超出大小限制",
	ErrActionExpired:    "动作时间戳过旧",
	ErrActionFromFuture: "动作时间戳超前",
	ErrPlayerNotInGame:  "玩家不在游戏中",
	ErrPlayerInactive:   "玩家当前不可操作",
	ErrGameNotActive:    "游戏未处于进行状态",
	ErrHistoryNotFound:  "历史版本不存在",

	// 并发控制错误
	ErrLockTimeout: "获取游戏锁超时",
	ErrStaleLock:   "锁已被回收",
	ErrLockNotHeld: "未持有锁",
	ErrQueueFull:   "操作队列已满",

	// 存储错误
	ErrStorageConnect: "存储连接失败",
	ErrStorageGet:     "存储读取失败",
	ErrStorageSet:     "存储写入失败",
	ErrStorageDelete:  "存储删除失败",
	ErrDataIntegrity:  "数据完整性错误",

	// 配置错误
	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",
	ErrConfigMissing:  "配置项缺失",

	// 安全错误
	ErrAuthentication:    "认证失败",
	ErrTokenExpired:      "令牌已过期",
	ErrTokenInvalid:      "无效的令牌",
	ErrRateLimitExceeded: "请求频率超限",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode              `json:"code"`            // 错误码
	Message string                 `json:"message"`         // 错误消息
	Details string                 `json:"details"`         // 详细信息
	Meta    map[string]interface{} `json:"meta,omitempty"`  // 结构化上下文（游戏ID、版本、规则违例等）
	Cause   error                  `json:"-"`               // 原始错误
	Stack   []StackFrame           `json:"stack,omitempty"` // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// WithMeta 附加结构化上下文
func (e *AppError) WithMeta(key string, value interface{}) *AppError {
	if e.Meta == nil {
		e.Meta = make(map[string]interface{})
	}
	e.Meta[key] = value
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	// 捕获调用栈
	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	if appErr, ok := err.(*AppError); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}

	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)

	if n > 0 {
		frames := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := frames.Next()

			// 跳过runtime和本包的调用
			if strings.Contains(frame.Function, "runtime.") ||
				strings.Contains(frame.Function, "github.com/wfunc/game-core/internal/errors") {
				if !more {
					break
				}
				continue
			}

			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})

			if !more {
				break
			}

			// 只保留前10个栈帧
			if len(e.Stack) >= 10 {
				break
			}
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}

	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch {
	case e.Code == ErrInvalidParam || e.Code == ErrValidationFailed || e.Code == ErrStateTransition:
		return 400 // Bad Request
	case e.Code == ErrNotFound || e.Code == ErrGameNotFound ||
		e.Code == ErrStateNotFound || e.Code == ErrHistoryNotFound:
		return 404 // Not Found
	case e.Code == ErrAlreadyExists || e.Code == ErrVersionConflict:
		return 409 // Conflict
	case e.Code == ErrPermissionDenied || e.Code == ErrPlayerNotInGame ||
		e.Code == ErrPlayerInactive || e.Code == ErrGameNotActive:
		return 403 // Forbidden
	case e.Code == ErrPayloadTooLarge:
		return 413 // Payload Too Large
	case e.Code == ErrTimeout || e.Code == ErrLockTimeout:
		return 408 // Request Timeout
	case e.Code >= 7000 && e.Code <= 7003:
		return 401 // Unauthorized
	case e.Code == ErrRateLimitExceeded:
		return 429 // Too Many Requests
	case e.Code >= 5000 && e.Code <= 5999:
		return 503 // Service Unavailable
	default:
		return 500 // Internal Server Error
	}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	switch code {
	case ErrTimeout,
		ErrVersionConflict,
		ErrLockTimeout,
		ErrRateLimitExceeded,
		ErrStorageConnect,
		ErrStorageGet,
		ErrStorageSet:
		return true
	default:
		return false
	}
}

// IsCritical 判断是否为严重错误
func IsCritical(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	switch code {
	case ErrStorageConnect,
		ErrConfigLoad,
		ErrConfigMissing,
		ErrDataIntegrity:
		return true
	default:
		return false
	}
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *AppError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Success:   false,
		Error:     err,
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
}
