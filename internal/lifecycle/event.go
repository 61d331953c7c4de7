package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"ActionFlow/internal/action"
	xerrors "ActionFlow/internal/errors"
	"ActionFlow/internal/runtime"
)

// publishTimeout 限制单次向外部消息系统发布事件的耗时。
const publishTimeout = 5 * time.Second

// Type 是生命周期事件的类型。
type Type string

const (
	TypeConnected       Type = "connected"
	TypeDisconnected    Type = "disconnected"
	TypeActionExecuting Type = "action:executing"
	TypeActionCompleted Type = "action:completed"
	TypeActionFailed    Type = "action:failed"
	TypeActionRejected  Type = "action:rejected"
	TypeError           Type = "error"
)

// CodeEmitFailed 表示事件未能投递到外部渠道。
const CodeEmitFailed xerrors.Code = "EMIT_FAILED"

func init() {
	xerrors.Register(CodeEmitFailed, xerrors.Attributes{
		Message:   "failed to emit lifecycle event",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Event 是对外通知的生命周期事件。
type Event struct {
	Type       Type                  `json:"type"`
	ActionID   string                `json:"actionId,omitempty"`
	ActionType action.Type           `json:"actionType,omitempty"`
	SessionID  string                `json:"sessionId,omitempty"`
	Result     *runtime.ResultRecord `json:"result,omitempty"`
	Data       json.RawMessage       `json:"data,omitempty"`
	Code       xerrors.Code          `json:"code,omitempty"`
	Error      string                `json:"error,omitempty"`
	At         time.Time             `json:"at"`
}

// WithError 填充错误码与描述。
func (e Event) WithError(err error) Event {
	if err == nil {
		return e
	}
	e.Code = xerrors.CodeOf(err)
	e.Error = err.Error()
	return e
}

// Emitter 接收生命周期事件。
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// EmitterFunc 让普通函数实现 Emitter。
type EmitterFunc func(ctx context.Context, event Event) error

// Emit 调用 f。
func (f EmitterFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}
