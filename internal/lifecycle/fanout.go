package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"ActionFlow/pkg/logger"
)

// Fanout 将事件依次投递给多个 Emitter，单个失败不影响其余渠道。
type Fanout struct {
	emitters []Emitter
}

var _ Emitter = (*Fanout)(nil)

// NewFanout 创建 Fanout，忽略空的 Emitter。
func NewFanout(emitters ...Emitter) *Fanout {
	set := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			set = append(set, e)
		}
	}
	return &Fanout{emitters: set}
}

// Emit 投递事件并汇总所有失败。
func (f *Fanout) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for i, e := range f.emitters {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("emitter %d (%T): %w", i, e, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有实现了 io.Closer 的 Emitter。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, e := range f.emitters {
		if c, ok := e.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// AuditEmitter 把终态事件写入审计日志。
type AuditEmitter struct{}

// Emit 记录 completed/failed/rejected 事件，其余类型忽略。
func (AuditEmitter) Emit(_ context.Context, event Event) error {
	switch event.Type {
	case TypeActionCompleted, TypeActionFailed, TypeActionRejected:
	default:
		return nil
	}
	attrs := []any{
		slog.String("type", string(event.Type)),
		slog.String("action_id", event.ActionID),
		slog.String("action_type", string(event.ActionType)),
		slog.Time("at", event.At),
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("code", string(event.Code)), slog.String("error", event.Error))
	}
	logger.Audit().Info("操作终态", attrs...)
	return nil
}
