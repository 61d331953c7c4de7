package broadcast

import (
	"log/slog"

	"ActionFlow/internal/session"
	"ActionFlow/pkg/logger"
)

// Outcome 是过滤器对一条广播的判定。
type Outcome int

const (
	// OutcomeUnrelated 表示帧无法解析或不带关联键。
	OutcomeUnrelated Outcome = iota
	// OutcomeUntracked 表示关联的操作已结束或从未被跟踪。
	OutcomeUntracked
	// OutcomeIntermediate 表示属于跟踪中的操作，但只是中间步骤。
	OutcomeIntermediate
	// OutcomeTargetReached 表示广播携带了期望的动作类型。
	OutcomeTargetReached
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUntracked:
		return "untracked"
	case OutcomeIntermediate:
		return "intermediate"
	case OutcomeTargetReached:
		return "target_reached"
	default:
		return "unrelated"
	}
}

// Lookup 是过滤器对会话表的只读视图。
type Lookup interface {
	Get(actionID string) (session.Entry, bool)
}

// Decision 是一次判定的完整结果。
type Decision struct {
	Outcome Outcome
	Message Message
	Entry   session.Entry
}

// Filter 把嘈杂的广播流收敛为每个操作最多一次的 "target reached"。
// 过滤器本身无状态；删除会话由调用方在同一事件循环中完成。
type Filter struct {
	logger *slog.Logger
}

// NewFilter 创建过滤器，logger 为空时使用全局日志。
func NewFilter(l *slog.Logger) *Filter {
	if l == nil {
		l = logger.Named("broadcast")
	}
	return &Filter{logger: l}
}

// Evaluate 对一条 messageBroadcast 负载做出判定。
func (f *Filter) Evaluate(data []byte, lookup Lookup) Decision {
	msg, err := Parse(data)
	if err != nil {
		return Decision{Outcome: OutcomeUnrelated}
	}
	entry, ok := lookup.Get(msg.ActionID)
	if !ok {
		return Decision{Outcome: OutcomeUntracked, Message: msg}
	}
	if !msg.HasTag(string(entry.ExpectedActionType)) {
		f.logger.Debug("忽略中间步骤广播",
			slog.String("action_id", msg.ActionID),
			slog.String("session_id", entry.SessionID),
			slog.String("expected", string(entry.ExpectedActionType)),
			slog.Any("tags", msg.Tags),
		)
		return Decision{Outcome: OutcomeIntermediate, Message: msg, Entry: entry}
	}
	return Decision{Outcome: OutcomeTargetReached, Message: msg, Entry: entry}
}
