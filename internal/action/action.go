package action

import (
	"strconv"
	"strings"

	xerrors "ActionFlow/internal/errors"
)

// Type 是推荐操作的类型标签，例如 SELL_DUST、TAKE_PROFIT、SWAP。
type Type string

const (
	TypeSellDust   Type = "SELL_DUST"
	TypeTakeProfit Type = "TAKE_PROFIT"
	TypeSwap       Type = "SWAP"
)

// Matches 以大小写不敏感的方式比较类型标签。
func (t Type) Matches(tag string) bool {
	return strings.EqualFold(strings.TrimSpace(tag), string(t))
}

// Action 描述一条待用户决定的推荐操作。调用方持有，编排器只读。
type Action struct {
	ID             string `json:"id"`
	Type           Type   `json:"actionType"`
	TriggerMessage string `json:"triggerMessage"`
}

// Decision 表示用户对推荐操作的决定。
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

const (
	CodeSessionConflict xerrors.Code = "SESSION_CONFLICT"
)

func init() {
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:  "action already has a live session",
		Severity: xerrors.SeverityWarning,
	})
}

// Validate 检查一批操作是否可以提交给运行时。
func Validate(actions []Action) error {
	if len(actions) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "actions 不能为空")
	}
	for i, act := range actions {
		if strings.TrimSpace(act.ID) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "action ID 不能为空",
				xerrors.WithMetadata("index", strconv.Itoa(i)))
		}
	}
	return nil
}

// Dedupe 按 ID 去重，保留首次出现的顺序。
func Dedupe(actions []Action) []Action {
	seen := make(map[string]struct{}, len(actions))
	result := make([]Action, 0, len(actions))
	for _, act := range actions {
		if _, ok := seen[act.ID]; ok {
			continue
		}
		seen[act.ID] = struct{}{}
		result = append(result, act)
	}
	return result
}

// Index 构建 ID 到操作的映射。
func Index(actions []Action) map[string]Action {
	index := make(map[string]Action, len(actions))
	for _, act := range actions {
		index[act.ID] = act
	}
	return index
}
