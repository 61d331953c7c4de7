package runtime

import (
	"encoding/json"
	"time"

	"ActionFlow/internal/action"
)

// DecisionItem 是 decide 接口中单个操作的决定。
type DecisionItem struct {
	ActionID string          `json:"actionId"`
	Decision action.Decision `json:"decision"`
}

// RejectedAction 是运行时确认拒绝的操作。
type RejectedAction struct {
	ActionID string `json:"actionId"`
}

// DecideResult 是运行时对一批决定的确认结果。
type DecideResult struct {
	Accepted []action.Action `json:"accepted"`
	Rejected []RejectedAction `json:"rejected"`
}

// SessionMetadata 随会话与消息一起发送，运行时在广播中原样带回 actionId。
type SessionMetadata struct {
	ActionID   string      `json:"actionId"`
	ActionType action.Type `json:"actionType"`
	Source     string      `json:"source"`
}

// CreateSessionRequest 创建一次运行时会话。
type CreateSessionRequest struct {
	AgentID  string          `json:"agentId"`
	UserID   string          `json:"userId"`
	Metadata SessionMetadata `json:"metadata"`
}

// Session 是创建会话接口的返回。
type Session struct {
	SessionID     string          `json:"sessionId"`
	ExpiresAt     string          `json:"expiresAt,omitempty"`
	TimeoutConfig json.RawMessage `json:"timeoutConfig,omitempty"`
}

// SessionDetails 携带 websocket 路由所需的频道与服务器坐标。
type SessionDetails struct {
	SessionID string `json:"sessionId"`
	ChannelID string `json:"channelId"`
	AgentID   string `json:"agentId"`
	UserID    string `json:"userId"`
	ServerID  string `json:"serverId"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// MessageRequest 是发送到会话中的触发消息。
type MessageRequest struct {
	Content  string          `json:"content"`
	Metadata SessionMetadata `json:"metadata"`
}

// ResultStatus 是回写给运行时的最终状态。
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// ResultRecord 是目标广播事件提炼出的执行结果。
type ResultRecord struct {
	Text      string          `json:"text"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ActionResult 是 PATCH result 接口的请求体。
type ActionResult struct {
	Status ResultStatus  `json:"status"`
	Result *ResultRecord `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}
