package broadcast

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// EventMessageBroadcast 是运行时广播智能体消息时使用的事件名。
const EventMessageBroadcast = "messageBroadcast"

// ErrUnrelated 表示帧不是可关联的消息广播。解析失败一律归为此类，绝不视为命中。
var ErrUnrelated = errors.New("broadcast: unrelated frame")

// Message 是经过校验的消息广播。
type Message struct {
	ActionID string
	Text     string
	Tags     []string
	// Content 是广播中的 content 原文，作为结果的结构化数据回写。
	Content json.RawMessage
}

// HasTag 判断广播的动作标签中是否包含 tag（大小写不敏感）。
func (m Message) HasTag(tag string) bool {
	want := strings.TrimSpace(tag)
	if want == "" {
		return false
	}
	for _, t := range m.Tags {
		if strings.EqualFold(strings.TrimSpace(t), want) {
			return true
		}
	}
	return false
}

type wirePayload struct {
	Text       string          `json:"text"`
	Content    json.RawMessage `json:"content"`
	RawMessage *wireActions    `json:"rawMessage"`
	Metadata   *struct {
		ActionID string `json:"actionId"`
	} `json:"metadata"`
}

type wireActions struct {
	Actions []string `json:"actions"`
}

// Parse 将一次 messageBroadcast 的 data 负载解析为 Message。
// 缺少 metadata.actionId 或结构不合法时返回 ErrUnrelated。
func Parse(data []byte) (Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Message{}, ErrUnrelated
	}
	var payload wirePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Message{}, ErrUnrelated
	}
	if payload.Metadata == nil || strings.TrimSpace(payload.Metadata.ActionID) == "" {
		return Message{}, ErrUnrelated
	}

	var content wireActions
	if len(payload.Content) > 0 && !bytes.Equal(bytes.TrimSpace(payload.Content), []byte("null")) {
		if err := json.Unmarshal(payload.Content, &content); err != nil {
			return Message{}, ErrUnrelated
		}
	}

	// rawMessage.actions 优先，缺失时回退到 content.actions。
	tags := content.Actions
	if payload.RawMessage != nil && len(payload.RawMessage.Actions) > 0 {
		tags = payload.RawMessage.Actions
	}

	return Message{
		ActionID: strings.TrimSpace(payload.Metadata.ActionID),
		Text:     payload.Text,
		Tags:     tags,
		Content:  payload.Content,
	}, nil
}
