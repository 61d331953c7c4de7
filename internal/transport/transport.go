package transport

import (
	"context"
	"encoding/json"
)

// State 表示长连接的状态。
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// StateChange 描述一次状态迁移，Err 为断开原因（可能为空）。
type StateChange struct {
	State State
	Err   error
}

// Frame 是从运行时收到的一帧事件。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MessageTypeRoomJoining 是加入频道消息的类型编号。
const MessageTypeRoomJoining = 1

const eventMessage = "message"

// JoinRequest 描述一次加入会话频道的请求。
type JoinRequest struct {
	ChannelID string `json:"channelId"`
	RoomID    string `json:"roomId"`
	EntityID  string `json:"entityId"`
	ServerID  string `json:"serverId"`
}

type joinData struct {
	Type    int         `json:"type"`
	Payload JoinRequest `json:"payload"`
}

type outboundFrame struct {
	Event string   `json:"event"`
	Data  joinData `json:"data"`
}

// EncodeJoin 生成加入频道的文本帧。
func EncodeJoin(req JoinRequest) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Event: eventMessage,
		Data:  joinData{Type: MessageTypeRoomJoining, Payload: req},
	})
}

// Transport 是所有操作共享的运行时长连接。
//
// Join 在连接未就绪时立即失败，不会等待重连。Frames 按接收顺序投递入站帧，
// States 投递 connected/disconnected 迁移；两个 channel 在传输关闭后被关闭。
type Transport interface {
	Join(ctx context.Context, req JoinRequest) error
	Frames() <-chan Frame
	States() <-chan StateChange
	State() State
	Close() error
}
