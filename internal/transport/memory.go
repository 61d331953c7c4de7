package transport

import (
	"context"
	"encoding/json"
	"sync"

	xerrors "ActionFlow/internal/errors"
)

// Memory 是进程内的传输实现，用于测试与本地演示。
type Memory struct {
	mu      sync.Mutex
	state   State
	joined  []JoinRequest
	joinErr error
	closed  bool

	frames chan Frame
	states chan StateChange
}

var _ Transport = (*Memory)(nil)

// NewMemory 创建一个处于 connected 状态的内存传输。
func NewMemory() *Memory {
	return &Memory{
		state:  StateConnected,
		frames: make(chan Frame, 64),
		states: make(chan StateChange, 16),
	}
}

// Join 记录加入请求。
func (m *Memory) Join(ctx context.Context, req JoinRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return xerrors.New(xerrors.CodeTransportUnavailable, "连接未就绪")
	}
	if m.joinErr != nil {
		return m.joinErr
	}
	m.joined = append(m.joined, req)
	return nil
}

// Deliver 投递一帧入站事件，data 会被编码为 JSON。
func (m *Memory) Deliver(ctx context.Context, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return m.DeliverRaw(ctx, Frame{Event: event, Data: raw})
}

// DeliverRaw 原样投递一帧。
func (m *Memory) DeliverRaw(ctx context.Context, frame Frame) error {
	select {
	case m.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetState 切换状态并发布迁移。
func (m *Memory) SetState(state State, cause error) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.states <- StateChange{State: state, Err: cause}
}

// FailJoins 让后续 Join 返回 err；传 nil 恢复正常。
func (m *Memory) FailJoins(err error) {
	m.mu.Lock()
	m.joinErr = err
	m.mu.Unlock()
}

// Joined 返回已记录的加入请求副本。
func (m *Memory) Joined() []JoinRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JoinRequest(nil), m.joined...)
}

// Frames 返回入站帧。
func (m *Memory) Frames() <-chan Frame { return m.frames }

// States 返回状态迁移。
func (m *Memory) States() <-chan StateChange { return m.states }

// State 返回当前状态。
func (m *Memory) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close 关闭 channel；之后不可再投递。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.state = StateDisconnected
		close(m.frames)
		close(m.states)
	}
	return nil
}
