package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	xerrors "ActionFlow/internal/errors"
	"ActionFlow/pkg/logger"
)

// Subscription 是总线上的一个订阅者。
type Subscription struct {
	ID      string
	ch      chan Event
	dropped atomic.Uint64
}

// C 返回事件 channel，取消订阅后被关闭。
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped 返回因缓冲区满而丢弃的事件数量。
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus 是进程内的事件总线，向每个订阅者非阻塞投递。
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	logger *slog.Logger
}

var _ Emitter = (*Bus)(nil)

// NewBus 创建事件总线，buffer 为每个订阅者的缓冲大小。
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger.Named("lifecycle"),
	}
}

// Subscribe 注册新的订阅者。总线关闭后返回的订阅 channel 已关闭。
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{ID: uuid.NewString(), ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe 移除订阅者并关闭其 channel。
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscribers 返回当前订阅者数量。
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit 将事件投递给所有订阅者；订阅者积压时丢弃该事件而不阻塞调用方。
func (b *Bus) Emit(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return xerrors.New(CodeEmitFailed, "事件总线已关闭")
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.logger.Warn("订阅者积压，丢弃事件",
				slog.String("subscriber", sub.ID),
				slog.String("type", string(event.Type)),
				slog.String("action_id", event.ActionID),
			)
		}
	}
	return nil
}

// Close 关闭总线与所有订阅。
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
