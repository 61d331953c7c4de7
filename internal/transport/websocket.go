package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	xerrors "ActionFlow/internal/errors"
	"ActionFlow/pkg/logger"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultInitialWait  = 500 * time.Millisecond
	defaultMaxWait      = 30 * time.Second
	defaultFrameBuffer  = 256
)

// Option 自定义 WebSocket 传输。
type Option func(*WebSocket)

// WithAPIKey 在握手请求中携带 X-API-KEY。
func WithAPIKey(key string) Option {
	return func(w *WebSocket) {
		if key != "" {
			w.header.Set("X-API-KEY", key)
		}
	}
}

// WithPingInterval 设置保活 ping 周期，<=0 表示不发送 ping。
func WithPingInterval(d time.Duration) Option {
	return func(w *WebSocket) { w.pingInterval = d }
}

// WithWriteTimeout 设置单次写入的超时时间。
func WithWriteTimeout(d time.Duration) Option {
	return func(w *WebSocket) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// WithBackoff 设置重连退避的初始与最大等待时间。
func WithBackoff(initial, max time.Duration) Option {
	return func(w *WebSocket) {
		if initial > 0 {
			w.initialWait = initial
		}
		if max > 0 {
			w.maxWait = max
		}
	}
}

// WithDialer 替换默认的 websocket.Dialer。
func WithDialer(d *websocket.Dialer) Option {
	return func(w *WebSocket) {
		if d != nil {
			w.dialer = d
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(w *WebSocket) {
		if l != nil {
			w.logger = l
		}
	}
}

type writeRequest struct {
	payload []byte
	result  chan error
}

// link 表示一次成功建立的底层连接。
type link struct {
	writes chan writeRequest
	closed chan struct{}
}

// WebSocket 是基于 gorilla/websocket 的自动重连传输。
type WebSocket struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	pingInterval time.Duration
	writeTimeout time.Duration
	initialWait  time.Duration
	maxWait      time.Duration
	logger       *slog.Logger

	frames chan Frame
	states chan StateChange

	mu      sync.RWMutex
	state   State
	current *link

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*WebSocket)(nil)

// Dial 创建传输并在后台开始连接；连接失败不会返回错误，而是按退避策略重试。
// ctx 结束或调用 Close 时后台协程退出。
func Dial(ctx context.Context, url string, opts ...Option) (*WebSocket, error) {
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "websocket 地址不能为空")
	}
	w := &WebSocket{
		url:          url,
		header:       http.Header{},
		dialer:       websocket.DefaultDialer,
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		initialWait:  defaultInitialWait,
		maxWait:      defaultMaxWait,
		logger:       logger.Named("transport"),
		frames:       make(chan Frame, defaultFrameBuffer),
		states:       make(chan StateChange, 16),
		state:        StateConnecting,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)
	return w, nil
}

// Frames 返回入站帧。
func (w *WebSocket) Frames() <-chan Frame { return w.frames }

// States 返回状态迁移。
func (w *WebSocket) States() <-chan StateChange { return w.states }

// State 返回当前状态。
func (w *WebSocket) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Join 通过写协程发送加入频道消息。
func (w *WebSocket) Join(ctx context.Context, req JoinRequest) error {
	payload, err := EncodeJoin(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码加入频道消息失败")
	}

	w.mu.RLock()
	l := w.current
	w.mu.RUnlock()
	if l == nil {
		return xerrors.New(xerrors.CodeTransportUnavailable, "连接未就绪")
	}

	wr := writeRequest{payload: payload, result: make(chan error, 1)}
	select {
	case l.writes <- wr:
	case <-l.closed:
		return xerrors.New(xerrors.CodeTransportUnavailable, "连接已断开")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-wr.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止重连并关闭当前连接。
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.done
	})
	return nil
}

func (w *WebSocket) run(ctx context.Context) {
	defer func() {
		close(w.frames)
		close(w.states)
		close(w.done)
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.initialWait
	policy.MaxInterval = w.maxWait
	policy.Reset()

	for {
		conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
		if err != nil {
			if ctx.Err() != nil {
				w.setState(StateDisconnected, nil)
				return
			}
			w.setState(StateDisconnected, err)
			wait := policy.NextBackOff()
			w.logger.Warn("连接运行时失败，稍后重试", slog.String("url", w.url), slog.Duration("retry_in", wait), slog.Any("error", err))
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		policy.Reset()
		err = w.serve(ctx, conn)
		if ctx.Err() != nil {
			w.setState(StateDisconnected, nil)
			return
		}
		w.setState(StateDisconnected, err)
		// 重连后不会自动重新加入此前的频道。
		w.logger.Warn("与运行时的连接断开，已加入的频道需要重新加入", slog.Any("error", err))
		if !sleep(ctx, policy.NextBackOff()) {
			return
		}
	}
}

func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn) error {
	l := &link{writes: make(chan writeRequest), closed: make(chan struct{})}
	w.mu.Lock()
	w.current = l
	w.mu.Unlock()
	w.setState(StateConnected, nil)
	w.logger.Info("已连接运行时", slog.String("url", w.url))

	connCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 2)
	go func() { errCh <- w.writeLoop(connCtx, conn, l) }()
	go func() { errCh <- w.readLoop(connCtx, conn) }()

	err := <-errCh
	cancel()
	w.mu.Lock()
	w.current = nil
	w.mu.Unlock()
	close(l.closed)
	_ = conn.Close()
	<-errCh
	return err
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	if w.pingInterval > 0 {
		grace := 2 * w.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(grace))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(grace))
		})
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			w.logger.Debug("忽略无法解析的帧", slog.Int("bytes", len(data)))
			continue
		}
		select {
		case w.frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *WebSocket) writeLoop(ctx context.Context, conn *websocket.Conn, l *link) error {
	var tick <-chan time.Time
	if w.pingInterval > 0 {
		ticker := time.NewTicker(w.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(w.writeTimeout))
			return nil
		case req := <-l.writes:
			_ = conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, req.payload); err != nil {
				req.result <- xerrors.Wrap(xerrors.CodeTransportUnavailable, err, "写入 websocket 失败")
				return err
			}
			req.result <- nil
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}
		}
	}
}

// setState 只在状态变化时发布；状态 channel 满时丢弃并记录。
func (w *WebSocket) setState(state State, cause error) {
	w.mu.Lock()
	changed := w.state != state
	w.state = state
	w.mu.Unlock()
	if !changed {
		return
	}
	select {
	case w.states <- StateChange{State: state, Err: cause}:
	default:
		w.logger.Warn("状态通知积压，丢弃", slog.String("state", string(state)))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
