package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"ActionFlow/internal/action"
	"ActionFlow/internal/broadcast"
	xerrors "ActionFlow/internal/errors"
	"ActionFlow/internal/lifecycle"
	"ActionFlow/internal/observability/metrics"
	"ActionFlow/internal/observability/telemetry"
	"ActionFlow/internal/runtime"
	"ActionFlow/internal/session"
	"ActionFlow/internal/transport"
	"ActionFlow/pkg/logger"
)

const (
	defaultConcurrency    = 4
	defaultSessionTimeout = 10 * time.Minute
	defaultSweepInterval  = time.Second
	defaultSource         = "actionflow"
	resultUpdateTimeout   = 15 * time.Second
	noticeBuffer          = 64
)

// RuntimeClient 是编排器依赖的远端运行时能力，*runtime.Client 实现了该接口。
type RuntimeClient interface {
	Decide(ctx context.Context, agentID string, decisions []runtime.DecisionItem) (*runtime.DecideResult, error)
	CreateSession(ctx context.Context, req runtime.CreateSessionRequest) (*runtime.Session, error)
	GetSession(ctx context.Context, sessionID string) (*runtime.SessionDetails, error)
	SendMessage(ctx context.Context, sessionID string, msg runtime.MessageRequest) error
	UpdateActionResult(ctx context.Context, agentID, actionID string, result runtime.ActionResult) error
}

var _ RuntimeClient = (*runtime.Client)(nil)

// Identity 标识编排器所代表的智能体与用户。一个编排器只服务一个用户。
type Identity struct {
	AgentID string
	UserID  string
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConcurrency 设置一批操作中同时执行的最大数量。
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithSessionTimeout 设置会话等待目标广播的最长时间，<=0 表示不过期。
func WithSessionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.sessionTimeout = d }
}

// WithSweepInterval 设置过期会话的扫描周期。
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics 配置指标记录器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer 配置 tracer，默认使用全局 TracerProvider。
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithSource 设置随会话元数据发送的来源标识。
func WithSource(source string) Option {
	return func(o *Orchestrator) {
		if source != "" {
			o.source = source
		}
	}
}

type command struct {
	fn   func(reg *session.Registry)
	done chan struct{}
}

// Orchestrator 把用户对推荐操作的决定转化为可跟踪的异步执行。
//
// 会话表只由 Run 中的事件循环持有：执行操作的工作协程通过 command 提交变更，
// 入站广播、连接状态与超时扫描也在同一循环中串行处理。
type Orchestrator struct {
	client    RuntimeClient
	transport transport.Transport
	emitter   lifecycle.Emitter
	filter    *broadcast.Filter
	identity  Identity

	source         string
	concurrency    int
	sessionTimeout time.Duration
	sweepInterval  time.Duration
	now            func() time.Time
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer

	registry   *session.Registry
	commands   chan command
	started    atomic.Bool
	stopped    chan struct{}
	background sync.WaitGroup
	notices    chan lifecycle.Event
}

// New 构造 Orchestrator。emitter 为空时事件被丢弃。
func New(client RuntimeClient, tr transport.Transport, emitter lifecycle.Emitter, identity Identity, opts ...Option) (*Orchestrator, error) {
	if client == nil || tr == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少运行时客户端或传输连接")
	}
	if identity.AgentID == "" || identity.UserID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agentId 与 userId 不能为空")
	}
	if emitter == nil {
		emitter = lifecycle.NewFanout()
	}
	o := &Orchestrator{
		client:         client,
		transport:      tr,
		emitter:        emitter,
		identity:       identity,
		source:         defaultSource,
		concurrency:    defaultConcurrency,
		sessionTimeout: defaultSessionTimeout,
		sweepInterval:  defaultSweepInterval,
		now:            time.Now,
		logger:         logger.Named("orchestrator"),
		tracer:         telemetry.Tracer(),
		registry:       session.NewRegistry(),
		commands:       make(chan command),
		stopped:        make(chan struct{}),
		notices:        make(chan lifecycle.Event, noticeBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.filter = broadcast.NewFilter(o.logger)
	return o, nil
}

// Run 启动事件循环，直到 ctx 结束。返回前等待已派发的结果回写完成。
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.CodeInitializationFailure, "编排器已在运行")
	}
	defer close(o.stopped)
	defer o.background.Wait()

	delivered := make(chan struct{})
	go o.deliverNotices(ctx, delivered)
	defer func() {
		close(o.notices)
		<-delivered
	}()

	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	frames := o.transport.Frames()
	states := o.transport.States()
	o.logger.Info("编排器已启动",
		slog.String("agent_id", o.identity.AgentID),
		slog.Int("concurrency", o.concurrency),
		slog.Duration("session_timeout", o.sessionTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("编排器退出", slog.Int("sessions_in_flight", o.registry.Count()))
			return ctx.Err()
		case cmd := <-o.commands:
			cmd.fn(o.registry)
			close(cmd.done)
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			o.handleFrame(ctx, frame)
		case change, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			o.handleState(change)
		case <-ticker.C:
			o.sweep(ctx)
		}
		o.metrics.SetSessionsInFlight(o.registry.Count())
	}
}

// do 在事件循环中执行 fn 并等待其完成。
func (o *Orchestrator) do(ctx context.Context, fn func(reg *session.Registry)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case o.commands <- cmd:
	case <-o.stopped:
		return xerrors.New(xerrors.CodeInitializationFailure, "编排器已停止")
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}

func (o *Orchestrator) handleFrame(ctx context.Context, frame transport.Frame) {
	if frame.Event != broadcast.EventMessageBroadcast {
		return
	}
	decision := o.filter.Evaluate(frame.Data, o.registry)
	o.metrics.ObserveBroadcast(decision.Outcome.String())
	if decision.Outcome != broadcast.OutcomeTargetReached {
		return
	}

	entry := decision.Entry
	o.registry.Delete(entry.ActionID)
	record := runtime.ResultRecord{
		Text:      decision.Message.Text,
		Data:      decision.Message.Content,
		Timestamp: o.now().UTC(),
	}
	o.logger.Info("操作到达目标状态",
		slog.String("action_id", entry.ActionID),
		slog.String("session_id", entry.SessionID),
		slog.String("action_type", string(entry.ExpectedActionType)),
	)
	o.goBackground(ctx, func(ctx context.Context) { o.completeAction(ctx, entry, record) })
}

// completeAction 回写 completed 结果；回写失败时操作视为失败，会话不再恢复。
func (o *Orchestrator) completeAction(ctx context.Context, entry session.Entry, record runtime.ResultRecord) {
	err := o.client.UpdateActionResult(ctx, o.identity.AgentID, entry.ActionID, runtime.ActionResult{
		Status: runtime.ResultCompleted,
		Result: &record,
	})
	if err != nil {
		cause := xerrors.Wrap(xerrors.CodeResultUpdateFailed, err, "回写操作结果失败",
			xerrors.WithMetadata(xerrors.MetaActionID, entry.ActionID))
		o.logger.Error("回写操作结果失败", slog.String("action_id", entry.ActionID), slog.Any("error", err))
		o.emit(ctx, lifecycle.Event{
			Type:       lifecycle.TypeActionFailed,
			ActionID:   entry.ActionID,
			ActionType: entry.ExpectedActionType,
			SessionID:  entry.SessionID,
		}.WithError(cause))
		return
	}
	o.emit(ctx, lifecycle.Event{
		Type:       lifecycle.TypeActionCompleted,
		ActionID:   entry.ActionID,
		ActionType: entry.ExpectedActionType,
		SessionID:  entry.SessionID,
		Result:     &record,
		Data:       record.Data,
	})
}

func (o *Orchestrator) handleState(change transport.StateChange) {
	switch change.State {
	case transport.StateConnected:
		o.notify(lifecycle.Event{Type: lifecycle.TypeConnected})
	case transport.StateDisconnected:
		if n := o.registry.Count(); n > 0 {
			o.logger.Warn("连接断开，进行中的会话不会自动重新加入频道", slog.Int("sessions_in_flight", n))
		}
		o.notify(lifecycle.Event{Type: lifecycle.TypeDisconnected})
		if change.Err != nil {
			o.notify(lifecycle.Event{Type: lifecycle.TypeError}.WithError(
				xerrors.Wrap(xerrors.CodeTransportUnavailable, change.Err, "与运行时的连接断开")))
		}
	}
}

// notify 把连接状态事件交给投递协程，保持顺序且不阻塞事件循环。队列满时丢弃。
func (o *Orchestrator) notify(event lifecycle.Event) {
	if event.At.IsZero() {
		event.At = o.now().UTC()
	}
	select {
	case o.notices <- event:
	default:
		o.logger.Warn("状态事件队列已满，丢弃事件", slog.String("type", string(event.Type)))
	}
}

func (o *Orchestrator) deliverNotices(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	base := context.WithoutCancel(ctx)
	for event := range o.notices {
		emitCtx, cancel := context.WithTimeout(base, resultUpdateTimeout)
		o.emit(emitCtx, event)
		cancel()
	}
}

// sweep 删除超过截止时间的会话，并以 TIMEOUT 失败结束对应操作。
func (o *Orchestrator) sweep(ctx context.Context) {
	for _, entry := range o.registry.Expired(o.now()) {
		o.registry.Delete(entry.ActionID)
		entry := entry
		cause := xerrors.New(xerrors.CodeTimeout, "等待目标广播超时",
			xerrors.WithMetadata(xerrors.MetaActionID, entry.ActionID),
			xerrors.WithMetadata("session_id", entry.SessionID))
		o.logger.Warn("会话超时", slog.String("action_id", entry.ActionID), slog.String("session_id", entry.SessionID))
		o.goBackground(ctx, func(ctx context.Context) {
			o.emit(ctx, lifecycle.Event{
				Type:       lifecycle.TypeActionFailed,
				ActionID:   entry.ActionID,
				ActionType: entry.ExpectedActionType,
				SessionID:  entry.SessionID,
			}.WithError(cause))
			o.reportFailure(ctx, entry.ActionID, cause)
		})
	}
}

// goBackground 在事件循环之外执行 HTTP 回写，关闭时仍允许完成。
func (o *Orchestrator) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultUpdateTimeout)
		defer cancel()
		fn(bgCtx)
	}()
}

// reportFailure 尽力将 failed 状态回写给运行时。
func (o *Orchestrator) reportFailure(ctx context.Context, actionID string, cause error) {
	err := o.client.UpdateActionResult(ctx, o.identity.AgentID, actionID, runtime.ActionResult{
		Status: runtime.ResultFailed,
		Error:  cause.Error(),
	})
	if err != nil {
		o.logger.Warn("回写失败状态失败", slog.String("action_id", actionID), slog.Any("error", err))
	}
}

func (o *Orchestrator) emit(ctx context.Context, event lifecycle.Event) {
	if event.At.IsZero() {
		event.At = o.now().UTC()
	}
	o.metrics.ObserveEvent(string(event.Type))
	if err := o.emitter.Emit(ctx, event); err != nil {
		o.logger.Warn("投递生命周期事件失败",
			slog.String("type", string(event.Type)),
			slog.String("action_id", event.ActionID),
			slog.Any("error", err),
		)
	}
}

// Sessions 返回当前进行中的会话，按创建时间排序。
func (o *Orchestrator) Sessions(ctx context.Context) ([]session.Entry, error) {
	var list []session.Entry
	if err := o.do(ctx, func(reg *session.Registry) { list = reg.List() }); err != nil {
		return nil, err
	}
	return list, nil
}

// SessionCount 返回进行中的会话数量。
func (o *Orchestrator) SessionCount(ctx context.Context) (int, error) {
	var n int
	if err := o.do(ctx, func(reg *session.Registry) { n = reg.Count() }); err != nil {
		return 0, err
	}
	return n, nil
}

// Stats 返回会话表统计。
func (o *Orchestrator) Stats(ctx context.Context) (session.Stats, error) {
	var stats session.Stats
	if err := o.do(ctx, func(reg *session.Registry) { stats = reg.Stats() }); err != nil {
		return session.Stats{}, err
	}
	return stats, nil
}

// State 返回传输连接的当前状态。
func (o *Orchestrator) State() transport.State {
	return o.transport.State()
}

func serverIDOf(details *runtime.SessionDetails) string {
	if details.ServerID != "" {
		return details.ServerID
	}
	return uuid.Nil.String()
}

func actionEvent(t lifecycle.Type, act action.Action) lifecycle.Event {
	return lifecycle.Event{Type: t, ActionID: act.ID, ActionType: act.Type}
}
