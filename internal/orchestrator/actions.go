package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ActionFlow/internal/action"
	xerrors "ActionFlow/internal/errors"
	"ActionFlow/internal/lifecycle"
	"ActionFlow/internal/observability/telemetry"
	"ActionFlow/internal/runtime"
	"ActionFlow/internal/session"
	"ActionFlow/internal/transport"
	"ActionFlow/pkg/logger"
)

// BatchResult 汇总一次 accept/reject 调用中每个操作的结果。
type BatchResult struct {
	// Executed 是会话已建立、触发消息已发送、正在等待目标广播的操作。
	Executed []string
	// Rejected 是运行时确认拒绝的操作。
	Rejected []string
	// Failed 以操作 ID 为键记录执行失败的原因。
	Failed map[string]error
}

func newBatchResult() *BatchResult {
	return &BatchResult{Executed: []string{}, Rejected: []string{}, Failed: map[string]error{}}
}

type failureView struct {
	Code  xerrors.Code `json:"code"`
	Error string       `json:"error"`
}

// MarshalJSON 将失败原因展开为错误码与描述。
func (r *BatchResult) MarshalJSON() ([]byte, error) {
	failed := make(map[string]failureView, len(r.Failed))
	for id, err := range r.Failed {
		failed[id] = failureView{Code: xerrors.CodeOf(err), Error: err.Error()}
	}
	return json.Marshal(struct {
		Executed []string               `json:"executed"`
		Rejected []string               `json:"rejected"`
		Failed   map[string]failureView `json:"failed"`
	}{r.Executed, r.Rejected, failed})
}

// AcceptActions 提交 accept 决定，并为运行时确认接受的每个操作建立会话。
// decide 调用失败时整批返回错误；单个操作失败只记录在 BatchResult.Failed 中。
func (o *Orchestrator) AcceptActions(ctx context.Context, actions []action.Action) (result *BatchResult, err error) {
	if err := action.Validate(actions); err != nil {
		return nil, err
	}
	actions = action.Dedupe(actions)

	ctx, span := o.tracer.Start(ctx, "orchestrator.AcceptActions",
		trace.WithAttributes(attribute.Int("actions.count", len(actions))))
	defer func() { telemetry.End(span, err) }()

	decided, err := o.decide(ctx, actions, action.DecisionAccept)
	if err != nil {
		return nil, err
	}

	result = newBatchResult()
	for _, rej := range decided.Rejected {
		result.Rejected = append(result.Rejected, rej.ActionID)
	}

	requested := action.Index(actions)
	var (
		group errgroup.Group
		mu    sync.Mutex
	)
	group.SetLimit(o.concurrency)
	for _, confirmed := range decided.Accepted {
		act, ok := requested[confirmed.ID]
		if !ok {
			o.logger.Warn("运行时接受了未提交的操作，忽略", slog.String("action_id", confirmed.ID))
			continue
		}
		if act.Type == "" {
			act.Type = confirmed.Type
		}
		if act.TriggerMessage == "" {
			act.TriggerMessage = confirmed.TriggerMessage
		}
		group.Go(func() error {
			execErr := o.executeAction(ctx, act)
			mu.Lock()
			defer mu.Unlock()
			if execErr != nil {
				result.Failed[act.ID] = execErr
			} else {
				result.Executed = append(result.Executed, act.ID)
			}
			return nil
		})
	}
	_ = group.Wait()
	sort.Strings(result.Executed)

	span.SetAttributes(
		attribute.Int("actions.executed", len(result.Executed)),
		attribute.Int("actions.failed", len(result.Failed)),
	)
	return result, nil
}

// RejectActions 提交 reject 决定，为每个确认拒绝的操作发出 action:rejected。
func (o *Orchestrator) RejectActions(ctx context.Context, actions []action.Action) (result *BatchResult, err error) {
	if err := action.Validate(actions); err != nil {
		return nil, err
	}
	actions = action.Dedupe(actions)

	ctx, span := o.tracer.Start(ctx, "orchestrator.RejectActions",
		trace.WithAttributes(attribute.Int("actions.count", len(actions))))
	defer func() { telemetry.End(span, err) }()

	decided, err := o.decide(ctx, actions, action.DecisionReject)
	if err != nil {
		return nil, err
	}
	if len(decided.Accepted) > 0 {
		o.logger.Warn("reject 调用返回了已接受的操作，忽略", slog.Int("count", len(decided.Accepted)))
	}

	requested := action.Index(actions)
	result = newBatchResult()
	for _, rej := range decided.Rejected {
		act, ok := requested[rej.ActionID]
		if !ok {
			act = action.Action{ID: rej.ActionID}
		}
		result.Rejected = append(result.Rejected, rej.ActionID)
		o.emit(ctx, actionEvent(lifecycle.TypeActionRejected, act))
	}
	return result, nil
}

func (o *Orchestrator) decide(ctx context.Context, actions []action.Action, decision action.Decision) (*runtime.DecideResult, error) {
	ctx, span := o.tracer.Start(ctx, "runtime.Decide",
		trace.WithAttributes(attribute.String("decision", string(decision))))

	items := make([]runtime.DecisionItem, 0, len(actions))
	for _, act := range actions {
		items = append(items, runtime.DecisionItem{ActionID: act.ID, Decision: decision})
	}
	result, err := o.client.Decide(ctx, o.identity.AgentID, items)
	telemetry.End(span, err)
	if err != nil {
		o.logger.Error("提交操作决定失败", slog.String("decision", string(decision)), slog.Any("error", err))
		return nil, err
	}
	logger.Audit().Info("操作决定已确认",
		slog.String("agent_id", o.identity.AgentID),
		slog.String("user_id", o.identity.UserID),
		slog.String("decision", string(decision)),
		slog.Int("requested", len(actions)),
		slog.Int("accepted", len(result.Accepted)),
		slog.Int("rejected", len(result.Rejected)),
	)
	return result, nil
}

// executeAction 为单个操作依次执行：建立会话、获取频道信息、登记会话、加入频道、发送触发消息。
// 任一步骤失败都会删除本次登记的会话并发出 action:failed；若会话已被事件循环结束，则不再重复给出终态。
func (o *Orchestrator) executeAction(ctx context.Context, act action.Action) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.executeAction",
		trace.WithAttributes(telemetry.ActionAttributes(act.ID, string(act.Type))...))
	defer func() { telemetry.End(span, err) }()

	log := o.logger.With(slog.String("action_id", act.ID), slog.String("action_type", string(act.Type)))
	o.emit(ctx, actionEvent(lifecycle.TypeActionExecuting, act))

	var registered string
	fail := func(cause error, report bool) error {
		if registered != "" {
			removed := true
			cleanupCtx := context.WithoutCancel(ctx)
			err := o.do(cleanupCtx, func(reg *session.Registry) { removed = reg.DeleteIf(act.ID, registered) })
			if err == nil && !removed {
				// 会话已被目标广播或超时扫描结束，终态以那一次为准。
				log.Warn("会话已结束，忽略后续执行错误",
					slog.String("session_id", registered), slog.Any("error", cause))
				return nil
			}
		}
		log.Warn("操作执行失败", slog.Any("error", cause))
		o.emit(ctx, actionEvent(lifecycle.TypeActionFailed, act).WithError(cause))
		if report {
			o.reportFailure(context.WithoutCancel(ctx), act.ID, cause)
		}
		return cause
	}

	var live bool
	if err := o.do(ctx, func(reg *session.Registry) { _, live = reg.Get(act.ID) }); err != nil {
		return fail(err, false)
	}
	if live {
		return fail(session.ErrSessionConflict, false)
	}

	meta := runtime.SessionMetadata{ActionID: act.ID, ActionType: act.Type, Source: o.source}
	created, err := o.client.CreateSession(ctx, runtime.CreateSessionRequest{
		AgentID:  o.identity.AgentID,
		UserID:   o.identity.UserID,
		Metadata: meta,
	})
	if err != nil {
		return fail(err, true)
	}

	details, err := o.client.GetSession(ctx, created.SessionID)
	if err != nil {
		return fail(err, true)
	}
	if details.ChannelID == "" {
		return fail(xerrors.New(xerrors.CodeRemoteCallFailed, "会话详情缺少 channelId",
			xerrors.WithMetadata("session_id", created.SessionID)), true)
	}

	now := o.now()
	entry := session.Entry{
		ActionID:           act.ID,
		SessionID:          created.SessionID,
		ChannelID:          details.ChannelID,
		ServerID:           serverIDOf(details),
		ExpectedActionType: act.Type,
		CreatedAt:          now,
	}
	if o.sessionTimeout > 0 {
		entry.Deadline = now.Add(o.sessionTimeout)
	}
	var putErr error
	if err := o.do(ctx, func(reg *session.Registry) { putErr = reg.Put(entry) }); err != nil {
		return fail(err, true)
	}
	if putErr != nil {
		return fail(putErr, false)
	}
	registered = entry.SessionID

	err = o.transport.Join(ctx, transport.JoinRequest{
		ChannelID: entry.ChannelID,
		RoomID:    entry.ChannelID,
		EntityID:  o.identity.UserID,
		ServerID:  entry.ServerID,
	})
	if err != nil {
		return fail(err, true)
	}

	if err := o.client.SendMessage(ctx, entry.SessionID, runtime.MessageRequest{
		Content:  act.TriggerMessage,
		Metadata: meta,
	}); err != nil {
		return fail(err, true)
	}

	log.Info("操作已提交运行时，等待目标广播",
		slog.String("session_id", entry.SessionID),
		slog.String("channel_id", entry.ChannelID),
	)
	return nil
}
