package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ActionFlow/internal/action"
	xerrors "ActionFlow/internal/errors"
	"ActionFlow/internal/lifecycle"
	"ActionFlow/internal/observability/metrics"
	"ActionFlow/internal/runtime"
	"ActionFlow/internal/transport"
)

type resultUpdate struct {
	ActionID string
	Result   runtime.ActionResult
}

type fakeRuntime struct {
	mu sync.Mutex

	decideErr   error
	rejectOnAcc map[string]bool
	createErr   map[string]error
	sendErr     map[string]error
	noChannel   map[string]bool
	updateErr   error

	sessionAction map[string]string
	onSend        func(msg runtime.MessageRequest) error

	decideCalls [][]runtime.DecisionItem
	created     []runtime.CreateSessionRequest
	sent        []runtime.MessageRequest
	updates     []resultUpdate
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		rejectOnAcc: map[string]bool{},
		createErr:   map[string]error{},
		sendErr:     map[string]error{},
		noChannel:   map[string]bool{},

		sessionAction: map[string]string{},
	}
}

func remoteErr(path string) error {
	return xerrors.Wrap(xerrors.CodeRemoteCallFailed, errors.New("status 500"), "runtime call failed",
		xerrors.WithEndpoint("POST", path), xerrors.WithStatus(500))
}

func (f *fakeRuntime) Decide(_ context.Context, _ string, decisions []runtime.DecisionItem) (*runtime.DecideResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decideCalls = append(f.decideCalls, decisions)
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	result := &runtime.DecideResult{}
	for _, d := range decisions {
		if d.Decision == action.DecisionAccept && !f.rejectOnAcc[d.ActionID] {
			result.Accepted = append(result.Accepted, action.Action{ID: d.ActionID})
			continue
		}
		result.Rejected = append(result.Rejected, runtime.RejectedAction{ActionID: d.ActionID})
	}
	return result, nil
}

func (f *fakeRuntime) CreateSession(_ context.Context, req runtime.CreateSessionRequest) (*runtime.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[req.Metadata.ActionID]; err != nil {
		return nil, err
	}
	f.created = append(f.created, req)
	id := fmt.Sprintf("sess-%s-%d", req.Metadata.ActionID, len(f.created))
	f.sessionAction[id] = req.Metadata.ActionID
	return &runtime.Session{SessionID: id}, nil
}

func (f *fakeRuntime) GetSession(_ context.Context, sessionID string) (*runtime.SessionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	details := &runtime.SessionDetails{SessionID: sessionID, ChannelID: "chan-" + sessionID, UserID: "user-1"}
	if f.noChannel[f.sessionAction[sessionID]] {
		details.ChannelID = ""
	}
	return details, nil
}

func (f *fakeRuntime) SendMessage(_ context.Context, _ string, msg runtime.MessageRequest) error {
	f.mu.Lock()
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		if err := hook(msg); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[msg.Metadata.ActionID]; err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeRuntime) UpdateActionResult(_ context.Context, _ string, actionID string, result runtime.ActionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, resultUpdate{ActionID: actionID, Result: result})
	return f.updateErr
}

func (f *fakeRuntime) updatesFor(actionID string) []runtime.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ActionResult
	for _, u := range f.updates {
		if u.ActionID == actionID {
			out = append(out, u.Result)
		}
	}
	return out
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeRuntime) decideCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decideCalls)
}

type harness struct {
	orch    *Orchestrator
	rt      *fakeRuntime
	tr      *transport.Memory
	events  <-chan lifecycle.Event
	pending []lifecycle.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, nil, opts...)
}

// newHarnessWith 允许用 wrap 包装事件总线，模拟慢速或失败的下游。
func newHarnessWith(t *testing.T, wrap func(lifecycle.Emitter) lifecycle.Emitter, opts ...Option) *harness {
	t.Helper()
	rt := newFakeRuntime()
	tr := transport.NewMemory()
	bus := lifecycle.NewBus(256)
	sub := bus.Subscribe()

	var emitter lifecycle.Emitter = bus
	if wrap != nil {
		emitter = wrap(bus)
	}

	opts = append([]Option{WithMetrics(metrics.New()), WithSweepInterval(10 * time.Millisecond)}, opts...)
	orch, err := New(rt, tr, emitter, Identity{AgentID: "agent-1", UserID: "user-1"}, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not stop")
		}
		_ = bus.Close()
	})
	return &harness{orch: orch, rt: rt, tr: tr, events: sub.C()}
}

// expectEvent 返回第一个匹配的事件；先读到的其他事件留在 pending 中供后续断言。
func (h *harness) expectEvent(t *testing.T, typ lifecycle.Type, actionID string) lifecycle.Event {
	t.Helper()
	for i, e := range h.pending {
		if e.Type == typ && e.ActionID == actionID {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			return e
		}
	}
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ && e.ActionID == actionID {
				return e
			}
			h.pending = append(h.pending, e)
		case <-timeout:
			t.Fatalf("no %s event for %q; pending %v", typ, actionID, h.pending)
			return lifecycle.Event{}
		}
	}
}

func (h *harness) expectNoEvent(t *testing.T, wait time.Duration, actionID string, types ...lifecycle.Type) {
	t.Helper()
	forbidden := func(e lifecycle.Event) bool {
		for _, typ := range types {
			if e.Type == typ && e.ActionID == actionID {
				return true
			}
		}
		return false
	}
	for _, e := range h.pending {
		if forbidden(e) {
			t.Fatalf("unexpected %s event for %q", e.Type, actionID)
		}
	}
	timeout := time.After(wait)
	for {
		select {
		case e := <-h.events:
			if forbidden(e) {
				t.Fatalf("unexpected %s event for %q", e.Type, actionID)
			}
			h.pending = append(h.pending, e)
		case <-timeout:
			return
		}
	}
}

func broadcastPayload(actionID string, tags ...string) map[string]any {
	return map[string]any{
		"text":     "done: " + actionID,
		"content":  map[string]any{"actions": tags, "amount": "10"},
		"metadata": map[string]any{"actionId": actionID},
	}
}

func (h *harness) broadcast(t *testing.T, actionID string, tags ...string) {
	t.Helper()
	require.NoError(t, h.tr.Deliver(context.Background(), "messageBroadcast", broadcastPayload(actionID, tags...)))
}

// drain 等待事件循环消费完已投递的帧；随后的 do 命令一定在这些帧之后执行。
func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.tr.Frames()) == 0 }, 3*time.Second, 5*time.Millisecond)
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.orch.SessionCount(context.Background())
	require.NoError(t, err)
	return n
}

var (
	a1 = action.Action{ID: "a1", Type: action.TypeSellDust, TriggerMessage: "sell my dust"}
	a2 = action.Action{ID: "a2", Type: action.TypeSwap, TriggerMessage: "swap 10 USDC to ETH"}
)

func TestAcceptTwoActionsCompletesOnlyTargetBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.orch.AcceptActions(ctx, []action.Action{a1, a2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, result.Executed)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 2, h.count(t))
	h.expectEvent(t, lifecycle.TypeActionExecuting, "a1")
	h.expectEvent(t, lifecycle.TypeActionExecuting, "a2")

	joined := h.tr.Joined()
	require.Len(t, joined, 2)
	for _, j := range joined {
		assert.Equal(t, j.ChannelID, j.RoomID)
		assert.Equal(t, "user-1", j.EntityID)
		assert.Equal(t, uuid.Nil.String(), j.ServerID)
	}

	h.broadcast(t, "a1", "REPLY")
	h.broadcast(t, "a2", "SWAP")

	completed := h.expectEvent(t, lifecycle.TypeActionCompleted, "a2")
	require.NotNil(t, completed.Result)
	assert.Equal(t, "done: a2", completed.Result.Text)
	assert.JSONEq(t, `{"actions":["SWAP"],"amount":"10"}`, string(completed.Result.Data))
	assert.JSONEq(t, `{"actions":["SWAP"],"amount":"10"}`, string(completed.Data))

	h.drain(t)
	sessions, err := h.orch.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "a1", sessions[0].ActionID)
	assert.Equal(t, action.TypeSellDust, sessions[0].ExpectedActionType)

	updates := h.rt.updatesFor("a2")
	require.Len(t, updates, 1)
	assert.Equal(t, runtime.ResultCompleted, updates[0].Status)
	assert.Empty(t, h.rt.updatesFor("a1"))

	// 同一操作的第二次目标广播不会再次完成。
	h.broadcast(t, "a2", "SWAP")
	h.drain(t)
	h.expectNoEvent(t, 100*time.Millisecond, "a2", lifecycle.TypeActionCompleted, lifecycle.TypeActionFailed)
	assert.Len(t, h.rt.updatesFor("a2"), 1)
	assert.Equal(t, 1, h.count(t))
}

func TestIntermediateBroadcastKeepsSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.AcceptActions(context.Background(), []action.Action{a2})
	require.NoError(t, err)

	h.broadcast(t, "a2", "REPLY")
	require.NoError(t, h.tr.Deliver(context.Background(), "typing", map[string]any{"metadata": map[string]string{"actionId": "a2"}}))
	require.NoError(t, h.tr.DeliverRaw(context.Background(), transport.Frame{Event: "messageBroadcast", Data: json.RawMessage(`{{{`)}))
	h.drain(t)

	assert.Equal(t, 1, h.count(t))
	h.expectNoEvent(t, 100*time.Millisecond, "a2", lifecycle.TypeActionCompleted, lifecycle.TypeActionFailed)
	assert.Empty(t, h.rt.updatesFor("a2"))

	h.broadcast(t, "a2", "reply", "swap")
	h.expectEvent(t, lifecycle.TypeActionCompleted, "a2")
	h.drain(t)
	assert.Equal(t, 0, h.count(t))
}

func TestAcceptCreatesSessionsOnlyForConfirmedActions(t *testing.T) {
	h := newHarness(t)
	h.rt.rejectOnAcc["a2"] = true

	result, err := h.orch.AcceptActions(context.Background(), []action.Action{a1, a2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, result.Executed)
	assert.Equal(t, []string{"a2"}, result.Rejected)
	assert.Equal(t, 1, h.count(t))
	assert.Equal(t, 1, h.rt.createdCount())
	h.expectNoEvent(t, 50*time.Millisecond, "a2", lifecycle.TypeActionExecuting, lifecycle.TypeActionRejected)
}

func TestAcceptEmptyListIsInvalid(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.AcceptActions(context.Background(), nil)
	assert.Nil(t, result)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = h.orch.RejectActions(context.Background(), []action.Action{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	assert.Equal(t, 0, h.rt.decideCount())
	assert.Equal(t, 0, h.count(t))
}

func TestDecideFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.rt.decideErr = remoteErr("/api/agents/agent-1/plugins/worker/actions/decide")

	result, err := h.orch.AcceptActions(context.Background(), []action.Action{a1})
	assert.Nil(t, result)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeRemoteCallFailed))
	assert.Equal(t, 0, h.rt.createdCount())
	assert.Equal(t, 0, h.count(t))
}

func TestSendMessageFailureRemovesSession(t *testing.T) {
	h := newHarness(t)
	h.rt.sendErr["a2"] = remoteErr("/api/messaging/sessions/x/messages")

	result, err := h.orch.AcceptActions(context.Background(), []action.Action{a1, a2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, result.Executed)
	require.Contains(t, result.Failed, "a2")
	assert.True(t, xerrors.HasCode(result.Failed["a2"], xerrors.CodeRemoteCallFailed))

	failed := h.expectEvent(t, lifecycle.TypeActionFailed, "a2")
	assert.Equal(t, xerrors.CodeRemoteCallFailed, failed.Code)

	sessions, err := h.orch.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "a1", sessions[0].ActionID)

	updates := h.rt.updatesFor("a2")
	require.Len(t, updates, 1)
	assert.Equal(t, runtime.ResultFailed, updates[0].Status)
}

func TestJoinAndSessionDetailFailures(t *testing.T) {
	h := newHarness(t)
	h.tr.FailJoins(xerrors.New(xerrors.CodeTransportUnavailable, "socket down"))

	result, err := h.orch.AcceptActions(context.Background(), []action.Action{a1})
	require.NoError(t, err)
	assert.True(t, xerrors.HasCode(result.Failed["a1"], xerrors.CodeTransportUnavailable))
	assert.Equal(t, 0, h.count(t))

	h.tr.FailJoins(nil)
	h.rt.noChannel["a2"] = true
	result, err = h.orch.AcceptActions(context.Background(), []action.Action{a2})
	require.NoError(t, err)
	assert.True(t, xerrors.HasCode(result.Failed["a2"], xerrors.CodeRemoteCallFailed))
	assert.Equal(t, 0, h.count(t))

	h.rt.createErr["a1"] = remoteErr("/api/messaging/sessions")
	result, err = h.orch.AcceptActions(context.Background(), []action.Action{a1})
	require.NoError(t, err)
	assert.Contains(t, result.Failed, "a1")
	assert.Equal(t, 0, h.count(t))
}

func TestRejectEmitsOneEventAndCreatesNoSession(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.RejectActions(context.Background(), []action.Action{a1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, result.Rejected)
	assert.Empty(t, result.Executed)

	rejected := h.expectEvent(t, lifecycle.TypeActionRejected, "a1")
	assert.Equal(t, action.TypeSellDust, rejected.ActionType)
	h.expectNoEvent(t, 50*time.Millisecond, "a1", lifecycle.TypeActionRejected, lifecycle.TypeActionExecuting)

	assert.Equal(t, 0, h.rt.createdCount())
	assert.Equal(t, 0, h.count(t))
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	require.Len(t, h.rt.decideCalls, 1)
	assert.Equal(t, action.DecisionReject, h.rt.decideCalls[0][0].Decision)
}

func TestResultUpdateFailureFailsAction(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.AcceptActions(context.Background(), []action.Action{a2})
	require.NoError(t, err)

	h.rt.mu.Lock()
	h.rt.updateErr = remoteErr("/api/agents/agent-1/plugins/worker/action/a2/result")
	h.rt.mu.Unlock()

	h.broadcast(t, "a2", "SWAP")
	failed := h.expectEvent(t, lifecycle.TypeActionFailed, "a2")
	assert.Equal(t, xerrors.CodeResultUpdateFailed, failed.Code)
	h.drain(t)
	assert.Equal(t, 0, h.count(t))
}

func TestSendFailureAfterTargetBroadcastKeepsCompletion(t *testing.T) {
	h := newHarness(t)
	h.rt.mu.Lock()
	h.rt.onSend = func(msg runtime.MessageRequest) error {
		if msg.Metadata.ActionID != "a2" {
			return nil
		}
		// 运行时已处理消息并广播了目标事件，但 HTTP 响应失败。
		if err := h.tr.Deliver(context.Background(), "messageBroadcast", broadcastPayload("a2", "SWAP")); err != nil {
			return err
		}
		deadline := time.Now().Add(3 * time.Second)
		for len(h.rt.updatesFor("a2")) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		return remoteErr("/api/messaging/sessions/x/messages")
	}
	h.rt.mu.Unlock()

	result, err := h.orch.AcceptActions(context.Background(), []action.Action{a1, a2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, result.Executed)
	assert.Empty(t, result.Failed)

	h.expectEvent(t, lifecycle.TypeActionCompleted, "a2")
	h.expectNoEvent(t, 100*time.Millisecond, "a2", lifecycle.TypeActionFailed)

	updates := h.rt.updatesFor("a2")
	require.Len(t, updates, 1)
	assert.Equal(t, runtime.ResultCompleted, updates[0].Status)

	h.drain(t)
	assert.Equal(t, 1, h.count(t))
}

func TestSessionDeadlineExpires(t *testing.T) {
	h := newHarness(t, WithSessionTimeout(50*time.Millisecond))
	_, err := h.orch.AcceptActions(context.Background(), []action.Action{a1})
	require.NoError(t, err)

	failed := h.expectEvent(t, lifecycle.TypeActionFailed, "a1")
	assert.Equal(t, xerrors.CodeTimeout, failed.Code)
	assert.Equal(t, 0, h.count(t))

	require.Eventually(t, func() bool { return len(h.rt.updatesFor("a1")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, runtime.ResultFailed, h.rt.updatesFor("a1")[0].Status)

	// 超时后的迟到广播被忽略。
	h.broadcast(t, "a1", "SELL_DUST")
	h.drain(t)
	h.expectNoEvent(t, 50*time.Millisecond, "a1", lifecycle.TypeActionCompleted)
}

func TestSecondAcceptOfLiveActionConflicts(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.AcceptActions(context.Background(), []action.Action{a1})
	require.NoError(t, err)

	result, err := h.orch.AcceptActions(context.Background(), []action.Action{a1, a1})
	require.NoError(t, err)
	assert.True(t, xerrors.HasCode(result.Failed["a1"], action.CodeSessionConflict))
	assert.Equal(t, 1, h.count(t))
	assert.Equal(t, 1, h.rt.createdCount())
	assert.Empty(t, h.rt.updatesFor("a1"), "a conflicting attempt must not report over the live one")
}

func TestConcurrentBatchKeepsOneEntryPerAction(t *testing.T) {
	h := newHarness(t, WithConcurrency(3))
	actions := make([]action.Action, 0, 20)
	for i := 0; i < 20; i++ {
		actions = append(actions, action.Action{ID: fmt.Sprintf("act-%02d", i), Type: action.TypeTakeProfit, TriggerMessage: "take profit"})
	}

	result, err := h.orch.AcceptActions(context.Background(), actions)
	require.NoError(t, err)
	assert.Len(t, result.Executed, 20)
	assert.Equal(t, 20, h.count(t))

	stats, err := h.orch.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, stats.ByActionType[action.TypeTakeProfit])

	for _, act := range actions {
		h.broadcast(t, act.ID, "take_profit")
	}
	for _, act := range actions {
		h.expectEvent(t, lifecycle.TypeActionCompleted, act.ID)
	}
	h.drain(t)
	assert.Equal(t, 0, h.count(t))
}

func TestTransportStateEvents(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, transport.StateConnected, h.orch.State())

	h.tr.SetState(transport.StateDisconnected, errors.New("read: connection reset"))
	h.expectEvent(t, lifecycle.TypeDisconnected, "")
	errEvent := h.expectEvent(t, lifecycle.TypeError, "")
	assert.Equal(t, xerrors.CodeTransportUnavailable, errEvent.Code)
	assert.Equal(t, transport.StateDisconnected, h.orch.State())

	_, err := h.orch.AcceptActions(context.Background(), []action.Action{a1})
	require.NoError(t, err)
	failed := h.expectEvent(t, lifecycle.TypeActionFailed, "a1")
	assert.Equal(t, xerrors.CodeTransportUnavailable, failed.Code)

	h.tr.SetState(transport.StateConnected, nil)
	h.expectEvent(t, lifecycle.TypeConnected, "")
}

type blockingEmitter struct {
	next    lifecycle.Emitter
	block   lifecycle.Type
	entered chan struct{}
	release chan struct{}

	enterOnce   sync.Once
	releaseOnce sync.Once
}

func newBlockingEmitter(block lifecycle.Type) *blockingEmitter {
	return &blockingEmitter{block: block, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingEmitter) Emit(ctx context.Context, event lifecycle.Event) error {
	if event.Type == b.block {
		b.enterOnce.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.next.Emit(ctx, event)
}

func (b *blockingEmitter) unblock() {
	b.releaseOnce.Do(func() { close(b.release) })
}

func TestSlowStateSubscriberDoesNotStallBroadcasts(t *testing.T) {
	blocker := newBlockingEmitter(lifecycle.TypeDisconnected)
	h := newHarnessWith(t, func(next lifecycle.Emitter) lifecycle.Emitter {
		blocker.next = next
		return blocker
	})
	t.Cleanup(blocker.unblock)

	_, err := h.orch.AcceptActions(context.Background(), []action.Action{a2})
	require.NoError(t, err)

	h.tr.SetState(transport.StateDisconnected, nil)
	select {
	case <-blocker.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnected event was not emitted")
	}

	h.broadcast(t, "a2", "SWAP")
	h.expectEvent(t, lifecycle.TypeActionCompleted, "a2")
	assert.Equal(t, 0, h.count(t))

	blocker.unblock()
	h.expectEvent(t, lifecycle.TypeDisconnected, "")
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(nil, transport.NewMemory(), nil, Identity{AgentID: "a", UserID: "u"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))

	_, err = New(newFakeRuntime(), transport.NewMemory(), nil, Identity{AgentID: "a"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestRunOnlyOnce(t *testing.T) {
	h := newHarness(t)
	require.Eventually(t, func() bool { return h.orch.started.Load() }, time.Second, time.Millisecond)
	err := h.orch.Run(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

func TestBatchResultJSON(t *testing.T) {
	result := newBatchResult()
	result.Executed = append(result.Executed, "a1")
	result.Failed["a2"] = xerrors.New(xerrors.CodeTimeout, "expired")

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"executed":["a1"],"rejected":[],"failed":{"a2":{"code":"TIMEOUT","error":"[TIMEOUT] expired"}}}`, string(raw))
}
