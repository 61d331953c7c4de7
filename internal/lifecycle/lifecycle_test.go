package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ActionFlow/internal/action"
	xerrors "ActionFlow/internal/errors"
)

func sampleEvent() Event {
	return Event{
		Type:       TypeActionCompleted,
		ActionID:   "a1",
		ActionType: action.TypeSwap,
		SessionID:  "s1",
		At:         time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
	}
}

func TestBusDeliversToEverySubscriber(t *testing.T) {
	bus := NewBus(4)
	first := bus.Subscribe()
	second := bus.Subscribe()
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, bus.Subscribers())

	require.NoError(t, bus.Emit(context.Background(), sampleEvent()))
	assert.Equal(t, "a1", (<-first.C()).ActionID)
	assert.Equal(t, "a1", (<-second.C()).ActionID)

	bus.Unsubscribe(first.ID)
	_, ok := <-first.C()
	assert.False(t, ok)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe()
	require.NoError(t, bus.Emit(context.Background(), sampleEvent()))
	require.NoError(t, bus.Emit(context.Background(), sampleEvent()))
	assert.Equal(t, uint64(1), sub.Dropped())

	require.NoError(t, bus.Close())
	err := bus.Emit(context.Background(), sampleEvent())
	assert.True(t, xerrors.HasCode(err, CodeEmitFailed))
	_, ok := <-bus.Subscribe().C()
	assert.False(t, ok)
}

type fakeRedis struct {
	deadline time.Time
	channel  string
	payload  []byte
	err      error
	closed   bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.deadline, _ = ctx.Deadline()
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisPublisher(t *testing.T) {
	client := &fakeRedis{}
	pub := newRedisPublisher(client, "")
	require.NoError(t, pub.Emit(context.Background(), sampleEvent()))
	assert.Equal(t, "actionflow:lifecycle", client.channel)
	assert.WithinDuration(t, time.Now().Add(publishTimeout), client.deadline, time.Second)

	var decoded Event
	require.NoError(t, json.Unmarshal(client.payload, &decoded))
	assert.Equal(t, TypeActionCompleted, decoded.Type)
	assert.Equal(t, action.TypeSwap, decoded.ActionType)

	client.err = errors.New("connection reset")
	err := pub.Emit(context.Background(), sampleEvent())
	assert.True(t, xerrors.HasCode(err, CodeEmitFailed))

	require.NoError(t, pub.Close())
	assert.True(t, client.closed)
}

func TestNewRedisPublisherRequiresAddress(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), RedisConfig{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

type fakeChannel struct {
	deadline time.Time
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.deadline, _ = ctx.Deadline()
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

func TestRabbitMQPublisher(t *testing.T) {
	ch := &fakeChannel{}
	pub := newRabbitMQPublisher(ch, "", "actionflow.lifecycle")
	event := sampleEvent()
	require.NoError(t, pub.Emit(context.Background(), event))

	assert.Equal(t, "actionflow.lifecycle", ch.key)
	assert.False(t, ch.deadline.IsZero())
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, string(TypeActionCompleted), ch.msg.Type)
	assert.NotEmpty(t, ch.msg.MessageId)
	assert.True(t, event.At.Equal(ch.msg.Timestamp))

	ch.err = errors.New("channel closed")
	assert.True(t, xerrors.HasCode(pub.Emit(context.Background(), event), CodeEmitFailed))
	require.NoError(t, pub.Close())
}

func TestFanoutCollectsFailures(t *testing.T) {
	var delivered []Type
	ok := EmitterFunc(func(_ context.Context, e Event) error {
		delivered = append(delivered, e.Type)
		return nil
	})
	broken := EmitterFunc(func(context.Context, Event) error { return errors.New("boom") })

	fan := NewFanout(ok, nil, broken, ok)
	err := fan.Emit(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, delivered, 2)

	var nilFanout *Fanout
	assert.NoError(t, nilFanout.Emit(context.Background(), sampleEvent()))
}

func TestEventWithError(t *testing.T) {
	e := Event{Type: TypeActionFailed}.WithError(xerrors.New(xerrors.CodeTimeout, "session expired"))
	assert.Equal(t, xerrors.CodeTimeout, e.Code)
	assert.Contains(t, e.Error, "session expired")
	assert.Equal(t, Event{Type: TypeError}, Event{Type: TypeError}.WithError(nil))
	assert.NoError(t, AuditEmitter{}.Emit(context.Background(), e))
}
