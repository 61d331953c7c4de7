package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "ActionFlow/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 发布的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	Queue      string
	Durable    bool
	AutoDelete bool
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher 将事件投递到 RabbitMQ。
type RabbitMQPublisher struct {
	conn       *amqp.Connection
	ch         amqpChannel
	exchange   string
	routingKey string
}

var _ Emitter = (*RabbitMQPublisher)(nil)

// NewRabbitMQPublisher 建立连接并声明目标队列。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "actionflow.lifecycle"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Exchange == "" {
		if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败")
		}
	} else if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ exchange 失败")
	}
	p := newRabbitMQPublisher(ch, cfg.Exchange, queue)
	p.conn = conn
	return p, nil
}

func newRabbitMQPublisher(ch amqpChannel, exchange, queue string) *RabbitMQPublisher {
	return &RabbitMQPublisher{ch: ch, exchange: exchange, routingKey: queue}
}

// Emit 以 JSON 消息投递事件，消息类型为事件类型。
func (p *RabbitMQPublisher) Emit(ctx context.Context, event Event) error {
	if p == nil || p.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 发布器未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(CodeEmitFailed, err, "编码事件失败")
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Type:        string(event.Type),
		Timestamp:   event.At,
		Body:        body,
	})
	if err != nil {
		return xerrors.Wrap(CodeEmitFailed, err, "RabbitMQ 发布事件失败",
			xerrors.WithMetadata("routing_key", p.routingKey))
	}
	return nil
}

// Close 关闭 channel 与连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
