package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	xerrors "ActionFlow/internal/errors"
)

// RedisConfig 描述 Redis 发布所需的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher 通过 PUBLISH 把事件广播给其他服务。
type RedisPublisher struct {
	client  redisPublisher
	channel string
}

var _ Emitter = (*RedisPublisher)(nil)

// NewRedisPublisher 连接 Redis 并校验连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return newRedisPublisher(client, cfg.Channel), nil
}

func newRedisPublisher(client redisPublisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = "actionflow:lifecycle"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Emit 以 JSON 发布事件。
func (p *RedisPublisher) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(CodeEmitFailed, err, "编码事件失败")
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return xerrors.Wrap(CodeEmitFailed, err, "Redis 发布事件失败",
			xerrors.WithMetadata("channel", p.channel))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
