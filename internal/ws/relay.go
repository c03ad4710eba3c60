package ws

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mhmohamad1380/DJ-Chat/internal/metrics"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const channelPrefix = "chat:group:"

type envelope struct {
	Group string `json:"group"`
	Event Event  `json:"event"`
}

// RedisRelay 让广播跨进程生效：Publish 写入 Redis 频道，
// Run 订阅所有组频道并把收到的事件交给本地 Hub。
type RedisRelay struct {
	hub *Hub
	rdb *redis.Client
}

func NewRedisRelay(hub *Hub, rdb *redis.Client) *RedisRelay {
	return &RedisRelay{hub: hub, rdb: rdb}
}

func (r *RedisRelay) Join(group string, c *Client)  { r.hub.Join(group, c) }
func (r *RedisRelay) Leave(group string, c *Client) { r.hub.Leave(group, c) }

// Online 只统计本节点的连接。
func (r *RedisRelay) Online(group string) int { return r.hub.Online(group) }

// Publish 写入 Redis 频道。Redis 不可用时退回到本节点投递，
// 故障期间同一节点上的连接仍能收到消息。
func (r *RedisRelay) Publish(ctx context.Context, group string, ev Event) error {
	b, err := json.Marshal(envelope{Group: group, Event: ev})
	if err != nil {
		return err
	}
	if err := r.rdb.WithContext(ctx).Publish(channelPrefix+group, b).Err(); err != nil {
		metrics.DeliveryErrors.WithLabelValues("relay_fallback").Inc()
		log.Warn().Err(err).Str("group", group).Msg("relay: redis publish failed, delivering locally")
		if lerr := r.hub.Publish(ctx, group, ev); lerr != nil {
			return errors.Wrapf(lerr, "publish to %s", group)
		}
	}
	return nil
}

// Run 阻塞直到 ctx 结束或订阅失败。订阅确认后才调用 ready（可为 nil）。
func (r *RedisRelay) Run(ctx context.Context, ready func()) error {
	ps := r.rdb.PSubscribe(channelPrefix + "*")
	defer ps.Close()
	if _, err := ps.Receive(); err != nil {
		return errors.Wrap(err, "subscribe group channels")
	}
	if ready != nil {
		ready()
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				metrics.DeliveryErrors.WithLabelValues("decode").Inc()
				log.Warn().Err(err).Str("channel", m.Channel).Msg("relay: bad envelope")
				continue
			}
			if env.Group == "" {
				env.Group = strings.TrimPrefix(m.Channel, channelPrefix)
			}
			if err := r.hub.Publish(ctx, env.Group, env.Event); err != nil {
				return nil
			}
		}
	}
}
