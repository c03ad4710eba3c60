// Package presence 记录哪些用户在某个会话上有存活的连接。
//
// 状态保存在 Redis 中，所有节点看到的是同一份数据：
//
//	presence:conn:{conn}               hash {user_id, conversation}，TTL 即在线超时
//	presence:user:{user}:conns         连接 ID 集合
//	presence:conv:{conversation}:conns 连接 ID 集合
//	presence:user:{user}:last_seen     RFC 3339 时间戳，不过期
//
// 以连接 hash 是否存在为准。集合只是近期连接的缓存，成员的 hash 过期后
// 会被惰性清理，非正常断开的连接就是这样被发现的。
package presence

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/mhmohamad1380/DJ-Chat/internal/metrics"

	"github.com/go-redis/redis"
	"github.com/rs/zerolog/log"
)

// Tracker 的每个写操作都是一次 MULTI/EXEC 事务。
type Tracker struct {
	rdb       *redis.Client
	ttl       time.Duration
	heartbeat time.Duration
	now       func() time.Time
}

func NewTracker(rdb *redis.Client, ttl, heartbeat time.Duration) *Tracker {
	return &Tracker{rdb: rdb, ttl: ttl, heartbeat: heartbeat, now: time.Now}
}

func connKey(conn string) string { return "presence:conn:" + conn }
func convKey(conv string) string { return "presence:conv:" + conv + ":conns" }
func userKey(user uint) string   { return "presence:user:" + uid(user) + ":conns" }
func seenKey(user uint) string   { return "presence:user:" + uid(user) + ":last_seen" }

func uid(id uint) string { return strconv.FormatUint(uint64(id), 10) }

func (t *Tracker) client(ctx context.Context) *redis.Client {
	return t.rdb.WithContext(ctx)
}

func (t *Tracker) stamp() string {
	return t.now().UTC().Format(time.RFC3339Nano)
}

// MarkOnline 登记一个连接。
func (t *Tracker) MarkOnline(ctx context.Context, user uint, conv, conn string) error {
	return t.observe(t.register(ctx, user, conv, conn))
}

// Touch 刷新连接记录的 TTL 与 last-seen。它会重新写入完整记录，
// 所以存储短暂不可用之后的下一次心跳即可恢复在线状态。
func (t *Tracker) Touch(ctx context.Context, user uint, conv, conn string) error {
	return t.observe(t.register(ctx, user, conv, conn))
}

func (t *Tracker) register(ctx context.Context, user uint, conv, conn string) error {
	_, err := t.client(ctx).TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.SAdd(userKey(user), conn)
		pipe.Expire(userKey(user), t.ttl)
		pipe.SAdd(convKey(conv), conn)
		pipe.Expire(convKey(conv), t.ttl)
		pipe.HMSet(connKey(conn), map[string]interface{}{
			"user_id":      uid(user),
			"conversation": conv,
		})
		pipe.Expire(connKey(conn), t.ttl)
		pipe.Set(seenKey(user), t.stamp(), 0)
		return nil
	})
	return err
}

// MarkOffline 注销一个连接；对未登记的连接调用也是安全的。
func (t *Tracker) MarkOffline(ctx context.Context, user uint, conv, conn string) error {
	_, err := t.client(ctx).TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.SRem(userKey(user), conn)
		pipe.SRem(convKey(conv), conn)
		pipe.Del(connKey(conn))
		pipe.Set(seenKey(user), t.stamp(), 0)
		return nil
	})
	return t.observe(err)
}

// OnlineUserIDs 返回会话中仍有未过期连接的用户，升序去重。
func (t *Tracker) OnlineUserIDs(ctx context.Context, conv string) ([]uint, error) {
	c := t.client(ctx)
	conns, err := c.SMembers(convKey(conv)).Result()
	if err != nil {
		return nil, t.observe(err)
	}
	if len(conns) == 0 {
		return []uint{}, nil
	}

	cmds := make([]*redis.StringCmd, len(conns))
	_, err = c.Pipelined(func(pipe redis.Pipeliner) error {
		for i, id := range conns {
			cmds[i] = pipe.HGet(connKey(id), "user_id")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, t.observe(err)
	}

	seen := make(map[uint]struct{}, len(conns))
	var stale []interface{}
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err == redis.Nil {
			stale = append(stale, conns[i])
			continue
		}
		if err != nil {
			return nil, t.observe(err)
		}
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			stale = append(stale, conns[i])
			continue
		}
		seen[uint(id)] = struct{}{}
	}
	if len(stale) > 0 {
		if err := c.SRem(convKey(conv), stale...).Err(); err != nil {
			log.Debug().Err(err).Str("conversation", conv).Msg("prune stale presence")
		}
	}

	ids := make([]uint, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// LastSeen 返回用户最近一次活动时间，从未上线时为 nil。
func (t *Tracker) LastSeen(ctx context.Context, user uint) (*time.Time, error) {
	v, err := t.client(ctx).Get(seenKey(user)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, t.observe(err)
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, nil
	}
	return &ts, nil
}

// Heartbeat 按固定间隔调用 Touch，直到 ctx 被取消；每次刷新后调用 onTick。
func (t *Tracker) Heartbeat(ctx context.Context, user uint, conv, conn string, onTick func(context.Context)) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Touch(ctx, user, conv, conn); err != nil {
				log.Warn().Err(err).Str("conn", conn).Uint("user_id", user).Msg("presence heartbeat")
			}
			if onTick != nil && ctx.Err() == nil {
				onTick(ctx)
			}
		}
	}
}

func (t *Tracker) observe(err error) error {
	if err != nil {
		metrics.PresenceErrors.Inc()
	}
	return err
}
