package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mhmohamad1380/DJ-Chat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Broadcaster 是网关依赖的组广播能力。Hub 只在本进程内投递，
// RedisRelay 经 Redis 在所有节点间投递。
type Broadcaster interface {
	Join(group string, c *Client)
	Leave(group string, c *Client)
	Publish(ctx context.Context, group string, ev Event) error
}

// Hub 管理组级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu     sync.RWMutex
	groups map[string]*GroupHub
}

func NewHub() *Hub { return &Hub{groups: make(map[string]*GroupHub)} }

// group 若组未初始化则懒加载一个 GroupHub。
func (h *Hub) group(name string) *GroupHub {
	h.mu.RLock()
	g := h.groups[name]
	h.mu.RUnlock()
	if g != nil {
		return g
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	g = h.groups[name]
	if g != nil {
		return g
	}
	g = newGroupHub(h, name)
	h.groups[name] = g
	go g.run()
	return g
}

func (h *Hub) lookup(name string) *GroupHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.groups[name]
}

// retire 在组变空后把它从 Hub 中摘除。
func (h *Hub) retire(g *GroupHub) {
	h.mu.Lock()
	if h.groups[g.name] == g {
		delete(h.groups, g.name)
	}
	h.mu.Unlock()
	close(g.done)
}

func (h *Hub) Join(name string, c *Client) {
	for {
		g := h.group(name)
		select {
		case g.register <- c:
			return
		case <-g.done:
		}
	}
}

func (h *Hub) Leave(name string, c *Client) {
	g := h.lookup(name)
	if g == nil {
		return
	}
	select {
	case g.unregister <- c:
	case <-g.done:
	}
}

// Publish 投递到本进程内的组成员；组不存在时静默忽略。
func (h *Hub) Publish(ctx context.Context, name string, ev Event) error {
	g := h.lookup(name)
	if g == nil {
		return nil
	}
	select {
	case g.broadcast <- ev:
		return nil
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Online(name string) int {
	g := h.lookup(name)
	if g == nil {
		return 0
	}
	return g.Online()
}

type GroupHub struct {
	hub        *Hub
	name       string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	done       chan struct{}
	online     int32
}

func newGroupHub(h *Hub, name string) *GroupHub {
	return &GroupHub{
		hub:        h,
		name:       name,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		done:       make(chan struct{}),
	}
}

func (g *GroupHub) run() {
	for {
		select {
		case c := <-g.register:
			g.clients[c] = true
			atomic.StoreInt32(&g.online, int32(len(g.clients)))
		case c := <-g.unregister:
			if _, ok := g.clients[c]; ok {
				delete(g.clients, c)
				atomic.StoreInt32(&g.online, int32(len(g.clients)))
			}
			// 排队中的事件已无人接收，直接回收
			if len(g.clients) == 0 {
				g.hub.retire(g)
				return
			}
		case ev := <-g.broadcast:
			for c := range g.clients {
				if !c.deliver(ev) {
					// 慢连接直接断开，不拖累组内其他成员
					delete(g.clients, c)
					atomic.StoreInt32(&g.online, int32(len(g.clients)))
					metrics.DeliveryErrors.WithLabelValues("slow_consumer").Inc()
					log.Warn().Str("group", g.name).Str("conn", c.id).Msg("dropping slow connection")
					c.close()
				}
			}
			if len(g.clients) == 0 {
				g.hub.retire(g)
				return
			}
		}
	}
}

// Online 返回组内在线连接数量，供 REST 接口复用。
func (g *GroupHub) Online() int { return int(atomic.LoadInt32(&g.online)) }
