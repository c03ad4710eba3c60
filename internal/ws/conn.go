package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mhmohamad1380/DJ-Chat/internal/metrics"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"
	"github.com/mhmohamad1380/DJ-Chat/internal/mw"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
	eventBuffer    = 256
)

// 应用层关闭码，握手成功后用于拒绝连接。
const (
	CloseUnauthenticated = 4401
	CloseForbidden       = 4403
	CloseNotFound        = 4404
)

// NewUpgrader 构造 websocket 升级器，来源校验与 REST 的 CORS 规则一致：
// dev 环境放行所有来源。
func NewUpgrader(env string, allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return env == "dev" || mw.OriginAllowed(r.Header.Get("Origin"), r.Host, allowed)
		},
	}
}

// Client 是一条 websocket 连接。socket 只由写协程写入：
// 组事件经 events 进入，发给自己的帧经 send 进入。
type Client struct {
	id       string
	conn     *websocket.Conn
	user     *models.User
	send     chan []byte
	events   chan Event
	done     chan struct{}
	once     sync.Once
	handlers *handlerTable
	log      zerolog.Logger
}

func newClient(conn *websocket.Conn, user *models.User, handlers *handlerTable, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		conn:     conn,
		user:     user,
		send:     make(chan []byte, 16),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		handlers: handlers,
		log:      logger.With().Str("conn", id).Uint("user_id", user.ID).Logger(),
	}
}

// deliver 非阻塞地投递组事件；缓冲区满时返回 false。
func (c *Client) deliver(ev Event) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// push 把一帧只发给当前连接。
func (c *Client) push(b []byte) {
	select {
	case c.send <- b:
	case <-c.done:
	default:
		c.log.Warn().Msg("send buffer full, frame dropped")
	}
}

// close 通知写协程发出关闭帧并释放 socket，可重复调用。
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) writeFrame(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// dispatch 用 handler 表处理一个组事件；单个事件的错误或 panic 不影响连接。
func (c *Client) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DeliveryErrors.WithLabelValues("panic").Inc()
			c.log.Error().Interface("panic", r).Stringer("kind", ev.Kind).Msg("event handler panicked")
		}
	}()
	if ev.Kind >= kindCount || c.handlers[ev.Kind] == nil {
		c.log.Debug().Stringer("kind", ev.Kind).Msg("no handler for event")
		return
	}
	if err := c.handlers[ev.Kind](c, ev); err != nil {
		metrics.DeliveryErrors.WithLabelValues("handler").Inc()
		c.log.Warn().Err(err).Stringer("kind", ev.Kind).Msg("event handler failed")
	}
}

// readPump 顺序处理入站文本帧，连接断开时返回。
func (c *Client) readPump(onMessage func([]byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("read")
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		onMessage(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case b := <-c.send:
			if err := c.writeFrame(b); err != nil {
				return
			}
		case ev := <-c.events:
			c.dispatch(ev)
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reject 在握手完成后以应用层关闭码结束连接。
func reject(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, closeReason(code))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

func closeReason(code int) string {
	switch code {
	case CloseUnauthenticated:
		return "unauthenticated"
	case CloseForbidden:
		return "forbidden"
	case CloseNotFound:
		return "not found"
	case websocket.CloseInternalServerErr:
		return "internal error"
	default:
		return fmt.Sprintf("closed (%d)", code)
	}
}
