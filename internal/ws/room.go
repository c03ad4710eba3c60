package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	applog "github.com/mhmohamad1380/DJ-Chat/internal/log"
	"github.com/mhmohamad1380/DJ-Chat/internal/metrics"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"
	"github.com/mhmohamad1380/DJ-Chat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const persistTimeout = 10 * time.Second

// Identifier 从握手请求中解析出当前用户。
type Identifier interface {
	Identify(r *http.Request) (*models.User, error)
}

// Limiter 对入站聊天帧限速，nil 表示不限速。
type Limiter interface {
	Allow(key string) bool
}

type RoomStore interface {
	Lookup(ctx context.Context, name string) (*models.Room, error)
	IsMember(ctx context.Context, roomID, userID uint) (bool, error)
}

type RoomPoster interface {
	CreateRoomMessage(ctx context.Context, sender *models.User, roomName, text string, replyToID *uint) (*service.RoomChatEvent, error)
}

// RoomGateway 处理 /ws/room-chat/:room_name。
type RoomGateway struct {
	auth     Identifier
	rooms    RoomStore
	messages RoomPoster
	bus      Broadcaster
	limiter  Limiter
	upgrader websocket.Upgrader
	handlers handlerTable
	log      zerolog.Logger
}

func NewRoomGateway(auth Identifier, rooms RoomStore, messages RoomPoster, bus Broadcaster, upgrader websocket.Upgrader, limiter Limiter) *RoomGateway {
	g := &RoomGateway{
		auth:     auth,
		rooms:    rooms,
		messages: messages,
		bus:      bus,
		limiter:  limiter,
		upgrader: upgrader,
		log:      applog.Component("room_gateway"),
	}
	g.handlers[KindChatMessage] = forward
	return g
}

func (g *RoomGateway) Serve(c *gin.Context) {
	name := c.Param("room_name")
	user, authErr := g.auth.Identify(c.Request)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("upgrade")
		return
	}
	if authErr != nil || user == nil {
		reject(conn, CloseUnauthenticated)
		return
	}
	ctx := c.Request.Context()

	room, err := g.rooms.Lookup(ctx, name)
	if errors.Is(err, service.ErrRoomNotFound) {
		reject(conn, CloseNotFound)
		return
	}
	if err != nil {
		g.log.Error().Err(err).Str("room", name).Msg("lookup room")
		reject(conn, websocket.CloseInternalServerErr)
		return
	}
	ok, err := g.rooms.IsMember(ctx, room.ID, user.ID)
	if err != nil {
		g.log.Error().Err(err).Str("room", room.Name).Msg("check membership")
		reject(conn, websocket.CloseInternalServerErr)
		return
	}
	if !ok {
		reject(conn, CloseForbidden)
		return
	}

	group := RoomGroup(room.Name)
	client := newClient(conn, user, &g.handlers, g.log.With().Str("room", room.Name).Logger())
	g.bus.Join(group, client)
	metrics.WsConnections.WithLabelValues("room").Inc()
	defer func() {
		g.bus.Leave(group, client)
		client.close()
		metrics.WsConnections.WithLabelValues("room").Dec()
	}()

	go client.writePump()
	client.readPump(func(data []byte) {
		g.receive(client, room, group, data)
	})
}

type roomInbound struct {
	Message   *string         `json:"message"`
	RoomName  string          `json:"room_name"`
	ReplyToID json.RawMessage `json:"reply_to_id"`
	ReplyTo   json.RawMessage `json:"reply_to"`
}

// receive 持久化一条房间消息并广播。消息始终写入连接所属的房间，
// 负载里的 room_name 只用于日志。
func (g *RoomGateway) receive(c *Client, room *models.Room, group string, data []byte) {
	var in roomInbound
	if err := json.Unmarshal(data, &in); err != nil || in.Message == nil {
		c.log.Debug().Msg("dropping malformed frame")
		return
	}
	if g.limiter != nil && !g.limiter.Allow("ws:"+strconv.FormatUint(uint64(c.user.ID), 10)) {
		c.log.Debug().Msg("rate limited")
		return
	}
	if in.RoomName != "" && !strings.EqualFold(in.RoomName, room.Name) {
		c.log.Debug().Str("claimed_room", in.RoomName).Msg("room_name mismatch, using connection room")
	}
	reply := parseReplyID(in.ReplyToID)
	if reply == nil {
		reply = parseReplyID(in.ReplyTo)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	out, err := g.messages.CreateRoomMessage(ctx, c.user, room.Name, *in.Message, reply)
	if errors.Is(err, service.ErrEmptyMessage) {
		return
	}
	if err != nil {
		c.log.Error().Err(err).Msg("persist room message")
		return
	}
	ev, err := NewEvent(KindChatMessage, out)
	if err != nil {
		c.log.Error().Err(err).Msg("encode room message")
		return
	}
	metrics.MessagesTotal.WithLabelValues("room").Inc()
	if err := g.bus.Publish(ctx, group, ev); err != nil {
		metrics.DeliveryErrors.WithLabelValues("publish").Inc()
		c.log.Error().Err(err).Msg("broadcast room message")
	}
}

// parseReplyID 接受正整数或纯数字字符串，其余一律视为无回复。
func parseReplyID(raw json.RawMessage) *uint {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		s = strings.TrimSpace(t)
	default:
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return nil
	}
	id := uint(n)
	return &id
}
