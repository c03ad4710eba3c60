package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	applog "github.com/mhmohamad1380/DJ-Chat/internal/log"
	"github.com/mhmohamad1380/DJ-Chat/internal/metrics"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"
	"github.com/mhmohamad1380/DJ-Chat/internal/presence"
	"github.com/mhmohamad1380/DJ-Chat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const offlineTimeout = 5 * time.Second

type ThreadStore interface {
	Lookup(ctx context.Context, id string) (*models.DirectThread, error)
	Participants(ctx context.Context, thread *models.DirectThread) ([2]service.Participant, error)
}

type DirectPoster interface {
	Send(ctx context.Context, thread *models.DirectThread, sender *models.User, text string, replyToID *uint) (*service.DirectChatPayload, error)
}

// Presence 是网关需要的在线状态能力，由 presence.Tracker 实现。
type Presence interface {
	MarkOnline(ctx context.Context, user uint, conv, conn string) error
	MarkOffline(ctx context.Context, user uint, conv, conn string) error
	Snapshot(ctx context.Context, conv string, parts [2]presence.Participant) (*presence.Snapshot, error)
	Heartbeat(ctx context.Context, user uint, conv, conn string, onTick func(context.Context))
}

// DirectGateway 处理 /ws/dm-chat/:thread_uuid，负责私聊消息与在线状态。
type DirectGateway struct {
	auth     Identifier
	threads  ThreadStore
	messages DirectPoster
	presence Presence
	bus      Broadcaster
	limiter  Limiter
	upgrader websocket.Upgrader
	handlers handlerTable
	log      zerolog.Logger
}

func NewDirectGateway(auth Identifier, threads ThreadStore, messages DirectPoster, tracker Presence, bus Broadcaster, upgrader websocket.Upgrader, limiter Limiter) *DirectGateway {
	g := &DirectGateway{
		auth:     auth,
		threads:  threads,
		messages: messages,
		presence: tracker,
		bus:      bus,
		limiter:  limiter,
		upgrader: upgrader,
		log:      applog.Component("direct_gateway"),
	}
	g.handlers[KindChatMessage] = forward
	g.handlers[KindPresence] = renderPresence
	return g
}

// renderPresence 把组内广播的快照渲染成当前连接用户的视角。
func renderPresence(c *Client, ev Event) error {
	var snap presence.Snapshot
	if err := json.Unmarshal(ev.Payload, &snap); err != nil {
		return errors.Wrap(err, "decode presence snapshot")
	}
	b, err := json.Marshal(snap.View(c.user.ID))
	if err != nil {
		return err
	}
	return c.writeFrame(b)
}

// session 是一条私聊连接在其生命周期内不变的上下文。
type session struct {
	thread *models.DirectThread
	parts  [2]presence.Participant
	group  string
}

func (g *DirectGateway) Serve(c *gin.Context) {
	id := c.Param("thread_uuid")
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

	thread, err := g.threads.Lookup(ctx, id)
	if errors.Is(err, service.ErrThreadNotFound) {
		reject(conn, CloseNotFound)
		return
	}
	if err != nil {
		g.log.Error().Err(err).Str("thread", id).Msg("lookup thread")
		reject(conn, websocket.CloseInternalServerErr)
		return
	}
	if !thread.Has(user.ID) {
		reject(conn, CloseForbidden)
		return
	}
	parts, err := g.threads.Participants(ctx, thread)
	if err != nil {
		g.log.Error().Err(err).Str("thread", id).Msg("load participants")
		reject(conn, websocket.CloseInternalServerErr)
		return
	}

	s := &session{thread: thread, group: DirectGroup(thread.UUID)}
	for i, p := range parts {
		s.parts[i] = presence.Participant{ID: p.ID, Username: p.Username}
	}
	client := newClient(conn, user, &g.handlers, g.log.With().Str("thread", thread.UUID).Logger())

	g.bus.Join(s.group, client)
	metrics.WsConnections.WithLabelValues("direct").Inc()
	if err := g.presence.MarkOnline(ctx, user.ID, thread.UUID, client.id); err != nil {
		client.log.Warn().Err(err).Msg("mark online")
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		g.presence.Heartbeat(hbCtx, user.ID, thread.UUID, client.id, func(ctx context.Context) {
			g.broadcastPresence(ctx, s)
		})
	}()

	go client.writePump()
	g.sendSnapshot(ctx, client, s)
	g.broadcastPresence(ctx, s)

	client.readPump(func(data []byte) {
		g.receive(client, s, data)
	})

	// 断开顺序：离开组，停止心跳，标记离线，再通知对方。
	g.bus.Leave(s.group, client)
	stopHeartbeat()
	<-hbDone
	offCtx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
	defer cancel()
	if err := g.presence.MarkOffline(offCtx, user.ID, thread.UUID, client.id); err != nil {
		client.log.Warn().Err(err).Msg("mark offline")
	}
	g.broadcastPresence(offCtx, s)
	client.close()
	metrics.WsConnections.WithLabelValues("direct").Dec()
}

func (g *DirectGateway) snapshot(ctx context.Context, s *session) (*presence.Snapshot, error) {
	snap, err := g.presence.Snapshot(ctx, s.thread.UUID, s.parts)
	if err != nil {
		return nil, errors.Wrap(err, "presence snapshot")
	}
	return snap, nil
}

// sendSnapshot 只把当前快照发给请求方。
func (g *DirectGateway) sendSnapshot(ctx context.Context, c *Client, s *session) {
	snap, err := g.snapshot(ctx, s)
	if err != nil {
		c.log.Warn().Err(err).Msg("send presence")
		return
	}
	b, err := json.Marshal(snap.View(c.user.ID))
	if err != nil {
		return
	}
	c.push(b)
}

func (g *DirectGateway) broadcastPresence(ctx context.Context, s *session) {
	snap, err := g.snapshot(ctx, s)
	if err != nil {
		g.log.Warn().Err(err).Str("thread", s.thread.UUID).Msg("broadcast presence")
		return
	}
	ev, err := NewEvent(KindPresence, snap)
	if err != nil {
		return
	}
	if err := g.bus.Publish(ctx, s.group, ev); err != nil {
		metrics.DeliveryErrors.WithLabelValues("publish").Inc()
		g.log.Warn().Err(err).Str("thread", s.thread.UUID).Msg("publish presence")
	}
}

type directInbound struct {
	Action  string          `json:"action"`
	Message *string         `json:"message"`
	ReplyTo json.RawMessage `json:"reply_to"`
}

func (g *DirectGateway) receive(c *Client, s *session, data []byte) {
	var in directInbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.log.Debug().Msg("dropping malformed frame")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if in.Action == "presence.list" {
		g.sendSnapshot(ctx, c, s)
		return
	}
	if in.Message == nil {
		c.log.Debug().Str("action", in.Action).Msg("dropping frame without message")
		return
	}
	if g.limiter != nil && !g.limiter.Allow("ws:"+strconv.FormatUint(uint64(c.user.ID), 10)) {
		c.log.Debug().Msg("rate limited")
		return
	}

	out, err := g.messages.Send(ctx, s.thread, c.user, *in.Message, parseReplyID(in.ReplyTo))
	if errors.Is(err, service.ErrEmptyMessage) {
		return
	}
	if err != nil {
		c.log.Error().Err(err).Msg("persist direct message")
		return
	}
	ev, err := NewEvent(KindChatMessage, out)
	if err != nil {
		c.log.Error().Err(err).Msg("encode direct message")
		return
	}
	metrics.MessagesTotal.WithLabelValues("direct").Inc()
	if err := g.bus.Publish(ctx, s.group, ev); err != nil {
		metrics.DeliveryErrors.WithLabelValues("publish").Inc()
		c.log.Error().Err(err).Msg("broadcast direct message")
	}
}
