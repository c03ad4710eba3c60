package presence

import (
	"context"
	"strconv"
	"time"
)

type Participant struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// Snapshot 是会话在某一时刻的在线状态，与观察者无关，可以直接在组内广播。
type Snapshot struct {
	Thread        string              `json:"thread"`
	Participants  [2]Participant      `json:"participants"`
	OnlineUserIDs []uint              `json:"online_user_ids"`
	LastSeen      map[uint]*time.Time `json:"last_seen"`
}

// Payload 是从某个参与者视角渲染出的在线状态消息。
type Payload struct {
	Type          string          `json:"type"`
	Thread        string          `json:"thread"`
	OnlineUserIDs []uint          `json:"online_user_ids"`
	MeID          uint            `json:"me_id"`
	MeOnline      bool            `json:"me_online"`
	PeerID        uint            `json:"peer_id"`
	PeerUsername  string          `json:"peer_username"`
	PeerOnline    bool            `json:"peer_online"`
	OnlineMap     map[string]bool `json:"online_map"`
	LastSeen      *string         `json:"last_seen"`
}

// Snapshot 读取两名参与者的在线状态与 last-seen。
func (t *Tracker) Snapshot(ctx context.Context, conv string, parts [2]Participant) (*Snapshot, error) {
	online, err := t.OnlineUserIDs(ctx, conv)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		Thread:        conv,
		Participants:  parts,
		OnlineUserIDs: online,
		LastSeen:      make(map[uint]*time.Time, 2),
	}
	for _, p := range parts {
		ts, err := t.LastSeen(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		s.LastSeen[p.ID] = ts
	}
	return s, nil
}

// Payload 等价于 Snapshot(...).View(requester)。
func (t *Tracker) Payload(ctx context.Context, conv string, parts [2]Participant, requester uint) (*Payload, error) {
	s, err := t.Snapshot(ctx, conv, parts)
	if err != nil {
		return nil, err
	}
	p := s.View(requester)
	return &p, nil
}

func (s *Snapshot) isOnline(id uint) bool {
	for _, v := range s.OnlineUserIDs {
		if v == id {
			return true
		}
	}
	return false
}

// View 从 requester 的视角渲染快照。
func (s *Snapshot) View(requester uint) Payload {
	me, peer := s.Participants[0], s.Participants[1]
	if peer.ID == requester {
		me, peer = peer, me
	}
	p := Payload{
		Type:          "presence",
		Thread:        s.Thread,
		OnlineUserIDs: s.OnlineUserIDs,
		MeID:          me.ID,
		MeOnline:      s.isOnline(me.ID),
		PeerID:        peer.ID,
		PeerUsername:  peer.Username,
		PeerOnline:    s.isOnline(peer.ID),
		OnlineMap:     make(map[string]bool, 2),
	}
	if p.OnlineUserIDs == nil {
		p.OnlineUserIDs = []uint{}
	}
	for _, part := range s.Participants {
		p.OnlineMap[strconv.FormatUint(uint64(part.ID), 10)] = s.isOnline(part.ID)
	}
	if ts := s.LastSeen[peer.ID]; ts != nil {
		v := ts.UTC().Format(time.RFC3339Nano)
		p.LastSeen = &v
	}
	return p
}
