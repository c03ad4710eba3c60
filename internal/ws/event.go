package ws

import (
	"encoding/json"
	"fmt"
)

// Kind 标识组内广播事件的类型，决定连接端用哪个 handler 处理。
type Kind uint8

const (
	KindChatMessage Kind = iota
	KindPresence
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindChatMessage:
		return "chat_message"
	case KindPresence:
		return "presence"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event 是组内广播的单元。Payload 保持为原始 JSON，
// 跨节点转发时无需重新编码。
type Event struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func NewEvent(kind Kind, v interface{}) (Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Payload: b}, nil
}

// handlerFunc 在连接的写协程中执行，可以直接写 socket。
type handlerFunc func(c *Client, ev Event) error

// handlerTable 按 Kind 索引；nil 表示该类型在此连接上被忽略。
type handlerTable [kindCount]handlerFunc

// forward 原样转发事件负载。
func forward(c *Client, ev Event) error {
	return c.writeFrame(ev.Payload)
}

// RoomGroup 与 DirectGroup 给出会话对应的广播组名，任何节点计算结果都一致。
func RoomGroup(name string) string { return "chat_" + name }

func DirectGroup(thread string) string { return "dm_" + thread }
