package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mhmohamad1380/DJ-Chat/internal/models"

	"github.com/rs/zerolog"
)

func fakeClient(id uint, buffer int) *Client {
	return &Client{
		id:     fmt.Sprintf("conn-%d", id),
		user:   &models.User{ID: id, Username: fmt.Sprintf("user%d", id)},
		send:   make(chan []byte, 16),
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		log:    zerolog.Nop(),
	}
}

func waitOnline(t *testing.T, h *Hub, group string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Online(group) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Online(%q) = %d, want %d", group, h.Online(group), want)
}

func waitRetired(t *testing.T, h *Hub, group string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.lookup(group) != nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if h.lookup(group) != nil {
		t.Fatalf("empty group %q was not retired", group)
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.groups == nil {
		t.Error("NewHub() groups map is nil")
	}
}

func TestHub_Online_NonExistentGroup(t *testing.T) {
	hub := NewHub()
	if online := hub.Online("chat_nope"); online != 0 {
		t.Errorf("Online() for non-existent group = %d, want 0", online)
	}
}

func TestHub_JoinLeave(t *testing.T) {
	hub := NewHub()
	c := fakeClient(1, 8)

	hub.Join("chat_lobby", c)
	waitOnline(t, hub, "chat_lobby", 1)

	hub.Leave("chat_lobby", c)
	waitOnline(t, hub, "chat_lobby", 0)

	// 空组会被回收，之后可以重新加入
	waitRetired(t, hub, "chat_lobby")
	hub.Join("chat_lobby", c)
	waitOnline(t, hub, "chat_lobby", 1)

	// 对不存在的组调用 Leave 不会阻塞
	hub.Leave("chat_other", c)
}

func TestHub_PublishScopedToGroup(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	inLobby := []*Client{fakeClient(1, 8), fakeClient(2, 8), fakeClient(3, 8)}
	for _, c := range inLobby {
		hub.Join("chat_lobby", c)
	}
	outsider := fakeClient(4, 8)
	hub.Join("chat_other", outsider)
	waitOnline(t, hub, "chat_lobby", 3)

	ev, err := NewEvent(KindChatMessage, map[string]string{"message": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if err := hub.Publish(ctx, "chat_lobby", ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var wg sync.WaitGroup
	received := make([]bool, len(inLobby))
	for i, c := range inLobby {
		wg.Add(1)
		go func(idx int, c *Client) {
			defer wg.Done()
			select {
			case got := <-c.events:
				received[idx] = got.Kind == KindChatMessage && string(got.Payload) == string(ev.Payload)
			case <-time.After(time.Second):
			}
		}(i, c)
	}
	wg.Wait()
	for i, ok := range received {
		if !ok {
			t.Errorf("client %d did not receive the event", i)
		}
	}

	select {
	case got := <-outsider.events:
		t.Errorf("client in another group received %s", got.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	if err := hub.Publish(ctx, "chat_nobody", ev); err != nil {
		t.Errorf("Publish() to missing group = %v, want nil", err)
	}
}

func TestHub_DropsSlowConsumer(t *testing.T) {
	hub := NewHub()
	slow := fakeClient(1, 0)
	fast := fakeClient(2, 8)
	hub.Join("dm_x", slow)
	hub.Join("dm_x", fast)
	waitOnline(t, hub, "dm_x", 2)

	ev, _ := NewEvent(KindPresence, map[string]string{"thread": "x"})
	if err := hub.Publish(context.Background(), "dm_x", ev); err != nil {
		t.Fatal(err)
	}

	select {
	case <-slow.done:
	case <-time.After(time.Second):
		t.Fatal("slow client was not closed")
	}
	waitOnline(t, hub, "dm_x", 1)
	select {
	case <-fast.events:
	case <-time.After(time.Second):
		t.Error("fast client missed the event")
	}
}

func TestHub_RetiresWithQueuedEvents(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	ev, _ := NewEvent(KindChatMessage, map[string]string{"message": "burst"})

	for i := 0; i < 50; i++ {
		c := fakeClient(1, 8)
		hub.Join("dm_burst", c)
		for j := 0; j < 5; j++ {
			if err := hub.Publish(ctx, "dm_burst", ev); err != nil {
				t.Fatal(err)
			}
		}
		hub.Leave("dm_burst", c)
		waitRetired(t, hub, "dm_burst")
	}
}

func TestHub_ConcurrentJoin(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	numClients := 10
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			hub.Join("chat_busy", fakeClient(uint(id+1), 8))
		}(i)
	}
	wg.Wait()
	waitOnline(t, hub, "chat_busy", numClients)
}

func TestClient_DispatchIsolatesFailures(t *testing.T) {
	c := fakeClient(1, 8)
	var calls int
	c.handlers = &handlerTable{}
	c.handlers[KindChatMessage] = func(*Client, Event) error {
		calls++
		panic("boom")
	}
	c.handlers[KindPresence] = func(*Client, Event) error {
		calls++
		return fmt.Errorf("nope")
	}

	c.dispatch(Event{Kind: KindChatMessage, Payload: json.RawMessage(`{}`)})
	c.dispatch(Event{Kind: KindPresence, Payload: json.RawMessage(`{}`)})
	c.dispatch(Event{Kind: Kind(42), Payload: json.RawMessage(`{}`)})

	if calls != 2 {
		t.Errorf("handlers called %d times, want 2", calls)
	}
}

func TestParseReplyID(t *testing.T) {
	cases := []struct {
		raw  string
		want uint
	}{
		{`12`, 12},
		{`"34"`, 34},
		{`" 7 "`, 7},
		{`"abc"`, 0},
		{`0`, 0},
		{`-3`, 0},
		{`1.5`, 0},
		{`null`, 0},
		{`{"id":1}`, 0},
		{``, 0},
	}
	for _, tc := range cases {
		got := parseReplyID(json.RawMessage(tc.raw))
		if tc.want == 0 {
			if got != nil {
				t.Errorf("parseReplyID(%s) = %d, want nil", tc.raw, *got)
			}
			continue
		}
		if got == nil || *got != tc.want {
			t.Errorf("parseReplyID(%s) = %v, want %d", tc.raw, got, tc.want)
		}
	}
}
