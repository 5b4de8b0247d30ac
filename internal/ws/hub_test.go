package ws

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SuryanshYadav45/MediLink/internal/auth"
)

func newTestClient(userID, name string) *Client {
	return &Client{
		ident:   auth.Identity{UserID: userID, Username: name},
		send:    make(chan []byte, 256),
		rooms:   make(map[string]*RoomHub),
		roomIDs: make(map[string]string),
	}
}

// recvType 从客户端队列读取指定类型的事件,跳过 presence 等无关事件。
func recvType(t *testing.T, c *Client, want string) map[string]interface{} {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case b := <-c.send:
			var evt map[string]interface{}
			if err := json.Unmarshal(b, &evt); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if evt["type"] == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", want)
		}
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.rooms == nil {
		t.Error("NewHub() rooms map is nil")
	}
}

func TestHub_Online_NonExistentRoom(t *testing.T) {
	hub := NewHub()
	if online := hub.Online("L999"); online != 0 {
		t.Errorf("Online() for non-existent room = %d, want 0", online)
	}
}

func TestHub_Broadcast_NoRoomIsNoop(t *testing.T) {
	hub := NewHub()
	// 没有在线成员时广播直接丢弃,不得阻塞或 panic。
	done := make(chan struct{})
	go func() {
		hub.Broadcast("L999", []byte(`{"type":"message"}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast to absent room blocked")
	}
}

func TestRoomHub_Register(t *testing.T) {
	rh := NewRoomHub("L1")
	client := newTestClient("u1", "alice")

	go rh.run()
	rh.register <- client

	time.Sleep(10 * time.Millisecond)
	if rh.Online() != 1 {
		t.Errorf("Online() after register = %d, want 1", rh.Online())
	}

	evt := recvType(t, client, "presence_join")
	if evt["user_id"] != "u1" || evt["listing_id"] != "L1" {
		t.Errorf("presence_join event = %v", evt)
	}
}

func TestRoomHub_Unregister(t *testing.T) {
	rh := NewRoomHub("L1")
	client := newTestClient("u1", "alice")

	go rh.run()
	rh.register <- client
	time.Sleep(10 * time.Millisecond)

	rh.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if rh.Online() != 0 {
		t.Errorf("Online() after unregister = %d, want 0", rh.Online())
	}
}

func TestRoomHub_UnregisterUnknownClient(t *testing.T) {
	rh := NewRoomHub("L1")
	go rh.run()

	// 重复注销不应崩溃或影响计数。
	client := newTestClient("u1", "alice")
	rh.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if rh.Online() != 0 {
		t.Errorf("Online() = %d, want 0", rh.Online())
	}
}

func TestRoomHub_Broadcast(t *testing.T) {
	rh := NewRoomHub("L1")
	clients := []*Client{
		newTestClient("u1", "alice"),
		newTestClient("u2", "bob"),
		newTestClient("u3", "carol"),
	}

	go rh.run()
	for _, c := range clients {
		rh.register <- c
	}
	time.Sleep(20 * time.Millisecond)

	testMsg := []byte(`{"type":"message","content":"hello"}`)
	rh.broadcast <- testMsg

	var wg sync.WaitGroup
	received := make([]bool, len(clients))
	for i, c := range clients {
		wg.Add(1)
		go func(idx int, client *Client) {
			defer wg.Done()
			deadline := time.After(500 * time.Millisecond)
			for {
				select {
				case msg := <-client.send:
					if strings.Contains(string(msg), `"content":"hello"`) {
						received[idx] = true
						return
					}
				case <-deadline:
					return
				}
			}
		}(i, c)
	}
	wg.Wait()

	for i, r := range received {
		if !r {
			t.Errorf("Client %d did not receive broadcast message", i)
		}
	}
}

func TestHub_MultipleRooms(t *testing.T) {
	hub := NewHub()

	rh1 := hub.GetRoom("L1")
	rh2 := hub.GetRoom("L2")
	if rh1 == rh2 {
		t.Fatal("GetRoom returned same hub for distinct listings")
	}
	if again := hub.GetRoom("L1"); again != rh1 {
		t.Error("GetRoom must return the same hub for the same listing")
	}

	rh1.register <- newTestClient("u1", "alice")
	rh2.register <- newTestClient("u2", "bob")
	time.Sleep(20 * time.Millisecond)

	if hub.Online("L1") != 1 {
		t.Errorf("Online(L1) = %d, want 1", hub.Online("L1"))
	}
	if hub.Online("L2") != 1 {
		t.Errorf("Online(L2) = %d, want 1", hub.Online("L2"))
	}
}

func TestHub_RetireIdleRooms(t *testing.T) {
	hub := NewHub()
	idle := hub.GetRoom("L1")
	busy := hub.GetRoom("L2")
	busy.register <- newTestClient("u1", "alice")
	time.Sleep(10 * time.Millisecond)

	// 回退活跃时间,模拟两个房间都已超过 TTL。
	past := time.Now().Add(-time.Hour).UnixNano()
	atomic.StoreInt64(&idle.active, past)
	atomic.StoreInt64(&busy.active, past)

	hub.retireIdleRooms(30 * time.Minute)

	hub.mu.RLock()
	_, hasIdle := hub.rooms["L1"]
	_, hasBusy := hub.rooms["L2"]
	hub.mu.RUnlock()
	if hasIdle {
		t.Error("idle room must be retired")
	}
	if !hasBusy {
		t.Error("room with online members must survive the sweep")
	}

	// 回收后的房间在下一次 GetRoom 时重新懒创建。
	if again := hub.GetRoom("L1"); again == idle {
		t.Error("GetRoom must create a fresh hub after retirement")
	}
	select {
	case <-idle.stop:
	default:
		t.Error("retired room's run goroutine must be stopped")
	}
}

func TestRoomHub_ConcurrentRegister(t *testing.T) {
	rh := NewRoomHub("L1")
	go rh.run()

	var wg sync.WaitGroup
	numClients := 10
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rh.register <- newTestClient("u", "user")
		}(i)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if rh.Online() != numClients {
		t.Errorf("Online() after concurrent register = %d, want %d", rh.Online(), numClients)
	}
}
