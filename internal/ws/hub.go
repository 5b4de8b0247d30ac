package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SuryanshYadav45/MediLink/internal/metrics"
)

const (
	roomIdleTTL      = 30 * time.Minute
	roomReapInterval = time.Minute
)

// Hub 管理房间级别的子 Hub,按 listing 维度懒创建,并发安全。
// 它同时是系统消息的广播出口:审批服务通过 Broadcast 把持久化后的
// 系统消息推给当前在线的成员,Hub 不会反向修改房间成员关系。
// 空置超过 TTL 的 RoomHub 会被回收,下次 join 时重新懒创建。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*RoomHub
}

func NewHub() *Hub {
	h := &Hub{rooms: make(map[string]*RoomHub)}
	go h.janitor()
	return h
}

// GetRoom 若房间未初始化则懒加载一个 RoomHub,并刷新活跃时间。
func (h *Hub) GetRoom(listingID string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[listingID]
	h.mu.RUnlock()
	if room != nil {
		room.touch()
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[listingID]
	if room != nil {
		room.touch()
		return room
	}
	room = NewRoomHub(listingID)
	h.rooms[listingID] = room
	go room.run()
	return room
}

func (h *Hub) janitor() {
	ticker := time.NewTicker(roomReapInterval)
	defer ticker.Stop()
	for range ticker.C {
		h.retireIdleRooms(roomIdleTTL)
	}
}

// retireIdleRooms 回收空置超过 TTL 的房间并终止其 run goroutine。
// GetRoom/Broadcast 取用时会刷新活跃时间,刚被取走的房间在 TTL 内不会被回收。
func (h *Hub) retireIdleRooms(ttl time.Duration) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, room := range h.rooms {
		if room.Online() == 0 && now.Sub(room.lastActiveAt()) > ttl {
			close(room.stop)
			delete(h.rooms, id)
		}
	}
}

func (h *Hub) Online(listingID string) int {
	h.mu.RLock()
	room := h.rooms[listingID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Broadcast 把已持久化的消息投递给房间内所有在线连接。
// 房间没有任何在线连接时直接丢弃:晚加入的客户端靠历史接口补齐。
func (h *Hub) Broadcast(listingID string, payload []byte) {
	h.mu.RLock()
	room := h.rooms[listingID]
	h.mu.RUnlock()
	if room == nil {
		return
	}
	room.touch()
	room.broadcast <- payload
}

// RoomHub 持有单个房间的在线连接集合,所有注册/注销/广播
// 都经由 run goroutine 串行处理。
type RoomHub struct {
	listingID  string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	stop       chan struct{}
	online     int32
	active     int64 // unix nano,最近一次活动时间
}

func NewRoomHub(listingID string) *RoomHub {
	return &RoomHub{
		listingID:  listingID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		stop:       make(chan struct{}),
		active:     time.Now().UnixNano(),
	}
}

func (rh *RoomHub) touch() { atomic.StoreInt64(&rh.active, time.Now().UnixNano()) }

func (rh *RoomHub) lastActiveAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&rh.active))
}

func (rh *RoomHub) run() {
	for {
		select {
		case <-rh.stop:
			return
		case c := <-rh.register:
			rh.touch()
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			rh.presence("presence_join", c)
		case c := <-rh.unregister:
			rh.touch()
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
				rh.presence("presence_leave", c)
			}
		case msg := <-rh.broadcast:
			rh.touch()
			for c := range rh.clients {
				select {
				case c.send <- msg:
				default:
					// 慢连接不拖累其他接收者:移出房间并整体掐断该连接。
					delete(rh.clients, c)
					atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
					metrics.WsBroadcastDropped.Inc()
					go c.evict()
				}
			}
		}
	}
}

// presence 向房间内广播上下线事件,发送不可阻塞。
func (rh *RoomHub) presence(event string, c *Client) {
	evt := map[string]interface{}{
		"type":       event,
		"listing_id": rh.listingID,
		"user_id":    c.ident.UserID,
		"username":   c.ident.Username,
		"online":     int(atomic.LoadInt32(&rh.online)),
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	for cli := range rh.clients {
		select {
		case cli.send <- b:
		default:
			delete(rh.clients, cli)
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			metrics.WsBroadcastDropped.Inc()
			go cli.evict()
		}
	}
}

// Online 返回房间在线连接数量,供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
