package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/SuryanshYadav45/MediLink/internal/auth"
	"github.com/SuryanshYadav45/MediLink/internal/config"
	"github.com/SuryanshYadav45/MediLink/internal/directory"
	"github.com/SuryanshYadav45/MediLink/internal/metrics"
	"github.com/SuryanshYadav45/MediLink/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WS 错误码,对应错误分级:凭证错误在升级前以 401 拒绝,
// 以下错误只终结当前操作,连接保持打开。
const (
	CodeNotAuthorized  = "not_authorized"
	CodeRoomNotFound   = "room_not_found"
	CodeInvalidPayload = "invalid_payload"
	CodeSendFailed     = "send_failed"
)

// Client 对应一条 websocket 连接,身份在升级时确定且不可变。
// rooms 记录已加入的房间,只由 readPump goroutine 读写。
type Client struct {
	hub   *Hub
	dir   *directory.Service
	conn  *websocket.Conn
	send  chan []byte
	ident auth.Identity
	// rooms/roomIDs 构成连接的已加入集合,只由 readPump goroutine 读写。
	rooms   map[string]*RoomHub
	roomIDs map[string]string

	joinTimeout time.Duration
}

type InboundEvent struct {
	Type      string `json:"type"`
	ListingID string `json:"listing_id"`
	Content   string `json:"content"`
	IsTyping  bool   `json:"is_typing"`
}

type OutboundMessage struct {
	Type       string    `json:"type"`
	ListingID  string    `json:"listing_id"`
	RoomID     string    `json:"room_id"`
	Seq        int64     `json:"seq"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// EncodeMessage 把持久化后的消息编码为广播载荷,
// 接收端看到的时间戳与序号一律以服务端落库结果为准。
func EncodeMessage(listingID string, m *models.Message) ([]byte, error) {
	out := OutboundMessage{
		Type:       "message",
		ListingID:  listingID,
		RoomID:     m.RoomID,
		Seq:        m.Seq,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Kind:       m.Kind,
		Content:    m.Body,
		CreatedAt:  m.CreatedAt,
	}
	return json.Marshal(out)
}

// Serve 处理 /ws 升级:先完成凭证校验再升级,半认证的连接不存在。
// 握手受 HandshakeTimeout 约束,避免半开连接占用资源。
func Serve(h *Hub, dir *directory.Service, cfg config.Config) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}
	return func(c *gin.Context) {
		ident, err := auth.Authenticate(c.Request, cfg.JWTSecret)
		if err != nil {
			if errors.Is(err, auth.ErrMissingCredential) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			hub:         h,
			dir:         dir,
			conn:        conn,
			send:        make(chan []byte, 256),
			ident:       ident,
			rooms:       make(map[string]*RoomHub),
			roomIDs:     make(map[string]string),
			joinTimeout: time.Duration(cfg.JoinTimeoutSeconds) * time.Second,
		}
		metrics.WsConnections.Inc()

		go client.writePump()
		client.readPump()
	}
}

// readPump 驱动连接的事件循环。任何读错误都会触发同步清理:
// 先从所有已加入的房间注销,再关闭发送队列与底层连接。
func (c *Client) readPump() {
	defer func() {
		c.leaveAll()
		close(c.send)
		_ = c.conn.Close()
		metrics.WsConnections.Dec()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundEvent
		if err := json.Unmarshal(data, &in); err != nil || in.ListingID == "" {
			c.sendError(CodeInvalidPayload, "invalid payload", in.ListingID)
			continue
		}
		switch in.Type {
		case "join":
			c.handleJoin(in.ListingID)
		case "message":
			c.handleSend(in.ListingID, in.Content)
		case "typing":
			c.handleTyping(in.ListingID, in.IsTyping)
		default:
			c.sendError(CodeInvalidPayload, "unknown event type", in.ListingID)
		}
	}
}

// handleJoin 是完整鉴权点:查房间目录并校验成员身份,
// 通过后才把连接登记为房间在线成员。重复 join 幂等。
func (c *Client) handleJoin(listingID string) {
	if rh, ok := c.rooms[listingID]; ok {
		c.sendJoinSuccess(listingID, rh)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.joinTimeout)
	defer cancel()
	room, err := c.dir.Authorize(ctx, listingID, c.ident)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrRoomNotFound):
			c.sendError(CodeRoomNotFound, "no chat for this listing", listingID)
		case errors.Is(err, directory.ErrNotAuthorized):
			c.sendError(CodeNotAuthorized, "access denied to this chat", listingID)
		default:
			log.Error().Err(err).Str("listing_id", listingID).Str("user_id", c.ident.UserID).Msg("join lookup")
			c.sendError(CodeSendFailed, "join failed, retry", listingID)
		}
		return
	}

	rh := c.hub.GetRoom(listingID)
	select {
	case rh.register <- c:
	case <-time.After(c.joinTimeout):
		c.sendError(CodeSendFailed, "join timed out", listingID)
		return
	}
	c.rooms[listingID] = rh
	c.roomIDs[listingID] = room.ID
	c.sendJoinSuccess(listingID, rh)
}

// handleSend 是消息流水线:加入态检查 -> 持久化 -> 广播。
// 持久化失败绝不广播,错误只回给发送方。广播在 postCommit 回调里入队,
// 此时追加锁尚未释放,并发发送的投递顺序因此与序号顺序一致。
func (c *Client) handleSend(listingID, content string) {
	rh, ok := c.rooms[listingID]
	if !ok {
		c.sendError(CodeNotAuthorized, "join the room before sending", listingID)
		return
	}
	_, err := c.dir.AppendMessage(context.Background(), listingID, c.ident, models.KindUser, content, func(m *models.Message) {
		payload, err := EncodeMessage(listingID, m)
		if err != nil {
			log.Error().Err(err).Str("listing_id", listingID).Msg("encode message")
			return
		}
		metrics.WsMessagesTotal.Inc()
		rh.broadcast <- payload
	})
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrNotAuthorized):
			c.sendError(CodeNotAuthorized, "not authorized to send messages in this chat", listingID)
		case errors.Is(err, directory.ErrRoomNotFound):
			c.sendError(CodeRoomNotFound, "no chat for this listing", listingID)
		case errors.Is(err, directory.ErrEmptyMessage):
			c.sendError(CodeInvalidPayload, "empty message", listingID)
		default:
			log.Error().Err(err).Str("listing_id", listingID).Str("user_id", c.ident.UserID).Msg("persist message")
			c.sendError(CodeSendFailed, "message not sent, retry", listingID)
		}
	}
}

// handleTyping 输入状态只广播不落库。
func (c *Client) handleTyping(listingID string, isTyping bool) {
	rh, ok := c.rooms[listingID]
	if !ok {
		return
	}
	evt := map[string]interface{}{
		"type":       "typing",
		"listing_id": listingID,
		"user_id":    c.ident.UserID,
		"username":   c.ident.Username,
		"is_typing":  isTyping,
	}
	if b, err := json.Marshal(evt); err == nil {
		rh.broadcast <- b
	}
}

// leaveAll 把连接从所有已加入的房间注销,必须在关闭 send 之前完成。
func (c *Client) leaveAll() {
	for listingID, rh := range c.rooms {
		rh.unregister <- c
		delete(c.rooms, listingID)
		delete(c.roomIDs, listingID)
	}
}

// evict 供 RoomHub 掐断慢连接:关闭底层连接让 readPump 走统一清理路径。
func (c *Client) evict() {
	_ = c.conn.Close()
}

func (c *Client) sendJoinSuccess(listingID string, rh *RoomHub) {
	evt := map[string]interface{}{
		"type":       "join_success",
		"listing_id": listingID,
		"room_id":    c.roomIDs[listingID],
		"online":     rh.Online(),
	}
	if b, err := json.Marshal(evt); err == nil {
		c.trySend(b)
	}
}

func (c *Client) sendError(code, msg, listingID string) {
	evt := map[string]interface{}{
		"type":       "error",
		"code":       code,
		"message":    msg,
		"listing_id": listingID,
	}
	if b, err := json.Marshal(evt); err == nil {
		c.trySend(b)
	}
}

// trySend 非阻塞投递,队列满时丢弃(连接随后会被读写超时清理)。
func (c *Client) trySend(b []byte) {
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
