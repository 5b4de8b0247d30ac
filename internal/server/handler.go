package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/SuryanshYadav45/MediLink/internal/approval"
	"github.com/SuryanshYadav45/MediLink/internal/auth"
	"github.com/SuryanshYadav45/MediLink/internal/directory"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler,依赖注入服务层。
type Handler struct {
	dir  *directory.Service
	appr *approval.Service
}

func NewHandler(dir *directory.Service, appr *approval.Service) *Handler {
	return &Handler{dir: dir, appr: appr}
}

// ListMessages 返回房间历史消息,按序号升序,仅限房间成员。
// after_seq 供断线重连后增量拉取,省略则从头返回。
func (h *Handler) ListMessages(c *gin.Context) {
	listingID := strings.TrimSpace(c.Param("listingId"))
	if listingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listing id"})
		return
	}
	limit := 200
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var afterSeq int64
	if v := c.Query("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			afterSeq = n
		}
	}
	msgs, err := h.dir.ListMessages(c.Request.Context(), listingID, auth.GetIdentity(c), limit, afterSeq)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrRoomNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no chat for this listing"})
		case errors.Is(err, directory.ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this chat"})
		default:
			log.Error().Err(err).Str("listing_id", listingID).Msg("list messages")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Approved 接收 CRUD 服务投递的请求审批事件,幂等。
func (h *Handler) Approved(c *gin.Context) {
	var req struct {
		ListingID     string `json:"listing_id"`
		OwnerID       string `json:"owner_id"`
		OwnerName     string `json:"owner_name"`
		RequesterID   string `json:"requester_id"`
		RequesterName string `json:"requester_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.ListingID == "" || req.OwnerID == "" || req.RequesterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := h.appr.OnApproved(c.Request.Context(), req.ListingID,
		auth.Identity{UserID: req.OwnerID, Username: req.OwnerName},
		auth.Identity{UserID: req.RequesterID, Username: req.RequesterName})
	if err != nil {
		log.Error().Err(err).Str("listing_id", req.ListingID).Msg("approval event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process approval"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID, "listing_id": room.ListingID})
}

// StatusChanged 接收捐赠状态变更事件并向房间播报系统消息。
func (h *Handler) StatusChanged(c *gin.Context) {
	var req struct {
		ListingID string `json:"listing_id"`
		ActorID   string `json:"actor_id"`
		ActorName string `json:"actor_name"`
		Status    string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.ListingID == "" || req.ActorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	err := h.appr.NotifyStatus(c.Request.Context(), req.ListingID,
		auth.Identity{UserID: req.ActorID, Username: req.ActorName}, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrInvalidStatus):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		case errors.Is(err, directory.ErrRoomNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no chat for this listing"})
		case errors.Is(err, directory.ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "actor is not a participant"})
		default:
			log.Error().Err(err).Str("listing_id", req.ListingID).Msg("status event")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process status change"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
