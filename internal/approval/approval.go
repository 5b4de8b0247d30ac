package approval

import (
	"context"
	"errors"

	"github.com/SuryanshYadav45/MediLink/internal/auth"
	"github.com/SuryanshYadav45/MediLink/internal/directory"
	"github.com/SuryanshYadav45/MediLink/internal/metrics"
	"github.com/SuryanshYadav45/MediLink/internal/models"
	"github.com/SuryanshYadav45/MediLink/internal/ws"

	"github.com/rs/zerolog/log"
)

// Broadcaster 是审批服务向在线成员推送系统消息的出口,
// 由 ws.Hub 实现,构造时显式注入。
type Broadcaster interface {
	Broadcast(listingID string, payload []byte)
}

var ErrInvalidStatus = errors.New("invalid status")

// 允许通过 NotifyStatus 广播的状态,取值与请求生命周期保持一致。
var allowedStatuses = map[string]bool{
	"sent":      true,
	"completed": true,
	"cancelled": true,
}

// Service 消费外部审批事件,负责幂等地创建/扩充聊天房间。
// 审批事件按至少一次语义投递,重放同一事件不会产生重复房间或重复成员。
type Service struct {
	dir *directory.Service
	hub Broadcaster
}

func New(dir *directory.Service, hub Broadcaster) *Service {
	return &Service{dir: dir, hub: hub}
}

// OnApproved 处理 listing 请求被通过的事件:为双方建立(或补全)房间。
// 只有真正创建房间的那次调用会追加一条系统消息,重放不会重复播报。
func (s *Service) OnApproved(ctx context.Context, listingID string, owner, requester auth.Identity) (*models.ChatRoom, error) {
	room, created, err := s.dir.UpsertRoom(ctx, listingID, []auth.Identity{owner, requester})
	if err != nil {
		return nil, err
	}
	if created {
		metrics.RoomsUpserted.Inc()
		if err := s.systemMessage(ctx, listingID, owner, "request approved, chat is open"); err != nil {
			// 房间已建立,系统消息失败不回滚审批。
			log.Warn().Err(err).Str("listing_id", listingID).Msg("approval system message")
		}
	}
	return room, nil
}

// NotifyStatus 把捐赠状态变更作为系统消息播报给房间成员,
// 与用户消息走同一条持久化后广播的流水线。
func (s *Service) NotifyStatus(ctx context.Context, listingID string, actor auth.Identity, status string) error {
	if !allowedStatuses[status] {
		return ErrInvalidStatus
	}
	return s.systemMessage(ctx, listingID, actor, "donation marked "+status)
}

// systemMessage 与用户消息共用持久化后广播的流水线,
// 广播同样在追加锁释放前入队,与并发的用户消息保持序号顺序。
func (s *Service) systemMessage(ctx context.Context, listingID string, sender auth.Identity, text string) error {
	var encodeErr error
	_, err := s.dir.AppendMessage(ctx, listingID, sender, models.KindSystem, text, func(m *models.Message) {
		payload, err := ws.EncodeMessage(listingID, m)
		if err != nil {
			encodeErr = err
			return
		}
		s.hub.Broadcast(listingID, payload)
	})
	if err != nil {
		return err
	}
	return encodeErr
}
