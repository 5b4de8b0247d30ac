package directory

import (
	"context"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/SuryanshYadav45/MediLink/internal/auth"
	"github.com/SuryanshYadav45/MediLink/internal/models"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	lockIdleTTL      = 30 * time.Minute
	lockReapInterval = time.Minute
)

// roomLock 是单个 listing 的追加锁,ts 记录最近一次取用时间供回收判断。
type roomLock struct {
	mu sync.Mutex
	ts time.Time
}

// Service 是房间状态的唯一持有者:成员集合与消息日志的所有变更都从这里走。
// 每个房间的消息追加通过按 listing 维度的互斥锁串行化,
// (room_id, seq) 唯一索引兜底保证序号不重复。
type Service struct {
	db     *gorm.DB
	policy *bluemonday.Policy
	maxLen int

	mu    sync.Mutex
	locks map[string]*roomLock
}

func New(db *gorm.DB, maxLen int) *Service {
	if maxLen <= 0 {
		maxLen = 1000
	}
	s := &Service{
		db:     db,
		policy: bluemonday.StrictPolicy(),
		maxLen: maxLen,
		locks:  make(map[string]*roomLock),
	}
	go s.gcLocks()
	return s
}

// lockFor 返回 listing 对应的追加锁,懒加载并刷新取用时间。
func (s *Service) lockFor(listingID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[listingID]
	if !ok {
		l = &roomLock{}
		s.locks[listingID] = l
	}
	l.ts = time.Now()
	return &l.mu
}

func (s *Service) gcLocks() {
	ticker := time.NewTicker(lockReapInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.retireIdleLocks(lockIdleTTL)
	}
}

// retireIdleLocks 回收长时间未取用且当前无人持有的追加锁。
// lockFor 在返回前刷新 ts,所以刚被取走的锁在 TTL 内不会被回收。
func (s *Service) retireIdleLocks(ttl time.Duration) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, l := range s.locks {
		if now.Sub(l.ts) > ttl && l.mu.TryLock() {
			delete(s.locks, k)
			l.mu.Unlock()
		}
	}
}

// GetRoom 按 listing 查询房间,不存在返回 ErrRoomNotFound。
func (s *Service) GetRoom(ctx context.Context, listingID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.db.WithContext(ctx).Where("listing_id = ?", listingID).First(&room).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// IsParticipant 检查用户是否为房间成员。
func (s *Service) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Authorize 查房间并校验成员身份,是 join 路径的完整鉴权。
func (s *Service) Authorize(ctx context.Context, listingID string, ident auth.Identity) (*models.ChatRoom, error) {
	room, err := s.GetRoom(ctx, listingID)
	if err != nil {
		return nil, err
	}
	ok, err := s.IsParticipant(ctx, room.ID, ident.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAuthorized
	}
	return room, nil
}

// UpsertRoom 幂等创建/扩充房间:房间不存在则创建,存在则只向成员集合追加。
// 并发调用同一 listing 依赖 listing_id 唯一索引收敛到同一个房间,
// 返回值 created 表示本次调用是否真正创建了房间。
func (s *Service) UpsertRoom(ctx context.Context, listingID string, participants []auth.Identity) (*models.ChatRoom, bool, error) {
	now := time.Now()
	candidate := models.ChatRoom{
		ID:             uuid.NewString(),
		ListingID:      listingID,
		LastActivityAt: now,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "listing_id"}}, DoNothing: true}).
		Create(&candidate)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected == 1

	// 冲突时读回已有行,保证拿到权威房间 ID。
	var room models.ChatRoom
	if err := s.db.WithContext(ctx).Where("listing_id = ?", listingID).First(&room).Error; err != nil {
		return nil, false, err
	}

	rows := make([]models.Participant, 0, len(participants))
	for _, p := range participants {
		if p.UserID == "" {
			continue
		}
		rows = append(rows, models.Participant{RoomID: room.ID, UserID: p.UserID, DisplayName: p.Username})
	}
	if len(rows) > 0 {
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "room_id"}, {Name: "user_id"}}, DoNothing: true}).
			Create(&rows).Error
		if err != nil {
			return nil, false, err
		}
	}
	return &room, created, nil
}

// Sanitize 去除所有 HTML 标记并按 rune 截断到上限。
func (s *Service) Sanitize(raw string) string {
	clean := html.UnescapeString(s.policy.Sanitize(raw))
	clean = strings.TrimSpace(clean)
	if r := []rune(clean); len(r) > s.maxLen {
		clean = string(r[:s.maxLen])
	}
	return clean
}

// AppendMessage 校验发送者身份、清洗文本、分配下一个序号并落库,
// 返回带权威序号与时间戳的消息。房间内追加被串行化,事务失败不产生序号空洞。
// postCommit 在事务提交后、追加锁释放前执行:调用方在这里入队广播,
// 就能保证投递顺序与持久化的序号顺序一致。
func (s *Service) AppendMessage(ctx context.Context, listingID string, sender auth.Identity, kind, rawText string, postCommit ...func(*models.Message)) (*models.Message, error) {
	clean := s.Sanitize(rawText)
	if clean == "" {
		return nil, ErrEmptyMessage
	}
	if kind != models.KindSystem {
		kind = models.KindUser
	}

	lock := s.lockFor(listingID)
	lock.Lock()
	defer lock.Unlock()

	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.ChatRoom
		if err := tx.Where("listing_id = ?", listingID).First(&room).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrRoomNotFound
			}
			return err
		}
		var count int64
		if err := tx.Model(&models.Participant{}).
			Where("room_id = ? AND user_id = ?", room.ID, sender.UserID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotAuthorized
		}

		var maxSeq int64
		if err := tx.Model(&models.Message{}).
			Where("room_id = ?", room.ID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}

		now := time.Now()
		msg = models.Message{
			RoomID:     room.ID,
			Seq:        maxSeq + 1,
			SenderID:   sender.UserID,
			SenderName: sender.Username,
			Kind:       kind,
			Body:       clean,
			CreatedAt:  now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.ChatRoom{}).Where("id = ?", room.ID).
			Update("last_activity_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	for _, fn := range postCommit {
		fn(&msg)
	}
	return &msg, nil
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
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

func toDTO(listingID string, m models.Message) MessageDTO {
	return MessageDTO{
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
}

// ListMessages 按序号升序返回房间消息,要求请求者是房间成员。
// afterSeq 大于 0 时只返回该序号之后的消息,供断线重连增量拉取。
func (s *Service) ListMessages(ctx context.Context, listingID string, requester auth.Identity, limit int, afterSeq int64) ([]MessageDTO, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	room, err := s.Authorize(ctx, listingID, requester)
	if err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Where("room_id = ?", room.ID)
	if afterSeq > 0 {
		q = q.Where("seq > ?", afterSeq)
	}
	var msgs []models.Message
	if err := q.Order("seq asc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	return lo.Map(msgs, func(m models.Message, _ int) MessageDTO {
		return toDTO(listingID, m)
	}), nil
}
