package models

import "time"

// 消息类型:user 为普通聊天消息,system 为审批/状态变更产生的系统消息。
const (
	KindUser   = "user"
	KindSystem = "system"
)

// ChatRoom 以 listing 为粒度,一个捐赠贴对应一个聊天房间。
// ListingID 上的唯一索引是 upsert 并发安全的根基。
type ChatRoom struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ListingID      string    `gorm:"uniqueIndex;size:64;not null"`
	LastActivityAt time.Time `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Participant 记录房间的授权成员,只增不减,成员关系只能由审批事件建立。
type Participant struct {
	ID          uint   `gorm:"primaryKey"`
	RoomID      string `gorm:"uniqueIndex:idx_room_user;size:36;not null"`
	UserID      string `gorm:"uniqueIndex:idx_room_user;size:64;not null"`
	DisplayName string `gorm:"size:64"`
	CreatedAt   time.Time
}

// Message 持久化后不可变,Seq 在房间内严格递增,(RoomID, Seq) 唯一。
type Message struct {
	ID         uint   `gorm:"primaryKey"`
	RoomID     string `gorm:"uniqueIndex:idx_room_seq;index:idx_msg_room;size:36;not null"`
	Seq        int64  `gorm:"uniqueIndex:idx_room_seq;not null"`
	SenderID   string `gorm:"size:64;not null"`
	SenderName string `gorm:"size:64"`
	Kind       string `gorm:"size:16;not null;default:user"`
	Body       string `gorm:"type:text;not null"`
	CreatedAt  time.Time
}
