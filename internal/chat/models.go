package chat

import "time"

type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     *string   `gorm:"type:varchar(255)" json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message content is mutable: assistant placeholder messages are updated in
// place once the underlying task resolves. ClientTS is the client-supplied
// ordering timestamp, distinct from insertion time because messages can be
// created out of program order.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session_id,priority:2" json:"session_id"`
	UserID    uint64    `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1" json:"-"`
	Role      string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Endpoint  string    `gorm:"type:varchar(32)" json:"endpoint,omitempty"`
	ClientTS  time.Time `gorm:"index" json:"client_ts"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// Delivery states for a ChatTask's result. The row doubles as a durable
// outbox: a result that finishes before its placeholder message exists is
// parked on the row and flushed when the message id materializes.
const (
	DeliveryNone     = ""
	DeliveryAwaiting = "awaiting_message"
	DeliveryDone     = "delivered"
)

// ChatTask links a task to the chat message that should receive its result.
// ChatMessageID is nullable: the task may be enqueued before the placeholder
// message's id is known.
type ChatTask struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement" json:"-"`
	TaskID        string  `gorm:"type:varchar(26);uniqueIndex;not null" json:"task_id"`
	SessionID     string  `gorm:"type:varchar(26);index;not null" json:"session_id"`
	ChatMessageID *uint64 `gorm:"index" json:"chat_message_id,omitempty"`
	DeliveryState string  `gorm:"type:varchar(24);not null;default:''" json:"-"`
	PendingResult *string `gorm:"type:longtext" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ChatTask) TableName() string { return "chat_tasks" }
