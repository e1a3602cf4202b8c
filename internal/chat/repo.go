package chat

import (
	"context"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetLatestSessionByUser returns the user's most recent session, or
// gorm.ErrRecordNotFound when the user has none yet.
func (r *Repo) GetLatestSessionByUser(ctx context.Context, userID uint64) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) UpdateMessageContent(ctx context.Context, msgID uint64, content string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", msgID).
		Update("content", content).Error
}

func (r *Repo) GetMessageByID(ctx context.Context, msgID uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", msgID).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC id order.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, userID uint64, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ChatTask reconciliation. All mutations are guarded updates so that the
// delivered transition happens exactly once no matter which goroutine wins.

func (r *Repo) CreateChatTask(ctx context.Context, ct *ChatTask) error {
	return r.db.WithContext(ctx).Create(ct).Error
}

func (r *Repo) GetChatTaskByTaskID(ctx context.Context, taskID string) (*ChatTask, error) {
	var ct ChatTask
	if err := r.db.WithContext(ctx).First(&ct, "task_id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &ct, nil
}

// AttachMessageID records the placeholder message id, only if none is set.
func (r *Repo) AttachMessageID(ctx context.Context, taskID string, msgID uint64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&ChatTask{}).
		Where("task_id = ? AND chat_message_id IS NULL", taskID).
		Update("chat_message_id", msgID)
	return res.RowsAffected, res.Error
}

// ParkResult stores a finished task's text on the row while no message id is
// known yet. Fails (0 rows) once a message id exists or delivery settled.
func (r *Repo) ParkResult(ctx context.Context, taskID string, text string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&ChatTask{}).
		Where("task_id = ? AND chat_message_id IS NULL AND delivery_state = ?", taskID, DeliveryNone).
		Updates(map[string]any{
			"delivery_state": DeliveryAwaiting,
			"pending_result": text,
		})
	return res.RowsAffected, res.Error
}

// ClaimDelivery flips the row to delivered. Exactly one caller wins; the
// winner is the one allowed to write the message content.
func (r *Repo) ClaimDelivery(ctx context.Context, taskID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&ChatTask{}).
		Where("task_id = ? AND delivery_state <> ?", taskID, DeliveryDone).
		Updates(map[string]any{
			"delivery_state": DeliveryDone,
			"pending_result": nil,
		})
	return res.RowsAffected, res.Error
}
