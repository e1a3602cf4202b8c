package task

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, t *Task) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetByTaskID(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	if err := r.db.WithContext(ctx).First(&t, "task_id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkRunning flips pending -> running and stamps StartedAt. The status guard
// means a task already cancelled by a stop request is left untouched; the
// caller must re-read the record to see whether the claim took.
func (r *Repo) MarkRunning(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ?", taskID, StatusPending).
		Updates(map[string]any{
			"status":     StatusRunning,
			"started_at": time.Now(),
		}).Error
}

// terminalGuard restricts a write to non-terminal rows, making terminal
// status write-once.
func (r *Repo) terminalGuard(ctx context.Context, taskID string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status IN ?", taskID,
			[]Status{StatusPending, StatusRunning})
}

func (r *Repo) MarkCompleted(ctx context.Context, taskID string, result string) error {
	return r.terminalGuard(ctx, taskID).
		Updates(map[string]any{
			"status":       StatusCompleted,
			"result":       result,
			"error":        nil,
			"completed_at": time.Now(),
		}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	return r.terminalGuard(ctx, taskID).
		Updates(map[string]any{
			"status":       StatusFailed,
			"error":        errMsg,
			"result":       nil,
			"completed_at": time.Now(),
		}).Error
}

// MarkCancelled returns the number of rows flipped so the caller can tell a
// real cancellation from a no-op on an already-terminal task.
func (r *Repo) MarkCancelled(ctx context.Context, taskID string, errMsg string) (int64, error) {
	res := r.terminalGuard(ctx, taskID).
		Updates(map[string]any{
			"status":       StatusCancelled,
			"error":        errMsg,
			"result":       nil,
			"completed_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}
