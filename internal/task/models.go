package task

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the write-once end states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type is the workload kind; it selects the dataset and poll overrides.
type Type string

const (
	TypeSearch  Type = "search"
	TypeProfile Type = "profile"
)

// Task is one unit of externally-fulfilled asynchronous work.
//
// Lifecycle: pending -> running -> completed | failed
//
//	pending/running -> cancelled (via stop)
//
// TaskID is the caller-visible identity; ID is only the storage surrogate.
// Result and Error are mutually exclusive once terminal.
type Task struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	TaskID string `gorm:"type:varchar(26);uniqueIndex;not null" json:"task_id"`

	UserID uint64 `gorm:"index" json:"-"`

	Type    Type   `gorm:"type:varchar(16);not null" json:"type"`
	Payload string `gorm:"type:text;not null" json:"-"`

	Status Status  `gorm:"type:varchar(16);index;not null" json:"status"`
	Result *string `gorm:"type:longtext" json:"result,omitempty"`
	Error  *string `gorm:"type:text" json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// Payload is the workload input: a free-text query for search tasks, a
// profile identifier for profile tasks.
type Payload struct {
	Query   string `json:"query,omitempty"`
	Profile string `json:"profile,omitempty"`
}
