package postgres

import (
	"time"
)

// TaskModel maps to the "tasks" table.
type TaskModel struct {
	ID          string `gorm:"primaryKey;size:36"`
	AgentID     string `gorm:"size:36;index"`
	SandboxID   string `gorm:"size:36"`
	Description string `gorm:"type:text;not null"`
	Priority    string `gorm:"size:16;not null;default:'medium'"`
	Status      string `gorm:"size:16;not null;index"`
	Result      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	ExitCode    int
	CreatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
	UpdatedAt   time.Time
}

func (TaskModel) TableName() string { return "tasks" }

// EventModel maps to the "events" table.
type EventModel struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Kind      string    `gorm:"size:32;not null;index"`
	SandboxID string    `gorm:"size:36;index"`
	AgentID   string    `gorm:"size:36;index"`
	TaskID    string    `gorm:"size:36;index"`
	Limit     string    `gorm:"column:limit_kind;size:16"`
	Status    string    `gorm:"size:32"`
	Message   string    `gorm:"type:text"`
	At        time.Time `gorm:"not null;index"`
}

func (EventModel) TableName() string { return "events" }

// Models lists every journal model in migration order.
func Models() []any {
	return []any{&TaskModel{}, &EventModel{}}
}
