// Package model holds the domain types shared by the store, the resolver and
// the reminder service.
package model

import "time"

// RoleAll addresses every user bound to any role.
const RoleAll = "all"

type TaskStatus string

const (
	TaskSent      TaskStatus = "sent"
	TaskAccepted  TaskStatus = "accepted"
	TaskCompleted TaskStatus = "completed"
	TaskOverdue   TaskStatus = "overdue"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskSent, TaskAccepted, TaskCompleted, TaskOverdue:
		return true
	}
	return false
}

// Open reports whether the task still expects user action.
func (s TaskStatus) Open() bool { return s == TaskSent || s == TaskAccepted || s == TaskOverdue }

type Task struct {
	ID             int64
	RoleID         string
	Description    string
	Status         TaskStatus
	CreatedAt      time.Time
	DueAt          *time.Time
	RepeatInterval string
	Notified       bool
}

// HasDue reports whether the task carries a due time.
func (t Task) HasDue() bool { return t.DueAt != nil && !t.DueAt.IsZero() }

type Role struct {
	RoleID    string
	Group     string
	GroupName string
	Subgroup  string
	FullName  string
	Pass      string
}

type RoleUser struct {
	UserID   string
	UserName string
	RoleID   string
}

type Completion struct {
	TaskID      int64
	UserID      string
	Status      TaskStatus
	CompletedAt *time.Time
}
