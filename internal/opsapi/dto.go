package opsapi

import (
	"encoding/json"
	"fmt"
	"time"

	"remindbot/internal/model"
)

// CreateNotificationRequest is the body of POST /v1/tasks/:id/notifications.
// Offsets use the "3 days" / "90m" notation.
type CreateNotificationRequest struct {
	Type     string      `json:"type" validate:"required,oneof=deadline now at before after every fixed"`
	At       *time.Time  `json:"at" validate:"required_if=Type at"`
	Offset   string      `json:"offset" validate:"required_if=Type before,required_if=Type after"`
	Interval string      `json:"interval" validate:"required_if=Type every"`
	From     string      `json:"from"`
	Until    string      `json:"until"`
	Times    []time.Time `json:"times" validate:"required_if=Type fixed"`
}

// RearmRequest optionally moves the due time of a task before its reminders
// are re-armed. An empty body re-arms with the stored due time.
type RearmRequest struct {
	DueAt    *time.Time `json:"due_at" validate:"excluded_with=ClearDue"`
	ClearDue bool       `json:"clear_due"`
}

// toSpec converts the request. It returns a nil spec for "now".
func (r CreateNotificationRequest) toSpec() (model.Spec, error) {
	switch r.Type {
	case "deadline":
		return model.Deadline{}, nil
	case "now":
		return nil, nil
	case "at":
		return model.Once{At: *r.At}, nil
	case "before", "after":
		off, err := model.ParseOffset(r.Offset)
		if err != nil {
			return nil, fmt.Errorf("%w: offset: %v", model.ErrInvalidSpec, err)
		}
		return model.RelativeToDeadline{Offset: off, After: r.Type == "after"}, nil
	case "every":
		var spec model.Recurring
		var err error
		if spec.Interval, err = model.ParseOffset(r.Interval); err != nil {
			return nil, fmt.Errorf("%w: interval: %v", model.ErrInvalidSpec, err)
		}
		if r.From != "" {
			if spec.StartOffset, err = model.ParseOffset(r.From); err != nil {
				return nil, fmt.Errorf("%w: from: %v", model.ErrInvalidSpec, err)
			}
		}
		if r.Until != "" {
			end, err := model.ParseOffset(r.Until)
			if err != nil {
				return nil, fmt.Errorf("%w: until: %v", model.ErrInvalidSpec, err)
			}
			spec.EndOffset = &end
		}
		return spec, nil
	case "fixed":
		if len(r.Times) == 0 {
			return nil, fmt.Errorf("%w: times must not be empty", model.ErrInvalidSpec)
		}
		return model.Recurring{FixedTimes: r.Times}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", model.ErrInvalidSpec, r.Type)
}

type notificationView struct {
	ID          int64           `json:"id"`
	TaskID      int64           `json:"task_id"`
	Kind        model.Kind      `json:"kind"`
	Status      model.Status    `json:"status"`
	Spec        json.RawMessage `json:"spec"`
	LastFiredAt *time.Time      `json:"last_fired_at,omitempty"`
	NextFireAt  *time.Time      `json:"next_fire_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type deadlineView struct {
	DueAt      *time.Time `json:"due_at,omitempty"`
	Notified   bool       `json:"notified"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
}

type taskNotificationsView struct {
	TaskID        int64              `json:"task_id"`
	Deadline      deadlineView       `json:"deadline"`
	Notifications []notificationView `json:"notifications"`
}
