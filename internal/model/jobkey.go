package model

import (
	"fmt"
	"strconv"
	"strings"
)

// JobKey identifies one notification slot in the timer registry.
// NotificationID 0 is the implicit deadline slot of the task.
type JobKey struct {
	TaskID         int64
	NotificationID int64
}

func DeadlineKey(taskID int64) JobKey { return JobKey{TaskID: taskID} }

func (k JobKey) IsDeadline() bool { return k.NotificationID == 0 }

// String renders task:{task_id}:notification:{id|deadline}.
func (k JobKey) String() string {
	nid := "deadline"
	if !k.IsDeadline() {
		nid = strconv.FormatInt(k.NotificationID, 10)
	}
	return "task:" + strconv.FormatInt(k.TaskID, 10) + ":notification:" + nid
}

// ParseJobKey is the inverse of JobKey.String.
func ParseJobKey(s string) (JobKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 || parts[0] != "task" || parts[2] != "notification" {
		return JobKey{}, fmt.Errorf("invalid job key %q", s)
	}
	tid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || tid <= 0 {
		return JobKey{}, fmt.Errorf("invalid task id in job key %q", s)
	}
	if parts[3] == "deadline" {
		return DeadlineKey(tid), nil
	}
	nid, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || nid <= 0 {
		return JobKey{}, fmt.Errorf("invalid notification id in job key %q", s)
	}
	return JobKey{TaskID: tid, NotificationID: nid}, nil
}
