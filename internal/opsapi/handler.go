package opsapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"remindbot/internal/model"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type Handler struct {
	rem      Reminders
	store    Store
	validate *validator.Validate
	log      logx.Logger
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	snap := h.rem.Jobs()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "scheduler_running": snap.Running, "jobs": len(snap.Jobs)})
}

func (h *Handler) Jobs(c *gin.Context) {
	snap := h.rem.Jobs()
	body := gin.H{"snapshot": snap}
	if next, ok := snap.NextFire(); ok {
		body["next_fire_at"] = next
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) ListNotifications(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		h.fail(c, err)
		return
	}
	recs, err := h.store.ListNotifications(ctx, taskID)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := taskNotificationsView{
		TaskID:        taskID,
		Deadline:      deadlineView{DueAt: task.DueAt, Notified: task.Notified},
		Notifications: make([]notificationView, 0, len(recs)),
	}
	if at, ok := h.rem.NextFire(model.DeadlineKey(taskID)); ok {
		out.Deadline.NextFireAt = &at
	}
	for _, rec := range recs {
		spec, err := model.MarshalSpec(rec.Spec)
		if err != nil {
			h.fail(c, err)
			return
		}
		v := notificationView{
			ID:          rec.ID,
			TaskID:      rec.TaskID,
			Kind:        rec.Kind,
			Status:      rec.Status,
			Spec:        json.RawMessage(spec),
			LastFiredAt: rec.LastFiredAt,
			CreatedAt:   rec.CreatedAt,
		}
		if at, ok := h.rem.NextFire(rec.Key()); ok {
			v.NextFireAt = &at
		}
		out.Notifications = append(out.Notifications, v)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) CreateNotification(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req CreateNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error: " + err.Error()})
		return
	}
	spec, err := req.toSpec()
	if err != nil {
		h.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	var id int64
	if spec == nil {
		id, err = h.rem.AddNowNotification(ctx, taskID)
	} else {
		id, err = h.rem.AddNotification(ctx, taskID, "", spec)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	body := gin.H{"id": id, "task_id": taskID}
	if at, ok := h.rem.NextFire(model.JobKey{TaskID: taskID, NotificationID: id}); ok {
		body["next_fire_at"] = at
	}
	c.JSON(http.StatusCreated, body)
}

func (h *Handler) CancelNotification(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	nid, ok := pathID(c, "nid")
	if !ok {
		return
	}
	if err := h.rem.CancelNotification(c.Request.Context(), taskID, nid); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": model.JobKey{TaskID: taskID, NotificationID: nid}.String(), "status": model.StatusCancelled})
}

// Rearm is the hook for task creation and due time changes: it stores the
// new due time, if any, then re-resolves every reminder of the task.
func (h *Handler) Rearm(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req RearmRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := h.validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation error: " + err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	if req.DueAt != nil || req.ClearDue {
		if err := h.store.SetTaskDue(ctx, taskID, req.DueAt); err != nil {
			h.fail(c, err)
			return
		}
	}
	if err := h.rem.OnTaskDueChanged(ctx, taskID); err != nil {
		h.fail(c, err)
		return
	}

	body := gin.H{"task_id": taskID}
	if at, ok := h.rem.NextFire(model.DeadlineKey(taskID)); ok {
		body["next_fire_at"] = at
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) Bootstrap(c *gin.Context) {
	rep, err := h.rem.BootstrapReport(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deadlines":     rep.Deadlines,
		"notifications": rep.Notifications,
		"skipped":       rep.Skipped,
		"took_ms":       rep.Took.Milliseconds(),
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidSpec), errors.Is(err, model.ErrInvalidOffset):
		return http.StatusBadRequest
	case errors.Is(err, reminder.ErrNotCancellable), errors.Is(err, storage.ErrStatusConflict):
		return http.StatusConflict
	case errors.Is(err, reminder.ErrNotStarted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("ops api request failed", logx.String("path", c.FullPath()), logx.Err(err))
		c.JSON(code, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
