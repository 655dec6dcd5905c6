package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/model"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

// ReminderPort is the part of the reminder service the bot drives.
type ReminderPort interface {
	AddNotification(ctx context.Context, taskID int64, kind model.Kind, spec model.Spec) (int64, error)
	AddNowNotification(ctx context.Context, taskID int64) (int64, error)
	CancelNotification(ctx context.Context, taskID, notificationID int64) error
	CancelTask(ctx context.Context, taskID int64) error
	OnTaskDueChanged(ctx context.Context, taskID int64) error
	BootstrapReport(ctx context.Context) (reminder.BootstrapReport, error)
	Jobs() scheduler.Snapshot
	NextFire(key model.JobKey) (time.Time, bool)
	Location() *time.Location
}

// TaskStore is the part of the store the bot reads and writes directly.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (model.Task, error)
	SetTaskDue(ctx context.Context, id int64, due *time.Time) error
	GetRoleByPass(ctx context.Context, pass string) (model.Role, error)
	BindUser(ctx context.Context, u model.RoleUser) error
	ListOpenTasksForUser(ctx context.Context, userID string) ([]model.Task, error)
	AcceptTask(ctx context.Context, taskID int64, userID string) error
	CompleteTask(ctx context.Context, taskID int64, userID string) error
	ListNotifications(ctx context.Context, taskID int64) ([]model.NotificationRecord, error)
}

type Handlers struct {
	Reminders ReminderPort
	Store     TaskStore
}

// Commands returns the bot command set.
func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "start", Description: "greeting", Handle: h.start},
		{Name: "bind", Description: "bind yourself to a role", Usage: "/bind <rolepass>", Handle: h.bind},
		{Name: "mytasks", Aliases: []string{"tasks"}, Description: "list your open tasks", Handle: h.myTasks},
		{Name: "accept", Description: "accept a task", Usage: "/accept <task_id>", Handle: h.accept},
		{Name: "done", Description: "mark a task completed", Usage: "/done <task_id>", Handle: h.done},
		{
			Name:        "remind",
			Description: "add a reminder to a task",
			Usage:       "/remind <task_id> deadline | now | at <time> | before <n unit> | overdue <n unit> | every <n unit> [from <n unit>] [until <n unit>] | fixed <t1,t2,...>",
			Access:      AccessOwnerOnly,
			Handle:      h.remind,
		},
		{Name: "reminders", Description: "list reminders of a task", Usage: "/reminders <task_id>", Access: AccessOwnerOnly, Handle: h.reminders},
		{Name: "cancelreminder", Aliases: []string{"cancel"}, Description: "cancel a reminder (0 = deadline notice)", Usage: "/cancelreminder <task_id> <notification_id>", Access: AccessOwnerOnly, Handle: h.cancelReminder},
		{Name: "rearm", Description: "set a task's due time and re-arm its reminders", Usage: "/rearm <task_id> [<time> | none]", Access: AccessOwnerOnly, Handle: h.rearm},
		{Name: "jobs", Description: "armed reminder timers", Access: AccessOwnerOnly, Handle: h.jobs},
		{Name: "reload", Description: "re-arm reminders from the database", Access: AccessOwnerOnly, Timeout: time.Minute, Handle: h.reload},
	}
}

func (h *Handlers) loc() *time.Location {
	if l := h.Reminders.Location(); l != nil {
		return l
	}
	return time.UTC
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	return req.Reply(ctx, "Hi! I deliver task reminders.\nBind to your role with <code>/bind &lt;rolepass&gt;</code>, then see <code>/mytasks</code>.")
}

func (h *Handlers) bind(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return errors.New("usage: /bind <rolepass>")
	}
	role, err := h.Store.GetRoleByPass(ctx, req.Args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return errors.New("unknown role password")
	}
	if err != nil {
		return err
	}
	if err := h.Store.BindUser(ctx, model.RoleUser{UserID: req.UserID(), UserName: req.Username, RoleID: role.RoleID}); err != nil {
		return err
	}
	name := role.FullName
	if name == "" {
		name = role.RoleID
	}
	return req.Reply(ctx, "✅ bound to <b>"+html.EscapeString(name)+"</b>")
}

func (h *Handlers) myTasks(ctx context.Context, req *Request) error {
	tasks, err := h.Store.ListOpenTasksForUser(ctx, req.UserID())
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return req.Reply(ctx, "No open tasks.")
	}
	loc := h.loc()
	lines := make([]string, 0, len(tasks)+1)
	lines = append(lines, "<b>Open tasks</b>")
	for _, t := range tasks {
		line := fmt.Sprintf("#%d [%s] %s", t.ID, t.Status, html.EscapeString(t.Description))
		if t.HasDue() {
			line += " (due " + t.DueAt.In(loc).Format(listLayout) + ")"
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

// visibleTask fails with not found unless the task is open and addressed to
// one of the caller's roles.
func (h *Handlers) visibleTask(ctx context.Context, req *Request, id int64) error {
	tasks, err := h.Store.ListOpenTasksForUser(ctx, req.UserID())
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.ID == id {
			return nil
		}
	}
	return taskErr(id, storage.ErrNotFound)
}

func (h *Handlers) accept(ctx context.Context, req *Request) error {
	id, err := singleTaskID(req.Args, "/accept <task_id>")
	if err != nil {
		return err
	}
	if err := h.visibleTask(ctx, req, id); err != nil {
		return err
	}
	if err := h.Store.AcceptTask(ctx, id, req.UserID()); err != nil {
		return taskErr(id, err)
	}
	return req.Reply(ctx, fmt.Sprintf("👍 task #%d accepted", id))
}

func (h *Handlers) done(ctx context.Context, req *Request) error {
	id, err := singleTaskID(req.Args, "/done <task_id>")
	if err != nil {
		return err
	}
	if err := h.visibleTask(ctx, req, id); err != nil {
		return err
	}
	if err := h.Store.CompleteTask(ctx, id, req.UserID()); err != nil {
		return taskErr(id, err)
	}
	if err := h.Reminders.CancelTask(ctx, id); err != nil {
		req.Logger.Warn("reminders of completed task not cancelled", logx.Err(err))
	}
	return req.Reply(ctx, fmt.Sprintf("✅ task #%d completed", id))
}

func (h *Handlers) remind(ctx context.Context, req *Request) error {
	r, err := parseRemind(req.Args, h.loc())
	if err != nil {
		return err
	}
	var id int64
	if r.Now {
		id, err = h.Reminders.AddNowNotification(ctx, r.TaskID)
	} else {
		id, err = h.Reminders.AddNotification(ctx, r.TaskID, "", r.Spec)
	}
	if err != nil {
		return taskErr(r.TaskID, err)
	}
	msg := fmt.Sprintf("⏰ reminder #%d added to task #%d", id, r.TaskID)
	if at, ok := h.Reminders.NextFire(model.JobKey{TaskID: r.TaskID, NotificationID: id}); ok {
		msg += "\nnext: " + at.In(h.loc()).Format(listLayout)
	}
	return req.Reply(ctx, msg)
}

func (h *Handlers) reminders(ctx context.Context, req *Request) error {
	id, err := singleTaskID(req.Args, "/reminders <task_id>")
	if err != nil {
		return err
	}
	task, err := h.Store.GetTask(ctx, id)
	if err != nil {
		return taskErr(id, err)
	}
	recs, err := h.Store.ListNotifications(ctx, id)
	if err != nil {
		return err
	}
	loc := h.loc()
	lines := []string{fmt.Sprintf("<b>Task #%d</b>: %s", task.ID, html.EscapeString(task.Description))}

	dl := "deadline notice: "
	switch {
	case !task.HasDue():
		dl += "no due time"
	case task.Notified:
		dl += "done"
	default:
		dl += "pending"
	}
	if at, ok := h.Reminders.NextFire(model.DeadlineKey(id)); ok {
		dl += ", next " + at.In(loc).Format(listLayout)
	}
	lines = append(lines, dl)

	for _, rec := range recs {
		line := fmt.Sprintf("#%d %s [%s] %s", rec.ID, rec.Kind, rec.Status, html.EscapeString(describeSpec(rec.Spec, loc)))
		if at, ok := h.Reminders.NextFire(rec.Key()); ok {
			line += ", next " + at.In(loc).Format(listLayout)
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *Handlers) cancelReminder(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return errors.New("usage: /cancelreminder <task_id> <notification_id>")
	}
	taskID, err := parseID("task id", req.Args[0])
	if err != nil {
		return err
	}
	nid, err := parseID("notification id", req.Args[1])
	if err != nil {
		return err
	}
	if err := h.Reminders.CancelNotification(ctx, taskID, nid); err != nil {
		if errors.Is(err, reminder.ErrNotCancellable) {
			return errors.New("reminder already sent")
		}
		return taskErr(taskID, err)
	}
	return req.Reply(ctx, fmt.Sprintf("🛑 reminder %s cancelled", model.JobKey{TaskID: taskID, NotificationID: nid}))
}

// rearm optionally moves the due time, then re-resolves the deadline notice
// and every scheduled reminder of the task.
func (h *Handlers) rearm(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return errors.New("usage: /rearm <task_id> [<time> | none]")
	}
	id, err := parseID("task id", req.Args[0])
	if err != nil {
		return err
	}
	if rest := strings.Join(req.Args[1:], " "); rest != "" {
		var due *time.Time
		if !strings.EqualFold(rest, "none") {
			at, err := parseWhen(rest, h.loc())
			if err != nil {
				return err
			}
			due = &at
		}
		if err := h.Store.SetTaskDue(ctx, id, due); err != nil {
			return taskErr(id, err)
		}
	}
	if err := h.Reminders.OnTaskDueChanged(ctx, id); err != nil {
		return taskErr(id, err)
	}
	msg := fmt.Sprintf("🔁 task #%d re-armed", id)
	if at, ok := h.Reminders.NextFire(model.DeadlineKey(id)); ok {
		msg += "\ndeadline notice: " + at.In(h.loc()).Format(listLayout)
	}
	return req.Reply(ctx, msg)
}

func (h *Handlers) jobs(ctx context.Context, req *Request) error {
	snap := h.Reminders.Jobs()
	loc := h.loc()
	lines := []string{fmt.Sprintf("<b>Timers</b>: %d (running=%t, queue %d/%d)", len(snap.Jobs), snap.Running, snap.Engine.QueueLen, snap.Engine.QueueCap)}
	for i, j := range snap.Jobs {
		if i == 30 {
			lines = append(lines, fmt.Sprintf("... %d more", len(snap.Jobs)-i))
			break
		}
		lines = append(lines, html.EscapeString(j.ID)+" @ "+j.FireAt.In(loc).Format(listLayout))
	}
	for _, c := range snap.Crons {
		line := "cron " + html.EscapeString(c.Name) + " (" + html.EscapeString(c.Spec) + ")"
		if !c.Next.IsZero() {
			line += " next " + c.Next.In(loc).Format(listLayout)
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *Handlers) reload(ctx context.Context, req *Request) error {
	rep, err := h.Reminders.BootstrapReport(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🔄 re-armed %d deadline notices and %d reminders (%d skipped) in %s",
		rep.Deadlines, rep.Notifications, rep.Skipped, rep.Took.Round(time.Millisecond)))
}

func singleTaskID(args []string, usage string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("usage: " + usage)
	}
	return parseID("task id", args[0])
}

func taskErr(id int64, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errors.New("task #" + strconv.FormatInt(id, 10) + " or reminder not found")
	case errors.Is(err, storage.ErrStatusConflict):
		return errors.New("task #" + strconv.FormatInt(id, 10) + " is already completed")
	}
	return err
}
