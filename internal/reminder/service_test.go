package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/eventbus"
	"remindbot/internal/model"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

type sentMsg struct {
	UserID string
	Text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	fail map[string]bool

	// set before the service starts
	delay   time.Duration
	entered chan string
}

func (f *fakeSender) Send(ctx context.Context, userID, text string) error {
	if f.entered != nil {
		select {
		case f.entered <- userID:
		default:
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[userID] {
		return errors.New("chat not found")
	}
	f.sent = append(f.sent, sentMsg{UserID: userID, Text: text})
	return nil
}

func (f *fakeSender) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeSender) recipients() []string {
	var out []string
	for _, m := range f.messages() {
		out = append(out, m.UserID)
	}
	sort.Strings(out)
	return out
}

type harness struct {
	svc    *Service
	store  *storage.Store
	sender *fakeSender
	bus    *eventbus.MemBus
}

type harnessConfig struct {
	sched  scheduler.Config
	opt    Options
	sender *fakeSender
	wrap   func(Store) Store
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func withClock(c *fakeClock) func(*harnessConfig) {
	return func(hc *harnessConfig) { hc.opt.Now = c.Now }
}

func newHarness(t *testing.T, start bool, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	ctx := context.Background()
	hc := harnessConfig{
		sched:  scheduler.Config{JobTimeout: 5 * time.Second},
		opt:    Options{SendRatePerSec: 1000, SendBurst: 10},
		sender: &fakeSender{fail: map[string]bool{}},
	}
	for _, o := range opts {
		o(&hc)
	}
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)

	for _, r := range []model.Role{
		{RoleID: "dev-back", Group: "dev", Pass: "p1"},
		{RoleID: "dev-front", Group: "dev", Pass: "p2"},
		{RoleID: "empty", Group: "none", Pass: "p3"},
	} {
		require.NoError(t, st.UpsertRole(ctx, r))
	}
	for _, u := range []model.RoleUser{
		{UserID: "100", UserName: "alice", RoleID: "dev-back"},
		{UserID: "200", UserName: "bob", RoleID: "dev-front"},
	} {
		require.NoError(t, st.BindUser(ctx, u))
	}

	bus := eventbus.New()
	eng := engine.New(engine.Config{Workers: 2, QueueSize: 16}, logx.Nop(), bus)
	eng.Start(ctx)
	sch := scheduler.New(hc.sched, eng, logx.Nop(), bus)
	sender := hc.sender
	var store Store = st
	if hc.wrap != nil {
		store = hc.wrap(st)
	}
	svc, err := New(Deps{Store: store, Sender: sender, Scheduler: sch, Log: logx.Nop(), Bus: bus}, hc.opt)
	require.NoError(t, err)

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(sctx)
		eng.Stop(sctx)
		_ = st.Close()
	})
	if start {
		require.NoError(t, svc.Start(ctx))
	}
	return &harness{svc: svc, store: st, sender: sender, bus: bus}
}

func (h *harness) task(t *testing.T, role string, due *time.Time) int64 {
	t.Helper()
	id, err := h.store.CreateTask(context.Background(), model.Task{RoleID: role, Description: "ship <release>", DueAt: due})
	require.NoError(t, err)
	return id
}

func (h *harness) status(t *testing.T, id int64) model.Status {
	t.Helper()
	rec, err := h.store.GetNotification(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func (h *harness) heldKeys() int {
	h.svc.keysMu.Lock()
	defer h.svc.keysMu.Unlock()
	return len(h.svc.keys)
}

func gatedSender(delay time.Duration) func(*harnessConfig) {
	return func(hc *harnessConfig) {
		hc.sender.delay = delay
		hc.sender.entered = make(chan string, 1)
	}
}

func (h *harness) waitSending(t *testing.T) {
	t.Helper()
	select {
	case <-h.sender.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not start")
	}
}

// flakyStore fails selected calls a fixed number of times.
type flakyStore struct {
	Store
	usersFail  atomic.Int32
	settleFail atomic.Int32
	sweepFail  atomic.Int32
	sweepCalls atomic.Int32
}

var errLocked = errors.New("database is locked")

func (f *flakyStore) ListUsersForRole(ctx context.Context, roleID string) ([]model.RoleUser, error) {
	if f.usersFail.Add(-1) >= 0 {
		return nil, errLocked
	}
	return f.Store.ListUsersForRole(ctx, roleID)
}

func (f *flakyStore) UpdateNotificationStatus(ctx context.Context, id int64, from, to model.Status) error {
	if f.settleFail.Add(-1) >= 0 {
		return errLocked
	}
	return f.Store.UpdateNotificationStatus(ctx, id, from, to)
}

func (f *flakyStore) MarkOverdueTasks(ctx context.Context, now time.Time) (int64, error) {
	f.sweepCalls.Add(1)
	if f.sweepFail.Add(-1) >= 0 {
		return 0, errLocked
	}
	return f.Store.MarkOverdueTasks(ctx, now)
}

func withFlaky(f *flakyStore) func(*harnessConfig) {
	return func(hc *harnessConfig) {
		hc.wrap = func(st Store) Store {
			f.Store = st
			return f
		}
	}
}

func at(d time.Duration) *time.Time {
	t := time.Now().Add(d).Truncate(time.Millisecond)
	return &t
}

func TestBootstrapArmsOneDeadlineJobPerTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()

	dueA, dueB := at(time.Hour), at(2*time.Hour)
	a := h.task(t, "dev", dueA)
	b := h.task(t, "dev-back", dueB)
	h.task(t, "dev", nil)
	done := h.task(t, "dev", at(time.Hour))
	require.NoError(t, h.store.SetTaskNotified(ctx, done, true))

	require.NoError(t, h.svc.Start(ctx))
	require.NoError(t, h.svc.Bootstrap(ctx))

	jobs := h.svc.Jobs().Jobs
	require.Len(t, jobs, 2)
	assert.Equal(t, model.DeadlineKey(a), jobs[0].Key)
	assert.True(t, jobs[0].FireAt.Equal(*dueA))
	assert.Equal(t, model.DeadlineKey(b), jobs[1].Key)
	assert.True(t, jobs[1].FireAt.Equal(*dueB))
}

func TestDeadlineDispatchSendsToRoleGroup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	id := h.task(t, "dev", at(30*time.Millisecond))
	require.NoError(t, h.svc.OnTaskDueChanged(ctx, id))

	require.Eventually(t, func() bool { return len(h.sender.messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"100", "200"}, h.sender.recipients())
	msg := h.sender.messages()[0].Text
	assert.Contains(t, msg, "Deadline reached")
	assert.Contains(t, msg, "ship &lt;release&gt;")

	require.Eventually(t, func() bool {
		task, err := h.store.GetTask(ctx, id)
		return err == nil && task.Notified
	}, time.Second, 10*time.Millisecond)

	occ, err := h.store.ListOccurrences(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, 2, occ[0].Delivered)
	assert.Zero(t, occ[0].NotificationID)

	found := false
	for !found {
		select {
		case e := <-events:
			found = e.Type == eventbus.TypeReminderDispatched
		case <-time.After(time.Second):
			t.Fatal("no dispatch event")
		}
	}
}

func TestNotificationDispatchMarksSent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev-back", nil)

	nid, err := h.svc.AddNotification(ctx, taskID, model.KindSingle, model.Once{At: time.Now().Add(20 * time.Millisecond)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.status(t, nid) == model.StatusSent }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"100"}, h.sender.recipients())
	assert.Contains(t, h.sender.messages()[0].Text, "Reminder</b>: task #")
	assert.NotContains(t, h.sender.messages()[0].Text, "Deadline:")
	assert.ErrorIs(t, h.svc.CancelNotification(ctx, taskID, nid), ErrNotCancellable)
}

func TestRelativeOffsetFiresBeforeDue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	due := at(3 * time.Hour)
	taskID := h.task(t, "dev", due)

	off, err := model.ParseOffset("60 minutes")
	require.NoError(t, err)
	nid, err := h.svc.AddNotification(ctx, taskID, model.KindSingle, model.RelativeToDeadline{Offset: off})
	require.NoError(t, err)

	fireAt, ok := h.svc.NextFire(model.JobKey{TaskID: taskID, NotificationID: nid})
	require.True(t, ok)
	assert.True(t, fireAt.Equal(due.Add(-time.Hour)))

	nid, err = h.svc.AddNotification(ctx, taskID, model.KindOverdue, model.RelativeToDeadline{Offset: off, After: true})
	require.NoError(t, err)
	fireAt, ok = h.svc.NextFire(model.JobKey{TaskID: taskID, NotificationID: nid})
	require.True(t, ok)
	assert.True(t, fireAt.Equal(due.Add(time.Hour)))
}

func TestCancelBeforeFire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev", nil)

	nid, err := h.svc.AddNotification(ctx, taskID, "", model.Once{At: time.Now().Add(80 * time.Millisecond)})
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelNotification(ctx, taskID, nid))
	require.NoError(t, h.svc.CancelNotification(ctx, taskID, nid))

	assert.Equal(t, model.StatusCancelled, h.status(t, nid))
	assert.False(t, h.svc.sched.Has(model.JobKey{TaskID: taskID, NotificationID: nid}))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, h.sender.messages())

	assert.ErrorIs(t, h.svc.CancelNotification(ctx, taskID+1, nid), storage.ErrNotFound)
}

func TestCancelledRecordIgnoredWhenTimerFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev", nil)

	nid, err := h.svc.AddNotification(ctx, taskID, "", model.Once{At: time.Now().Add(50 * time.Millisecond)})
	require.NoError(t, err)
	// Cancelled behind the service's back: the dispatcher must re-check the store.
	require.NoError(t, h.store.UpdateNotificationStatus(ctx, nid, model.StatusScheduled, model.StatusCancelled))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, h.sender.messages())
}

func TestEmptyRecipientsLeaveRecordScheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "empty", nil)

	nid, err := h.svc.AddNotification(ctx, taskID, "", model.Once{At: time.Now()})
	require.NoError(t, err)
	key := model.JobKey{TaskID: taskID, NotificationID: nid}
	require.Eventually(t, func() bool { return !h.svc.sched.Has(key) }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, h.sender.messages())
	assert.Equal(t, model.StatusScheduled, h.status(t, nid))
	occ, err := h.store.ListOccurrences(ctx, taskID, 10)
	require.NoError(t, err)
	assert.Empty(t, occ)
}

func TestRecurringFixedTimesFireThenSettle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev-back", nil)

	now := time.Now()
	spec := model.Recurring{FixedTimes: []time.Time{
		now.Add(100 * time.Millisecond),
		now.Add(200 * time.Millisecond),
		now.Add(300 * time.Millisecond),
	}}
	nid, err := h.svc.AddNotification(ctx, taskID, model.KindRepeated, spec)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.status(t, nid) == model.StatusSent }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, h.sender.messages(), 3)

	rec, err := h.store.GetNotification(ctx, nid)
	require.NoError(t, err)
	require.NotNil(t, rec.LastFiredAt)
	occ, err := h.store.ListOccurrences(ctx, taskID, 10)
	require.NoError(t, err)
	assert.Len(t, occ, 3)
}

func TestRecurringIntervalRearms(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	due := at(10 * time.Millisecond)
	taskID := h.task(t, "dev-back", due)
	require.NoError(t, h.svc.CancelNotification(ctx, taskID, 0))

	nid, err := h.svc.AddNotification(ctx, taskID, model.KindRepeated, model.Recurring{
		Interval: model.Offset{Value: 2, Unit: model.UnitHours},
	})
	require.NoError(t, err)
	key := model.JobKey{TaskID: taskID, NotificationID: nid}

	require.Eventually(t, func() bool { return len(h.sender.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		next, ok := h.svc.NextFire(key)
		return ok && next.Equal(due.Add(2*time.Hour))
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StatusScheduled, h.status(t, nid))
}

func TestDeliveryFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	h.sender.mu.Lock()
	h.sender.fail["100"] = true
	h.sender.mu.Unlock()
	taskID := h.task(t, model.RoleAll, nil)

	nid, err := h.svc.AddNowNotification(ctx, taskID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.status(t, nid) == model.StatusSent }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"200"}, h.sender.recipients())
	occ, err := h.store.ListOccurrences(ctx, taskID, 10)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, 2, occ[0].Recipients)
	assert.Equal(t, 1, occ[0].Delivered)
	assert.Equal(t, 1, occ[0].Failed)
}

func TestUnresolvableUntilDueIsSet(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev", nil)

	nid, err := h.svc.AddNotification(ctx, taskID, model.KindOverdue, model.RelativeToDeadline{
		Offset: model.Offset{Value: 1, Unit: model.UnitDays}, After: true,
	})
	require.NoError(t, err)
	key := model.JobKey{TaskID: taskID, NotificationID: nid}
	assert.False(t, h.svc.sched.Has(key))
	assert.Equal(t, model.StatusScheduled, h.status(t, nid))

	due := at(time.Hour)
	require.NoError(t, h.store.SetTaskDue(ctx, taskID, due))
	require.NoError(t, h.svc.OnTaskDueChanged(ctx, taskID))

	fireAt, ok := h.svc.NextFire(key)
	require.True(t, ok)
	assert.True(t, fireAt.Equal(due.Add(24*time.Hour)))
	assert.True(t, h.svc.sched.Has(model.DeadlineKey(taskID)))
}

func TestAddNotificationValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev", nil)

	_, err := h.svc.AddNotification(ctx, taskID, model.KindSingle, nil)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = h.svc.AddNotification(ctx, taskID, model.KindOverdue, model.Once{At: time.Now()})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = h.svc.AddNotification(ctx, taskID, model.KindSingle, model.Once{})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = h.svc.AddNotification(ctx, taskID+100, model.KindSingle, model.Once{At: time.Now()})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	recs, err := h.store.ListNotifications(ctx, taskID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestOperationsRequireRunningService(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()
	taskID := h.task(t, "dev", nil)

	_, err := h.svc.AddNotification(ctx, taskID, "", model.Once{At: time.Now()})
	assert.ErrorIs(t, err, ErrNotStarted)
	err = h.svc.ScheduleTaskNotification(ctx, taskID, time.Now(), "x", "dev", nil)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestShutdownStopsFiring(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev", nil)

	nid, err := h.svc.AddNotification(ctx, taskID, "", model.Once{At: time.Now().Add(80 * time.Millisecond)})
	require.NoError(t, err)
	require.NoError(t, h.svc.Shutdown(ctx))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, h.sender.messages())
	assert.Equal(t, model.StatusScheduled, h.status(t, nid))
}

func TestRestartRearmsFromStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev-front", nil)

	nid, err := h.svc.AddNotification(ctx, taskID, "", model.Once{At: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, h.svc.Shutdown(ctx))
	h.svc.sched.Cancel(model.JobKey{TaskID: taskID, NotificationID: nid})

	require.NoError(t, h.svc.Start(ctx))
	require.NoError(t, h.svc.Bootstrap(ctx))
	assert.True(t, h.svc.sched.Has(model.JobKey{TaskID: taskID, NotificationID: nid}))
	assert.Equal(t, 1, h.svc.sched.Len())
}

func TestScheduleTaskNotificationUsesPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev-back", nil)

	require.NoError(t, h.svc.ScheduleTaskNotification(ctx, taskID, time.Now().Add(20*time.Millisecond), "standup moved", "dev-front", nil))
	require.Eventually(t, func() bool { return len(h.sender.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := h.sender.messages()[0]
	assert.Equal(t, "200", msg.UserID)
	assert.Contains(t, msg.Text, "standup moved")
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	taskID := h.task(t, "dev", at(time.Hour))
	require.NoError(t, h.svc.OnTaskDueChanged(ctx, taskID))

	nid, err := h.svc.AddNotification(ctx, taskID, "", model.Once{At: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 2, h.svc.sched.Len())

	require.NoError(t, h.svc.CancelTask(ctx, taskID))
	assert.Equal(t, 0, h.svc.sched.Len())
	assert.Equal(t, model.StatusCancelled, h.status(t, nid))
	task, err := h.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, task.Notified)
}

func TestOverdueSweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	late := h.task(t, "dev", at(-time.Minute))
	onTime := h.task(t, "dev", at(time.Hour))

	require.NoError(t, h.svc.sweepOverdue(ctx))
	got, err := h.store.GetTask(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, model.TaskOverdue, got.Status)
	got, err = h.store.GetTask(ctx, onTime)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSent, got.Status)

	crons := h.svc.Jobs().Crons
	require.Len(t, crons, 0)
}

func TestPreview(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	due := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	end := model.Offset{Value: 3, Unit: model.UnitDays}
	got, err := h.svc.Preview(model.Recurring{
		Interval:  model.Offset{Value: 1, Unit: model.UnitDays},
		EndOffset: &end,
	}, model.Task{ID: 1, DueAt: &due}, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.True(t, got[3].Equal(due.Add(72*time.Hour)))
}

func TestRenderMessage(t *testing.T) {
	t.Parallel()
	due := time.Date(2025, 3, 14, 9, 5, 0, 0, time.UTC)
	tests := []struct {
		name string
		kind model.Kind
		due  *time.Time
		want []string
		not  []string
	}{
		{name: "deadline", kind: model.KindDeadline, due: &due, want: []string{"<b>Deadline reached</b>: task #7", "Deadline: 09:05 14.03.2025"}},
		{name: "overdue", kind: model.KindOverdue, due: &due, want: []string{"<b>Overdue</b>"}},
		{name: "single without due", kind: model.KindSingle, want: []string{"<b>Reminder</b>", "Description: a &amp; b"}, not: []string{"Deadline:"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := RenderMessage(tt.kind, 7, "a & b", tt.due, time.UTC)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
			for _, n := range tt.not {
				assert.False(t, strings.Contains(got, n), n)
			}
		})
	}
}

func TestSlowDeliveryDoesNotBlockOtherKeys(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, gatedSender(2*time.Second))
	ctx := context.Background()
	slow := h.task(t, "dev-back", nil)
	other := h.task(t, "dev-front", nil)

	_, err := h.svc.AddNowNotification(ctx, slow)
	require.NoError(t, err)
	h.waitSending(t)

	start := time.Now()
	for i := 0; i < 16; i++ {
		nid, err := h.svc.AddNotification(ctx, other, "", model.Once{At: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		require.NoError(t, h.svc.CancelNotification(ctx, other, nid))
	}
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return len(h.sender.messages()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.heldKeys() == 0 }, time.Second, 10*time.Millisecond)
}

func TestJobTimeoutStillSettlesBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, func(hc *harnessConfig) {
		hc.sched.JobTimeout = 400 * time.Millisecond
		hc.sender.delay = 250 * time.Millisecond
	})
	ctx := context.Background()
	taskID := h.task(t, "dev", nil)

	nid, err := h.svc.AddNowNotification(ctx, taskID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.status(t, nid) == model.StatusSent }, 3*time.Second, 10*time.Millisecond)

	occ, err := h.store.ListOccurrences(ctx, taskID, 10)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, 2, occ[0].Recipients)
	assert.Equal(t, 2, occ[0].Delivered+occ[0].Failed)
	assert.Equal(t, occ[0].Delivered, len(h.sender.messages()))
}

func TestBootstrapFiresMissedRecurringOccurrenceOnce(t *testing.T) {
	t.Parallel()
	due := time.Now().Add(10 * time.Hour).Truncate(time.Millisecond)
	clock := &fakeClock{now: due.Add(-time.Minute)}
	h := newHarness(t, true, withClock(clock))
	ctx := context.Background()
	taskID := h.task(t, "dev-back", &due)

	nid, err := h.svc.AddNotification(ctx, taskID, model.KindRepeated, model.Recurring{
		Interval: model.Offset{Value: 1, Unit: model.UnitHours},
	})
	require.NoError(t, err)
	key := model.JobKey{TaskID: taskID, NotificationID: nid}
	require.NoError(t, h.store.MarkNotificationFired(ctx, nid, due))

	// down from due to due+90m: the due+1h occurrence was missed
	require.NoError(t, h.svc.Shutdown(ctx))
	clock.Set(due.Add(90 * time.Minute))
	require.NoError(t, h.svc.Start(ctx))

	fireAt, ok := h.svc.NextFire(key)
	require.True(t, ok)
	assert.True(t, fireAt.Equal(clock.Now()), "armed at %s", fireAt)

	require.NoError(t, h.svc.dispatch(ctx, key, nil))
	assert.Len(t, h.sender.messages(), 1)
	fireAt, ok = h.svc.NextFire(key)
	require.True(t, ok)
	assert.True(t, fireAt.Equal(due.Add(2*time.Hour)), "re-armed at %s", fireAt)

	rec, err := h.store.GetNotification(ctx, nid)
	require.NoError(t, err)
	require.NotNil(t, rec.LastFiredAt)
	assert.True(t, rec.LastFiredAt.Equal(clock.Now()))
	assert.Equal(t, model.StatusScheduled, rec.Status)
}

func TestBootstrapSettlesExhaustedRecurring(t *testing.T) {
	t.Parallel()
	due := time.Now().Add(10 * time.Hour).Truncate(time.Millisecond)
	clock := &fakeClock{now: due.Add(-time.Minute)}
	h := newHarness(t, true, withClock(clock))
	ctx := context.Background()
	taskID := h.task(t, "dev-back", &due)

	end := model.Offset{Value: 2, Unit: model.UnitHours}
	nid, err := h.svc.AddNotification(ctx, taskID, model.KindRepeated, model.Recurring{
		Interval:  model.Offset{Value: 1, Unit: model.UnitHours},
		EndOffset: &end,
	})
	require.NoError(t, err)
	require.NoError(t, h.store.MarkNotificationFired(ctx, nid, due.Add(2*time.Hour)))

	clock.Set(due.Add(5 * time.Hour))
	rep, err := h.svc.BootstrapReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Notifications)

	assert.Equal(t, model.StatusSent, h.status(t, nid))
	assert.False(t, h.svc.sched.Has(model.JobKey{TaskID: taskID, NotificationID: nid}))
	assert.Empty(t, h.sender.messages())
}

func TestBoundedIntervalRunsToExhaustion(t *testing.T) {
	t.Parallel()
	due := time.Now().Add(10 * time.Hour).Truncate(time.Millisecond)
	clock := &fakeClock{now: due.Add(-time.Minute)}
	h := newHarness(t, true, withClock(clock))
	ctx := context.Background()
	taskID := h.task(t, "dev-back", &due)

	end := model.Offset{Value: 2, Unit: model.UnitHours}
	nid, err := h.svc.AddNotification(ctx, taskID, model.KindRepeated, model.Recurring{
		Interval:  model.Offset{Value: 1, Unit: model.UnitHours},
		EndOffset: &end,
	})
	require.NoError(t, err)
	key := model.JobKey{TaskID: taskID, NotificationID: nid}
	fireAt, ok := h.svc.NextFire(key)
	require.True(t, ok)
	require.True(t, fireAt.Equal(due))

	for _, step := range []time.Duration{0, time.Hour} {
		clock.Set(due.Add(step))
		require.NoError(t, h.svc.dispatch(ctx, key, nil))
		fireAt, ok := h.svc.NextFire(key)
		require.True(t, ok)
		assert.True(t, fireAt.Equal(due.Add(step+time.Hour)), "after %s re-armed at %s", step, fireAt)
		assert.Equal(t, model.StatusScheduled, h.status(t, nid))
	}

	clock.Set(due.Add(2 * time.Hour))
	require.NoError(t, h.svc.dispatch(ctx, key, nil))
	assert.Equal(t, model.StatusSent, h.status(t, nid))
	assert.False(t, h.svc.sched.Has(key))
	assert.Len(t, h.sender.messages(), 3)

	occ, err := h.store.ListOccurrences(ctx, taskID, 10)
	require.NoError(t, err)
	assert.Len(t, occ, 3)

	// a stray fire after exhaustion is a no-op
	require.NoError(t, h.svc.dispatch(ctx, key, nil))
	assert.Len(t, h.sender.messages(), 3)
}

func TestCancelWaitsForFireInFlight(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		kind    model.Kind
		spec    model.Spec
		wantErr error
		want    model.Status
	}{
		{name: "single settles first", kind: model.KindSingle, spec: model.Once{At: time.Now()}, wantErr: ErrNotCancellable, want: model.StatusSent},
		{name: "repeated cancelled after re-arm", kind: model.KindRepeated, spec: model.Recurring{
			Interval: model.Offset{Value: 2, Unit: model.UnitHours},
		}, want: model.StatusCancelled},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, true, gatedSender(300*time.Millisecond))
			ctx := context.Background()
			taskID := h.task(t, "dev-back", at(-time.Minute))

			nid, err := h.svc.AddNotification(ctx, taskID, tt.kind, tt.spec)
			require.NoError(t, err)
			h.waitSending(t)

			err = h.svc.CancelNotification(ctx, taskID, nid)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, h.sender.messages(), 1)
			assert.Equal(t, tt.want, h.status(t, nid))
			assert.False(t, h.svc.sched.Has(model.JobKey{TaskID: taskID, NotificationID: nid}))
		})
	}
}

func TestCancelTaskLeavesNoTimerBehindFireInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, gatedSender(300*time.Millisecond))
	ctx := context.Background()
	taskID := h.task(t, "dev-back", at(-time.Minute))

	nid, err := h.svc.AddNotification(ctx, taskID, model.KindRepeated, model.Recurring{
		Interval: model.Offset{Value: 2, Unit: model.UnitHours},
	})
	require.NoError(t, err)
	h.waitSending(t)

	require.NoError(t, h.svc.CancelTask(ctx, taskID))
	assert.Equal(t, 0, h.svc.sched.Len())
	assert.Equal(t, model.StatusCancelled, h.status(t, nid))
	assert.Len(t, h.sender.messages(), 1)
	require.Eventually(t, func() bool { return h.heldKeys() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDispatchRetriesStorageErrorBeforeDelivery(t *testing.T) {
	t.Parallel()
	fs := &flakyStore{}
	fs.usersFail.Store(1)
	h := newHarness(t, true, withFlaky(fs), func(hc *harnessConfig) {
		hc.sched.Retry = scheduler.TaskOptions{RetryMax: 2, RetryBase: 5 * time.Millisecond, RetryMaxDelay: 10 * time.Millisecond}
	})
	ctx := context.Background()
	taskID := h.task(t, "dev-back", nil)

	nid, err := h.svc.AddNowNotification(ctx, taskID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.status(t, nid) == model.StatusSent }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.sender.messages(), 1)
}

func TestSettleErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	fs := &flakyStore{}
	fs.settleFail.Store(1)
	h := newHarness(t, true, withFlaky(fs), func(hc *harnessConfig) {
		hc.sched.Retry = scheduler.TaskOptions{RetryMax: 2, RetryBase: 5 * time.Millisecond, RetryMaxDelay: 10 * time.Millisecond}
	})
	ctx := context.Background()
	taskID := h.task(t, "dev-back", nil)

	_, err := h.svc.AddNowNotification(ctx, taskID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.sender.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.sender.messages(), 1)
}

func TestOverdueSweepRetriesStorageError(t *testing.T) {
	t.Parallel()
	fs := &flakyStore{}
	fs.sweepFail.Store(1)
	h := newHarness(t, false, withFlaky(fs), func(hc *harnessConfig) {
		hc.opt.OverdueSweep = "* * * * * *"
		hc.opt.RetryMax = 2
	})
	ctx := context.Background()
	late := h.task(t, "dev", at(-time.Minute))
	require.NoError(t, h.svc.Start(ctx))

	crons := h.svc.Jobs().Crons
	require.Len(t, crons, 1)
	assert.Equal(t, 2, crons[0].RetryMax)

	require.Eventually(t, func() bool {
		got, err := h.store.GetTask(ctx, late)
		return err == nil && got.Status == model.TaskOverdue
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, fs.sweepCalls.Load(), int32(2))
}
