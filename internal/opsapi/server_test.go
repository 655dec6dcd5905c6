package opsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/model"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var fireAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeReminders struct {
	mu        sync.Mutex
	added     []model.Spec
	now       int
	cancelErr error
	rearmed   []int64
}

func (f *fakeReminders) AddNotification(_ context.Context, taskID int64, _ model.Kind, spec model.Spec) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID == 404 {
		return 0, storage.ErrNotFound
	}
	f.added = append(f.added, spec)
	return int64(len(f.added)), nil
}

func (f *fakeReminders) AddNowNotification(context.Context, int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now++
	return 99, nil
}

func (f *fakeReminders) CancelNotification(context.Context, int64, int64) error { return f.cancelErr }

func (f *fakeReminders) OnTaskDueChanged(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rearmed = append(f.rearmed, taskID)
	return nil
}

func (f *fakeReminders) BootstrapReport(context.Context) (reminder.BootstrapReport, error) {
	return reminder.BootstrapReport{Deadlines: 1, Notifications: 2, Skipped: 3, Took: 5 * time.Millisecond}, nil
}

func (f *fakeReminders) Jobs() scheduler.Snapshot {
	return scheduler.Snapshot{
		Running: true,
		Jobs:    []scheduler.JobInfo{{Key: model.DeadlineKey(5), ID: model.DeadlineKey(5).String(), FireAt: fireAt}},
	}
}

func (f *fakeReminders) NextFire(key model.JobKey) (time.Time, bool) {
	if key == model.DeadlineKey(5) || key.NotificationID == 1 {
		return fireAt, true
	}
	return time.Time{}, false
}

type fakeStore struct {
	pingErr error

	mu  sync.Mutex
	due map[int64]*time.Time
}

func (s *fakeStore) SetTaskDue(_ context.Context, id int64, due *time.Time) error {
	if id == 404 {
		return storage.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.due == nil {
		s.due = map[int64]*time.Time{}
	}
	s.due[id] = due
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id int64) (model.Task, error) {
	if id == 404 {
		return model.Task{}, storage.ErrNotFound
	}
	due := fireAt
	return model.Task{ID: id, DueAt: &due}, nil
}

func (s *fakeStore) ListNotifications(_ context.Context, taskID int64) ([]model.NotificationRecord, error) {
	return []model.NotificationRecord{
		{ID: 1, TaskID: taskID, Kind: model.KindSingle, Status: model.StatusScheduled, Spec: model.RelativeToDeadline{Offset: model.Offset{Value: 1, Unit: model.UnitHours}}},
		{ID: 2, TaskID: taskID, Kind: model.KindDeadline, Status: model.StatusSent, Spec: model.Deadline{}},
	}, nil
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func newTestServer(t *testing.T, cfg Config) (*gin.Engine, *fakeReminders, *fakeStore) {
	t.Helper()
	rem := &fakeReminders{}
	st := &fakeStore{}
	return New(cfg, rem, st, logx.Nop()).Router(), rem, st
}

func do(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	r, _, st := newTestServer(t, Config{Token: "s3cret"})
	w := do(r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	st.pingErr = errors.New("db down")
	w = do(r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestServer(t, Config{Token: "s3cret"})
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/jobs", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/jobs", "wrong", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/v1/jobs", "s3cret", nil).Code)
}

func TestJobs(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestServer(t, Config{})
	w := do(r, http.MethodGet, "/v1/jobs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		NextFireAt time.Time `json:"next_fire_at"`
		Snapshot   struct {
			Jobs []struct {
				Job string `json:"job"`
			} `json:"jobs"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, fireAt.Equal(body.NextFireAt))
	require.Len(t, body.Snapshot.Jobs, 1)
	assert.Equal(t, "task:5:notification:deadline", body.Snapshot.Jobs[0].Job)
}

func TestListNotifications(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestServer(t, Config{})
	w := do(r, http.MethodGet, "/v1/tasks/5/notifications", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body taskNotificationsView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(5), body.TaskID)
	require.NotNil(t, body.Deadline.NextFireAt)
	require.Len(t, body.Notifications, 2)
	assert.NotNil(t, body.Notifications[0].NextFireAt)
	assert.Nil(t, body.Notifications[1].NextFireAt)

	spec, err := model.UnmarshalSpec(body.Notifications[0].Spec)
	require.NoError(t, err)
	assert.Equal(t, model.RelativeToDeadline{Offset: model.Offset{Value: 1, Unit: model.UnitHours}}, spec)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/tasks/404/notifications", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/tasks/abc/notifications", "", nil).Code)
}

func TestCreateNotification(t *testing.T) {
	t.Parallel()

	end := model.Offset{Value: 3, Unit: model.UnitDays}
	cases := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantSpec model.Spec
	}{
		{"deadline", map[string]any{"type": "deadline"}, http.StatusCreated, model.Deadline{}},
		{"before", map[string]any{"type": "before", "offset": "60 minutes"}, http.StatusCreated,
			model.RelativeToDeadline{Offset: model.Offset{Value: 60, Unit: model.UnitMinutes}}},
		{"after", map[string]any{"type": "after", "offset": "1d"}, http.StatusCreated,
			model.RelativeToDeadline{Offset: model.Offset{Value: 1, Unit: model.UnitDays}, After: true}},
		{"every", map[string]any{"type": "every", "interval": "1 day", "from": "0 days", "until": "3 days"}, http.StatusCreated,
			model.Recurring{Interval: model.Offset{Value: 1, Unit: model.UnitDays}, StartOffset: model.Offset{Unit: model.UnitDays}, EndOffset: &end}},
		{"unknown type", map[string]any{"type": "sometimes"}, http.StatusBadRequest, nil},
		{"at without time", map[string]any{"type": "at"}, http.StatusBadRequest, nil},
		{"before without offset", map[string]any{"type": "before"}, http.StatusBadRequest, nil},
		{"bad offset", map[string]any{"type": "before", "offset": "soon"}, http.StatusBadRequest, nil},
		{"fixed empty", map[string]any{"type": "fixed", "times": []string{}}, http.StatusBadRequest, nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, rem, _ := newTestServer(t, Config{})
			w := do(r, http.MethodPost, "/v1/tasks/5/notifications", "", tc.body)
			require.Equal(t, tc.wantCode, w.Code, w.Body.String())
			if tc.wantSpec == nil {
				assert.Empty(t, rem.added)
				return
			}
			require.Len(t, rem.added, 1)
			assert.Equal(t, tc.wantSpec, rem.added[0])
		})
	}
}

func TestCreateNowAndAt(t *testing.T) {
	t.Parallel()

	r, rem, _ := newTestServer(t, Config{})
	w := do(r, http.MethodPost, "/v1/tasks/5/notifications", "", map[string]any{"type": "now"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"id":99`)
	assert.Equal(t, 1, rem.now)

	w = do(r, http.MethodPost, "/v1/tasks/5/notifications", "", map[string]any{"type": "at", "at": fireAt})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, rem.added, 1)
	once, ok := rem.added[0].(model.Once)
	require.True(t, ok)
	assert.True(t, fireAt.Equal(once.At))
	assert.Contains(t, w.Body.String(), "next_fire_at")

	w = do(r, http.MethodPost, "/v1/tasks/404/notifications", "", map[string]any{"type": "deadline"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelNotification(t *testing.T) {
	t.Parallel()

	r, rem, _ := newTestServer(t, Config{})
	w := do(r, http.MethodDelete, "/v1/tasks/5/notifications/3", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"task:5:notification:3"`)

	rem.cancelErr = reminder.ErrNotCancellable
	assert.Equal(t, http.StatusConflict, do(r, http.MethodDelete, "/v1/tasks/5/notifications/3", "", nil).Code)

	rem.cancelErr = errors.New("disk on fire")
	w = do(r, http.MethodDelete, "/v1/tasks/5/notifications/3", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")
}

func TestRearmEndpoint(t *testing.T) {
	t.Parallel()

	r, rem, st := newTestServer(t, Config{})
	w := do(r, http.MethodPost, "/v1/tasks/5/rearm", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"next_fire_at":"2026-03-01T09:00:00Z"`)

	due := fireAt.Add(time.Hour)
	w = do(r, http.MethodPost, "/v1/tasks/6/rearm", "", map[string]any{"due_at": due})
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodPost, "/v1/tasks/7/rearm", "", map[string]any{"clear_due": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/v1/tasks/8/rearm", "", map[string]any{"due_at": due, "clear_due": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodPost, "/v1/tasks/404/rearm", "", map[string]any{"due_at": due})
	assert.Equal(t, http.StatusNotFound, w.Code)

	st.mu.Lock()
	assert.NotContains(t, st.due, int64(5))
	require.Contains(t, st.due, int64(6))
	assert.True(t, st.due[6].Equal(due))
	require.Contains(t, st.due, int64(7))
	assert.Nil(t, st.due[7])
	st.mu.Unlock()

	rem.mu.Lock()
	assert.Equal(t, []int64{5, 6, 7}, rem.rearmed)
	rem.mu.Unlock()
}

func TestBootstrapEndpoint(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestServer(t, Config{})
	w := do(r, http.MethodPost, "/v1/bootstrap", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deadlines":1,"notifications":2,"skipped":3,"took_ms":5}`, w.Body.String())
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestServer(t, Config{})
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/debug/pprof/", "", nil).Code)

	r, _, _ = newTestServer(t, Config{Pprof: true})
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/debug/pprof/", "", nil).Code)
}
