package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      config.StorageConfig
		want    string
		path    string
		busy    time.Duration
		wantErr bool
	}{
		{name: "default sqlite", in: config.StorageConfig{}, want: "sqlite", path: defaultSQLitePath},
		{name: "sqlite with busy timeout", in: config.StorageConfig{Driver: "SQLite3", Path: "/tmp/x.db", BusyTimeout: "2s"}, want: "sqlite3", path: "/tmp/x.db", busy: 2 * time.Second},
		{name: "postgres", in: config.StorageConfig{Driver: "pg", DSN: "postgres://u@h/db"}, want: "pg"},
		{name: "bad busy timeout", in: config.StorageConfig{BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Driver)
			assert.Equal(t, tc.path, got.Path)
			assert.Equal(t, tc.busy, got.BusyTimeout)
		})
	}
}

func TestMapLogConfigAndOwners(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Logging: config.LoggingConfig{
		Level:  "debug",
		JSON:   true,
		File:   config.LoggingFile{Enabled: true, Path: "bot.log"},
		Alerts: config.LoggingTelegram{Enabled: true, MinLevel: "error", RatePerSec: 2},
	}}
	lc := mapLogConfig(cfg)
	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.JSON)
	assert.Equal(t, "bot.log", lc.File.Path)
	assert.True(t, lc.Alerts.Enabled)
	assert.Equal(t, 2, lc.Alerts.RatePerSec)

	assert.Equal(t, []string{"42", "-100"}, ownerRecipients([]int64{42, 0, -100}))
}

func TestMapReminderOptions(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Reminders: config.RemindersConfig{Timezone: "Europe/Moscow", SendTimeout: "3s"}}
	rs, err := cfg.ResolveReminders()
	require.NoError(t, err)
	opt := mapReminderOptions(rs)
	assert.Equal(t, "Europe/Moscow", opt.Location.String())
	assert.Equal(t, 3*time.Second, opt.SendTimeout)
	assert.NotEmpty(t, opt.OverdueSweep)
	assert.Equal(t, 2, opt.RetryMax)

	sc := mapSchedulerConfig(rs)
	assert.Equal(t, "Europe/Moscow", sc.Timezone)
	assert.Equal(t, 2, sc.Retry.RetryMax)

	off := 0
	cfg.Reminders.RetryMax = &off
	rs, err = cfg.ResolveReminders()
	require.NoError(t, err)
	assert.Zero(t, mapSchedulerConfig(rs).Retry.RetryMax)
}

func TestAppStartStopWithoutTelegram(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "telegram:\n  disabled: true\n" +
		"logging:\n  level: error\n" +
		"storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "db", "bot.db") + "\n" +
		"reminders:\n  timezone: Asia/Jakarta\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	a, err := NewApp(cfgPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	select {
	case <-a.Done():
		t.Fatalf("app stopped early: %v", a.Err())
	default:
	}
	snap := a.Reminders().Jobs()
	assert.True(t, snap.Running)
	assert.Equal(t, "Asia/Jakarta", a.Reminders().Location().String())
	assert.Equal(t, 10*time.Second, a.StopTimeout())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	<-a.Done()
	assert.NoError(t, a.Err())
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("telegram:\n  token: \"\"\n"), 0o600))
	_, err := NewApp(cfgPath)
	require.Error(t, err)
}
