package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/internal/config"
	"leadbot/internal/storage"
)

func TestMapDefaults(t *testing.T) {
	cfg := &config.Config{}

	p, err := mapAllPacing(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultDispatchPacing, p.Dispatch)
	assert.Equal(t, 30*time.Second, p.Dispatch.Jitter.Min)
	assert.Equal(t, 60*time.Second, p.Dispatch.Jitter.Max)
	assert.Equal(t, 50, p.Dispatch.MaxPerHour)
	assert.Equal(t, 60*time.Second, p.Dispatch.CapBackoff)
	assert.Equal(t, defaultBroadcastPacing, p.Broadcast)
	assert.Equal(t, defaultWelcomePacing, p.Welcome)

	obs, err := mapObservers(cfg)
	require.NoError(t, err)
	assert.Equal(t, "60s", obs.CommentSchedule)
	assert.Equal(t, "5m", obs.FollowerSchedule)

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: defaultStoragePath, BusyTimeout: defaultBusyTimeout}, sc)

	tc, err := mapTelegramConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultPollTimeout, tc.PollTimeout)

	assert.Equal(t, "https://instagram.com/p/", postURLBase(cfg))
}

func TestMapPacingOverrides(t *testing.T) {
	got, err := mapPacing("dispatch", config.PacingConfig{DelayMin: "5s", DelayMax: "10s", MaxPerHour: 12}, defaultDispatchPacing)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, got.Jitter.Min)
	assert.Equal(t, 10*time.Second, got.Jitter.Max)
	assert.Equal(t, 12, got.MaxPerHour)
	assert.Equal(t, defaultDispatchPacing.CapBackoff, got.CapBackoff)

	// only the minimum raised above the default maximum
	_, err = mapPacing("dispatch", config.PacingConfig{DelayMin: "2m"}, defaultDispatchPacing)
	require.ErrorContains(t, err, "delay_max")

	_, err = mapPacing("dispatch", config.PacingConfig{DelayMin: "soon"}, defaultDispatchPacing)
	require.ErrorContains(t, err, "dispatch.delay_min")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*config.Config)
		err  string
	}{
		{name: "ok", mut: func(*config.Config) {}},
		{name: "bad schedule", mut: func(c *config.Config) { c.Observers.CommentSchedule = "sometimes" }, err: "observers.comment_schedule"},
		{name: "bad idle wait", mut: func(c *config.Config) { c.Dispatch.IdleWait = "-1s" }, err: "dispatch.idle_wait"},
		{name: "public metrics", mut: func(c *config.Config) {
			c.Observability.Enabled = true
			c.Observability.Addr = "0.0.0.0:9090"
		}, err: "observability.addr"},
		{name: "public metrics with token", mut: func(c *config.Config) {
			c.Observability.Enabled = true
			c.Observability.Addr = "0.0.0.0:9090"
			c.Observability.Token = "secret"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{}
			tc.mut(cfg)
			err := validate(cfg)
			if tc.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestMapLogConfigAlertsNeedTelegram(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Alerts.Enabled = true
	assert.False(t, mapLogConfig(cfg).Alerts.Enabled)

	cfg.Telegram.Enabled = true
	lc := mapLogConfig(cfg)
	assert.True(t, lc.Alerts.Enabled)
	assert.Equal(t, "warn", lc.Alerts.MinLevel)
	assert.Equal(t, "info", lc.Level)
}

const appYAML = `
instagram:
  username: shop
  session_file: %SESSION%
  api_base: %API%
storage:
  path: %DB%
telegram:
  enabled: false
observers:
  comment_schedule: 1h
  follower_schedule: 1h
sheets:
  enabled: true
  path: %XLSX%
logging:
  console: false
`

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","users":[]}`))
	}))
	t.Cleanup(api.Close)

	dir := t.TempDir()
	session := filepath.Join(dir, "session.json")
	require.NoError(t, os.WriteFile(session, []byte(`{"sessionid":"42%3Aabc"}`), 0o600))

	body := strings.NewReplacer(
		"%SESSION%", session,
		"%API%", api.URL,
		"%DB%", filepath.Join(dir, "bot.db"),
		"%XLSX%", filepath.Join(dir, "log.xlsx"),
	).Replace(appYAML)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	a, err := New(path, "")
	require.NoError(t, err)
	return a, path
}

func TestStartAndStop(t *testing.T) {
	a, _ := newTestApp(t)
	require.Nil(t, a.adapter)
	require.NotNil(t, a.sheets)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, a.healthy, time.Second, 10*time.Millisecond)
	_, err := a.admin.AddKeyword(ctx, "price", "contains")
	require.NoError(t, err)
	assert.Len(t, a.sched.Entries(), 2)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx))
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still alive after Stop")
	}
}

func TestReloadAppliesLiveSettings(t *testing.T) {
	a, _ := newTestApp(t)
	defer a.store.Close()

	next := *a.cfg
	next.Dispatch.MaxPerHour = 10
	next.Broadcast.DelayMin = "1m"
	next.Broadcast.DelayMax = "2m"
	next.Observers.FollowerSchedule = "10m"
	a.reload(&next)

	assert.Equal(t, 10, a.dispatchPacer.Limits().MaxPerHour)
	assert.Equal(t, time.Minute, a.broadcastPacer.Limits().Jitter.Min)
	for _, e := range a.sched.Entries() {
		if e.Name == jobFollowers {
			assert.Contains(t, e.Spec, "10m")
		}
	}
	assert.Same(t, &next, a.cfg)
}
