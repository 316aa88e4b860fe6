package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/internal/eventbus"
	"leadbot/pkg/logx"
)

func TestMetricsCountEvents(t *testing.T) {
	m := NewMetrics()
	m.Observe(eventbus.Event{Data: eventbus.Delivery{Status: "sent"}})
	m.Observe(eventbus.Event{Data: eventbus.Delivery{Status: "sent"}})
	m.Observe(eventbus.Event{Data: eventbus.Delivery{Status: "failed"}})
	m.Observe(eventbus.Event{Data: eventbus.CapReached{Component: "dispatch"}})
	m.Observe(eventbus.Event{Data: "ignored"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.capReached.WithLabelValues("dispatch")))
}

func TestMetricsRunStopsWhenClosed(t *testing.T) {
	m := NewMetrics()
	events := make(chan eventbus.Event, 2)
	events <- eventbus.Event{Data: eventbus.Comment{Action: "queued"}}
	close(events)
	require.NoError(t, m.Run(context.Background(), events))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.comments.WithLabelValues("queued")))
}

func get(t *testing.T, h http.Handler, target string, header map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.Gauge("queue_depth", "Pending keyword DMs", func() float64 { return 3 })
	m.Observe(eventbus.Event{Data: eventbus.Welcome{Status: "sent"}})
	srv := NewServer(Config{}, m, nil, logx.Nop())

	code, body := get(t, srv.Handler(), "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `leadbot_welcomes_total{status="sent"} 1`)
	assert.Contains(t, body, "leadbot_queue_depth 3")
}

func TestHealthz(t *testing.T) {
	healthy := true
	srv := NewServer(Config{}, nil, func() (any, bool) {
		return map[string]any{"loops": []string{"dispatch"}}, healthy
	}, logx.Nop())

	code, body := get(t, srv.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, []any{"dispatch"}, out["loops"])

	healthy = false
	code, _ = get(t, srv.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestTokenAuth(t *testing.T) {
	srv := NewServer(Config{Token: "s3cret"}, NewMetrics(), nil, logx.Nop())
	h := srv.Handler()

	code, _ := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/healthz?token=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/healthz?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/metrics", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	code, _ := get(t, NewServer(Config{}, nil, nil, logx.Nop()).Handler(), "/debug/pprof/", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := get(t, NewServer(Config{Pprof: true}, nil, nil, logx.Nop()).Handler(), "/debug/pprof/", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "goroutine"))
}

func TestRunRefusesPublicBindWithoutToken(t *testing.T) {
	srv := NewServer(Config{Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	assert.Error(t, srv.Run(context.Background()))
}

func TestLoopbackAddr(t *testing.T) {
	assert.True(t, IsLoopbackAddr("127.0.0.1:9090"))
	assert.True(t, IsLoopbackAddr("localhost:1"))
	assert.True(t, IsLoopbackAddr("[::1]:80"))
	assert.False(t, IsLoopbackAddr(":9090"))
	assert.False(t, IsLoopbackAddr("10.0.0.1:80"))
	assert.False(t, IsLoopbackAddr("bad"))
}
