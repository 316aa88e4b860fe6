package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"leadbot/internal/eventbus"
)

const namespace = "leadbot"

// Metrics counts bot activity from the event bus. It owns its registry so
// several instances (tests) never collide.
type Metrics struct {
	reg *prometheus.Registry

	deliveries     *prometheus.CounterVec
	comments       *prometheus.CounterVec
	welcomes       *prometheus.CounterVec
	broadcastSends *prometheus.CounterVec
	broadcastState *prometheus.CounterVec
	capReached     *prometheus.CounterVec
	errors         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Keyword-triggered DM attempts by outcome",
		}, []string{"status"}),
		comments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comments_total",
			Help:      "Processed comments by action taken",
		}, []string{"action"}),
		welcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "welcomes_total",
			Help:      "Follower welcome attempts by outcome",
		}, []string{"status"}),
		broadcastSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_sends_total",
			Help:      "Broadcast DM attempts by outcome",
		}, []string{"status"}),
		broadcastState: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_status_changes_total",
			Help:      "Broadcast status reports by status",
		}, []string{"status"}),
		capReached: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cap_reached_total",
			Help:      "Times a sender waited on its hourly cap",
		}, []string{"component"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Component errors reported on the event bus",
		}, []string{"component"}),
	}
}

// Registry exposes the registry for extra collectors and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Gauge registers a gauge read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.Delivery:
		m.deliveries.WithLabelValues(d.Status).Inc()
	case eventbus.Comment:
		m.comments.WithLabelValues(d.Action).Inc()
	case eventbus.Welcome:
		m.welcomes.WithLabelValues(d.Status).Inc()
	case eventbus.BroadcastSend:
		m.broadcastSends.WithLabelValues(d.Status).Inc()
	case eventbus.BroadcastStatus:
		m.broadcastState.WithLabelValues(d.Status).Inc()
	case eventbus.CapReached:
		m.capReached.WithLabelValues(d.Component).Inc()
	case eventbus.Error:
		m.errors.WithLabelValues(d.Component).Inc()
	}
}

// Run observes events until ctx ends or events is closed.
func (m *Metrics) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
