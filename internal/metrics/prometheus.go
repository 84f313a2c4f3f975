package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector with Prometheus metrics.
type Prometheus struct {
	ingested      *prometheus.CounterVec
	published     prometheus.Counter
	busDropped    prometheus.Counter
	decisions     *prometheus.CounterVec
	lagNotices    prometheus.Counter
	lagMissed     prometheus.Counter
	sent          *prometheus.CounterVec
	renderLatency *prometheus.HistogramVec
	subscriptions prometheus.Gauge
	transitions   *prometheus.CounterVec
	reconcile     *prometheus.HistogramVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil). namespace defaults to "pokify".
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "pokify"
	}

	p := &Prometheus{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Upstream events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "deliveries_total",
			Help:      "Events placed in subscriber mailboxes.",
		}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Events dropped from full subscriber mailboxes.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "decisions_total",
			Help:      "Filter decisions by kind and outcome.",
		}, []string{"kind", "accepted"}),
		lagNotices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "lag_notices_total",
			Help:      "Lag notices queued for subscribers.",
		}),
		lagMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "lag_missed_events_total",
			Help:      "Events replaced by lag notices.",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "messages_total",
			Help:      "Outbound messages by kind and result.",
		}, []string{"kind", "result"}),
		renderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "Artifact render latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}, []string{"ok"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "subscriptions",
			Help:      "Live subscriptions.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "transitions_total",
			Help:      "Reconcile outcomes by resulting state.",
		}, []string{"state"}),
		reconcile: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Reconcile pass duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"full"}),
	}

	reg.MustRegister(
		p.ingested,
		p.published,
		p.busDropped,
		p.decisions,
		p.lagNotices,
		p.lagMissed,
		p.sent,
		p.renderLatency,
		p.subscriptions,
		p.transitions,
		p.reconcile,
	)
	return p
}

func (p *Prometheus) EventIngested(kind, outcome string) {
	p.ingested.WithLabelValues(kind, outcome).Inc()
}

func (p *Prometheus) EventPublished(delivered, dropped int) {
	p.published.Add(float64(delivered))
	p.busDropped.Add(float64(dropped))
}

func (p *Prometheus) FilterDecision(kind string, accepted bool) {
	p.decisions.WithLabelValues(kind, strconv.FormatBool(accepted)).Inc()
}

func (p *Prometheus) LagNotice(missed uint64) {
	p.lagNotices.Inc()
	p.lagMissed.Add(float64(missed))
}

func (p *Prometheus) MessageSent(kind, result string) {
	p.sent.WithLabelValues(kind, result).Inc()
}

func (p *Prometheus) RenderCompleted(d time.Duration, err error) {
	p.renderLatency.WithLabelValues(strconv.FormatBool(err == nil)).Observe(d.Seconds())
}

func (p *Prometheus) SubscriptionsActive(n int) {
	p.subscriptions.Set(float64(n))
}

func (p *Prometheus) ReconcileTransition(state string) {
	p.transitions.WithLabelValues(state).Inc()
}

func (p *Prometheus) ReconcileCompleted(full bool, d time.Duration) {
	p.reconcile.WithLabelValues(strconv.FormatBool(full)).Observe(d.Seconds())
}
