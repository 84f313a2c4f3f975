package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNop(t *testing.T) {
	var c Collector = Nop{}
	require.NotPanics(t, func() {
		c.EventIngested("creature", "accepted")
		c.EventPublished(3, 1)
		c.FilterDecision("raid", false)
		c.LagNotice(5)
		c.MessageSent("notice", "sent")
		c.RenderCompleted(time.Second, errors.New("x"))
		c.SubscriptionsActive(-1)
		c.ReconcileTransition("subscribed")
		c.ReconcileCompleted(true, 0)
	})
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "")

	p.EventIngested("creature", "accepted")
	p.EventIngested("creature", "accepted")
	p.EventPublished(4, 2)
	p.SubscriptionsActive(7)
	p.LagNotice(3)
	p.MessageSent("creature", "sent")
	p.RenderCompleted(50*time.Millisecond, nil)
	p.ReconcileTransition("invalid")
	p.ReconcileCompleted(false, time.Millisecond)
	p.FilterDecision("creature", true)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				values[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}

	require.Equal(t, 2.0, values["pokify_ingest_events_total"])
	require.Equal(t, 4.0, values["pokify_bus_deliveries_total"])
	require.Equal(t, 2.0, values["pokify_bus_dropped_total"])
	require.Equal(t, 7.0, values["pokify_dispatch_subscriptions"])
	require.Equal(t, 3.0, values["pokify_dispatch_lag_missed_events_total"])
	require.Equal(t, 1.0, values["pokify_render_duration_seconds"])
	require.Equal(t, 1.0, values["pokify_reconcile_transitions_total"])

	require.Panics(t, func() { NewPrometheus(reg, "") }, "double registration")
}
