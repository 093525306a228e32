package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.Cycle("0", time.Second, time.Now())
	m.Delivery("delivered")
	m.NewSlots("permits", 3)
	m.SubscriptionRemoved("failures", 1)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Delivery("delivered")
	m.Delivery("delivered")
	m.Delivery("transient_failure")
	m.NewSlots("permits", 2)
	m.NewSlots("permits", 0)
	m.SessionRestart("proactive")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("transient_failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.newSlots.WithLabelValues("permits")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionRestarts.WithLabelValues("proactive")))
}

func TestNewRegistryGathers(t *testing.T) {
	reg, m := NewRegistry()
	m.Cycle("0", 3*time.Second, time.Unix(1700000000, 0))

	n, err := testutil.GatherAndCount(reg, "slotwatch_cycles_total", "slotwatch_last_cycle_timestamp_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}
