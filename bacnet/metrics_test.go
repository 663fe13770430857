package bacnet

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram()
	assert.Zero(t, h.Stats().Count)
	assert.Zero(t, h.Stats().Min)

	h.Record(time.Millisecond)
	h.Record(3 * time.Millisecond)
	h.Record(2 * time.Second)

	s := h.Stats()
	assert.EqualValues(t, 3, s.Count)
	assert.Equal(t, 2*time.Second+4*time.Millisecond, s.Sum)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 2*time.Second, s.Max)
	require.Len(t, s.Buckets, len(latencyBounds)+1)
	assert.EqualValues(t, 1, s.Buckets[0])
	assert.EqualValues(t, 1, s.Buckets[1])
	assert.EqualValues(t, 1, s.Buckets[len(latencyBounds)])

	h.Reset()
	assert.Zero(t, h.Stats().Count)
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.RequestsSent.Add(3)
	m.Timeouts.Inc()
	m.ActiveTransactions.Inc()
	m.ActiveTransactions.Inc()
	m.ActiveTransactions.Dec()

	s := m.Snapshot()
	assert.EqualValues(t, 3, s.RequestsSent)
	assert.EqualValues(t, 1, s.Timeouts)
	assert.EqualValues(t, 1, s.ActiveTransactions)

	m.Reset()
	s = m.Snapshot()
	assert.Zero(t, s.RequestsSent)
	assert.Zero(t, s.ActiveTransactions)
}

func TestCollector(t *testing.T) {
	m := NewMetrics()
	m.Timeouts.Add(2)
	m.ActiveTransactions.Set(4)
	m.ReplyLatency.Record(20 * time.Millisecond)

	c := NewCollector(m, prometheus.Labels{"link": "test"})

	expected := `
# HELP bacnet_timeouts_total Confirmed requests that ran out of retries.
# TYPE bacnet_timeouts_total counter
bacnet_timeouts_total{link="test"} 2
# HELP bacnet_active_transactions Confirmed requests waiting for a reply.
# TYPE bacnet_active_transactions gauge
bacnet_active_transactions{link="test"} 4
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"bacnet_timeouts_total", "bacnet_active_transactions")
	require.NoError(t, err)

	// 15 counters, one gauge and one histogram
	assert.Equal(t, 17, testutil.CollectAndCount(c))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "bacnet_reply_latency_seconds" {
			continue
		}
		hist := f.GetMetric()[0].GetHistogram()
		assert.EqualValues(t, 1, hist.GetSampleCount())
		assert.InDelta(t, 0.02, hist.GetSampleSum(), 1e-9)
		for _, b := range hist.GetBucket() {
			if b.GetUpperBound() >= 0.025 {
				assert.EqualValues(t, 1, b.GetCumulativeCount(), "le=%v", b.GetUpperBound())
			} else {
				assert.Zero(t, b.GetCumulativeCount(), "le=%v", b.GetUpperBound())
			}
		}
		return
	}
	t.Fatal("latency histogram not gathered")
}
