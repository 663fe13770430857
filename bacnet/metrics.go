package bacnet

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Counter is a thread-safe counter
type Counter struct {
	value atomic.Int64
}

// Add adds a delta to the counter
func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.Add(1)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Reset resets the counter to 0
func (c *Counter) Reset() {
	c.value.Store(0)
}

// Gauge is a thread-safe gauge that can go up and down
type Gauge struct {
	value atomic.Int64
}

// Set sets the gauge value
func (g *Gauge) Set(value int64) {
	g.value.Store(value)
}

// Add adds a delta to the gauge
func (g *Gauge) Add(delta int64) {
	g.value.Add(delta)
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	g.Add(1)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	g.Add(-1)
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// latencyBounds are the upper bounds of the histogram buckets; the last
// bucket is unbounded.
var latencyBounds = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// LatencyHistogram tracks latency measurements
type LatencyHistogram struct {
	mu      sync.RWMutex
	count   int64
	sum     int64 // nanoseconds
	min     int64
	max     int64
	buckets []int64
}

// NewLatencyHistogram creates a new latency histogram
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		min:     -1, // no measurements yet
		buckets: make([]int64, len(latencyBounds)+1),
	}
}

// Record records a latency measurement
func (h *LatencyHistogram) Record(d time.Duration) {
	ns := d.Nanoseconds()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += ns

	if h.min < 0 || ns < h.min {
		h.min = ns
	}
	if ns > h.max {
		h.max = ns
	}

	i := 0
	for i < len(latencyBounds) && d > latencyBounds[i] {
		i++
	}
	h.buckets[i]++
}

// Stats returns histogram statistics
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     time.Duration(h.sum),
		Buckets: make([]int64, len(h.buckets)),
	}
	copy(stats.Buckets, h.buckets)

	if h.count > 0 {
		stats.Min = time.Duration(h.min)
		stats.Max = time.Duration(h.max)
		stats.Avg = time.Duration(h.sum / h.count)
	}

	return stats
}

// Reset resets the histogram
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count = 0
	h.sum = 0
	h.min = -1
	h.max = 0
	for i := range h.buckets {
		h.buckets[i] = 0
	}
}

// LatencyStats contains latency statistics. Buckets holds per-bucket
// counts, not cumulative ones.
type LatencyStats struct {
	Count   int64
	Sum     time.Duration
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Buckets []int64
}

// Metrics holds transport metrics
type Metrics struct {
	// Request metrics
	RequestsSent        Counter
	ConfirmedRequests   Counter
	UnconfirmedRequests Counter
	Retransmissions     Counter
	Timeouts            Counter
	Cancellations       Counter
	SendFailures        Counter

	// Inbound metrics
	DatagramsReceived      Counter
	DatagramsDropped       Counter
	NetworkMessagesIgnored Counter
	RepliesMatched         Counter
	IndicationsDispatched  Counter
	ListenerFailures       Counter

	// Latency from first send to matched reply
	ReplyLatency *LatencyHistogram

	// Bytes
	BytesSent     Counter
	BytesReceived Counter

	// Current state
	ActiveTransactions Gauge

	// Timestamps
	startTime    time.Time
	lastActivity atomic.Int64
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ReplyLatency: NewLatencyHistogram(),
		startTime:    time.Now(),
	}
}

// RecordActivity records the last activity time
func (m *Metrics) RecordActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last activity time
func (m *Metrics) LastActivity() time.Time {
	ns := m.lastActivity.Load()
	if ns == 0 {
		return m.startTime
	}
	return time.Unix(0, ns)
}

// Uptime returns the time since metrics started
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.RequestsSent.Reset()
	m.ConfirmedRequests.Reset()
	m.UnconfirmedRequests.Reset()
	m.Retransmissions.Reset()
	m.Timeouts.Reset()
	m.Cancellations.Reset()
	m.SendFailures.Reset()
	m.DatagramsReceived.Reset()
	m.DatagramsDropped.Reset()
	m.NetworkMessagesIgnored.Reset()
	m.RepliesMatched.Reset()
	m.IndicationsDispatched.Reset()
	m.ListenerFailures.Reset()
	m.ReplyLatency.Reset()
	m.BytesSent.Reset()
	m.BytesReceived.Reset()
	m.ActiveTransactions.Set(0)
	m.startTime = time.Now()
	m.lastActivity.Store(0)
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime: m.Uptime(),

		RequestsSent:        m.RequestsSent.Value(),
		ConfirmedRequests:   m.ConfirmedRequests.Value(),
		UnconfirmedRequests: m.UnconfirmedRequests.Value(),
		Retransmissions:     m.Retransmissions.Value(),
		Timeouts:            m.Timeouts.Value(),
		Cancellations:       m.Cancellations.Value(),
		SendFailures:        m.SendFailures.Value(),

		DatagramsReceived:      m.DatagramsReceived.Value(),
		DatagramsDropped:       m.DatagramsDropped.Value(),
		NetworkMessagesIgnored: m.NetworkMessagesIgnored.Value(),
		RepliesMatched:         m.RepliesMatched.Value(),
		IndicationsDispatched:  m.IndicationsDispatched.Value(),
		ListenerFailures:       m.ListenerFailures.Value(),

		LatencyStats: m.ReplyLatency.Stats(),

		BytesSent:     m.BytesSent.Value(),
		BytesReceived: m.BytesReceived.Value(),

		ActiveTransactions: m.ActiveTransactions.Value(),

		LastActivity: m.LastActivity(),
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Uptime time.Duration `json:"uptime" yaml:"uptime"`

	RequestsSent        int64 `json:"requests_sent" yaml:"requests_sent"`
	ConfirmedRequests   int64 `json:"confirmed_requests" yaml:"confirmed_requests"`
	UnconfirmedRequests int64 `json:"unconfirmed_requests" yaml:"unconfirmed_requests"`
	Retransmissions     int64 `json:"retransmissions" yaml:"retransmissions"`
	Timeouts            int64 `json:"timeouts" yaml:"timeouts"`
	Cancellations       int64 `json:"cancellations" yaml:"cancellations"`
	SendFailures        int64 `json:"send_failures" yaml:"send_failures"`

	DatagramsReceived      int64 `json:"datagrams_received" yaml:"datagrams_received"`
	DatagramsDropped       int64 `json:"datagrams_dropped" yaml:"datagrams_dropped"`
	NetworkMessagesIgnored int64 `json:"network_messages_ignored" yaml:"network_messages_ignored"`
	RepliesMatched         int64 `json:"replies_matched" yaml:"replies_matched"`
	IndicationsDispatched  int64 `json:"indications_dispatched" yaml:"indications_dispatched"`
	ListenerFailures       int64 `json:"listener_failures" yaml:"listener_failures"`

	LatencyStats LatencyStats `json:"latency" yaml:"latency"`

	BytesSent     int64 `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received" yaml:"bytes_received"`

	ActiveTransactions int64 `json:"active_transactions" yaml:"active_transactions"`

	LastActivity time.Time `json:"last_activity" yaml:"last_activity"`
}
