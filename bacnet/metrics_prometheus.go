package bacnet

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bacnet"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(s *MetricsSnapshot) int64
}

// Collector exports a Metrics set to Prometheus
type Collector struct {
	metrics  *Metrics
	counters []counterDesc
	active   *prometheus.Desc
	latency  *prometheus.Desc
}

// NewCollector returns a Prometheus collector reading from m. labels are
// attached to every exported series.
func NewCollector(m *Metrics, labels prometheus.Labels) *Collector {
	counter := func(name, help string, value func(s *MetricsSnapshot) int64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, labels),
			value: value,
		}
	}

	return &Collector{
		metrics: m,
		counters: []counterDesc{
			counter("requests_sent_total", "Datagrams written to the link, retransmissions included.",
				func(s *MetricsSnapshot) int64 { return s.RequestsSent }),
			counter("confirmed_requests_total", "Confirmed requests accepted.",
				func(s *MetricsSnapshot) int64 { return s.ConfirmedRequests }),
			counter("unconfirmed_requests_total", "Untracked requests accepted.",
				func(s *MetricsSnapshot) int64 { return s.UnconfirmedRequests }),
			counter("retransmissions_total", "Confirmed requests sent again after a timeout.",
				func(s *MetricsSnapshot) int64 { return s.Retransmissions }),
			counter("timeouts_total", "Confirmed requests that ran out of retries.",
				func(s *MetricsSnapshot) int64 { return s.Timeouts }),
			counter("cancellations_total", "Confirmed requests cancelled by the caller.",
				func(s *MetricsSnapshot) int64 { return s.Cancellations }),
			counter("send_failures_total", "Link write errors.",
				func(s *MetricsSnapshot) int64 { return s.SendFailures }),
			counter("datagrams_received_total", "Datagrams read from the link.",
				func(s *MetricsSnapshot) int64 { return s.DatagramsReceived }),
			counter("datagrams_dropped_total", "Malformed datagrams dropped.",
				func(s *MetricsSnapshot) int64 { return s.DatagramsDropped }),
			counter("network_messages_ignored_total", "Network layer messages ignored.",
				func(s *MetricsSnapshot) int64 { return s.NetworkMessagesIgnored }),
			counter("replies_matched_total", "Inbound messages matched to a pending request.",
				func(s *MetricsSnapshot) int64 { return s.RepliesMatched }),
			counter("indications_dispatched_total", "Indications delivered to general listeners.",
				func(s *MetricsSnapshot) int64 { return s.IndicationsDispatched }),
			counter("listener_failures_total", "Listener calls that returned an error or panicked.",
				func(s *MetricsSnapshot) int64 { return s.ListenerFailures }),
			counter("sent_bytes_total", "Bytes written to the link.",
				func(s *MetricsSnapshot) int64 { return s.BytesSent }),
			counter("received_bytes_total", "Bytes read from the link.",
				func(s *MetricsSnapshot) int64 { return s.BytesReceived }),
		},
		active: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "active_transactions"),
			"Confirmed requests waiting for a reply.", nil, labels),
		latency: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "reply_latency_seconds"),
			"Time from first transmission to matched reply.", nil, labels),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.active
	ch <- c.latency
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(&s)))
	}
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.ActiveTransactions))

	buckets := make(map[float64]uint64, len(latencyBounds))
	var cumulative uint64
	for i, bound := range latencyBounds {
		cumulative += uint64(s.LatencyStats.Buckets[i])
		buckets[bound.Seconds()] = cumulative
	}
	ch <- prometheus.MustNewConstHistogram(c.latency,
		uint64(s.LatencyStats.Count), s.LatencyStats.Sum.Seconds(), buckets)
}
