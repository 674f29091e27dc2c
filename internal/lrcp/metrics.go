package lrcp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for a running server. The active
// session gauge is sourced live from the session table at collection time
// rather than tracked incrementally, so it can never drift out of sync
// with the table the way an inc/dec counter pair could under a missed
// decrement.
type Metrics struct {
	table *Table

	sessionsActiveDesc *prometheus.Desc

	bytesReceived      prometheus.Counter
	bytesSent          prometheus.Counter
	retransmissions    prometheus.Counter
	malformedDatagrams prometheus.Counter
	sessionsExpired    prometheus.Counter
	sessionsClosed     *prometheus.CounterVec
}

// NewMetrics builds a Metrics bound to table. Call Register to expose it on
// a prometheus.Registerer.
func NewMetrics(table *Table) *Metrics {
	return &Metrics{
		table:              table,
		sessionsActiveDesc: prometheus.NewDesc("lrcp_sessions_active", "Number of open LRCP sessions.", nil, nil),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lrcp_bytes_received_total",
			Help: "Application-stream bytes received across all sessions.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lrcp_bytes_sent_total",
			Help: "Application-stream bytes sent across all sessions.",
		}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lrcp_retransmissions_total",
			Help: "Data chunks retransmitted, not counting first transmission.",
		}),
		malformedDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lrcp_malformed_datagrams_total",
			Help: "Datagrams dropped by the wire codec.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lrcp_sessions_expired_total",
			Help: "Sessions removed because their peer went silent past the session timeout.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lrcp_sessions_closed_total",
			Help: "Sessions removed by close, split by cause.",
		}, []string{"cause"}),
	}
}

// Register adds m's collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m, m.bytesReceived, m.bytesSent, m.retransmissions,
		m.malformedDatagrams, m.sessionsExpired, m.sessionsClosed,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Describe implements prometheus.Collector for the live-sourced gauge.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.sessionsActiveDesc
}

// Collect implements prometheus.Collector for the live-sourced gauge.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.sessionsActiveDesc, prometheus.GaugeValue, float64(m.table.Len()))
}

func (m *Metrics) ObserveBytesReceived(n int)    { m.bytesReceived.Add(float64(n)) }
func (m *Metrics) ObserveBytesSent(n int)        { m.bytesSent.Add(float64(n)) }
func (m *Metrics) ObserveRetransmission()        { m.retransmissions.Inc() }
func (m *Metrics) ObserveMalformedDatagram()     { m.malformedDatagrams.Inc() }
func (m *Metrics) ObserveSessionExpired()        { m.sessionsExpired.Inc() }
func (m *Metrics) ObserveSessionClosed(cause CloseCause) {
	m.sessionsClosed.WithLabelValues(string(cause)).Inc()
}
