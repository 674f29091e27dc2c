package lrcp

import (
	"net"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsActiveSessionsIsLiveSourced(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := NewTable(clock, 0, 0)
	m := NewMetrics(table)

	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := testutil.ToFloat64(m); got != 0 {
		t.Fatalf("expected 0 active sessions, got %v", got)
	}

	table.GetOrCreate(1, &net.UDPAddr{Port: 1})
	table.GetOrCreate(2, &net.UDPAddr{Port: 2})

	if got := testutil.ToFloat64(m); got != 2 {
		t.Fatalf("expected 2 active sessions after two creates, got %v", got)
	}

	table.Delete(1)
	if got := testutil.ToFloat64(m); got != 1 {
		t.Fatalf("expected 1 active session after a delete, got %v", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := NewTable(clock, 0, 0)
	m := NewMetrics(table)

	m.ObserveBytesReceived(5)
	m.ObserveBytesSent(3)
	m.ObserveRetransmission()
	m.ObserveMalformedDatagram()
	m.ObserveSessionExpired()
	m.ObserveSessionClosed(CloseCauseLocal)

	if got := testutil.ToFloat64(m.bytesReceived); got != 5 {
		t.Fatalf("expected 5 bytes received, got %v", got)
	}
	if got := testutil.ToFloat64(m.bytesSent); got != 3 {
		t.Fatalf("expected 3 bytes sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.retransmissions); got != 1 {
		t.Fatalf("expected 1 retransmission, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsClosed.WithLabelValues(string(CloseCauseLocal))); got != 1 {
		t.Fatalf("expected 1 session closed with cause=close, got %v", got)
	}
}
