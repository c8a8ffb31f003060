package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TypingBroadcast(true, nil)
	m.Heartbeat("online", errors.New("boom"))
	m.Receipt(true, nil)
	m.Load(ResultStale)
	m.Applied("messages", "insert")
	m.Send(nil)
	m.Swept("typing", 3)
	m.RateLimited("Send")
	m.SetMessages(4)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	var dropped uint64 = 7
	m := New(reg, func() uint64 { return dropped })

	m.TypingBroadcast(true, nil)
	m.TypingBroadcast(true, nil)
	m.TypingBroadcast(false, errors.New("offline"))
	m.Receipt(false, nil)
	m.Load(ResultStale)
	m.SetMessages(12)

	if got := testutil.ToFloat64(m.typingBroadcasts.WithLabelValues("true", ResultOK)); got != 2 {
		t.Errorf("typing true ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.typingBroadcasts.WithLabelValues("false", ResultError)); got != 1 {
		t.Errorf("typing false error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.receipts.WithLabelValues(ResultNoop)); got != 1 {
		t.Errorf("receipts noop = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.loads.WithLabelValues(ResultStale)); got != 1 {
		t.Errorf("stale loads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeMessages); got != 12 {
		t.Errorf("messages = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.busDropped); got != 7 {
		t.Errorf("bus dropped = %v, want 7", got)
	}
}
