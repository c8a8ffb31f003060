// Package metrics holds the Prometheus collectors of the realtime state
// layer. Every method is safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "huddle"

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultStale = "stale"
	ResultNoop  = "noop"
)

// Metrics groups the collectors.
type Metrics struct {
	typingBroadcasts *prometheus.CounterVec
	heartbeats       *prometheus.CounterVec
	receipts         *prometheus.CounterVec
	loads            *prometheus.CounterVec
	applied          *prometheus.CounterVec
	sends            *prometheus.CounterVec
	sweeps           *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	activeMessages   prometheus.Gauge
	busDropped       prometheus.GaugeFunc
}

// New creates the collectors and registers them with reg. dropped, when not
// nil, is exported as the bus drop count.
func New(reg prometheus.Registerer, dropped func() uint64) *Metrics {
	m := &Metrics{
		typingBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "typing", Name: "broadcasts_total",
			Help: "Typing signal writes by flag and result.",
		}, []string{"typing", "result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "presence", Name: "announcements_total",
			Help: "Presence writes by status and result.",
		}, []string{"status", "result"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "receipts", Name: "writes_total",
			Help: "Read receipt writes by result.",
		}, []string{"result"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conversation", Name: "loads_total",
			Help: "Conversation snapshot loads by result.",
		}, []string{"result"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "changes_applied_total",
			Help: "Change feed events applied to local state by table and op.",
		}, []string{"table", "op"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "sends_total",
			Help: "Message sends by result.",
		}, []string{"result"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "janitor", Name: "swept_total",
			Help: "Rows cleared by the janitor by kind.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "rate_limited_total",
			Help: "Requests rejected by the per-method limiter.",
		}, []string{"method"}),
		activeMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "conversation", Name: "messages",
			Help: "Messages held by the open conversation.",
		}),
	}

	collectors := []prometheus.Collector{
		m.typingBroadcasts, m.heartbeats, m.receipts, m.loads,
		m.applied, m.sends, m.sweeps, m.rateLimited, m.activeMessages,
	}
	if dropped != nil {
		m.busDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_events",
			Help: "Events dropped because a subscriber buffer was full.",
		}, func() float64 { return float64(dropped()) })
		collectors = append(collectors, m.busDropped)
	}
	if reg != nil {
		reg.MustRegister(collectors...)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// TypingBroadcast records one typing signal write.
func (m *Metrics) TypingBroadcast(typing bool, err error) {
	if m == nil {
		return
	}
	flag := "false"
	if typing {
		flag = "true"
	}
	m.typingBroadcasts.WithLabelValues(flag, result(err)).Inc()
}

// Heartbeat records one presence write.
func (m *Metrics) Heartbeat(status string, err error) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(status, result(err)).Inc()
}

// Receipt records a read receipt write. created is false when the receipt
// already existed.
func (m *Metrics) Receipt(created bool, err error) {
	if m == nil {
		return
	}
	r := result(err)
	if err == nil && !created {
		r = ResultNoop
	}
	m.receipts.WithLabelValues(r).Inc()
}

// Load records a conversation load outcome: ResultOK, ResultError or ResultStale.
func (m *Metrics) Load(result string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(result).Inc()
}

// Applied records a change feed event applied to local state.
func (m *Metrics) Applied(table, op string) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(table, op).Inc()
}

// Send records a message send.
func (m *Metrics) Send(err error) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result(err)).Inc()
}

// Swept records rows cleared by the janitor.
func (m *Metrics) Swept(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeps.WithLabelValues(kind).Add(float64(n))
}

// RateLimited records a rejected request.
func (m *Metrics) RateLimited(method string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(method).Inc()
}

// SetMessages sets the open conversation size.
func (m *Metrics) SetMessages(n int) {
	if m == nil {
		return
	}
	m.activeMessages.Set(float64(n))
}
