package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	pushFrames       *prometheus.CounterVec
	reconnects       prometheus.Counter
	connState        *prometheus.GaugeVec
	messagesSent     *prometheus.CounterVec
	pageLoads        *prometheus.CounterVec
	pageLoadDuration prometheus.Histogram
	readMarks        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_push_frames_total",
				Help: "Total number of push frames received, by type.",
			},
			[]string{"type"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_reconnects_scheduled_total",
				Help: "Total number of push channel reconnects scheduled.",
			},
		),
		connState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatsync_connection_state",
				Help: "Current push channel state (1 for the active state).",
			},
			[]string{"state"},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_messages_sent_total",
				Help: "Total number of sends, by outcome.",
			},
			[]string{"outcome"},
		),
		pageLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_page_loads_total",
				Help: "Total number of message page loads, by outcome.",
			},
			[]string{"outcome"},
		),
		pageLoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatsync_page_load_duration_seconds",
				Help:    "Message page fetch latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		readMarks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_read_marks_total",
				Help: "Total number of read confirmations, by outcome.",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.pushFrames,
			m.reconnects,
			m.connState,
			m.messagesSent,
			m.pageLoads,
			m.pageLoadDuration,
			m.readMarks,
		)
	}
	return m
}

func (m *Metrics) incPushFrame(frameType string) {
	if m == nil {
		return
	}
	m.pushFrames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) incReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setConnState(state ConnState) {
	if m == nil {
		return
	}
	for _, s := range []ConnState{StateDisconnected, StateConnecting, StateConnected, StateClosing} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) incSend(outcome string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incPageLoad(outcome string) {
	if m == nil {
		return
	}
	m.pageLoads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observePageLoad(start time.Time) {
	if m == nil {
		return
	}
	m.pageLoadDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) incReadMark(outcome string) {
	if m == nil {
		return
	}
	m.readMarks.WithLabelValues(outcome).Inc()
}
