package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Connects        prometheus.Counter
	ConnectFailures prometheus.Counter
	Drops           prometheus.Counter
	State           prometheus.Gauge
	Subscriptions   prometheus.Gauge
	Delivered       prometheus.Counter
	DecodeErrors    prometheus.Counter
	UpdatesSent     prometheus.Counter
	UpdatesDropped  prometheus.Counter
}

// NewMetrics registers the tracking collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connects: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracking_connects_total",
			Help: "Completed STOMP handshakes",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracking_connect_failures_total",
			Help: "Dial or handshake attempts that failed",
		}),
		Drops: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracking_drops_total",
			Help: "Established connections lost without Disconnect",
		}),
		State: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracking_connection_state",
			Help: "0 disconnected, 1 connecting, 2 connected",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracking_subscriptions",
			Help: "Subscriptions pending or attached",
		}),
		Delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracking_messages_delivered_total",
			Help: "Position envelopes handed to subscription callbacks",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracking_decode_errors_total",
			Help: "Inbound payloads dropped because they did not decode",
		}),
		UpdatesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracking_updates_sent_total",
			Help: "Position updates published",
		}),
		UpdatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracking_updates_dropped_total",
			Help: "Position updates dropped while not connected",
		}),
	}
}

func (m *Metrics) setState(s State) {
	if m != nil {
		m.State.Set(float64(s))
	}
}

func (m *Metrics) setSubscriptions(n int) {
	if m != nil {
		m.Subscriptions.Set(float64(n))
	}
}

func (m *Metrics) inc(pick func(*Metrics) prometheus.Counter) {
	if m != nil {
		pick(m).Inc()
	}
}

func connects(m *Metrics) prometheus.Counter        { return m.Connects }
func connectFailures(m *Metrics) prometheus.Counter { return m.ConnectFailures }
func drops(m *Metrics) prometheus.Counter           { return m.Drops }
func delivered(m *Metrics) prometheus.Counter       { return m.Delivered }
func decodeErrors(m *Metrics) prometheus.Counter    { return m.DecodeErrors }
func updatesSent(m *Metrics) prometheus.Counter     { return m.UpdatesSent }
func updatesDropped(m *Metrics) prometheus.Counter  { return m.UpdatesDropped }
