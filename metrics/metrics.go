// Package metrics exposes Prometheus instrumentation for the streaming core.
// A Recorder is optional everywhere it is accepted; a nil Recorder is a
// no-op, so library code never needs to guard its calls.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder holds the collectors the stream engine and registry feed.
type Recorder struct {
	OpenConnections prometheus.Gauge
	EventsSent      prometheus.Counter
	EventsDropped   prometheus.Counter
	BytesWritten    prometheus.Counter
}

// NewRecorder builds the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer for conventional wiring, or a private
// registry in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sse",
			Subsystem: "connections",
			Name:      "open",
			Help:      "Number of currently open push streams",
		}),
		EventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sse",
			Subsystem: "events",
			Name:      "sent_total",
			Help:      "Total events successfully written to a transport",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sse",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total events discarded by an overflow strategy",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sse",
			Subsystem: "transport",
			Name:      "bytes_written_total",
			Help:      "Total frame bytes written to transports",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.OpenConnections, r.EventsSent, r.EventsDropped, r.BytesWritten)
	}
	return r
}

// ConnOpened records an admitted stream.
func (r *Recorder) ConnOpened() {
	if r == nil {
		return
	}
	r.OpenConnections.Inc()
}

// ConnClosed records a stream reaching its terminal state.
func (r *Recorder) ConnClosed() {
	if r == nil {
		return
	}
	r.OpenConnections.Dec()
}

// EventSent records one delivered event of n wire bytes.
func (r *Recorder) EventSent(n int) {
	if r == nil {
		return
	}
	r.EventsSent.Inc()
	r.BytesWritten.Add(float64(n))
}

// EventsDiscarded records n events dropped by an overflow strategy.
func (r *Recorder) EventsDiscarded(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.EventsDropped.Add(float64(n))
}
