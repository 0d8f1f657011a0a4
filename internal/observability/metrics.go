package observability

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of a realtime client
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	dispatchErrors   *prometheus.CounterVec
	callbackPanics   *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	sendErrors       *prometheus.CounterVec

	channels        prometheus.Gauge
	connectionState prometheus.Gauge
}

// NewMetrics creates the client metrics on a dedicated registry, so several
// clients in one process do not collide on the default registerer.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_client_messages_received_total",
				Help: "Total number of inbound frames routed to a channel",
			},
			[]string{"event"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_client_messages_sent_total",
				Help: "Total number of envelopes written to the transport",
			},
			[]string{"event"},
		),
		dispatchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_client_dispatch_errors_total",
				Help: "Total number of inbound frames that failed to dispatch",
			},
			[]string{"kind"},
		),
		callbackPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_client_callback_panics_total",
				Help: "Total number of recovered callback panics",
			},
			[]string{"callback"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_client_dispatch_duration_seconds",
				Help:    "Time spent dispatching one inbound frame to callbacks",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"payload"},
		),
		sendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_client_send_errors_total",
				Help: "Total number of outbound envelopes that could not be sent",
			},
			[]string{"reason"},
		),
		channels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_client_channels",
			Help: "Number of channels registered on the client",
		}),
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_client_connection_state",
			Help: "Connection state: 0 closed, 1 connecting, 2 open",
		}),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordMessageReceived counts an inbound frame by event
func (m *Metrics) RecordMessageReceived(event string) {
	m.messagesReceived.WithLabelValues(event).Inc()
}

// RecordMessageSent counts an outbound envelope by event
func (m *Metrics) RecordMessageSent(event string) {
	m.messagesSent.WithLabelValues(event).Inc()
}

// RecordDispatchError counts a dispatch failure (decode, unmatched, no_channel)
func (m *Metrics) RecordDispatchError(kind string) {
	m.dispatchErrors.WithLabelValues(kind).Inc()
}

// RecordCallbackPanic counts a recovered callback panic
func (m *Metrics) RecordCallbackPanic(callback string) {
	m.callbackPanics.WithLabelValues(callback).Inc()
}

// RecordSendError counts an outbound failure
func (m *Metrics) RecordSendError(reason string) {
	m.sendErrors.WithLabelValues(reason).Inc()
}

// ObserveDispatch records how long one frame took to dispatch
func (m *Metrics) ObserveDispatch(payload string, d time.Duration) {
	m.dispatchDuration.WithLabelValues(payload).Observe(d.Seconds())
}

// SetChannels sets the number of registered channels
func (m *Metrics) SetChannels(n int) {
	m.channels.Set(float64(n))
}

// SetConnectionState sets the connection state gauge
func (m *Metrics) SetConnectionState(state int) {
	m.connectionState.Set(float64(state))
}

// Handler returns a Fiber handler that exposes the client metrics
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
