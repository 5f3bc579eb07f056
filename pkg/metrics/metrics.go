package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives counters from the gateway core. It is injected into the
// registry, dispatcher and bridge so tests can observe counts without
// touching process-global state.
type Sink interface {
	ConnectionOpened()
	ConnectionClosed()
	EventRelayed()
	EventDropped()
	ErrorOccurred(kind string)
}

// Prom exposes gateway counters through Prometheus.
type Prom struct {
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	activeConnections prometheus.Gauge
	eventsRelayed     prometheus.Counter
	eventsDropped     prometheus.Counter
	errorsTotal       *prometheus.CounterVec
}

// NewProm creates the Prometheus sink and registers its collectors.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_opened_total",
			Help: "Total WebSocket connections accepted",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_closed_total",
			Help: "Total WebSocket connections closed",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Currently connected WebSocket clients",
		}),
		eventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_relayed_total",
			Help: "Events delivered to client send queues",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Events dropped because a client send queue was full",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Errors by kind",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		p.connectionsOpened,
		p.connectionsClosed,
		p.activeConnections,
		p.eventsRelayed,
		p.eventsDropped,
		p.errorsTotal,
	)
	return p
}

func (p *Prom) ConnectionOpened() {
	p.connectionsOpened.Inc()
	p.activeConnections.Inc()
}

func (p *Prom) ConnectionClosed() {
	p.connectionsClosed.Inc()
	p.activeConnections.Dec()
}

func (p *Prom) EventRelayed() { p.eventsRelayed.Inc() }

func (p *Prom) EventDropped() { p.eventsDropped.Inc() }

func (p *Prom) ErrorOccurred(kind string) { p.errorsTotal.WithLabelValues(kind).Inc() }

// Nop discards all counters. Used in tests and as a default.
type Nop struct{}

func (Nop) ConnectionOpened()    {}
func (Nop) ConnectionClosed()    {}
func (Nop) EventRelayed()        {}
func (Nop) EventDropped()        {}
func (Nop) ErrorOccurred(string) {}
