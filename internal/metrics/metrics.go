package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestration counters. All components receive the
// same instance; nil is a valid "no metrics" value and every method on a
// nil receiver is a no-op.
type Metrics struct {
	eventsPublished   *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	launches          *prometheus.CounterVec
	transitionsFailed *prometheus.CounterVec
	vendorDropped     prometheus.Counter
}

// New creates and registers the counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqflow",
			Name:      "events_published_total",
			Help:      "Events published to the bus by detail type.",
		}, []string{"detail_type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqflow",
			Name:      "events_dropped_total",
			Help:      "Events dropped on fan-out because a subscriber channel was full.",
		}, []string{"detail_type"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqflow",
			Name:      "launches_total",
			Help:      "Pipeline launches dispatched by workflow name.",
		}, []string{"workflow"}),
		transitionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqflow",
			Name:      "transitions_failed_total",
			Help:      "Draft-to-ready transition failures by stage.",
		}, []string{"stage"}),
		vendorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seqflow",
			Name:      "vendor_events_dropped_total",
			Help:      "Vendor feed events dropped (unmapped or non-terminal).",
		}),
	}
	reg.MustRegister(m.eventsPublished, m.eventsDropped, m.launches, m.transitionsFailed, m.vendorDropped)
	return m
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished(detailType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(detailType).Inc()
}

// EventDropped counts one event lost to a full subscriber channel.
func (m *Metrics) EventDropped(detailType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(detailType).Inc()
}

// LaunchDispatched counts one launcher invocation.
func (m *Metrics) LaunchDispatched(workflow string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(workflow).Inc()
}

// TransitionFailed counts one failed transition stage.
func (m *Metrics) TransitionFailed(stage string) {
	if m == nil {
		return
	}
	m.transitionsFailed.WithLabelValues(stage).Inc()
}

// VendorEventDropped counts one dropped vendor feed event.
func (m *Metrics) VendorEventDropped() {
	if m == nil {
		return
	}
	m.vendorDropped.Inc()
}
