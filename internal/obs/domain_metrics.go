package obs

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CSRFMetrics groups Prometheus collectors for the CSRF guard.
type CSRFMetrics struct {
	// Decisions counts token decisions by final state and rejection reason.
	Decisions *prometheus.CounterVec
	// Reroutes counts rejected requests by the branch that rewrote them.
	Reroutes *prometheus.CounterVec
	// Responses counts HTML responses by injection mode.
	Responses *prometheus.CounterVec
	// FormsInjected counts hidden fields inserted into forms.
	FormsInjected prometheus.Counter
	// StreamErrors counts response bodies that failed mid-injection.
	StreamErrors prometheus.Counter
}

// NewCSRFMetrics initialises and registers the guard collectors. Collectors
// already present in reg are reused.
func NewCSRFMetrics(namespace string, reg prometheus.Registerer) *CSRFMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &CSRFMetrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_decisions_total",
			Help:      "Count of CSRF token decisions by state and reason.",
		}, []string{"state", "reason"}),
		Reroutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_reroutes_total",
			Help:      "Count of rejected requests rerouted, by exception or default target.",
		}, []string{"kind"}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_injection_responses_total",
			Help:      "Count of responses considered for token injection, by mode.",
		}, []string{"mode"}),
		FormsInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_forms_injected_total",
			Help:      "Number of hidden token fields inserted into HTML forms.",
		}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_injection_errors_total",
			Help:      "Number of response bodies that failed during injection.",
		}),
	}

	mustRegisterCollector(reg, m.Decisions, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.Decisions = v
		}
	})
	mustRegisterCollector(reg, m.Reroutes, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.Reroutes = v
		}
	})
	mustRegisterCollector(reg, m.Responses, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.Responses = v
		}
	})
	mustRegisterCollector(reg, m.FormsInjected, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Counter); ok {
			m.FormsInjected = v
		}
	})
	mustRegisterCollector(reg, m.StreamErrors, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Counter); ok {
			m.StreamErrors = v
		}
	})
	return m
}

// ObserveDecision records one token decision.
func (m *CSRFMetrics) ObserveDecision(state, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.Decisions.WithLabelValues(state, reason).Inc()
}

// ObserveReroute records one rewrite of a rejected request.
func (m *CSRFMetrics) ObserveReroute(kind string) {
	if m == nil {
		return
	}
	m.Reroutes.WithLabelValues(kind).Inc()
}

// ObserveResponse records the injection mode chosen for a response and the
// number of forms it received.
func (m *CSRFMetrics) ObserveResponse(mode string, forms int) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(mode).Inc()
	if forms > 0 {
		m.FormsInjected.Add(float64(forms))
	}
}

// ObserveStreamError records a body that failed during injection.
func (m *CSRFMetrics) ObserveStreamError() {
	if m == nil {
		return
	}
	m.StreamErrors.Inc()
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register csrf metric: %w", err))
	}
}
