package kernel

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by proxies. Several proxies may share
// one Metrics; series are labelled by kernel name. A nil *Metrics records nothing.
type Metrics struct {
	commandsSent *prometheus.CounterVec
	eventsRecv   *prometheus.CounterVec
	malformed    *prometheus.CounterVec
	pending      *prometheus.GaugeVec
	outcomes     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Collectors already
// registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelproxy",
			Name:      "commands_sent_total",
			Help:      "Commands written to the remote kernel.",
		}, []string{"kernel"}),
		eventsRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelproxy",
			Name:      "events_received_total",
			Help:      "Events received from the remote kernel by type.",
		}, []string{"kernel", "type"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelproxy",
			Name:      "malformed_messages_total",
			Help:      "Inbound messages dropped because they could not be decoded.",
		}, []string{"kernel"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kernelproxy",
			Name:      "pending_submissions",
			Help:      "Submissions awaiting their terminal event.",
		}, []string{"kernel"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelproxy",
			Name:      "submission_outcomes_total",
			Help:      "Resolved submissions by outcome status.",
		}, []string{"kernel", "status"}),
	}

	if reg == nil {
		return m, nil
	}
	var err error
	m.commandsSent, err = register(reg, m.commandsSent)
	if err != nil {
		return nil, err
	}
	m.eventsRecv, err = register(reg, m.eventsRecv)
	if err != nil {
		return nil, err
	}
	m.malformed, err = register(reg, m.malformed)
	if err != nil {
		return nil, err
	}
	m.pending, err = register(reg, m.pending)
	if err != nil {
		return nil, err
	}
	m.outcomes, err = register(reg, m.outcomes)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

func (m *Metrics) commandSent(kernel string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(kernel).Inc()
}

func (m *Metrics) eventReceived(kernel, eventType string) {
	if m == nil {
		return
	}
	m.eventsRecv.WithLabelValues(kernel, eventType).Inc()
}

func (m *Metrics) malformedMessage(kernel string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(kernel).Inc()
}

func (m *Metrics) setPending(kernel string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(kernel).Set(float64(n))
}

func (m *Metrics) resolved(kernel string, status Status) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kernel, status.String()).Inc()
}
