package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshbot"

// Collector bundles the delivery/interface/registry metrics. A nil *Collector
// is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Submissions   *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	SendAttempts  *prometheus.CounterVec
	SendDurations *prometheus.HistogramVec
	InterfaceUp   *prometheus.GaugeVec
	Consumers     *prometheus.GaugeVec
	Reassembly    *prometheus.CounterVec
	NodesOnline   prometheus.Gauge
}

// New registers collectors against reg, defaulting to the global registry when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	submissions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_submitted_total",
		Help:      "Submitted messages, labeled by admission outcome.",
	}, []string{"outcome"}), "messages_submitted_total")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_transitions_total",
		Help:      "Committed message status transitions, labeled by target status.",
	}, []string{"status"}), "message_transitions_total")
	if err != nil {
		return nil, err
	}
	attempts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_attempts_total",
		Help:      "Radio send attempts, labeled by interface and failure class.",
	}, []string{"interface", "outcome"}), "send_attempts_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "send_duration_seconds",
		Help:      "Time from packet write to acknowledgement or failure.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"interface"}), "send_duration_seconds")
	if err != nil {
		return nil, err
	}
	up, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interface_up",
		Help:      "1 when the interface is connected, 0 otherwise.",
	}, []string{"interface"}), "interface_up")
	if err != nil {
		return nil, err
	}
	consumers, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interface_consumers",
		Help:      "Active shared-handle consumers per interface.",
	}, []string{"interface"}), "interface_consumers")
	if err != nil {
		return nil, err
	}
	reassembly, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunk_reassembly_total",
		Help:      "Chunked message reassembly outcomes.",
	}, []string{"outcome"}), "chunk_reassembly_total")
	if err != nil {
		return nil, err
	}
	online, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "nodes_online",
		Help:      "Nodes currently classified online.",
	}), "nodes_online")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:      gatherer,
		Submissions:   submissions,
		Transitions:   transitions,
		SendAttempts:  attempts,
		SendDurations: durations,
		InterfaceUp:   up,
		Consumers:     consumers,
		Reassembly:    reassembly,
		NodesOnline:   online,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) Submitted(accepted bool) {
	if c == nil {
		return
	}
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	c.Submissions.WithLabelValues(outcome).Inc()
}

func (c *Collector) Transition(status string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(status).Inc()
}

func (c *Collector) SendAttempt(interfaceID, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.SendAttempts.WithLabelValues(interfaceID, outcome).Inc()
	c.SendDurations.WithLabelValues(interfaceID).Observe(took.Seconds())
}

func (c *Collector) SetInterfaceUp(interfaceID string, up bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.InterfaceUp.WithLabelValues(interfaceID).Set(v)
}

func (c *Collector) SetConsumers(interfaceID string, n int) {
	if c == nil {
		return
	}
	c.Consumers.WithLabelValues(interfaceID).Set(float64(n))
}

func (c *Collector) ReassemblyOutcome(outcome string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Reassembly.WithLabelValues(outcome).Add(float64(n))
}

func (c *Collector) SetNodesOnline(n int) {
	if c == nil {
		return
	}
	c.NodesOnline.Set(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
