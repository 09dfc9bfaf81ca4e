package publish

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exposes sensor values as gauges on a Prometheus registry.
// Availability is a companion gauge (1/0) per sensor so dashboards and
// alerts can tell "zero tickets" apart from "poll failing".
type PrometheusSink struct {
	value            *prometheus.GaugeVec
	available        *prometheus.GaugeVec
	newConversations prometheus.Counter
}

// NewPrometheusSink creates the sink and registers its collectors.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	sink := &PrometheusSink{
		value: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "freescout_sensor_value",
				Help: "Current value of a derived Freescout sensor.",
			},
			[]string{"sensor"},
		),
		available: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "freescout_sensor_available",
				Help: "Whether the sensor reflects a recent successful poll (1) or stale data (0).",
			},
			[]string{"sensor"},
		),
		newConversations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "freescout_new_conversations_total",
				Help: "Conversations detected as new arrivals since process start.",
			},
		),
	}

	reg.MustRegister(sink.value, sink.available, sink.newConversations)
	return sink
}

func (s *PrometheusSink) Publish(name string, value float64, available bool) {
	s.value.WithLabelValues(name).Set(value)
	availValue := 0.0
	if available {
		availValue = 1.0
	}
	s.available.WithLabelValues(name).Set(availValue)
}

func (s *PrometheusSink) PublishEvent(ConversationEvent) {
	s.newConversations.Inc()
}

var _ Publisher = (*PrometheusSink)(nil)
