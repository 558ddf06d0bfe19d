// Package metrics holds the Prometheus instrumentation shared by the relay,
// the translator and the actuator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gstwebrtcapp"

var (
	relayPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_published_total",
			Help:      "Messages handed to the bus client",
		},
		[]string{"topic"},
	)
	relayReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_received_total",
			Help:      "Messages enqueued from the bus",
		},
		[]string{"topic"},
	)
	relayMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_malformed_total",
			Help:      "Inbound payloads dropped because the envelope could not be parsed",
		},
		[]string{"topic"},
	)
	relayDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_dropped_total",
			Help:      "Queued messages evicted because a topic queue was full",
		},
		[]string{"topic"},
	)
	relayCleaned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_cleaned_total",
			Help:      "Queued messages discarded by CleanQueue",
		},
		[]string{"topic"},
	)

	statesBuilt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mdp_states_total",
			Help:      "Observations built, by kind (full or default)",
		},
		[]string{"kind"},
	)
	observation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mdp_observation",
			Help:      "Last normalized observation value per metric",
		},
		[]string{"metric"},
	)

	episodes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_episodes_total",
			Help:      "Episodes started by the decision loop",
		},
	)
	policyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_policy_errors_total",
			Help:      "Policy invocations that returned an error",
		},
	)

	bitrateKbps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actuator_bitrate_kbps",
			Help:      "Encoder bitrate currently applied",
		},
	)
	actuations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuator_commands_total",
			Help:      "Command fields applied to the pipeline, by field and result",
		},
		[]string{"field", "result"},
	)
)

// Register registers every collector with the provided registry.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		relayPublished,
		relayReceived,
		relayMalformed,
		relayDropped,
		relayCleaned,
		statesBuilt,
		observation,
		episodes,
		policyErrors,
		bitrateKbps,
		actuations,
	)
}

func MessagePublished(topic string) { relayPublished.WithLabelValues(topic).Inc() }

func MessageReceived(topic string) { relayReceived.WithLabelValues(topic).Inc() }

func MessageMalformed(topic string) { relayMalformed.WithLabelValues(topic).Inc() }

func MessageDropped(topic string) { relayDropped.WithLabelValues(topic).Inc() }

// MessagesCleaned adds n discarded messages for topic.
func MessagesCleaned(topic string, n int) {
	if n > 0 {
		relayCleaned.WithLabelValues(topic).Add(float64(n))
	}
}

// StateBuilt counts a built observation; full is false for default states.
func StateBuilt(full bool) {
	kind := "default"
	if full {
		kind = "full"
	}
	statesBuilt.WithLabelValues(kind).Inc()
}

func ObservationValue(metric string, v float64) { observation.WithLabelValues(metric).Set(v) }

func EpisodeStarted() { episodes.Inc() }

func PolicyError() { policyErrors.Inc() }

func BitrateApplied(kbps float64) { bitrateKbps.Set(kbps) }

// Actuation counts one applied command field.
func Actuation(field string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	actuations.WithLabelValues(field, result).Inc()
}
