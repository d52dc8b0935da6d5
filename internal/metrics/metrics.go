// Package metrics holds the Prometheus collectors for the monitoring core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	// OutcomeTimeout labels agent calls that ran out of time.
	OutcomeTimeout = "timeout"
	// OutcomeSkipped labels agent calls suppressed by the debounce window.
	OutcomeSkipped = "skipped"
)

const namespace = "wardwatch"

var (
	snapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Merged metric snapshots produced, partitioned by source.",
		},
		[]string{"source"},
	)

	samplesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Capture or wearable samples dropped before producing a snapshot.",
		},
		[]string{"reason"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitoring_transitions_total",
			Help:      "Monitoring level transitions, partitioned by target level and trigger.",
		},
		[]string{"to", "trigger"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert engine outcomes: created, merged or escalated.",
		},
		[]string{"action", "severity"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries, partitioned by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	agentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Agent reasoning calls, partitioned by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	agentLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_seconds",
			Help:      "Agent reasoning latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 6, 8, 10},
		},
	)

	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_admissions_total",
			Help:      "Capture session admission attempts, partitioned by result.",
		},
		[]string{"result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently admitted capture sessions.",
		},
	)

	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered to a slow subscriber.",
		},
		[]string{"type"},
	)
)

// Register attaches WardWatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		snapshotsTotal,
		samplesDroppedTotal,
		transitionsTotal,
		alertsTotal,
		notificationsTotal,
		agentCallsTotal,
		agentLatencySeconds,
		admissionsTotal,
		activeSessions,
		eventsDroppedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveSnapshot(source string) {
	snapshotsTotal.WithLabelValues(source).Inc()
}

// ObserveDroppedSample records a sample rejected before merging
// ("invalid", "duplicate", "queue_full", "no_session").
func ObserveDroppedSample(reason string) {
	samplesDroppedTotal.WithLabelValues(reason).Inc()
}

func ObserveTransition(to, trigger string) {
	transitionsTotal.WithLabelValues(to, trigger).Inc()
}

// ObserveAlert records an engine outcome ("created", "merged", "escalated").
func ObserveAlert(action, severity string) {
	alertsTotal.WithLabelValues(action, severity).Inc()
}

func ObserveNotification(channel string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveAgentCall records an agent call duration and outcome label.
func ObserveAgentCall(provider string, duration time.Duration, outcome string) {
	agentCallsTotal.WithLabelValues(provider, outcome).Inc()
	if outcome == OutcomeSkipped {
		return
	}
	if duration < 0 {
		duration = 0
	}
	agentLatencySeconds.Observe(duration.Seconds())
}

// ObserveAdmission records an admission attempt and keeps the active gauge
// in step.
func ObserveAdmission(admitted bool) {
	if admitted {
		admissionsTotal.WithLabelValues("admitted").Inc()
		activeSessions.Inc()
		return
	}
	admissionsTotal.WithLabelValues("denied").Inc()
}

func ObserveRelease() {
	activeSessions.Dec()
}

func ObserveDroppedEvent(eventType string) {
	eventsDroppedTotal.WithLabelValues(eventType).Inc()
}
