package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "marketsync"

var (
	ChannelDialAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "dial_attempts_total",
		Help:      "Push channel dial attempts by result.",
	}, []string{"result"})

	ChannelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "state",
		Help:      "1 for the current channel state, 0 otherwise.",
	}, []string{"state"})

	ChannelEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "events_total",
		Help:      "Inbound push events by kind and outcome.",
	}, []string{"kind", "outcome"})

	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messages",
		Name:      "duplicates_dropped_total",
		Help:      "Messages ignored because their identity was already seen.",
	})

	OrderRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "rollbacks_total",
		Help:      "Optimistic order mutations restored after a backend failure.",
	}, []string{"operation"})

	OrderPushesIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "pushes_ignored_total",
		Help:      "Pushed order events not applied, by reason.",
	}, []string{"reason"})

	AttachmentTiers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attachments",
		Name:      "tier_results_total",
		Help:      "Attachment resolution attempts by tier and result.",
	}, []string{"tier", "result"})
)

// SetChannelState flips the state gauge so exactly one label reads 1.
func SetChannelState(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		ChannelState.WithLabelValues(s).Set(v)
	}
}
