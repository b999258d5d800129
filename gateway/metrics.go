package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	FramesPolled    *prometheus.CounterVec
	DecodeFailures  *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	PublishErrors   prometheus.Counter
	Commands        *prometheus.CounterVec
	ResponseFrames  *prometheus.CounterVec
	ConfigMerges    prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		FramesPolled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daqgw",
			Name:      "frames_polled_total",
			Help:      "Unsolicited frames read by device pollers.",
		}, []string{"device"}),
		DecodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daqgw",
			Name:      "decode_failures_total",
			Help:      "Status frames that failed to decode and were published raw.",
		}, []string{"device"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daqgw",
			Name:      "events_published_total",
			Help:      "Events handed to the sinks.",
		}, []string{"target"}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "daqgw",
			Name:      "publish_errors_total",
			Help:      "Publishes that failed in at least one sink.",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daqgw",
			Name:      "commands_total",
			Help:      "Dispatched commands by result.",
		}, []string{"device", "command", "result"}),
		ResponseFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daqgw",
			Name:      "response_frames_total",
			Help:      "Command response frames returned to sessions.",
		}, []string{"device"}),
		ConfigMerges: f.NewCounter(prometheus.CounterOpts{
			Namespace: "daqgw",
			Name:      "config_merges_total",
			Help:      "Configuration updates merged.",
		}),
	}
}

func targetLabel(broadcast bool) string {
	if broadcast {
		return "broadcast"
	}
	return "session"
}
