package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the streamcast service
type Metrics struct {
	// Presence hub metrics
	ViewerSessions *prometheus.GaugeVec
	PullClients    *prometheus.GaugeVec

	// Stream lifecycle metrics
	StreamLive *prometheus.GaugeVec

	// Transcode supervisor metrics
	TranscodeJobs     *prometheus.GaugeVec
	TranscodeRestarts *prometheus.CounterVec

	// Negotiation metrics
	NegotiationTransitions *prometheus.CounterVec
}
