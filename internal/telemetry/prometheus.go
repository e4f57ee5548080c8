package telemetry

import "github.com/prometheus/client_golang/prometheus"

const charlatonNamespace string = "charlaton"

var (
	promPeerSessionsTotal prometheus.Gauge
	SignalMessageCounter  *prometheus.CounterVec
	NegotiationCounter    *prometheus.CounterVec
	ReconnectCounter      prometheus.Counter
)

func init() {
	promPeerSessionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: charlatonNamespace,
		Subsystem: "peer_sessions",
		Name:      "total",
	})

	SignalMessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: charlatonNamespace,
			Subsystem: "signaling",
			Name:      "messages",
		},
		[]string{"event", "direction"},
	)

	NegotiationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: charlatonNamespace,
			Subsystem: "rtc",
			Name:      "negotiations",
		},
		[]string{"role", "status"},
	)

	ReconnectCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: charlatonNamespace,
		Subsystem: "signaling",
		Name:      "reconnects",
	})

	prometheus.MustRegister(promPeerSessionsTotal)
	prometheus.MustRegister(SignalMessageCounter)
	prometheus.MustRegister(NegotiationCounter)
	prometheus.MustRegister(ReconnectCounter)
}

func PeerSessionOpened() {
	promPeerSessionsTotal.Inc()
}

func PeerSessionClosed() {
	promPeerSessionsTotal.Dec()
}
