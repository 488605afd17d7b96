// Package metrics holds the Prometheus instruments for the network layer.
// Labels are bounded: message kinds, directions and drop reasons only, never
// peer addresses.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_tick_duration_seconds",
		Help:    "Time spent in one drain-then-send tick",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05},
	}, []string{"side"}) // "client", "server"

	datagramsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_datagrams_received_total",
		Help: "Datagrams decoded successfully, by content kind",
	}, []string{"kind"})

	datagramsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_datagrams_sent_total",
		Help: "Datagrams handed to the socket, by content kind",
	}, []string{"kind"})

	bytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_bytes_received_total",
		Help: "Bytes received on the UDP socket",
	})

	bytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_bytes_sent_total",
		Help: "Bytes written to the UDP socket",
	})

	dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_datagrams_dropped_total",
		Help: "Inbound datagrams dropped before dispatch",
	}, []string{"reason"}) // "malformed", "rate_limit", "registry_full", "stale", "unexpected", "foreign"

	sendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_send_failures_total",
		Help: "Per-peer send failures during fan-out or direct sends",
	})

	backloggedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_backlogged_ticks_total",
		Help: "Ticks whose drain stopped at the per-tick datagram cap",
	}, []string{"side"})

	peers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_peers",
		Help: "Peers currently in the server registry",
	})

	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_peer_evictions_total",
		Help: "Peers removed from the registry",
	}, []string{"reason"}) // "disconnect", "idle"
)

// RecordTick observes one tick's duration.
func RecordTick(side string, d time.Duration) {
	tickDuration.WithLabelValues(side).Observe(d.Seconds())
}

func DatagramIn(kind string, n int) {
	datagramsIn.WithLabelValues(kind).Inc()
	bytesIn.Add(float64(n))
}

func DatagramOut(kind string, n int) {
	datagramsOut.WithLabelValues(kind).Inc()
	bytesOut.Add(float64(n))
}

// Dropped counts an inbound datagram discarded for reason.
func Dropped(reason string) {
	dropped.WithLabelValues(reason).Inc()
}

func SendFailure() {
	sendFailures.Inc()
}

func Backlogged(side string) {
	backloggedTicks.WithLabelValues(side).Inc()
}

func SetPeers(n int) {
	peers.Set(float64(n))
}

func Evicted(reason string) {
	evictions.WithLabelValues(reason).Inc()
}
