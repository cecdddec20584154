// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the transport.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or out of the system: datagrams, commands, packets.
//   - the success or error status of any of the above.
//   - the distribution of latencies (round trips) and rates.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DatagramsSent counts UDP datagrams handed to the socket.
	DatagramsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snet_datagrams_sent_total",
			Help: "The total number of datagrams sent.",
		},
	)

	// DatagramsReceived counts UDP datagrams read from the socket, before
	// checksum and decompression checks.
	DatagramsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snet_datagrams_received_total",
			Help: "The total number of datagrams received.",
		},
	)

	// BytesSent counts wire bytes sent, including headers.
	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snet_bytes_sent_total",
			Help: "The total number of bytes sent.",
		},
	)

	// BytesReceived counts wire bytes received.
	BytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snet_bytes_received_total",
			Help: "The total number of bytes received.",
		},
	)

	// CommandsReceived counts parsed protocol commands by opcode name.
	// Example usage:
	//   metrics.CommandsReceived.WithLabelValues("send_reliable").Inc()
	CommandsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snet_commands_received_total",
			Help: "The total number of protocol commands received, by opcode.",
		}, []string{"command"})

	// ErrorCount measures the number of errors by type.
	// Example usage:
	//   metrics.ErrorCount.WithLabelValues("checksum_mismatch").Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snet_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})

	// Retransmissions counts reliable commands moved back to the outgoing
	// queue after a round-trip timeout.
	Retransmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snet_retransmissions_total",
			Help: "Number of reliable commands retransmitted.",
		},
	)

	// UnreliableDropped counts unreliable commands dropped by the send-side
	// packet throttle.
	UnreliableDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snet_unreliable_dropped_total",
			Help: "Number of unreliable commands dropped by the throttle.",
		},
	)

	// PeerConnects counts peers reaching the connected state.
	PeerConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snet_peer_connects_total",
			Help: "Number of peer connections established.",
		},
	)

	// PeerDisconnects counts disconnect notifications, by cause.
	PeerDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snet_peer_disconnects_total",
			Help: "Number of peer disconnections, by cause.",
		}, []string{"cause"})

	// RoundTripTimeHistogram tracks the smoothed RTT observed when
	// acknowledgements arrive (seconds).
	RoundTripTimeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "snet_round_trip_time_histogram",
			Help: "smoothed round trip time distribution (seconds)",
			Buckets: []float64{
				0.001, 0.002, 0.004, 0.008,
				0.016, 0.032, 0.064, 0.125,
				0.25, 0.5, 1, 2, 4,
			},
		},
	)

	// ThrottleHistogram tracks the per-peer packet throttle value in units
	// of 1/32 at each acknowledge.
	ThrottleHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snet_packet_throttle_histogram",
			Help:    "packet throttle distribution (1/32 units)",
			Buckets: prometheus.LinearBuckets(0, 2, 17),
		},
	)
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in snet/metrics are registered.")
}
