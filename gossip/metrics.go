package gossip

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Rounds is the total number of initiated anti-entropy rounds.
	Rounds prometheus.Counter

	// PacketBytesInbound is the total number of received packet bytes.
	PacketBytesInbound prometheus.Counter

	// PacketBytesOutbound is the total number of sent packet bytes.
	PacketBytesOutbound prometheus.Counter

	// MergeOutcomes is the total number of table upserts labelled by
	// outcome ('accepted', 'unchanged' or 'rejected').
	MergeOutcomes *prometheus.CounterVec

	// DecodeErrors is the total number of discarded malformed or
	// incompatible packets.
	DecodeErrors prometheus.Counter

	// VersionMismatches is the total number of packets dropped from nodes
	// with a different cluster version.
	VersionMismatches prometheus.Counter

	// SendQueueDrops is the total number of outbound packets dropped due to
	// a full send queue.
	SendQueueDrops prometheus.Counter

	// Entries is the current number of gossip table entries.
	Entries prometheus.Gauge

	// Peers is the current number of known peers labelled by state
	// ('active' or 'unreachable').
	Peers *prometheus.GaugeVec

	// PrunesInbound is the total number of received prune notifications.
	PrunesInbound prometheus.Counter

	// PrunesOutbound is the total number of sent prune notifications.
	PrunesOutbound prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Rounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "rounds_total",
				Help:      "Total number of initiated anti-entropy rounds",
			},
		),
		PacketBytesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "packet_bytes_inbound_total",
				Help:      "Total number of received packet bytes",
			},
		),
		PacketBytesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "packet_bytes_outbound_total",
				Help:      "Total number of sent packet bytes",
			},
		),
		MergeOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "merge_outcomes_total",
				Help:      "Total number of table upserts by outcome",
			},
			[]string{"outcome"},
		),
		DecodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "decode_errors_total",
				Help:      "Total number of discarded malformed packets",
			},
		),
		VersionMismatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "version_mismatches_total",
				Help:      "Total number of packets dropped due to cluster version mismatch",
			},
		),
		SendQueueDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "send_queue_drops_total",
				Help:      "Total number of outbound packets dropped due to a full send queue",
			},
		),
		Entries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "entries",
				Help:      "Number of gossip table entries",
			},
		),
		Peers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "peers",
				Help:      "Number of known peers by state",
			},
			[]string{"state"},
		),
		PrunesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "prunes_inbound_total",
				Help:      "Total number of received prune notifications",
			},
		),
		PrunesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flock",
				Subsystem: "gossip",
				Name:      "prunes_outbound_total",
				Help:      "Total number of sent prune notifications",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Rounds,
		m.PacketBytesInbound,
		m.PacketBytesOutbound,
		m.MergeOutcomes,
		m.DecodeErrors,
		m.VersionMismatches,
		m.SendQueueDrops,
		m.Entries,
		m.Peers,
		m.PrunesInbound,
		m.PrunesOutbound,
	)
}
