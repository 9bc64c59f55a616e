package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "transport",
		Name: "packets_sent_total",
		Help: "Datagrams written to the socket, including acks and retransmits.",
	})
	packetsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "transport",
		Name: "packets_received_total",
		Help: "Datagrams that passed header and checksum validation.",
	})
	packetsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "transport",
		Name: "packets_invalid_total",
		Help: "Datagrams dropped for truncation, bad checksum, or malformed payload.",
	})
	duplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "transport",
		Name: "duplicates_dropped_total",
		Help: "Deduplicated packets (acked but not dispatched).",
	})
	retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "transport",
		Name: "retransmits_total",
		Help: "Pending sends retransmitted by the retry scan.",
	})
	sendsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "transport",
		Name: "sends_abandoned_total",
		Help: "Pending sends dropped after exhausting the retry budget.",
	})
	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "transport",
		Name: "send_errors_total",
		Help: "Socket write failures.",
	})
)
