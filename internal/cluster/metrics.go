package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "cluster",
		Name: "sync_rounds_total",
		Help: "Anti-entropy rounds started.",
	})
	mergedKeys = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "cluster",
		Name: "merged_keys_total",
		Help: "Keys mutated by remote snapshot merges.",
	})
	heartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "cluster",
		Name: "heartbeats_sent_total",
		Help: "Heartbeats emitted to known peers.",
	})
	discoveriesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv", Subsystem: "cluster",
		Name: "discoveries_sent_total",
		Help: "Discovery messages emitted.",
	})
)
