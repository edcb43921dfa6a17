// Package metrics exposes the prometheus gauges and counters the master
// controller, write-request broker, migration coordinator, and aggregator
// binder record against, wired the way util/metrics/metrics.go does:
// package-level promauto vectors plus small Record*/Set* wrapper functions.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkersGood tracks, per shard, whether workerMap[shard] currently
	// names a good node (1) or the shard is unfilled (0).
	WorkersGood = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sf1r_master_shard_worker_good",
			Help: "Whether the primary worker bound to a shard is currently good (1) or absent/unhealthy (0)",
		},
		[]string{"shard"},
	)

	// ReplicasLive tracks, per shard, how many replicas currently report a
	// live (isGood) worker in the read-only registry.
	ReplicasLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sf1r_master_shard_replicas_live",
			Help: "Number of replicas with a live worker for a shard",
		},
		[]string{"shard"},
	)

	// WriteRequestsPushed counts successful pushWrite/pushWriteToShards
	// enqueues, labeled by shard and whether migration fan-out was involved.
	WriteRequestsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_master_write_requests_pushed_total",
			Help: "Total write requests enqueued onto a shard's write-request queue",
		},
		[]string{"shard", "for_migrate"},
	)

	// WriteRequestsPopped counts successful popWrite calls, labeled by shard.
	WriteRequestsPopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_master_write_requests_popped_total",
			Help: "Total write requests dequeued and handed to the request handler",
		},
		[]string{"shard"},
	)

	// WriteRequestSizeBytes observes the payload size of every pushed write
	// request, so the 512 KiB soft-cap warning rate is visible as a tail.
	WriteRequestSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sf1r_master_write_request_size_bytes",
			Help:    "Size in bytes of write request payloads pushed to a shard queue",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	// WaitingRequestsGauge mirrors waitingRequestNum for a shard: the count
	// of queue children not yet pulled into the in-memory cache.
	WaitingRequestsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sf1r_master_waiting_requests",
			Help: "Number of write requests queued but not yet fetched into the consume-loop cache",
		},
		[]string{"shard"},
	)

	// MigrationsStarted/MigrationsEnded count full migration handshakes.
	MigrationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sf1r_master_migrations_started_total",
			Help: "Total migration handshakes begun via notifyAllShardingBeginMigrate",
		},
	)
	MigrationsEnded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sf1r_master_migrations_ended_total",
			Help: "Total migration handshakes ended via notifyAllShardingEndMigrate",
		},
	)

	// AggregatorRoutingTableSize tracks the entry count of an aggregator's
	// primary routing table (one per shard) and read-only routing table
	// (one per shard and replica).
	AggregatorRoutingTableSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sf1r_master_aggregator_routing_table_size",
			Help: "Number of entries present in an aggregator's routing table",
		},
		[]string{"service", "collection", "view"},
	)

	// MasterState tracks the controller's current state machine position as
	// a label-valued gauge (1 on the active state, 0 elsewhere).
	MasterState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sf1r_master_state",
			Help: "Current master controller state (value 1 on the active state)",
		},
		[]string{"state"},
	)
)

var allStates = []string{"INIT", "STARTING", "WAIT_COORD", "STARTING_WAIT_WORKERS", "STARTED"}

// SetMasterState marks state active and every other known state inactive.
func SetMasterState(state string) {
	for _, s := range allStates {
		if s == state {
			MasterState.WithLabelValues(s).Set(1)
		} else {
			MasterState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordWorkerGood sets the per-shard worker-health gauge.
func RecordWorkerGood(shard uint32, good bool) {
	v := 0.0
	if good {
		v = 1.0
	}
	WorkersGood.WithLabelValues(shardLabel(shard)).Set(v)
}

// SetReplicasLive sets the live-replica-count gauge for a shard.
func SetReplicasLive(shard uint32, count int) {
	ReplicasLive.WithLabelValues(shardLabel(shard)).Set(float64(count))
}

// RecordWriteRequestPushed increments the push counter and observes size.
func RecordWriteRequestPushed(shard uint32, forMigrate bool, sizeBytes int) {
	WriteRequestsPushed.WithLabelValues(shardLabel(shard), boolLabel(forMigrate)).Inc()
	WriteRequestSizeBytes.Observe(float64(sizeBytes))
}

// RecordWriteRequestPopped increments the pop counter for a shard.
func RecordWriteRequestPopped(shard uint32) {
	WriteRequestsPopped.WithLabelValues(shardLabel(shard)).Inc()
}

// SetWaitingRequests sets the waitingRequestNum gauge for a shard.
func SetWaitingRequests(shard uint32, count int) {
	WaitingRequestsGauge.WithLabelValues(shardLabel(shard)).Set(float64(count))
}

// RecordMigrationStarted/RecordMigrationEnded bump the migration counters.
func RecordMigrationStarted() { MigrationsStarted.Inc() }
func RecordMigrationEnded()   { MigrationsEnded.Inc() }

// SetAggregatorRoutingTableSize records the shard count for one (service,
// collection, view) routing table, view being "primary" or "readonly".
func SetAggregatorRoutingTableSize(service, collection, view string, size int) {
	AggregatorRoutingTableSize.WithLabelValues(service, collection, view).Set(float64(size))
}

func shardLabel(shard uint32) string {
	return fmt.Sprintf("%d", shard)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
