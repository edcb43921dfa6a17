// Package migration implements the resharding/migration handshake: a
// single well-known ephemeral znode interlocks with the write-request
// broker (its mere existence refuses new cluster writes) while new shard
// slots are advertised, drained, and indexed.
package migration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sf1r/sf1r-master/coord"
	"github.com/sf1r/sf1r-master/logger"
	"github.com/sf1r/sf1r-master/metrics"
	"github.com/sf1r/sf1r-master/topology"
	"github.com/sf1r/sf1r-master/util/backoff"
)

const (
	readyPollInterval    = 30 * time.Second
	indexingPollInterval = 10 * time.Second
)

// NodeState mirrors the node_state payload field watched by the quiescence
// polls; the original advertises readiness with a small integer enum.
type NodeState int

const (
	NodeStateUnknown NodeState = iota
	NodeStateStarted
)

// Paths builds the coordination-store paths the migration coordinator
// touches.
type Paths struct {
	Prefix string
}

// PreparePath is the cluster-level migration marker.
func (p Paths) PreparePath() string {
	return p.Prefix + "/migrate_sharding"
}

// ShardStatus is the caller-supplied view of one shard's write queue and
// worker health, consulted by every wait phase.
type ShardStatus struct {
	QueueEmpty bool
	State      NodeState
}

// StatusFunc reports the current status of shardID, as observed by the
// master controller's registry and write-request broker.
type StatusFunc func(shardID uint32) ShardStatus

// Coordinator drives the migration protocol for one master acting as
// coordinator.
type Coordinator struct {
	cl     *coord.Client
	paths  Paths
	log    *logger.Logger
	status StatusFunc

	// IsPrimary reports whether this master is primary, a precondition for
	// beginning a migration.
	IsPrimary func() bool
}

// New returns a Coordinator. status supplies per-shard queue/worker state
// used by the wait phases.
func New(cl *coord.Client, paths Paths, log *logger.Logger, status StatusFunc) *Coordinator {
	return &Coordinator{cl: cl, paths: paths, log: log, status: status}
}

// ErrNotPrimary is returned when a non-primary master attempts to begin a
// migration.
var ErrNotPrimary = fmt.Errorf("migration: this master is not primary")

// ErrNotAllStarted is returned when a shard named in the migration isn't
// reporting NODE_STATE_STARTED.
var ErrNotAllStarted = fmt.Errorf("migration: not every named shard is started")

// ErrQueueNotEmpty is returned when a shard named in the migration has a
// non-empty write queue.
var ErrQueueNotEmpty = fmt.Errorf("migration: write queue is not empty")

// NotifyAllShardingBeginMigrate begins a migration for shardIDs: this
// master must be primary, every shard must report STARTED, no prepare node
// may exist, and every named shard's write queue must be empty. It then
// creates the migration-prepare ephemeral; ErrAlreadyExists signals another
// migration is already in progress.
func (c *Coordinator) NotifyAllShardingBeginMigrate(ctx context.Context, shardIDs []uint32) error {
	if c.IsPrimary != nil && !c.IsPrimary() {
		return ErrNotPrimary
	}

	for _, shardID := range shardIDs {
		st := c.status(shardID)
		if st.State != NodeStateStarted {
			return fmt.Errorf("%w: shard %d", ErrNotAllStarted, shardID)
		}
		if !st.QueueEmpty {
			return fmt.Errorf("%w: shard %d", ErrQueueNotEmpty, shardID)
		}
	}

	if _, err := c.cl.Create(ctx, c.paths.PreparePath(), "", coord.FlagEphemeral); err != nil {
		if err == coord.ErrAlreadyExists {
			return fmt.Errorf("migration: prepare node exists: %w", err)
		}
		return fmt.Errorf("begin migrate: %w", err)
	}

	metrics.RecordMigrationStarted()
	c.log.Infof("migration begun for shards %v", shardIDs)
	return nil
}

// WaitForNewShardingNodes writes shardIDs into the migration-prepare
// payload (read by topology.IsMineNewSharding so new nodes advertise
// BusyForSelf and are excluded from read fan-out), then polls every 30s
// until every named shard reports STARTED.
func (c *Coordinator) WaitForNewShardingNodes(ctx context.Context, shardIDs []uint32, stopping func() bool) error {
	kv := coord.NewKV().Set(coord.KeyNewShardingNodeIDs, encodeShardIDs(shardIDs))
	if err := c.cl.SetData(ctx, c.paths.PreparePath(), kv.Encode()); err != nil {
		return fmt.Errorf("advertise new sharding nodes: %w", err)
	}

	return c.pollUntil(ctx, readyPollInterval, stopping, func() bool {
		for _, shardID := range shardIDs {
			if c.status(shardID).State != NodeStateStarted {
				return false
			}
		}
		return true
	})
}

// WaitForMigrateReady polls every 30s until every shard's write queue is
// empty and every shard is STARTED.
func (c *Coordinator) WaitForMigrateReady(ctx context.Context, shardIDs []uint32, stopping func() bool) error {
	return c.pollUntil(ctx, readyPollInterval, stopping, func() bool {
		return c.allQuiescent(shardIDs)
	})
}

// WaitForMigrateIndexing polls every 10s until every shard's write queue is
// empty and every shard is STARTED, the tighter poll used once the
// migration is draining the last writes before handoff.
func (c *Coordinator) WaitForMigrateIndexing(ctx context.Context, shardIDs []uint32, stopping func() bool) error {
	return c.pollUntil(ctx, indexingPollInterval, stopping, func() bool {
		return c.allQuiescent(shardIDs)
	})
}

func (c *Coordinator) allQuiescent(shardIDs []uint32) bool {
	for _, shardID := range shardIDs {
		st := c.status(shardID)
		if !st.QueueEmpty || st.State != NodeStateStarted {
			return false
		}
	}
	return true
}

// NotifyAllShardingEndMigrate deletes the migration-prepare znode, ending
// the handshake and unblocking the write-request broker.
func (c *Coordinator) NotifyAllShardingEndMigrate(ctx context.Context) error {
	if err := c.cl.Delete(ctx, c.paths.PreparePath()); err != nil {
		return fmt.Errorf("end migrate: %w", err)
	}
	metrics.RecordMigrationEnded()
	c.log.Infof("migration ended")
	return nil
}

// InProgress reports whether the migration-prepare znode currently exists.
func (c *Coordinator) InProgress(ctx context.Context) (bool, error) {
	return c.cl.Exists(ctx, c.paths.PreparePath(), false)
}

// IsNewSharding reports whether shardID is currently named in the live
// migration-prepare payload's new-sharding node list, the signal an
// aggregator binder uses to exclude a shard's nodes from read-only fan-out
// while they are being resharded. It returns false, with no error, when no
// migration is in progress.
func (c *Coordinator) IsNewSharding(ctx context.Context, shardID uint32) (bool, error) {
	data, err := c.cl.GetData(ctx, c.paths.PreparePath(), false)
	if err == coord.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check new sharding membership: %w", err)
	}
	return topology.IsMineNewSharding(coord.DecodeKV(data), shardID), nil
}

func (c *Coordinator) pollUntil(ctx context.Context, interval time.Duration, stopping func() bool, done func() bool) error {
	b := backoff.Fixed(interval)
	for {
		if done() {
			return nil
		}
		if stopping != nil && stopping() {
			return context.Canceled
		}
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
}

func encodeShardIDs(shardIDs []uint32) string {
	parts := make([]string, len(shardIDs))
	for i, id := range shardIDs {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}
