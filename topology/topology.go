// Package topology holds the in-memory description of the cluster's
// replicas, shards, and this process's own master/worker role, as an
// immutable snapshot replaced atomically on configuration change.
package topology

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sf1r/sf1r-master/coord"
)

// Replica is a full horizontal copy of the cluster.
type Replica struct {
	ID uint32
}

// Shard is a partition of data; every shard exists in every replica.
type Shard struct {
	ID uint32
}

// Sf1rNode is a concrete host providing worker and/or master capability for
// one shard in one replica.
type Sf1rNode struct {
	NodeID     uint32 // equals the shard id this node serves
	ReplicaID  uint32
	Host       string
	MasterPort int
	WorkerPort int
	DataPort   int
	BusyState  string
	IsGood     bool

	// SelfRegPrimaryPath is the master server path this node last observed
	// as primary for its shard, self-reported in its own registration
	// payload. A master trusts this node as the primary worker only when
	// the path still names the currently elected primary.
	SelfRegPrimaryPath string
}

// ServiceCollection identifies a (service, collection) pair, the unit the
// aggregator binder builds a routing table for.
type ServiceCollection struct {
	Service    string
	Collection string
}

// Topology is the immutable snapshot of this node's shard/replica
// assignment and the service/collection-to-shard mapping.
type Topology struct {
	mu sync.RWMutex

	curNode               Sf1rNode
	allShardIDs           map[uint32]bool
	perServiceCollections map[string][]string
	perCollectionShardIDs map[ServiceCollection][]uint32
}

// ConfigSource is the subset of config.Config that topology consumes,
// narrowed to avoid a hard dependency on the config package's concrete type.
type ConfigSource interface {
	AllShardIDs() []uint32
	ShardIDsFor(service, collection string) []uint32
}

// New builds a Topology from curNode and a config source.
func New(curNode Sf1rNode, cfg ConfigSource, perServiceCollections map[string][]string) *Topology {
	t := &Topology{curNode: curNode}
	t.applyConfig(cfg, perServiceCollections)
	return t
}

func (t *Topology) applyConfig(cfg ConfigSource, perServiceCollections map[string][]string) {
	allShardIDs := make(map[uint32]bool)
	for _, id := range cfg.AllShardIDs() {
		allShardIDs[id] = true
	}

	perCollectionShardIDs := make(map[ServiceCollection][]uint32)
	for service, collections := range perServiceCollections {
		for _, collection := range collections {
			key := ServiceCollection{Service: service, Collection: collection}
			perCollectionShardIDs[key] = cfg.ShardIDsFor(service, collection)
		}
	}

	t.allShardIDs = allShardIDs
	t.perServiceCollections = perServiceCollections
	t.perCollectionShardIDs = perCollectionShardIDs
}

// UpdateTopology replaces the snapshot atomically and reports whether the
// shard set changed, which forces a worker re-detection pass.
func (t *Topology) UpdateTopology(cfg ConfigSource, perServiceCollections map[string][]string) (shardSetChanged bool) {
	newIDs := make(map[uint32]bool)
	for _, id := range cfg.AllShardIDs() {
		newIDs[id] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	shardSetChanged = !shardSetEqual(t.allShardIDs, newIDs)
	t.applyConfig(cfg, perServiceCollections)
	return shardSetChanged
}

func shardSetEqual(a, b map[uint32]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}

// CurNode returns the current node's own identity.
func (t *Topology) CurNode() Sf1rNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.curNode
}

// AllShardIDs returns the configured shard id set as a sorted slice.
func (t *Topology) AllShardIDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint32, 0, len(t.allShardIDs))
	for id := range t.allShardIDs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasShard reports whether shardID is part of the current shard set.
func (t *Topology) HasShard(shardID uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allShardIDs[shardID]
}

// GetShardIDsFor returns the shard ids backing (service, collection).
func (t *Topology) GetShardIDsFor(service, collection string) []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.perCollectionShardIDs[ServiceCollection{Service: service, Collection: collection}]
}

// PerServiceCollections returns the configured collections for every
// service.
func (t *Topology) PerServiceCollections() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]string, len(t.perServiceCollections))
	for k, v := range t.perServiceCollections {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// IsMineNewSharding reports whether the current node's shard id appears in
// the migration-prepare znode's new_sharding_nodeids list.
func IsMineNewSharding(payload *coord.KV, curNodeID uint32) bool {
	raw, ok := payload.Get(coord.KeyNewShardingNodeIDs)
	if !ok || raw == "" {
		return false
	}
	for _, field := range strings.Split(raw, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
		if err != nil {
			continue
		}
		if uint32(id) == curNodeID {
			return true
		}
	}
	return false
}
