// Package aggregator builds, per collection aggregator, the routing table
// that fans a request out to the live workers of a collection's shards.
// The aggregator itself — the RPC router that merges responses — is an
// external collaborator; this package only delivers routing tables and a
// busy set, plus the gRPC connection pool that keeps live WorkerClients
// for the hosts those tables name.
package aggregator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sf1r/sf1r-master/coord"
	"github.com/sf1r/sf1r-master/logger"
	"github.com/sf1r/sf1r-master/metrics"
	"github.com/sf1r/sf1r-master/registry"
	"github.com/sf1r/sf1r-master/topology"
)

// RouteEntry is one shard's primary-view binding.
type RouteEntry struct {
	ShardID uint32
	Host    string
	Port    int
	Local   bool
}

// ReadOnlyEntry is one (shard, replica) binding in the read-only view.
type ReadOnlyEntry struct {
	ShardID   uint32
	ReplicaID uint32
	Host      string
	Port      int
}

// BusyHost is a (host, port) pair whose advertised service state equals
// the routing table's collection name.
type BusyHost struct {
	Host string
	Port int
}

// RoutingTable is everything the external aggregator collaborator needs to
// fan a request out for one (service, collection) pair.
type RoutingTable struct {
	Service    string
	Collection string
	Primary    []RouteEntry
	ReadOnly   []ReadOnlyEntry
	Busy       []BusyHost
}

func (t RoutingTable) workerAddresses() []string {
	seen := make(map[string]bool, len(t.Primary)+len(t.ReadOnly))
	var addrs []string
	add := func(host string, port int) {
		if host == "" || port == 0 {
			return
		}
		addr := fmt.Sprintf("%s:%d", host, port)
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	for _, e := range t.Primary {
		add(e.Host, e.Port)
	}
	for _, e := range t.ReadOnly {
		add(e.Host, e.Port)
	}
	return addrs
}

// Binder rebuilds every registered aggregator's routing table whenever the
// worker registry or topology changes: the routing table is a pure
// function of the registry's worker maps and the topology's
// per-collection shard assignment.
type Binder struct {
	topo      *topology.Topology
	reg       *registry.WorkerRegistry
	curNodeID uint32
	pool      *WorkerClientPool
	log       *logger.Logger

	// IsNewSharding reports whether shardID is currently a resharding
	// target. When set, a shard's nodes are excluded from the read-only
	// fan-out view on top of the BusyForSelf check, covering a node that
	// has not yet republished its own service state. May be left nil.
	IsNewSharding func(shardID uint32) bool

	mu     sync.RWMutex
	tables map[topology.ServiceCollection]*RoutingTable
}

// New returns a Binder. pool may be nil to disable outbound worker
// connection management (routing tables are still built and retrievable).
func New(topo *topology.Topology, reg *registry.WorkerRegistry, curNodeID uint32, pool *WorkerClientPool, log *logger.Logger) *Binder {
	return &Binder{
		topo:      topo,
		reg:       reg,
		curNodeID: curNodeID,
		pool:      pool,
		log:       log,
		tables:    make(map[topology.ServiceCollection]*RoutingTable),
	}
}

// Rebind rebuilds every (service, collection) aggregator's routing table
// from the current registry snapshot. Called after DetectWorkers, Failover,
// or Recover report a structural change.
func (b *Binder) Rebind() {
	perService := b.topo.PerServiceCollections()

	var allAddrs []string
	seen := make(map[string]bool)

	for service, collections := range perService {
		for _, collection := range collections {
			table := b.buildTable(service, collection)

			b.mu.Lock()
			b.tables[topology.ServiceCollection{Service: service, Collection: collection}] = table
			b.mu.Unlock()

			metrics.SetAggregatorRoutingTableSize(service, collection, "primary", len(table.Primary))
			metrics.SetAggregatorRoutingTableSize(service, collection, "readonly", len(table.ReadOnly))

			for _, addr := range table.workerAddresses() {
				if !seen[addr] {
					seen[addr] = true
					allAddrs = append(allAddrs, addr)
				}
			}
		}
	}

	if b.pool != nil {
		b.pool.SetNodes(allAddrs)
	}
}

func (b *Binder) buildTable(service, collection string) *RoutingTable {
	shardIDs := b.topo.GetShardIDsFor(service, collection)
	if len(shardIDs) == 0 {
		b.log.Warnf("aggregator binder: no shard ids configured for service %q collection %q", service, collection)
		return &RoutingTable{Service: service, Collection: collection}
	}

	table := &RoutingTable{Service: service, Collection: collection}
	workerMap := b.reg.WorkerMap()

	for _, shardID := range shardIDs {
		node, ok := workerMap[shardID]
		if !ok || !node.IsGood {
			continue
		}
		table.Primary = append(table.Primary, RouteEntry{
			ShardID: shardID,
			Host:    node.Host,
			Port:    node.WorkerPort,
			Local:   node.NodeID == b.curNodeID,
		})
	}

	for _, shardID := range shardIDs {
		newSharding := b.IsNewSharding != nil && b.IsNewSharding(shardID)
		for replicaID, node := range b.reg.ReadOnlyWorkers(shardID) {
			if !node.IsGood || node.BusyState == coord.ServiceStateBusyForSelf || newSharding {
				continue
			}
			table.ReadOnly = append(table.ReadOnly, ReadOnlyEntry{
				ShardID:   shardID,
				ReplicaID: replicaID,
				Host:      node.Host,
				Port:      node.WorkerPort,
			})
			if node.BusyState == collection {
				table.Busy = append(table.Busy, BusyHost{Host: node.Host, Port: node.WorkerPort})
			}
		}
	}

	sort.Slice(table.Primary, func(i, j int) bool { return table.Primary[i].ShardID < table.Primary[j].ShardID })
	sort.Slice(table.ReadOnly, func(i, j int) bool {
		if table.ReadOnly[i].ShardID != table.ReadOnly[j].ShardID {
			return table.ReadOnly[i].ShardID < table.ReadOnly[j].ShardID
		}
		return table.ReadOnly[i].ReplicaID < table.ReadOnly[j].ReplicaID
	})

	return table
}

// RoutingTable returns the current table for (service, collection).
func (b *Binder) RoutingTable(service, collection string) (*RoutingTable, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tables[topology.ServiceCollection{Service: service, Collection: collection}]
	return t, ok
}

// Client returns the live WorkerClient for a routed host:port, if the pool
// has one connected.
func (b *Binder) Client(host string, port int) (WorkerClient, bool) {
	if b.pool == nil {
		return nil, false
	}
	return b.pool.Get(fmt.Sprintf("%s:%d", host, port))
}
