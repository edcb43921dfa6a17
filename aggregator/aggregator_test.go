package aggregator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sf1r/sf1r-master/coord"
	"github.com/sf1r/sf1r-master/logger"
	"github.com/sf1r/sf1r-master/registry"
	"github.com/sf1r/sf1r-master/topology"
)

var etcdTestMutex sync.Mutex

func testEndpoint() string {
	if addr := os.Getenv("SF1R_TEST_ETCD_ADDR"); addr != "" {
		return addr
	}
	return "localhost:2379"
}

func newTestClient(t *testing.T) (*coord.Client, string) {
	t.Helper()
	etcdTestMutex.Lock()
	t.Cleanup(etcdTestMutex.Unlock)

	prefix := fmt.Sprintf("/sf1r-aggregator-test/%s/%d", t.Name(), time.Now().UnixNano())

	c, err := coord.NewClient([]string{testEndpoint()}, "test")
	if err != nil {
		t.Skipf("skipping: cannot dial etcd: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Skipf("skipping: etcd not available: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })
	return c, prefix
}

type staticConfig struct {
	shardIDs map[string][]uint32
	all      []uint32
}

func (c staticConfig) AllShardIDs() []uint32 { return c.all }

func (c staticConfig) ShardIDsFor(service, collection string) []uint32 {
	return c.shardIDs[service+"/"+collection]
}

func newTestBinder(curNodeID uint32) (*Binder, *registry.WorkerRegistry) {
	cfg := staticConfig{
		all: []uint32{1, 2},
		shardIDs: map[string][]uint32{
			"search/main": {1, 2},
		},
	}
	perServiceCollections := map[string][]string{"search": {"main"}}
	curNode := topology.Sf1rNode{NodeID: curNodeID, ReplicaID: 0}
	topo := topology.New(curNode, cfg, perServiceCollections)
	reg := registry.New()
	binder := New(topo, reg, curNodeID, nil, logger.NewLogger("test"))
	return binder, reg
}

func putNode(t *testing.T, c *coord.Client, paths registry.Paths, replicaID, shardID uint32, host string, workerPort int, busyState string) {
	t.Helper()
	kv := coord.NewKV().Set(coord.KeyHost, host).Set(coord.KeyWorkerPort, fmt.Sprintf("%d", workerPort))
	if busyState != "" {
		kv.Set(coord.KeyServiceState, busyState)
	}
	if _, err := c.Create(context.Background(), paths.NodePath(replicaID, shardID), kv.Encode(), 0); err != nil {
		t.Fatalf("putNode: Create() error = %v", err)
	}
}

func TestRebindBuildsPrimaryRoutingTable(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := registry.Paths{Prefix: prefix}
	binder, reg := newTestBinder(1)

	putNode(t, c, paths, 0, 1, "h1", 9001, "")
	putNode(t, c, paths, 0, 2, "h2", 9002, "")

	if _, err := registry.DetectWorkers(context.Background(), c, paths, registry.ServersPaths{}, reg, logger.NewLogger("test"), 0, []uint32{0}, []uint32{1, 2}, false); err != nil {
		t.Fatalf("DetectWorkers() error = %v", err)
	}

	binder.Rebind()

	table, ok := binder.RoutingTable("search", "main")
	if !ok {
		t.Fatalf("RoutingTable() not found after Rebind")
	}
	if len(table.Primary) != 2 {
		t.Fatalf("Primary = %v, want 2 entries", table.Primary)
	}
	if table.Primary[0].ShardID != 1 || table.Primary[1].ShardID != 2 {
		t.Fatalf("Primary not sorted by shard id: %v", table.Primary)
	}
	if !table.Primary[0].Local {
		t.Errorf("Primary[0].Local = false, want true (shard 1 is curNodeID)")
	}
	if table.Primary[1].Local {
		t.Errorf("Primary[1].Local = true, want false (shard 2 is not curNodeID)")
	}
}

func TestRebindMarksBusyHosts(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := registry.Paths{Prefix: prefix}
	binder, reg := newTestBinder(1)

	putNode(t, c, paths, 0, 1, "h1", 9001, "main")
	putNode(t, c, paths, 1, 1, "h1-ro", 9003, "")

	if _, err := registry.DetectWorkers(context.Background(), c, paths, registry.ServersPaths{}, reg, logger.NewLogger("test"), 0, []uint32{0, 1}, []uint32{1, 2}, false); err != nil {
		t.Fatalf("DetectWorkers() error = %v", err)
	}

	binder.Rebind()

	table, ok := binder.RoutingTable("search", "main")
	if !ok {
		t.Fatalf("RoutingTable() not found after Rebind")
	}
	if len(table.Busy) != 1 || table.Busy[0].Host != "h1" {
		t.Fatalf("Busy = %v, want one entry for h1", table.Busy)
	}
}

func TestRebindExcludesBusyForSelfFromReadOnly(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := registry.Paths{Prefix: prefix}
	binder, reg := newTestBinder(1)

	putNode(t, c, paths, 0, 1, "h1", 9001, "")
	putNode(t, c, paths, 1, 1, "h1-resharding", 9003, coord.ServiceStateBusyForSelf)

	if _, err := registry.DetectWorkers(context.Background(), c, paths, registry.ServersPaths{}, reg, logger.NewLogger("test"), 0, []uint32{0, 1}, []uint32{1, 2}, false); err != nil {
		t.Fatalf("DetectWorkers() error = %v", err)
	}

	binder.Rebind()

	table, ok := binder.RoutingTable("search", "main")
	if !ok {
		t.Fatalf("RoutingTable() not found after Rebind")
	}
	for _, e := range table.ReadOnly {
		if e.Host == "h1-resharding" {
			t.Fatalf("ReadOnly = %v, want BusyForSelf node excluded", table.ReadOnly)
		}
	}
}

func TestRebindExcludesNewShardingTargetFromReadOnly(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := registry.Paths{Prefix: prefix}
	binder, reg := newTestBinder(1)
	binder.IsNewSharding = func(shardID uint32) bool { return shardID == 1 }

	putNode(t, c, paths, 0, 1, "h1", 9001, "")
	putNode(t, c, paths, 1, 1, "h1-ro", 9003, "")
	putNode(t, c, paths, 0, 2, "h2", 9002, "")

	if _, err := registry.DetectWorkers(context.Background(), c, paths, registry.ServersPaths{}, reg, logger.NewLogger("test"), 0, []uint32{0, 1}, []uint32{1, 2}, false); err != nil {
		t.Fatalf("DetectWorkers() error = %v", err)
	}

	binder.Rebind()

	table, ok := binder.RoutingTable("search", "main")
	if !ok {
		t.Fatalf("RoutingTable() not found after Rebind")
	}
	for _, e := range table.ReadOnly {
		if e.ShardID == 1 {
			t.Fatalf("ReadOnly = %v, want shard 1 excluded as a new-sharding target", table.ReadOnly)
		}
	}
}

func TestWorkerAddresses(t *testing.T) {
	table := RoutingTable{
		Primary:  []RouteEntry{{Host: "h1", Port: 9001}, {Host: "", Port: 9002}},
		ReadOnly: []ReadOnlyEntry{{Host: "h1", Port: 9001}, {Host: "h2", Port: 9003}},
	}
	addrs := table.workerAddresses()
	if len(addrs) != 2 {
		t.Fatalf("workerAddresses() = %v, want 2 deduped entries", addrs)
	}
}
