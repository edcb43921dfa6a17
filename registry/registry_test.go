package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sf1r/sf1r-master/coord"
	"github.com/sf1r/sf1r-master/logger"
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

	prefix := fmt.Sprintf("/sf1r-registry-test/%s/%d", t.Name(), time.Now().UnixNano())

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

func putNode(t *testing.T, c *coord.Client, paths Paths, replicaID, shardID uint32, host string, workerPort int, primaryPath string) {
	t.Helper()
	kv := coord.NewKV().Set(coord.KeyHost, host).Set(coord.KeyWorkerPort, fmt.Sprintf("%d", workerPort))
	if primaryPath != "" {
		kv.Set(coord.KeySelfRegPrimaryPath, primaryPath)
	}
	if _, err := c.Create(context.Background(), paths.NodePath(replicaID, shardID), kv.Encode(), 0); err != nil {
		t.Fatalf("putNode: Create() error = %v", err)
	}
}

// putServerNode registers a master's ephemeral-sequential server node for
// shardID and returns its real path, the value a worker node must echo
// back as its self-registered primary path to be trusted for writes.
func putServerNode(t *testing.T, c *coord.Client, srvPaths ServersPaths, shardID uint32) string {
	t.Helper()
	realPath, err := c.Create(context.Background(), srvPaths.ShardRoot(shardID)+"/Server", "", coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatalf("putServerNode: Create() error = %v", err)
	}
	return realPath
}

func TestPaths(t *testing.T) {
	p := Paths{Prefix: "/sf1r-cluster1"}
	if got, want := p.TopologyRoot(), "/sf1r-cluster1/Topology"; got != want {
		t.Errorf("TopologyRoot() = %q, want %q", got, want)
	}
	if got, want := p.ReplicaPath(2), "/sf1r-cluster1/Topology/Replica2"; got != want {
		t.Errorf("ReplicaPath() = %q, want %q", got, want)
	}
	if got, want := p.NodePath(2, 5), "/sf1r-cluster1/Topology/Replica2/Node5"; got != want {
		t.Errorf("NodePath() = %q, want %q", got, want)
	}
}

func TestParseNode(t *testing.T) {
	data := coord.NewKV().
		Set(coord.KeyHost, "10.0.0.1").
		Set(coord.KeyWorkerPort, "9001").
		Set(coord.KeyServiceState, coord.ServiceStateReadyForRead).
		Encode()

	n := parseNode(data, 1, 3)
	if n.Host != "10.0.0.1" || n.WorkerPort != 9001 || n.NodeID != 3 || n.ReplicaID != 1 {
		t.Fatalf("parseNode() = %+v, unexpected fields", n)
	}
	if !n.IsGood {
		t.Errorf("parseNode() IsGood = false, want true for a well-formed payload")
	}
	if n.BusyState != coord.ServiceStateReadyForRead {
		t.Errorf("parseNode() BusyState = %q, want %q", n.BusyState, coord.ServiceStateReadyForRead)
	}
}

func TestParseNodeBadWorkerPortMarksNotGood(t *testing.T) {
	data := coord.NewKV().Set(coord.KeyHost, "10.0.0.1").Set(coord.KeyWorkerPort, "not-a-port").Encode()
	n := parseNode(data, 1, 3)
	if n.IsGood {
		t.Errorf("parseNode() IsGood = true, want false for malformed worker_port")
	}
}

func TestWorkerMapsEqual(t *testing.T) {
	a := map[uint32]topology.Sf1rNode{1: {NodeID: 1, Host: "h", IsGood: true}}
	b := map[uint32]topology.Sf1rNode{1: {NodeID: 1, Host: "h", IsGood: true}}
	if !workerMapsEqual(a, b) {
		t.Errorf("workerMapsEqual() = false, want true for identical maps")
	}

	c := map[uint32]topology.Sf1rNode{1: {NodeID: 1, Host: "h2", IsGood: true}}
	if workerMapsEqual(a, c) {
		t.Errorf("workerMapsEqual() = true, want false for differing host")
	}

	if workerMapsEqual(a, map[uint32]topology.Sf1rNode{}) {
		t.Errorf("workerMapsEqual() = true, want false for differing length")
	}
}

func TestDetectWorkersPicksGoodCurrentReplicaFirst(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := Paths{Prefix: prefix}
	srvPaths := ServersPaths{Prefix: prefix}
	reg := New()
	log := logger.NewLogger("test")
	ctx := context.Background()

	primaryPath := putServerNode(t, c, srvPaths, 1)
	putNode(t, c, paths, 0, 1, "primary-host", 9001, primaryPath)
	putNode(t, c, paths, 1, 1, "replica-host", 9002, "")

	changed, err := DetectWorkers(ctx, c, paths, srvPaths, reg, log, 0, []uint32{0, 1}, []uint32{1}, true)
	if err != nil {
		t.Fatalf("DetectWorkers() error = %v", err)
	}
	if !changed {
		t.Errorf("DetectWorkers() changed = false, want true on first detection")
	}

	n, ok := reg.Worker(1)
	if !ok || n.Host != "primary-host" {
		t.Fatalf("Worker(1) = %+v, %v, want primary-host bound", n, ok)
	}

	ro := reg.ReadOnlyWorkers(1)
	if len(ro) != 2 {
		t.Fatalf("ReadOnlyWorkers(1) = %v, want 2 entries", ro)
	}
}

func TestFailoverFallsBackToOtherReplica(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := Paths{Prefix: prefix}
	srvPaths := ServersPaths{Prefix: prefix}
	reg := New()
	log := logger.NewLogger("test")
	ctx := context.Background()

	putNode(t, c, paths, 0, 1, "primary-host", 9001, "")
	putNode(t, c, paths, 1, 1, "replica-host", 9002, "")

	if _, err := DetectWorkers(ctx, c, paths, srvPaths, reg, log, 0, []uint32{0, 1}, []uint32{1}, false); err != nil {
		t.Fatalf("DetectWorkers() error = %v", err)
	}

	stillFilled, err := Failover(ctx, c, paths, srvPaths, reg, log, 0, 1, []uint32{0, 1}, false)
	if err != nil {
		t.Fatalf("Failover() error = %v", err)
	}
	if !stillFilled {
		t.Fatalf("Failover() stillFilled = false, want true (other replica available)")
	}

	n, ok := reg.Worker(1)
	if !ok || n.ReplicaID != 1 {
		t.Fatalf("Worker(1) after failover = %+v, %v, want replica 1 bound", n, ok)
	}
}

func TestFailoverEmptiesSlotWhenNoReplacement(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := Paths{Prefix: prefix}
	srvPaths := ServersPaths{Prefix: prefix}
	reg := New()
	log := logger.NewLogger("test")
	ctx := context.Background()

	putNode(t, c, paths, 0, 1, "primary-host", 9001, "")

	if _, err := DetectWorkers(ctx, c, paths, srvPaths, reg, log, 0, []uint32{0}, []uint32{1}, false); err != nil {
		t.Fatalf("DetectWorkers() error = %v", err)
	}

	stillFilled, err := Failover(ctx, c, paths, srvPaths, reg, log, 0, 1, []uint32{0}, false)
	if err != nil {
		t.Fatalf("Failover() error = %v", err)
	}
	if stillFilled {
		t.Fatalf("Failover() stillFilled = true, want false when no replica remains")
	}
	if _, ok := reg.Worker(1); ok {
		t.Fatalf("Worker(1) still present after failover with no replacement")
	}
}

func TestFailoverRejectsReplicaThatNeverAcknowledgedPrimary(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := Paths{Prefix: prefix}
	srvPaths := ServersPaths{Prefix: prefix}
	reg := New()
	log := logger.NewLogger("test")
	ctx := context.Background()

	// A primary master is elected for shard 1, but replica 1's node never
	// echoes that election back in self_reg_primary_path.
	putServerNode(t, c, srvPaths, 1)
	putNode(t, c, paths, 0, 1, "primary-host", 9001, "")
	putNode(t, c, paths, 1, 1, "replica-host", 9002, "")

	if _, err := DetectWorkers(ctx, c, paths, srvPaths, reg, log, 0, []uint32{0, 1}, []uint32{1}, true); err != nil {
		t.Fatalf("DetectWorkers() error = %v", err)
	}

	stillFilled, err := Failover(ctx, c, paths, srvPaths, reg, log, 0, 1, []uint32{0, 1}, true)
	if err != nil {
		t.Fatalf("Failover() error = %v", err)
	}
	if stillFilled {
		t.Fatalf("Failover() stillFilled = true, want false: replica 1 never acknowledged the elected primary")
	}
}

func TestRecoverRebindsCurrentReplica(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := Paths{Prefix: prefix}
	srvPaths := ServersPaths{Prefix: prefix}
	reg := New()
	log := logger.NewLogger("test")
	ctx := context.Background()

	primaryPath := putServerNode(t, c, srvPaths, 1)
	putNode(t, c, paths, 1, 1, "replica-host", 9002, "")
	if _, err := DetectWorkers(ctx, c, paths, srvPaths, reg, log, 0, []uint32{0, 1}, []uint32{1}, true); err != nil {
		t.Fatalf("DetectWorkers() error = %v", err)
	}
	if _, ok := reg.Worker(1); ok {
		t.Fatalf("Worker(1) bound before current replica node exists")
	}

	putNode(t, c, paths, 0, 1, "primary-host", 9001, primaryPath)
	if err := Recover(ctx, c, paths, srvPaths, reg, log, 0, 1, true); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	n, ok := reg.Worker(1)
	if !ok || n.ReplicaID != 0 {
		t.Fatalf("Worker(1) after recover = %+v, %v, want current replica bound", n, ok)
	}
}

func TestDetectReplicaSet(t *testing.T) {
	c, prefix := newTestClient(t)
	paths := Paths{Prefix: prefix}
	ctx := context.Background()

	putNode(t, c, paths, 0, 1, "h0", 9001, "")
	putNode(t, c, paths, 2, 1, "h2", 9003, "")

	ids, err := DetectReplicaSet(ctx, c, paths)
	if err != nil {
		t.Fatalf("DetectReplicaSet() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 2 {
		t.Fatalf("DetectReplicaSet() = %v, want [0 2]", ids)
	}
}
