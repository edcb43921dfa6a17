// Package registry maintains the live worker map the master controller
// detects across replicas, and implements the detection, failover, and
// recovery algorithms that keep it current.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sf1r/sf1r-master/coord"
	"github.com/sf1r/sf1r-master/logger"
	"github.com/sf1r/sf1r-master/topology"
)

// Paths builds the coordination-store paths under the cluster's topology
// root, following a "/sf1r-<cluster>/Topology/Replica<r>/Node<s>" layout.
type Paths struct {
	Prefix string
}

// TopologyRoot returns the parent of every replica subtree.
func (p Paths) TopologyRoot() string {
	return p.Prefix + "/Topology"
}

// ReplicaPath returns the subtree root for replicaID.
func (p Paths) ReplicaPath(replicaID uint32) string {
	return fmt.Sprintf("%s/Replica%d", p.TopologyRoot(), replicaID)
}

// NodePath returns the znode for shardID within replicaID.
func (p Paths) NodePath(replicaID, shardID uint32) string {
	return fmt.Sprintf("%s/Node%d", p.ReplicaPath(replicaID), shardID)
}

// ServersPaths builds the coordination paths under which masters register
// their ephemeral-sequential server nodes, under a
// "/sf1r-<cluster>/Servers/<shard>/Server…" layout. One subtree per shard
// keeps primary-master election local to the shard a master serves.
type ServersPaths struct {
	Prefix string
}

// ShardRoot is the parent of every master's server node registered for
// shardID.
func (p ServersPaths) ShardRoot(shardID uint32) string {
	return fmt.Sprintf("%s/Servers/%d", p.Prefix, shardID)
}

// WorkerRegistry holds the current live worker map and the read-only
// multi-replica view.
type WorkerRegistry struct {
	mu sync.RWMutex

	workerMap   map[uint32]topology.Sf1rNode
	roWorkerMap map[uint32]map[uint32]topology.Sf1rNode
}

// New returns an empty WorkerRegistry.
func New() *WorkerRegistry {
	return &WorkerRegistry{
		workerMap:   make(map[uint32]topology.Sf1rNode),
		roWorkerMap: make(map[uint32]map[uint32]topology.Sf1rNode),
	}
}

// Worker returns the node currently bound to shardID, if any.
func (r *WorkerRegistry) Worker(shardID uint32) (topology.Sf1rNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.workerMap[shardID]
	return n, ok
}

// WorkerMap returns a copy of the primary worker-map snapshot.
func (r *WorkerRegistry) WorkerMap() map[uint32]topology.Sf1rNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint32]topology.Sf1rNode, len(r.workerMap))
	for k, v := range r.workerMap {
		out[k] = v
	}
	return out
}

// ReadOnlyWorkers returns a copy of the replica-set bound to shardID.
func (r *WorkerRegistry) ReadOnlyWorkers(shardID uint32) map[uint32]topology.Sf1rNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint32]topology.Sf1rNode, len(r.roWorkerMap[shardID]))
	for k, v := range r.roWorkerMap[shardID] {
		out[k] = v
	}
	return out
}

// ROWorkerMap returns a copy of the full read-only snapshot.
func (r *WorkerRegistry) ROWorkerMap() map[uint32]map[uint32]topology.Sf1rNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint32]map[uint32]topology.Sf1rNode, len(r.roWorkerMap))
	for shardID, replicas := range r.roWorkerMap {
		inner := make(map[uint32]topology.Sf1rNode, len(replicas))
		for rid, n := range replicas {
			inner[rid] = n
		}
		out[shardID] = inner
	}
	return out
}

func parseNode(data string, replicaID, shardID uint32) topology.Sf1rNode {
	kv := coord.DecodeKV(data)
	node := topology.Sf1rNode{
		NodeID:    shardID,
		ReplicaID: replicaID,
		IsGood:    true,
	}

	if host, ok := kv.Get(coord.KeyHost); ok {
		node.Host = host
	}
	node.BusyState, _ = kv.Get(coord.KeyServiceState)

	if raw, ok := kv.Get(coord.KeyWorkerPort); ok {
		port, err := strconv.Atoi(raw)
		if err != nil {
			node.IsGood = false
		} else {
			node.WorkerPort = port
		}
	}
	if raw, ok := kv.Get(coord.KeyDataPort); ok {
		port, err := strconv.Atoi(raw)
		if err != nil {
			node.IsGood = false
		} else {
			node.DataPort = port
		}
	}
	if raw, ok := kv.Get(coord.KeyMasterPort); ok {
		if port, err := strconv.Atoi(raw); err == nil {
			node.MasterPort = port
		}
	}
	node.SelfRegPrimaryPath, _ = kv.Get(coord.KeySelfRegPrimaryPath)

	return node
}

// readNode fetches and parses the node at paths.NodePath(replicaID, shardID),
// always arming a watch so the next liveness change on it fires.
func readNode(ctx context.Context, cl *coord.Client, paths Paths, replicaID, shardID uint32) (topology.Sf1rNode, bool, error) {
	path := paths.NodePath(replicaID, shardID)
	data, err := cl.GetData(ctx, path, true)
	if err == coord.ErrNotFound {
		return topology.Sf1rNode{}, false, nil
	}
	if err != nil {
		return topology.Sf1rNode{}, false, err
	}

	node := parseNode(data, replicaID, shardID)
	hasWorkerPort := node.WorkerPort != 0 || strings.Contains(data, coord.KeyWorkerPort+"=")
	if !hasWorkerPort {
		return topology.Sf1rNode{}, false, nil
	}
	return node, true, nil
}

// isPrimaryWorker reports whether node has acknowledged the currently
// elected primary master for shardID: its self-registered primary path
// must name the lowest-sequence child of the shard's servers subtree. A
// node that has not yet observed the current election — a stale or empty
// self-registered primary path — is never trusted as the primary worker,
// even if it is otherwise good.
func isPrimaryWorker(ctx context.Context, cl *coord.Client, srvPaths ServersPaths, shardID uint32, node topology.Sf1rNode) bool {
	if node.SelfRegPrimaryPath == "" {
		return false
	}
	root := srvPaths.ShardRoot(shardID)
	children, err := cl.GetChildren(ctx, root, false)
	if err != nil || len(children) == 0 {
		return false
	}
	return root+"/"+children[0] == node.SelfRegPrimaryPath
}

// DetectWorkers runs detection for every shard in
// shardIDs, updating the registry in place and returning whether the
// structural snapshot (by nodeId/replicaId/host/workerPort/isGood) changed,
// which signals the caller to rebuild aggregator routing tables.
func DetectWorkers(
	ctx context.Context,
	cl *coord.Client,
	paths Paths,
	srvPaths ServersPaths,
	reg *WorkerRegistry,
	log *logger.Logger,
	curReplicaID uint32,
	replicaIDList []uint32,
	shardIDs []uint32,
	isPrimary bool,
) (changed bool, err error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	prevWorkerMap := reg.workerMap
	newWorkerMap := make(map[uint32]topology.Sf1rNode, len(shardIDs))
	newROWorkerMap := make(map[uint32]map[uint32]topology.Sf1rNode, len(shardIDs))

	for _, shardID := range shardIDs {
		roForShard := make(map[uint32]topology.Sf1rNode)

		// Current replica first.
		cur, ok, rerr := readNode(ctx, cl, paths, curReplicaID, shardID)
		if rerr != nil {
			log.Warnf("detectWorkers: read current replica node for shard %d: %v", shardID, rerr)
		}
		if ok {
			roForShard[curReplicaID] = cur
		}

		var chosen topology.Sf1rNode
		var chosenOK bool
		if ok && cur.IsGood && (!isPrimary || isPrimaryWorker(ctx, cl, srvPaths, shardID, cur)) {
			chosen, chosenOK = cur, true
		}

		// Other replicas, in discovery order, independent of which one (if
		// any) was chosen above: every node that advertises a worker port
		// feeds the read-only map, good or not.
		for _, replicaID := range replicaIDList {
			if replicaID == curReplicaID {
				continue
			}
			n, ok, rerr := readNode(ctx, cl, paths, replicaID, shardID)
			if rerr != nil {
				log.Warnf("detectWorkers: read replica %d node for shard %d: %v", replicaID, shardID, rerr)
				continue
			}
			if !ok {
				continue
			}
			roForShard[replicaID] = n
			if !chosenOK && n.IsGood && (!isPrimary || isPrimaryWorker(ctx, cl, srvPaths, shardID, n)) {
				chosen, chosenOK = n, true
			}
		}

		if chosenOK {
			newWorkerMap[shardID] = chosen
		}
		newROWorkerMap[shardID] = roForShard
	}

	changed = !workerMapsEqual(prevWorkerMap, newWorkerMap) || !roWorkerMapsEqual(reg.roWorkerMap, newROWorkerMap)
	reg.workerMap = newWorkerMap
	reg.roWorkerMap = newROWorkerMap
	return changed, nil
}

// Failover handles a DELETED watch fire on a node znode within the
// topology path.
func Failover(
	ctx context.Context,
	cl *coord.Client,
	paths Paths,
	srvPaths ServersPaths,
	reg *WorkerRegistry,
	log *logger.Logger,
	deletedReplicaID, shardID uint32,
	replicaIDList []uint32,
	isPrimary bool,
) (stillFilled bool, err error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if n, ok := reg.workerMap[shardID]; ok && n.ReplicaID == deletedReplicaID {
		n.IsGood = false
		reg.workerMap[shardID] = n
	}
	if byReplica, ok := reg.roWorkerMap[shardID]; ok {
		if n, ok := byReplica[deletedReplicaID]; ok {
			n.IsGood = false
			byReplica[deletedReplicaID] = n
		}
	}

	for _, replicaID := range replicaIDList {
		if replicaID == deletedReplicaID {
			continue
		}
		n, ok, rerr := readNode(ctx, cl, paths, replicaID, shardID)
		if rerr != nil {
			log.Warnf("failover: read replica %d node for shard %d: %v", replicaID, shardID, rerr)
			continue
		}
		if !ok || !n.IsGood {
			continue
		}
		if isPrimary && !isPrimaryWorker(ctx, cl, srvPaths, shardID, n) {
			continue
		}
		reg.workerMap[shardID] = n
		// Re-arm a watch on the original (now-deleted) path so recover()
		// fires when that replica's node returns.
		_, _, _ = readNode(ctx, cl, paths, deletedReplicaID, shardID)
		return true, nil
	}

	delete(reg.workerMap, shardID)
	// Re-arm watch on the original path regardless of whether a replacement
	// was found, so a later recovery of the preferred replica is observed.
	_, _, _ = readNode(ctx, cl, paths, deletedReplicaID, shardID)
	return false, nil
}

// Recover handles a CREATED/DATA_CHANGED watch fire within the current
// replica: switch back to the current replica's node if the slot is
// currently filled by a foreign replica.
func Recover(
	ctx context.Context,
	cl *coord.Client,
	paths Paths,
	srvPaths ServersPaths,
	reg *WorkerRegistry,
	log *logger.Logger,
	curReplicaID, shardID uint32,
	isPrimary bool,
) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	n, ok, err := readNode(ctx, cl, paths, curReplicaID, shardID)
	if err != nil {
		return fmt.Errorf("recover: read current replica node for shard %d: %w", shardID, err)
	}
	if !ok || !n.IsGood {
		// Strict parse failed or node gone: leave the current binding
		// untouched.
		return nil
	}

	if byReplica := reg.roWorkerMap[shardID]; byReplica != nil {
		byReplica[curReplicaID] = n
	} else {
		reg.roWorkerMap[shardID] = map[uint32]topology.Sf1rNode{curReplicaID: n}
	}

	existing, hasExisting := reg.workerMap[shardID]
	if hasExisting && existing.ReplicaID == curReplicaID {
		reg.workerMap[shardID] = n
		return nil
	}

	if isPrimary && !isPrimaryWorker(ctx, cl, srvPaths, shardID, n) {
		return nil
	}

	reg.workerMap[shardID] = n
	return nil
}

// DetectReplicaSet reads the children of the topology root and returns the
// replica ids they name (directory entries of the form "Replica<N>"),
// arming a watch on the root so membership changes fire.
func DetectReplicaSet(ctx context.Context, cl *coord.Client, paths Paths) ([]uint32, error) {
	children, err := cl.GetChildren(ctx, paths.TopologyRoot(), true)
	if err != nil {
		return nil, fmt.Errorf("detect replica set: %w", err)
	}

	ids := make([]uint32, 0, len(children))
	for _, name := range children {
		if !strings.HasPrefix(name, "Replica") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(name, "Replica"), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func workerMapsEqual(a, b map[uint32]topology.Sf1rNode) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !nodeEqual(av, bv) {
			return false
		}
	}
	return true
}

func roWorkerMapsEqual(a, b map[uint32]map[uint32]topology.Sf1rNode) bool {
	if len(a) != len(b) {
		return false
	}
	for shardID, areplicas := range a {
		breplicas, ok := b[shardID]
		if !ok || len(areplicas) != len(breplicas) {
			return false
		}
		for rid, an := range areplicas {
			bn, ok := breplicas[rid]
			if !ok || !nodeEqual(an, bn) {
				return false
			}
		}
	}
	return true
}

func nodeEqual(a, b topology.Sf1rNode) bool {
	return a.NodeID == b.NodeID &&
		a.ReplicaID == b.ReplicaID &&
		a.Host == b.Host &&
		a.WorkerPort == b.WorkerPort &&
		a.IsGood == b.IsGood
}
