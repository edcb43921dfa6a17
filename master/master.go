// Package master implements the master controller state machine:
// replica/worker detection, watch-driven failover and recovery,
// primary-master visibility, and service-readiness publication. It wires
// coord, topology, and registry together and dispatches to the
// write-request broker and aggregator binder on every relevant change,
// following an explicit dependency graph rather than singletons.
package master

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sf1r/sf1r-master/aggregator"
	"github.com/sf1r/sf1r-master/coord"
	"github.com/sf1r/sf1r-master/logger"
	"github.com/sf1r/sf1r-master/metrics"
	"github.com/sf1r/sf1r-master/registry"
	"github.com/sf1r/sf1r-master/topology"
	"github.com/sf1r/sf1r-master/util/backoff"
	sf1rerrors "github.com/sf1r/sf1r-master/util/errors"
	"github.com/sf1r/sf1r-master/util/taskpool"
	"github.com/sf1r/sf1r-master/writebroker"
)

// State is one of the five master controller states.
type State int

const (
	StateInit State = iota
	StateWaitCoord
	StateStarting
	StateStartingWaitWorkers
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaitCoord:
		return "WAIT_COORD"
	case StateStarting:
		return "STARTING"
	case StateStartingWaitWorkers:
		return "STARTING_WAIT_WORKERS"
	case StateStarted:
		return "STARTED"
	default:
		return "UNKNOWN"
	}
}

const reconnectInitialDelay = 1 * time.Second
const reconnectMaxDelay = 30 * time.Second
const reconnectMultiplier = 2.0

// Controller is the master controller. A single mutex (mu) guards its
// mutable state (state, replicaIDList, selfRegPath, isMinePrimary,
// stopping, broker, binder); it is taken around each read and write of
// those fields rather than for the whole of a public method or event
// callback.
type Controller struct {
	cl       *coord.Client
	topo     *topology.Topology
	reg      *registry.WorkerRegistry
	regPaths registry.Paths
	srvPaths registry.ServersPaths
	log      *logger.Logger

	broker *writebroker.Broker
	binder *aggregator.Binder

	// events serializes coordination watch-fire handling per shard so that
	// failover/recovery for one shard never reorders against itself while
	// unrelated shards' events still run concurrently.
	events *taskpool.KeyedPool

	mu                 sync.Mutex
	state              State
	replicaIDList      []uint32
	selfRegPath        string
	isMinePrimary      bool
	stopping           bool
}

// New returns a Controller wired to cl/topo/reg. Call SetWriteBroker and
// SetBinder before Start if those collaborators are in use; both may be
// left nil (a controller with no broker still tracks worker liveness).
func New(cl *coord.Client, topo *topology.Topology, reg *registry.WorkerRegistry, regPaths registry.Paths, srvPaths registry.ServersPaths, log *logger.Logger) *Controller {
	c := &Controller{
		cl:       cl,
		topo:     topo,
		reg:      reg,
		regPaths: regPaths,
		srvPaths: srvPaths,
		log:      log,
		state:    StateInit,
		events:   taskpool.NewKeyedPool(),
	}
	cl.SetSessionCallback(c.handleSessionEvent)
	cl.SetEventCallback(c.handleCoordEvent)
	return c
}

// SetWriteBroker wires b's primary-gating and readiness callbacks to this
// controller and registers b to be woken on every relevant watch fire.
func (c *Controller) SetWriteBroker(b *writebroker.Broker) {
	b.IsPrimary = c.IsPrimary
	b.IsReadyForNewWrite = c.IsReadyForNewWrite
	b.CanConsume = c.CanConsume
	c.mu.Lock()
	c.broker = b
	c.mu.Unlock()
}

// SetBinder wires the aggregator binder to be rebuilt on every structural
// registry change.
func (c *Controller) SetBinder(b *aggregator.Binder) {
	c.mu.Lock()
	c.binder = b
	c.mu.Unlock()
}

// curShardID is the shard id this process's own node serves: Sf1rNode's
// NodeID doubles as the shard id it owns.
func (c *Controller) curShardID() uint32 {
	return c.topo.CurNode().NodeID
}

// State returns the controller's current state machine position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.SetMasterState(s.String())
}

// IsPrimary reports whether this master currently owns writes for its own
// shard: its registered server path is the first (lowest-sequence) child
// of the shard's servers subtree.
func (c *Controller) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isMinePrimary
}

// IsReadyForNewWrite reports the caller-defined readiness condition: the
// primary worker of this master's own shard is currently good. A separate
// per-node "started" tracking collapses onto the same liveness signal
// DetectWorkers already maintains, since this repo does not model a
// distinct per-node state enum for the worker process.
func (c *Controller) IsReadyForNewWrite() bool {
	n, ok := c.reg.Worker(c.curShardID())
	return ok && n.IsGood
}

// CanConsume reports whether the controller is in a state from which the
// write-request broker's consume loop may proceed.
func (c *Controller) CanConsume() bool {
	switch c.State() {
	case StateStarted, StateStartingWaitWorkers:
		return true
	default:
		return false
	}
}

// ReplicaIDList returns the last-detected replica id set.
func (c *Controller) ReplicaIDList() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.replicaIDList...)
}

// Start enables the controller, driving the INIT→STARTING (coordination
// reachable) or INIT→WAIT_COORD (unreachable) transition.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInit {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("master: start called from state %s, want INIT", state)
	}
	c.stopping = false
	c.mu.Unlock()

	c.events.Start()

	if err := c.cl.Start(ctx); err != nil {
		c.log.Warnf("start: coordination store unreachable, waiting: %v", err)
		c.setState(StateWaitCoord)
		return nil
	}

	c.setState(StateStarting)
	c.runStartupSequence(ctx)
	return nil
}

// Stop terminates the controller. It deletes the server znode, marks every
// long-running loop stopping, and returns to INIT. The caller is
// responsible for closing the coordination client outside of any lock it
// holds.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	c.stopping = true
	selfRegPath := c.selfRegPath
	c.selfRegPath = ""
	c.isMinePrimary = false
	c.mu.Unlock()

	if c.broker != nil {
		c.broker.Stop()
	}
	if selfRegPath != "" {
		if err := c.cl.Delete(ctx, selfRegPath); err != nil {
			c.log.Warnf("stop: delete server node %s: %v", selfRegPath, err)
		}
	}
	c.events.Stop()
	c.setState(StateInit)
}

// handleSessionEvent is the single SessionCallback registered with the
// coordination client.
func (c *Controller) handleSessionEvent(ev coord.SessionEvent) {
	ctx := context.Background()
	switch ev.Type {
	case coord.SessionConnected:
		if c.State() == StateWaitCoord {
			c.setState(StateStarting)
			c.runStartupSequence(ctx)
		}
	case coord.SessionExpired:
		c.mu.Lock()
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return
		}
		c.log.Warnf("coordination session expired, reconnecting")
		c.setState(StateInit)
		go c.reconnectLoop(ctx)
	}
}

// reconnectLoop retries cl.Start with exponential backoff after a session
// EXPIRED event, transitioning back to STARTING once the wrapper
// reconnects.
func (c *Controller) reconnectLoop(ctx context.Context) {
	b := backoff.New(reconnectInitialDelay, reconnectMaxDelay, reconnectMultiplier)
	for {
		c.mu.Lock()
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return
		}

		if err := c.cl.Start(ctx); err == nil {
			c.setState(StateStarting)
			c.runStartupSequence(ctx)
			return
		}

		if err := b.Wait(ctx); err != nil {
			return
		}
	}
}

// runStartupSequence re-registers this master's server node, re-evaluates
// primary status, and runs a full worker detection pass, the body shared
// by Start, the session-CONNECTED transition, and reconnectLoop.
func (c *Controller) runStartupSequence(ctx context.Context) {
	if err := c.registerServer(ctx); err != nil {
		if sf1rerrors.IsTimeout(err) {
			c.log.Warnf("register server node for shard %d timed out, will retry on next reconnect: %v", c.curShardID(), err)
		} else {
			c.log.Errorf("register server node for shard %d: %v", c.curShardID(), err)
		}
	}
	c.checkPrimary(ctx)
	c.redetectAndTransition(ctx)
}

// registerServer creates this master's ephemeral-sequential server node
// under its own shard's servers subtree: this path is what checkPrimary
// later compares against the subtree's lowest-sequence child.
func (c *Controller) registerServer(ctx context.Context) error {
	node := c.topo.CurNode()
	kv := coord.NewKV().
		Set(coord.KeyHost, node.Host).
		Set(coord.KeyMasterPort, strconv.Itoa(node.MasterPort)).
		Set(coord.KeyReplicaID, strconv.FormatUint(uint64(node.ReplicaID), 10))

	root := c.srvPaths.ShardRoot(c.curShardID())
	realPath, err := c.cl.Create(ctx, root+"/Server", kv.Encode(), coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		return fmt.Errorf("register server node: %w", err)
	}

	c.mu.Lock()
	c.selfRegPath = realPath
	broker := c.broker
	c.mu.Unlock()

	if broker != nil {
		broker.SetMasterRealPath(realPath)
	}
	return nil
}

// checkPrimary re-reads the shard's servers subtree (arming a watch so
// the next membership change fires) and updates isMinePrimary.
func (c *Controller) checkPrimary(ctx context.Context) {
	root := c.srvPaths.ShardRoot(c.curShardID())
	children, err := c.cl.GetChildren(ctx, root, true)
	if err != nil {
		c.log.Warnf("check primary: list %s: %v", root, err)
		return
	}

	c.mu.Lock()
	self := c.selfRegPath
	c.mu.Unlock()

	primary := isPrimaryAmong(root, self, children)

	c.mu.Lock()
	changed := c.isMinePrimary != primary
	c.isMinePrimary = primary
	c.mu.Unlock()

	if changed {
		c.log.Infof("primary status for shard %d is now %v", c.curShardID(), primary)
	}
}

// isPrimaryAmong is the pure primary-master comparison: selfPath is
// primary iff it equals the lexicographically (== sequence) first child of
// root among children.
func isPrimaryAmong(root, selfPath string, children []string) bool {
	if selfPath == "" || len(children) == 0 {
		return false
	}
	sorted := append([]string(nil), children...)
	sort.Strings(sorted)
	return root+"/"+sorted[0] == selfPath
}

// redetectAndTransition runs worker detection for every configured shard,
// applies the STARTING/STARTING_WAIT_WORKERS/STARTED transition, rebuilds
// the aggregator routing tables on structural change, and wakes the
// write-request broker.
func (c *Controller) redetectAndTransition(ctx context.Context) {
	replicaIDs, err := registry.DetectReplicaSet(ctx, c.cl, c.regPaths)
	if err != nil {
		c.log.Warnf("detect replica set: %v", err)
		replicaIDs = c.ReplicaIDList()
	}

	c.mu.Lock()
	c.replicaIDList = replicaIDs
	c.mu.Unlock()

	curReplicaID := c.topo.CurNode().ReplicaID
	shardIDs := c.topo.AllShardIDs()

	changed, err := registry.DetectWorkers(ctx, c.cl, c.regPaths, c.srvPaths, c.reg, c.log, curReplicaID, replicaIDs, shardIDs, c.IsPrimary())
	if err != nil {
		c.log.Warnf("detect workers: %v", err)
	}

	c.applyFillState(shardIDs)
	c.recordMetrics(shardIDs)

	if changed {
		c.rebind()
	}
	c.wakeBroker(ctx)
}

// applyFillState transitions STARTING/STARTING_WAIT_WORKERS/STARTED based
// on whether every shard in shardIDs is currently bound to a good worker.
// It is a no-op from INIT or WAIT_COORD: those transitions are driven by
// Start/session events, not detection passes.
func (c *Controller) applyFillState(shardIDs []uint32) {
	switch c.State() {
	case StateStarting, StateStartingWaitWorkers, StateStarted:
	default:
		return
	}

	workerMap := c.reg.WorkerMap()
	full := true
	for _, s := range shardIDs {
		n, ok := workerMap[s]
		if !ok || !n.IsGood {
			full = false
			break
		}
	}

	if full {
		c.setState(StateStarted)
	} else {
		c.setState(StateStartingWaitWorkers)
	}
}

func (c *Controller) rebind() {
	c.mu.Lock()
	binder := c.binder
	c.mu.Unlock()
	if binder != nil {
		binder.Rebind()
	}
}

func (c *Controller) wakeBroker(ctx context.Context) {
	c.mu.Lock()
	broker := c.broker
	c.mu.Unlock()
	if broker != nil && c.CanConsume() {
		broker.CheckForNewWrite(ctx)
	}
}

func (c *Controller) recordMetrics(shardIDs []uint32) {
	workerMap := c.reg.WorkerMap()
	roMap := c.reg.ROWorkerMap()
	for _, s := range shardIDs {
		n, ok := workerMap[s]
		metrics.RecordWorkerGood(s, ok && n.IsGood)

		live := 0
		for _, rn := range roMap[s] {
			if rn.IsGood {
				live++
			}
		}
		metrics.SetReplicasLive(s, live)
	}
}

// nodePathPattern extracts the replica and shard ids from a topology node
// path of the form "<root>/Replica<r>/Node<s>".
var nodePathPattern = regexp.MustCompile(`/Replica(\d+)/Node(\d+)$`)

func parseNodePath(topologyRoot, path string) (replicaID, shardID uint32, ok bool) {
	if !strings.HasPrefix(path, topologyRoot+"/Replica") {
		return 0, 0, false
	}
	m := nodePathPattern.FindStringSubmatch(path)
	if m == nil {
		return 0, 0, false
	}
	r, err1 := strconv.ParseUint(m[1], 10, 32)
	s, err2 := strconv.ParseUint(m[2], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(r), uint32(s), true
}

// handleCoordEvent is the single EventCallback registered with the
// coordination client, dispatching on the fired path to the replica-set
// detector, the per-node failover/recovery handlers, or the primary-status
// recheck.
func (c *Controller) handleCoordEvent(ev coord.Event) {
	topologyRoot := c.regPaths.TopologyRoot()

	switch {
	case ev.Path == topologyRoot:
		c.events.Submit("topology", func(ctx context.Context) {
			c.redetectAndTransition(ctx)
		})

	case strings.HasPrefix(ev.Path, topologyRoot+"/Replica"):
		replicaID, shardID, ok := parseNodePath(topologyRoot, ev.Path)
		if !ok {
			return
		}
		c.events.Submit(shardKey(shardID), func(ctx context.Context) {
			c.onNodeEvent(ctx, ev.Type, replicaID, shardID)
		})

	case strings.HasPrefix(ev.Path, c.srvPaths.Prefix+"/Servers/"):
		c.events.Submit(shardKey(c.curShardID()), func(ctx context.Context) {
			c.checkPrimary(ctx)
			c.wakeBroker(ctx)
		})
	}
}

// shardKey names a shard's event-serialization key in the taskpool.
func shardKey(shardID uint32) string {
	return fmt.Sprintf("shard-%d", shardID)
}

// onNodeEvent runs the Failover algorithm on a DELETED fire and the
// Recovery algorithm on a CREATED/DATA_CHANGED fire within the current
// replica, then rebinds the aggregator and wakes the broker.
func (c *Controller) onNodeEvent(ctx context.Context, evType coord.EventType, replicaID, shardID uint32) {
	curReplicaID := c.topo.CurNode().ReplicaID

	switch evType {
	case coord.EventDeleted:
		if _, err := registry.Failover(ctx, c.cl, c.regPaths, c.srvPaths, c.reg, c.log, replicaID, shardID, c.ReplicaIDList(), c.IsPrimary()); err != nil {
			c.log.Warnf("failover shard %d replica %d: %v", shardID, replicaID, err)
		}
	case coord.EventCreated, coord.EventDataChanged:
		if replicaID == curReplicaID {
			if err := registry.Recover(ctx, c.cl, c.regPaths, c.srvPaths, c.reg, c.log, curReplicaID, shardID, c.IsPrimary()); err != nil {
				c.log.Warnf("recover shard %d: %v", shardID, err)
			}
		}
	}

	c.applyFillState(c.topo.AllShardIDs())
	c.recordMetrics(c.topo.AllShardIDs())
	c.rebind()
	c.wakeBroker(ctx)
}

// ShardSnapshot is one shard's diagnostic view: the bound primary worker
// (nil if unfilled) and every live replica, for operational inspection.
type ShardSnapshot struct {
	ShardID  uint32
	Primary  *topology.Sf1rNode
	Replicas []topology.Sf1rNode
}

// Snapshot returns a read-only per-shard dump of primary/replica assignment
// and busy state, for operational inspection. It never mutates registry or
// controller state.
func (c *Controller) Snapshot() []ShardSnapshot {
	workerMap := c.reg.WorkerMap()
	roMap := c.reg.ROWorkerMap()

	shardIDs := c.topo.AllShardIDs()
	sort.Slice(shardIDs, func(i, j int) bool { return shardIDs[i] < shardIDs[j] })

	out := make([]ShardSnapshot, 0, len(shardIDs))
	for _, s := range shardIDs {
		snap := ShardSnapshot{ShardID: s}
		if n, ok := workerMap[s]; ok {
			nn := n
			snap.Primary = &nn
		}
		for _, n := range roMap[s] {
			snap.Replicas = append(snap.Replicas, n)
		}
		sort.Slice(snap.Replicas, func(i, j int) bool {
			return snap.Replicas[i].ReplicaID < snap.Replicas[j].ReplicaID
		})
		out = append(out, snap)
	}
	return out
}
