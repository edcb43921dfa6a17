// Package writebroker implements the per-shard write-request broker: a
// request queue under the coordination store, a single-writer prepare
// znode gating the in-flight write, primary-master admission, and the
// cache-and-drain consume loop that hands fetched requests to a
// caller-supplied handler.
package writebroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sf1r/sf1r-master/coord"
	"github.com/sf1r/sf1r-master/logger"
	"github.com/sf1r/sf1r-master/metrics"
)

const (
	// MaxPayloadBytes is the documented soft cap; oversized payloads are
	// logged but still pushed rather than rejected.
	MaxPayloadBytes = 512 * 1024

	maxFetchBatch = 1000

	backpressureAsyncDelay        = 10 * time.Millisecond
	backpressureSyncDelay         = 500 * time.Millisecond
	backpressureHighWatermarkWait = 1 * time.Second
	highWatermarkThreshold        = 10000
)

// Paths builds the coordination-store paths this broker reads and writes:
// WriteReqQueue, WriteReqPrepare, and migrate_sharding.
type Paths struct {
	Prefix string
}

// QueueRoot is the parent of every shard's write-request queue.
func (p Paths) QueueRoot() string {
	return p.Prefix + "/WriteReqQueue"
}

// QueuePath is the per-shard request-queue parent.
func (p Paths) QueuePath(shardID uint32) string {
	return fmt.Sprintf("%s/%d", p.QueueRoot(), shardID)
}

// PreparePath is the singleton ephemeral write lock for shardID.
func (p Paths) PreparePath(shardID uint32) string {
	return fmt.Sprintf("%s/WriteReqPrepare/%d", p.Prefix, shardID)
}

// MigrationPreparePath is the cluster-level migration marker whose mere
// existence refuses new writes.
func (p Paths) MigrationPreparePath() string {
	return p.Prefix + "/migrate_sharding"
}

// Request is a dequeued write request, with its coordination path
// retained so PopWrite can delete it.
type Request struct {
	Path string
	Data string
	Type string
}

// Broker is the write-request broker for the shard this master owns. It
// also produces cross-shard fan-out writes (PushWriteToShards) for shards this
// process does not consume from.
type Broker struct {
	cl             *coord.Client
	paths          Paths
	ownShard       uint32
	masterRealPath string
	asyncMode      bool
	log            *logger.Logger

	// IsPrimary reports whether this master currently owns writes for
	// ownShard. IsReadyForNewWrite reports the caller-defined readiness
	// condition ("all primary workers of this shard are STARTED").
	// CanConsume gates the consume loop on controller state
	// (STARTED or STARTING_WAIT_WORKERS). OnRequestAvailable is invoked
	// with the cache non-empty; the handler is expected to call PopWrite as it
	// dispatches.
	IsPrimary          func() bool
	IsReadyForNewWrite func() bool
	CanConsume         func() bool
	OnRequestAvailable func() bool

	mu               sync.Mutex
	enabled          bool
	stopping         bool
	writePrepared    bool
	newWriteDisabled bool
	cache            []Request
	waitingNum       int
}

// New returns a Broker for ownShard. masterRealPath is this master's
// server znode path, the owner value written into the prepare payload.
func New(cl *coord.Client, paths Paths, ownShard uint32, masterRealPath string, asyncMode bool, log *logger.Logger) *Broker {
	return &Broker{
		cl:             cl,
		paths:          paths,
		ownShard:       ownShard,
		masterRealPath: masterRealPath,
		asyncMode:      asyncMode,
		log:            log,
		enabled:        true,
	}
}

// SetMasterRealPath updates the owner value written into future prepare
// payloads. The master controller calls this once its own server znode's
// realized sequential path is known, since that path is only assigned by
// the coordination store at registration time, after the broker is
// constructed and wired.
func (b *Broker) SetMasterRealPath(realPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.masterRealPath = realPath
}

// SetEnabled toggles the process-wide "distributed mode" flag. It is a
// Broker field rather than a package-level static so each shard's broker
// can be toggled independently.
func (b *Broker) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Stop marks the broker stopping; long-running loops and backpressure
// sleeps check this at their next yield point.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopping = true
}

// PrepareWrite creates the per-shard prepare ephemeral with a payload
// naming this master as owner. ErrAlreadyExists is a soft failure: another
// master holds the write lock, and a watch is armed so the caller is woken
// when it clears. AsyncMode bypasses the ephemeral entirely.
func (b *Broker) PrepareWrite(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.newWriteDisabled {
		b.mu.Unlock()
		return false, nil
	}
	if b.writePrepared {
		b.mu.Unlock()
		return true, nil
	}
	async := b.asyncMode
	b.mu.Unlock()

	if async {
		b.mu.Lock()
		b.writePrepared = true
		b.mu.Unlock()
		return true, nil
	}

	kv := coord.NewKV().Set(coord.KeyMasterServerRealPath, b.masterRealPath)
	_, err := b.cl.Create(ctx, b.paths.PreparePath(b.ownShard), kv.Encode(), coord.FlagEphemeral)
	if err == coord.ErrAlreadyExists {
		_, _ = b.cl.Exists(ctx, b.paths.PreparePath(b.ownShard), true)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("prepare write for shard %d: %w", b.ownShard, err)
	}

	b.mu.Lock()
	b.writePrepared = true
	b.mu.Unlock()
	return true, nil
}

// endWriteReq deletes the prepare node iff its payload names this master as
// owner. Absence or successful delete both count as success (true); a
// mismatch (another master owns the in-flight write) returns false and the
// node is left untouched.
func (b *Broker) endWriteReq(ctx context.Context) bool {
	err := b.cl.DeleteIfOwner(ctx, b.paths.PreparePath(b.ownShard), coord.KeyMasterServerRealPath, b.masterRealPath)
	if err == nil {
		b.mu.Lock()
		b.writePrepared = false
		b.mu.Unlock()
		return true
	}
	if err == coord.ErrOwnershipMismatch {
		return false
	}
	b.log.Warnf("end write request for shard %d: %v", b.ownShard, err)
	return false
}

// EndWriteReq is the exported form of endWriteReq for callers (e.g. the
// migration coordinator) that need to explicitly release the write lock.
func (b *Broker) EndWriteReq(ctx context.Context) bool {
	return b.endWriteReq(ctx)
}

// DisableNewWrite blocks future PrepareWrite calls, refusing if a write is
// already prepared. Idempotent: a second call with no prepare active has
// the same effect as the first.
func (b *Broker) DisableNewWrite() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writePrepared {
		return false
	}
	b.newWriteDisabled = true
	return true
}

// EnableNewWrite clears the block installed by DisableNewWrite. Idempotent.
func (b *Broker) EnableNewWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newWriteDisabled = false
}

// PushWrite enqueues an ephemeral-sequential write request onto this
// shard's queue.
func (b *Broker) PushWrite(ctx context.Context, data, reqType string) (bool, error) {
	ok, err := b.admitPush(ctx)
	if err != nil || !ok {
		return ok, err
	}

	b.warnIfOversized(len(data))
	b.applyBackpressure(ctx)

	kv := coord.NewKV().Set(coord.KeyReqType, reqType).Set(coord.KeyReqData, data)
	if _, err := b.cl.Create(ctx, b.paths.QueuePath(b.ownShard)+"/req", kv.Encode(), coord.FlagEphemeral|coord.FlagSequential); err != nil {
		return false, fmt.Errorf("push write to shard %d: %w", b.ownShard, err)
	}

	metrics.RecordWriteRequestPushed(b.ownShard, false, len(data))
	return true, nil
}

// PushWriteToShards writes one ephemeral-sequential child under each
// target shard's queue. forMigrate bypasses the migration-in-progress
// refusal; includeSelf controls whether ownShard is among the targets
// written.
func (b *Broker) PushWriteToShards(ctx context.Context, data, reqType string, shardIDs []uint32, forMigrate, includeSelf bool) (bool, error) {
	b.mu.Lock()
	enabled, stopping := b.enabled, b.stopping
	b.mu.Unlock()
	if !enabled || stopping || !b.cl.Connected() {
		return false, nil
	}

	if !forMigrate {
		migrating, err := b.cl.Exists(ctx, b.paths.MigrationPreparePath(), false)
		if err != nil {
			return false, fmt.Errorf("check migration state: %w", err)
		}
		if migrating {
			return false, nil
		}
	}

	b.warnIfOversized(len(data))

	kv := coord.NewKV().Set(coord.KeyReqType, reqType).Set(coord.KeyReqData, data)
	encoded := kv.Encode()

	for _, shardID := range shardIDs {
		if shardID == b.ownShard && !includeSelf {
			continue
		}
		if _, err := b.cl.Create(ctx, b.paths.QueuePath(shardID)+"/req", encoded, coord.FlagEphemeral|coord.FlagSequential); err != nil {
			return false, fmt.Errorf("push write to shard %d: %w", shardID, err)
		}
		metrics.RecordWriteRequestPushed(shardID, forMigrate, len(data))
	}
	return true, nil
}

func (b *Broker) admitPush(ctx context.Context) (bool, error) {
	b.mu.Lock()
	enabled, stopping := b.enabled, b.stopping
	b.mu.Unlock()
	if !enabled || stopping || !b.cl.Connected() {
		return false, nil
	}

	migrating, err := b.cl.Exists(ctx, b.paths.MigrationPreparePath(), false)
	if err != nil {
		return false, fmt.Errorf("check migration state: %w", err)
	}
	if migrating {
		return false, nil
	}

	return true, nil
}

func (b *Broker) warnIfOversized(size int) {
	if size > MaxPayloadBytes {
		b.log.Warnf("write request payload %d bytes exceeds %d byte soft cap for shard %d, pushing anyway", size, MaxPayloadBytes, b.ownShard)
	}
}

func (b *Broker) applyBackpressure(ctx context.Context) {
	b.mu.Lock()
	waiting := b.waitingNum
	async := b.asyncMode
	b.mu.Unlock()

	primary := b.IsPrimary != nil && b.IsPrimary()
	if !primary {
		delay := backpressureSyncDelay
		if async {
			delay = backpressureAsyncDelay
		}
		sleepOrCancel(ctx, delay)
	}
	if waiting > highWatermarkThreshold {
		sleepOrCancel(ctx, backpressureHighWatermarkWait)
	}
}

func sleepOrCancel(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// CheckForNewWrite implements the consume loop: invoked on any relevant
// watch fire (queue children changed, prepare deleted, worker set
// changed, readiness changed).
func (b *Broker) CheckForNewWrite(ctx context.Context) {
	primary := b.IsPrimary != nil && b.IsPrimary()
	if !primary {
		b.onNotPrimary(ctx)
		return
	}

	b.mu.Lock()
	canConsume := b.CanConsume == nil || b.CanConsume()
	alreadyPrepared := b.writePrepared
	b.mu.Unlock()

	ready := b.IsReadyForNewWrite == nil || b.IsReadyForNewWrite()
	if !canConsume || alreadyPrepared || !ready {
		return
	}

	if !b.endWriteReq(ctx) {
		// Another master still owns the in-flight write; re-arm and stop.
		_, _ = b.cl.Exists(ctx, b.paths.PreparePath(b.ownShard), true)
		return
	}

	b.mu.Lock()
	needsFill := len(b.cache) == 0
	b.mu.Unlock()

	if needsFill {
		if err := b.fillCache(ctx); err != nil {
			b.log.Warnf("check for new write on shard %d: fill cache: %v", b.ownShard, err)
			return
		}
	}

	b.mu.Lock()
	hasRequests := len(b.cache) > 0
	handler := b.OnRequestAvailable
	b.mu.Unlock()

	if !hasRequests {
		return
	}
	if handler == nil {
		return
	}

	if !handler() {
		b.mu.Lock()
		b.writePrepared = false
		b.mu.Unlock()
		b.endWriteReq(ctx)
		// Distinct from the non-primary path: the failure path re-arms a
		// watch on the queue parent, not the prepare node.
		_, _ = b.cl.GetChildren(ctx, b.paths.QueuePath(b.ownShard), true)
	}
}

// onNotPrimary silently drops consumption, arms watches on the prepare node
// and queue parent, and clears the local cache.
func (b *Broker) onNotPrimary(ctx context.Context) {
	b.mu.Lock()
	b.cache = nil
	b.writePrepared = false
	b.mu.Unlock()

	_, _ = b.cl.Exists(ctx, b.paths.PreparePath(b.ownShard), true)
	_, _ = b.cl.GetChildren(ctx, b.paths.QueuePath(b.ownShard), true)
}

// fillCache fetches up to 1000 children of the queue, ordered by sequence
// (GetChildren already returns lexicographic == sequence order), reads each
// child's payload, and replaces the in-memory cache. waitingNum is set to
// the count of children not pulled into this fetch.
//
// Held under mu for its entire body, spanning the etcd round trips: a
// fillCache that raced a concurrent PopWrite's delete without this could
// list the queue a moment before the delete commits and resurrect an
// already-claimed request into the fresh cache, dispatching it twice. mu is
// the same lock PopWrite's claim-and-delete holds for the identical reason,
// so the two can never interleave.
func (b *Broker) fillCache(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	children, err := b.cl.GetChildren(ctx, b.paths.QueuePath(b.ownShard), true)
	if err != nil {
		return fmt.Errorf("list write queue for shard %d: %w", b.ownShard, err)
	}

	limit := len(children)
	if limit > maxFetchBatch {
		limit = maxFetchBatch
	}

	reqs := make([]Request, 0, limit)
	for _, name := range children[:limit] {
		path := b.paths.QueuePath(b.ownShard) + "/" + name
		data, err := b.cl.GetData(ctx, path, false)
		if err != nil {
			b.log.Warnf("fill cache for shard %d: read %s: %v", b.ownShard, path, err)
			continue
		}
		kv := coord.DecodeKV(data)
		reqType, _ := kv.Get(coord.KeyReqType)
		reqData, _ := kv.Get(coord.KeyReqData)
		reqs = append(reqs, Request{Path: path, Data: reqData, Type: reqType})
	}

	waiting := len(children) - limit
	if waiting < 0 {
		waiting = 0
	}

	b.cache = reqs
	b.waitingNum = waiting

	metrics.SetWaitingRequests(b.ownShard, waiting)
	return nil
}

// PopWrite refills the cache if empty, returns the FIFO head, and deletes
// its znode. The claim (reading and slicing off the head) and the delete
// share one critical section with fillCache's mu (see fillCache), so no
// concurrent fillCache can observe the head as still live in etcd between
// this call claiming it and deleting it. A delete failure is tolerated
// while the client is still connected (the pop still succeeds); only a
// delete failure while disconnected aborts the pop.
func (b *Broker) PopWrite(ctx context.Context) (Request, bool, error) {
	b.mu.Lock()
	empty := len(b.cache) == 0
	b.mu.Unlock()

	if empty {
		if err := b.fillCache(ctx); err != nil {
			return Request{}, false, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.cache) == 0 {
		return Request{}, false, nil
	}
	head := b.cache[0]

	if err := b.cl.Delete(ctx, head.Path); err != nil {
		if !b.cl.Connected() {
			return Request{}, false, fmt.Errorf("pop write: delete %s while disconnected: %w", head.Path, err)
		}
		b.log.Warnf("pop write: delete %s failed, tolerating since still connected: %v", head.Path, err)
	}

	b.cache = b.cache[1:]
	metrics.RecordWriteRequestPopped(b.ownShard)
	return head, true, nil
}

// WaitingRequestNum returns the count of queue children not yet fetched
// into the cache as of the last fill.
func (b *Broker) WaitingRequestNum() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitingNum
}

// IsPrepared reports whether this master currently holds the write lock
// for its own shard.
func (b *Broker) IsPrepared() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writePrepared
}
