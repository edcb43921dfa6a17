// Package taskpool serializes work per key while letting different keys
// run fully in parallel — the shape a master controller needs for
// coordination watch-fire handling, where two events for the same shard
// must never race each other but unrelated shards must never block on one
// another.
package taskpool

import (
	"context"
	"sync"
)

// Func is one unit of per-key work.
type Func func(ctx context.Context)

// lane is the serial worker backing one key: a buffered channel plus the
// goroutine draining it in submission order.
type lane struct {
	funcs  chan Func
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// laneBuffer bounds how many pending Funcs a single key may queue before
// Submit blocks the caller.
const laneBuffer = 100

// KeyedPool runs Funcs submitted under the same key one at a time, in
// submission order, while Funcs under different keys run concurrently.
// A lane is spun up lazily on a key's first Submit and keeps its goroutine,
// idle or not, until Stop; a lane is not torn down when its queue empties.
type KeyedPool struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewKeyedPool returns a ready KeyedPool.
func NewKeyedPool() *KeyedPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &KeyedPool{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start exists for interface parity with workerpool.Pool; KeyedPool has
// nothing to start ahead of time since lanes spin up on demand.
func (kp *KeyedPool) Start() {}

// Submit queues fn to run on key's lane, after every fn already submitted
// under that key. A fresh lane is created on the key's first Submit.
func (kp *KeyedPool) Submit(key string, fn Func) {
	kp.mu.Lock()
	if kp.stopped {
		kp.mu.Unlock()
		return
	}

	l, ok := kp.lanes[key]
	if !ok {
		laneCtx, laneCancel := context.WithCancel(kp.ctx)
		l = &lane{
			funcs:  make(chan Func, laneBuffer),
			ctx:    laneCtx,
			cancel: laneCancel,
			done:   make(chan struct{}),
		}
		kp.lanes[key] = l
		go kp.drain(key, l)
	}
	kp.mu.Unlock()

	select {
	case l.funcs <- fn:
	case <-l.ctx.Done():
	case <-kp.ctx.Done():
	}
}

// drain runs key's lane until its context is cancelled (only Stop cancels
// it), then removes the lane from the pool.
func (kp *KeyedPool) drain(key string, l *lane) {
	defer close(l.done)
	defer kp.evict(key)

	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.funcs:
			fn(l.ctx)
		}
	}
}

func (kp *KeyedPool) evict(key string) {
	kp.mu.Lock()
	delete(kp.lanes, key)
	kp.mu.Unlock()
}

// Stop cancels every lane and waits for its drain goroutine to return.
// Funcs still queued on a lane are dropped.
func (kp *KeyedPool) Stop() {
	kp.mu.Lock()
	kp.stopped = true
	lanes := make([]*lane, 0, len(kp.lanes))
	for _, l := range kp.lanes {
		lanes = append(lanes, l)
	}
	kp.mu.Unlock()

	kp.cancel()
	for _, l := range lanes {
		l.cancel()
		<-l.done
	}
}
