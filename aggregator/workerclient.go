package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sf1r/sf1r-master/logger"
	"github.com/sf1r/sf1r-master/util/workerpool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxSetNodesWorkers caps how many connect/disconnect operations SetNodes
// runs concurrently, since a routing-table refresh can touch many worker
// addresses at once after a failover widens or narrows a shard's replica set.
const maxSetNodesWorkers = 8

const (
	initialRetryDelay = 1 * time.Second
	maxRetryDelay     = 30 * time.Second

	indexMethod = "/sf1r.Worker/Index"
)

// WorkerClient is the per-worker index RPC contract, owned here rather
// than by the external index-task collaborator since this repo owns the
// transport to live workers.
type WorkerClient interface {
	// Index invokes the worker's index RPC for collection with the number
	// of documents dispatched to it.
	Index(ctx context.Context, collection string, numDoc int64) error
	Close() error
}

// grpcWorkerClient calls the worker's Index method directly through
// grpc.ClientConn.Invoke, using structpb.Struct as the wire envelope so the
// request/response pair are real protobuf messages without requiring a
// project-local generated stub.
type grpcWorkerClient struct {
	conn *grpc.ClientConn
}

func dialWorker(address string) (*grpcWorkerClient, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", address, err)
	}
	return &grpcWorkerClient{conn: conn}, nil
}

func (c *grpcWorkerClient) Index(ctx context.Context, collection string, numDoc int64) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"collection": collection,
		"num_doc":    float64(numDoc),
	})
	if err != nil {
		return fmt.Errorf("build index request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, indexMethod, req, resp); err != nil {
		return fmt.Errorf("index RPC to %s: %w", c.conn.Target(), err)
	}
	return nil
}

func (c *grpcWorkerClient) Close() error {
	return c.conn.Close()
}

// pooledClient pairs a live WorkerClient with the address it serves, for
// WorkerClientPool's diff-and-reconnect bookkeeping.
type pooledClient struct {
	address string
	client  *grpcWorkerClient
}

// WorkerClientPool maintains gRPC connections to the live workers the
// aggregator binder's routing tables name, grounded in
// cluster/nodeconnections.go's connect-new/disconnect-removed SetNodes
// idiom, retargeted at worker addresses instead of cluster node addresses.
type WorkerClientPool struct {
	mu          sync.RWMutex
	connections map[string]*pooledClient
	retrying    map[string]context.CancelFunc
	log         *logger.Logger
}

// NewWorkerClientPool returns an empty pool.
func NewWorkerClientPool(log *logger.Logger) *WorkerClientPool {
	return &WorkerClientPool{
		connections: make(map[string]*pooledClient),
		retrying:    make(map[string]context.CancelFunc),
		log:         log,
	}
}

// SetNodes connects to every address in addresses not already connected,
// and disconnects from any currently-connected address absent from it.
func (p *WorkerClientPool) SetNodes(addresses []string) {
	desired := make(map[string]bool, len(addresses))
	for _, addr := range addresses {
		desired[addr] = true
	}

	p.mu.RLock()
	current := make(map[string]bool, len(p.connections))
	for addr := range p.connections {
		current[addr] = true
	}
	p.mu.RUnlock()

	var tasks []workerpool.Func
	for addr := range desired {
		if !current[addr] {
			addr := addr
			tasks = append(tasks, func(ctx context.Context) error {
				p.connect(addr)
				return nil
			})
		}
	}
	for addr := range current {
		if !desired[addr] {
			addr := addr
			tasks = append(tasks, func(ctx context.Context) error {
				p.disconnect(addr)
				return nil
			})
		}
	}
	if len(tasks) == 0 {
		return
	}

	numWorkers := len(tasks)
	if numWorkers > maxSetNodesWorkers {
		numWorkers = maxSetNodesWorkers
	}
	wp := workerpool.New(context.Background(), numWorkers)
	wp.Start()
	wp.SubmitAndWait(context.Background(), tasks)
	wp.Stop()
}

func (p *WorkerClientPool) connect(address string) {
	client, err := dialWorker(address)
	if err != nil {
		p.log.Errorf("connect to worker %s: %v, starting retry with backoff", address, err)
		p.retry(address)
		return
	}

	p.mu.Lock()
	p.connections[address] = &pooledClient{address: address, client: client}
	p.mu.Unlock()
	p.log.Infof("connected to worker %s", address)
}

func (p *WorkerClientPool) retry(address string) {
	p.mu.Lock()
	if _, already := p.retrying[address]; already {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.retrying[address] = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.retrying, address)
			p.mu.Unlock()
		}()

		delay := initialRetryDelay
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			client, err := dialWorker(address)
			if err == nil {
				p.mu.Lock()
				p.connections[address] = &pooledClient{address: address, client: client}
				p.mu.Unlock()
				p.log.Infof("connected to worker %s on retry", address)
				return
			}

			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}()
}

func (p *WorkerClientPool) disconnect(address string) {
	p.mu.Lock()
	if cancel, retrying := p.retrying[address]; retrying {
		cancel()
		delete(p.retrying, address)
	}
	pc, ok := p.connections[address]
	if ok {
		delete(p.connections, address)
	}
	p.mu.Unlock()

	if ok {
		if err := pc.client.Close(); err != nil {
			p.log.Errorf("close connection to worker %s: %v", address, err)
		}
		p.log.Infof("disconnected from worker %s", address)
	}
}

// Get returns the live client for address, if connected.
func (p *WorkerClientPool) Get(address string) (WorkerClient, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pc, ok := p.connections[address]
	if !ok {
		return nil, false
	}
	return pc.client, true
}

// Stop cancels all retries and closes every connection.
func (p *WorkerClientPool) Stop() {
	p.mu.Lock()
	for addr, cancel := range p.retrying {
		cancel()
		delete(p.retrying, addr)
	}
	conns := p.connections
	p.connections = make(map[string]*pooledClient)
	p.mu.Unlock()

	for addr, pc := range conns {
		if err := pc.client.Close(); err != nil {
			p.log.Errorf("close connection to worker %s: %v", addr, err)
		}
	}
}
