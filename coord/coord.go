// Package coord wraps an etcd v3 client with the hierarchical,
// ephemeral-znode, watch-driven semantics the master controller is written
// against: create/read/write/delete/watch over slash-separated paths, with
// ephemeral and ephemeral-sequential creation flags and session
// CONNECTED/EXPIRED notifications. etcd has no native ZooKeeper-style
// fail-if-exists create, so Create synthesizes ALREADY_EXISTS with a
// transaction that only succeeds when the key's create revision is zero.
package coord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sf1r/sf1r-master/logger"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Flags controls how Create places a node.
type Flags uint8

const (
	// FlagEphemeral ties the node's lifetime to this client's session lease.
	FlagEphemeral Flags = 1 << iota
	// FlagSequential appends a monotonically increasing, lexicographically
	// ordered suffix to the requested path.
	FlagSequential
)

// EventType mirrors the ZooKeeper path-event taxonomy this wrapper emulates
// over etcd's PUT/DELETE watch stream.
type EventType int

const (
	EventCreated EventType = iota
	EventDeleted
	EventChildrenChanged
	EventDataChanged
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "CREATED"
	case EventDeleted:
		return "DELETED"
	case EventChildrenChanged:
		return "CHILDREN_CHANGED"
	case EventDataChanged:
		return "DATA_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered to the single registered EventCallback on watch fire.
type Event struct {
	Type EventType
	Path string
}

// SessionEventType distinguishes coordination-store connectivity changes.
type SessionEventType int

const (
	SessionConnected SessionEventType = iota
	SessionExpired
)

// SessionEvent is delivered to the single registered SessionCallback.
type SessionEvent struct {
	Type SessionEventType
}

// EventCallback receives every path-watch event. Each armed watch runs on
// its own goroutine and calls the callback directly from it, so calls for
// different watches may run concurrently and are not ordered with respect
// to each other.
type EventCallback func(Event)

// SessionCallback receives every session-level connectivity event.
type SessionCallback func(SessionEvent)

const (
	sessionLeaseTTLSeconds = 15
)

// Client is the coordination client wrapper used throughout this module.
type Client struct {
	logger *logger.Logger

	mu        sync.Mutex
	cli       *clientv3.Client
	session   *concurrency.Session
	eventCb   EventCallback
	sessionCb SessionCallback
	connected bool
}

// NewClient dials the coordination store at endpoints. The returned Client
// is not yet connected; call Start to establish the session lease and begin
// dispatching session events.
func NewClient(endpoints []string, name string) (*Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial coordination store: %w", err)
	}

	return &Client{
		logger: logger.NewLogger(name),
		cli:    cli,
	}, nil
}

// SetEventCallback registers the single callback for path-watch events.
// Must be called before Start.
func (c *Client) SetEventCallback(cb EventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventCb = cb
}

// SetSessionCallback registers the single callback for session events. Must
// be called before Start.
func (c *Client) SetSessionCallback(cb SessionCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCb = cb
}

// Start grants the lease backing this client's ephemeral nodes under ctx
// (so an unreachable store fails Start once ctx is done), wraps it in an
// etcd concurrency.Session that keeps it alive in the background, and
// begins watching for its expiry. Fires SessionConnected on success,
// grounded in cluster/leaderelection.go's use of concurrency.Session/Election
// to observe lease-backed liveness over etcd.
func (c *Client) Start(ctx context.Context) error {
	lease, err := c.cli.Grant(ctx, sessionLeaseTTLSeconds)
	if err != nil {
		return fmt.Errorf("open coordination session: %w", err)
	}
	session, err := concurrency.NewSession(c.cli, concurrency.WithTTL(sessionLeaseTTLSeconds), concurrency.WithLease(lease.ID), concurrency.WithContext(context.Background()))
	if err != nil {
		return fmt.Errorf("open coordination session: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.connected = true
	sessionCb := c.sessionCb
	c.mu.Unlock()

	go c.watchSessionExpiry(session)

	if sessionCb != nil {
		sessionCb(SessionEvent{Type: SessionConnected})
	}
	return nil
}

func (c *Client) watchSessionExpiry(session *concurrency.Session) {
	<-session.Done()

	c.mu.Lock()
	wasConnected := c.connected && c.session == session
	if c.session == session {
		c.connected = false
	}
	sessionCb := c.sessionCb
	c.mu.Unlock()

	if wasConnected && sessionCb != nil {
		sessionCb(SessionEvent{Type: SessionExpired})
	}
}

// Connected reports whether the session lease is currently believed live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LeaseID returns the session lease backing this client's ephemeral nodes.
func (c *Client) LeaseID() clientv3.LeaseID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0
	}
	return c.session.Lease()
}

// Close closes the coordination session (revoking its lease, per
// concurrency.Session.Close) and the underlying connection. Callers must
// never hold their own state lock while calling Close: pending watch
// callbacks and the session-expiry callback may themselves be blocked
// trying to acquire that same lock.
func (c *Client) Close() error {
	c.mu.Lock()
	session := c.session
	c.connected = false
	c.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	return c.cli.Close()
}

// ErrAlreadyExists is returned by Create when the path already has a
// value: a distinguished soft error, not a transport failure.
var ErrAlreadyExists = fmt.Errorf("coord: node already exists")

// ErrOwnershipMismatch is returned when a caller attempts to delete a node
// whose payload names a different owner.
var ErrOwnershipMismatch = fmt.Errorf("coord: ownership mismatch")

// ErrNotConnected is returned when an operation requires a live session.
var ErrNotConnected = fmt.Errorf("coord: not connected")

// Create places data at path, failing with ErrAlreadyExists if the key is
// already present. FlagEphemeral ties the key to this client's session
// lease; FlagSequential appends a monotonic suffix and returns the realized
// path.
func (c *Client) Create(ctx context.Context, path, data string, flags Flags) (string, error) {
	realPath := path
	var opts []clientv3.OpOption

	if flags&FlagEphemeral != 0 {
		leaseID := c.LeaseID()
		if leaseID == 0 {
			return "", ErrNotConnected
		}
		opts = append(opts, clientv3.WithLease(leaseID))
	}

	if flags&FlagSequential != 0 {
		realPath = path + sequenceSuffix()
		_, err := c.cli.Put(ctx, realPath, data, opts...)
		if err != nil {
			return "", fmt.Errorf("create sequential node %s: %w", path, err)
		}
		return realPath, nil
	}

	txn := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, data, opts...)).
		Else(clientv3.OpGet(path))

	resp, err := txn.Commit()
	if err != nil {
		return "", fmt.Errorf("create node %s: %w", path, err)
	}
	if !resp.Succeeded {
		return "", ErrAlreadyExists
	}
	return realPath, nil
}

// sequenceSuffix produces a monotonically increasing, lexicographically
// sortable suffix from the wall clock and a counter, standing in for
// ZooKeeper's server-assigned sequence number.
var (
	seqMu      sync.Mutex
	seqCounter int64
)

func sequenceSuffix() string {
	seqMu.Lock()
	defer seqMu.Unlock()
	seqCounter++
	return fmt.Sprintf("%020d%08d", time.Now().UnixNano(), seqCounter%1e8)
}

// Delete removes path unconditionally.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.cli.Delete(ctx, path)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", path, err)
	}
	return nil
}

// DeleteIfOwner deletes path only if its current payload's ownerKey field
// equals owner, returning ErrOwnershipMismatch otherwise. Absence of the
// node is treated as success, matching endWriteReq's "true iff absent or
// deleted" contract.
func (c *Client) DeleteIfOwner(ctx context.Context, path, ownerKey, owner string) error {
	data, err := c.GetData(ctx, path, false)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	kv := DecodeKV(data)
	got, _ := kv.Get(ownerKey)
	if got != owner {
		return ErrOwnershipMismatch
	}
	return c.Delete(ctx, path)
}

// ErrNotFound is returned by GetData when path has no value.
var ErrNotFound = fmt.Errorf("coord: node not found")

// Exists reports whether path currently has a value. When watch is true, a
// one-shot watch is armed on path: the next CREATED, DATA_CHANGED or
// DELETED event fires
// exactly once to the registered EventCallback, mirroring a ZooKeeper
// exists() watch.
func (c *Client) Exists(ctx context.Context, path string, watch bool) (bool, error) {
	resp, err := c.cli.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("exists check %s: %w", path, err)
	}

	if watch {
		c.armWatch(path, false)
	}
	return resp.Count > 0, nil
}

// GetData returns the value at path. When watch is true, a one-shot watch
// is armed for the next DATA_CHANGED or DELETED event on path.
func (c *Client) GetData(ctx context.Context, path string, watch bool) (string, error) {
	resp, err := c.cli.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("get data %s: %w", path, err)
	}

	if watch {
		c.armWatch(path, false)
	}

	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

// SetData overwrites the value at path, preserving any existing lease.
func (c *Client) SetData(ctx context.Context, path, data string) error {
	_, err := c.cli.Put(ctx, path, data, clientv3.WithIgnoreLease())
	if err != nil {
		return fmt.Errorf("set data %s: %w", path, err)
	}
	return nil
}

// GetChildren returns the immediate child names (one path segment below
// parent, without the parent prefix) under parent, ordered lexicographically
// (which is sequence order for sequential nodes, since the suffix is a
// fixed-width, zero-padded, monotonically increasing number). A descendant
// several levels below parent (e.g. parent/a/b) contributes only its first
// segment ("a"), mirroring a hierarchical store's direct-children listing
// rather than a flat key scan. When watch is true, a one-shot watch is
// armed for the next CHILDREN_CHANGED event on parent.
func (c *Client) GetChildren(ctx context.Context, parent string, watch bool) ([]string, error) {
	cleanParent := strings.TrimSuffix(parent, "/") + "/"
	resp, err := c.cli.Get(ctx, cleanParent, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("get children %s: %w", parent, err)
	}

	seen := make(map[string]bool, len(resp.Kvs))
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), cleanParent)
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		children = append(children, rest)
	}
	sort.Strings(children)

	if watch {
		c.armWatch(parent, true)
	}
	return children, nil
}

// armWatch starts a one-shot watch on path (or, if childrenWatch, on path's
// prefix) and delivers exactly one translated Event to the registered
// EventCallback before tearing itself down.
func (c *Client) armWatch(path string, childrenWatch bool) {
	c.mu.Lock()
	cb := c.eventCb
	c.mu.Unlock()
	if cb == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	var watchCh clientv3.WatchChan
	if childrenWatch {
		cleanParent := strings.TrimSuffix(path, "/") + "/"
		watchCh = c.cli.Watch(ctx, cleanParent, clientv3.WithPrefix())
	} else {
		watchCh = c.cli.Watch(ctx, path)
	}

	go func() {
		defer cancel()
		for resp := range watchCh {
			if resp.Err() != nil {
				c.logger.Errorf("watch error on %s: %v", path, resp.Err())
				return
			}
			for _, ev := range resp.Events {
				var evt Event
				if childrenWatch {
					evt = Event{Type: EventChildrenChanged, Path: path}
				} else {
					switch ev.Type {
					case clientv3.EventTypePut:
						if ev.IsCreate() {
							evt = Event{Type: EventCreated, Path: path}
						} else {
							evt = Event{Type: EventDataChanged, Path: path}
						}
					case clientv3.EventTypeDelete:
						evt = Event{Type: EventDeleted, Path: path}
					}
				}
				cb(evt)
				return
			}
		}
	}()
}
