// Package pool implements the connection pool described in
// SPEC_FULL.md section 4.3: one logical TCP connection per remote node,
// guarded by a per-node mutex so at most one in-flight request exists
// per node at a time.
package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/vmshard/dsm-uffd/internal/protocol"
)

const (
	dialTimeout     = 2 * time.Second
	ioTimeout       = 2 * time.Second
	lingerTimeout   = 0
	socketBufBytes  = 4 << 20
	keepAliveIdle   = 5 * time.Second
	keepAliveIntvl  = 2 * time.Second
	keepAliveProbes = 3

	// recentlyUnreachableTTL matches the server's own stall bound
	// (spec section 4.7) so the client- and server-side timeouts
	// settle together.
	recentlyUnreachableTTL = 5 * time.Second
)

// node is one slot of the pool: a socket (or none) and the mutex that
// serialises access to it. Per the invariant in spec section 3: at most
// one worker holds node.mu, and only the holder may read, write, or
// close node.conn.
type node struct {
	index int
	addr  string

	mu   sync.Mutex
	conn net.Conn
}

// Pool is the fixed-size, per-node connection pool.
type Pool struct {
	nodes []*node
	port  uint16
	log   *zap.Logger

	unreachable *ttlcache.Cache[int, struct{}]
}

// New builds a pool with one slot per address in addrs, in order —
// addrs[i] becomes node index i, and Owner() in the protocol package
// maps a page to one of these indices. Dials the spec's fixed port
// (protocol.Port).
func New(addrs []string, log *zap.Logger) *Pool {
	return NewWithPort(addrs, protocol.Port, log)
}

// NewWithPort is New with an overridable port, for tests that cannot
// bind the fixed spec port.
func NewWithPort(addrs []string, port uint16, log *zap.Logger) *Pool {
	nodes := make([]*node, len(addrs))
	for i, a := range addrs {
		nodes[i] = &node{index: i, addr: a}
	}

	cache := ttlcache.New[int, struct{}](
		ttlcache.WithTTL[int, struct{}](recentlyUnreachableTTL),
	)
	go cache.Start()

	return &Pool{nodes: nodes, port: port, log: log, unreachable: cache}
}

// NodeCount returns the fixed number of node slots, which is NODE_COUNT
// for the process lifetime per spec section 6.
func (p *Pool) NodeCount() int {
	return len(p.nodes)
}

// Close stops background bookkeeping and closes any open connections.
func (p *Pool) Close() {
	p.unreachable.Stop()

	for _, n := range p.nodes {
		n.mu.Lock()
		if n.conn != nil {
			_ = n.conn.Close()
			n.conn = nil
		}
		n.mu.Unlock()
	}
}

// RecentlyUnreachable reports whether nodeIdx exhausted its retry budget
// within the last recentlyUnreachableTTL, per SPEC_FULL.md section 4.3's
// fast-fail extension. Checked by the worker before entering the retry
// ladder, never while holding any node mutex.
func (p *Pool) RecentlyUnreachable(nodeIdx int) bool {
	return p.unreachable.Get(nodeIdx) != nil
}

// MarkUnreachable records that nodeIdx just exhausted its retry budget.
func (p *Pool) MarkUnreachable(nodeIdx int) {
	p.unreachable.Set(nodeIdx, struct{}{}, ttlcache.DefaultTTL)
}

// Acquire implements get_or_connect_locked (spec section 4.3):
//  1. lock node.mutex
//  2. if node.conn is valid, return it, still holding the mutex
//  3. otherwise dial a new connection with the spec's socket tuning
//  4. on success, store it, return it holding the mutex
//  5. on failure, release the mutex and return an error
//
// Callers that get a nil error hold the node's mutex and must call
// exactly one of ReleaseOK or ReleaseBad.
func (p *Pool) Acquire(ctx context.Context, nodeIdx int) (net.Conn, error) {
	n := p.nodes[nodeIdx]
	n.mu.Lock()

	if n.conn != nil {
		return n.conn, nil
	}

	conn, err := dial(ctx, n.addr, p.port)
	if err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("pool: dial node %d (%s): %w", nodeIdx, n.addr, err)
	}

	n.conn = conn
	return conn, nil
}

// ReleaseOK releases nodeIdx's mutex without touching its connection —
// used after a fully successful request/response cycle.
func (p *Pool) ReleaseOK(nodeIdx int) {
	p.nodes[nodeIdx].mu.Unlock()
}

// ReleaseBad closes and clears nodeIdx's connection, then releases its
// mutex — used whenever a send or receive fails (spec section 4.4 steps
// 5-6), so the next fault to this node dials fresh.
func (p *Pool) ReleaseBad(nodeIdx int) {
	n := p.nodes[nodeIdx]
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	n.mu.Unlock()
}

func dial(ctx context.Context, addr string, port uint16) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}

	target := fmt.Sprintf("%s:%d", addr, port)
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}

	if err := tune(tcpConn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return tcpConn, nil
}

// tune applies the spec section 4.3 socket configuration using the
// standard library's net.TCPConn knobs, the idiomatic Go equivalent of
// the raw setsockopt calls the spec describes (TCP_NODELAY, SO_LINGER,
// SO_RCVBUF/SO_SNDBUF, keepalive idle/interval/probe-count).
func tune(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return fmt.Errorf("set nodelay: %w", err)
	}

	if err := conn.SetReadBuffer(socketBufBytes); err != nil {
		return fmt.Errorf("set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(socketBufBytes); err != nil {
		return fmt.Errorf("set write buffer: %w", err)
	}

	// SO_LINGER timeout 0: connection-reset teardown, to avoid
	// TIME_WAIT exhaustion under churn (spec section 4.3).
	if err := conn.SetLinger(lingerTimeout); err != nil {
		return fmt.Errorf("set linger: %w", err)
	}

	if err := conn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepAliveIdle,
		Interval: keepAliveIntvl,
		Count:    keepAliveProbes,
	}); err != nil {
		return fmt.Errorf("set keepalive: %w", err)
	}

	return nil
}

// SetIOTimeouts applies the 2s send/receive deadline the spec requires
// bound a single RPC attempt (section 4.3's SO_RCVTIMEO/SO_SNDTIMEO,
// expressed idiomatically as a Go deadline).
func SetIOTimeouts(conn net.Conn) error {
	return conn.SetDeadline(time.Now().Add(ioTimeout))
}
