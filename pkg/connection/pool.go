// Package connection provides a thread-safe pool of gRPC client connections,
// one small pool per remote target. The orchestrator uses it to reach many
// participants without re-dialing on every call.
package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrPoolClosed = errors.New("connection pool closed")

// Factory creates a client connection to target.
type Factory func(target string) (*grpc.ClientConn, error)

// InsecureFactory dials without transport security. Extra options (for
// example a context dialer in tests) are appended.
func InsecureFactory(connectTimeout time.Duration, opts ...grpc.DialOption) Factory {
	return func(target string) (*grpc.ClientConn, error) {
		dialOpts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{MinConnectTimeout: connectTimeout}),
		}, opts...)
		return grpc.NewClient(target, dialOpts...)
	}
}

// TLSFactory dials with mutual TLS from tlsConf.
func TLSFactory(tlsConf *tls.Config, connectTimeout time.Duration, opts ...grpc.DialOption) Factory {
	return func(target string) (*grpc.ClientConn, error) {
		dialOpts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(credentials.NewTLS(tlsConf)),
			grpc.WithConnectParams(grpc.ConnectParams{MinConnectTimeout: connectTimeout}),
		}, opts...)
		return grpc.NewClient(target, dialOpts...)
	}
}

// targetPool holds up to maxSize connections to a single target and hands
// them out round-robin. gRPC connections multiplex, so a caller never
// returns a connection.
type targetPool struct {
	mu      sync.Mutex
	conns   []*grpc.ClientConn
	next    atomic.Uint64
	factory Factory
	maxSize int
	target  string
}

// ConnectionPoolManager manages one targetPool per remote target.
type ConnectionPoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*targetPool
	maxSize int
	factory Factory
	closed  bool
}

// NewConnectionPoolManager creates a new manager for connection pools.
// maxSize is the maximum number of connections per target.
func NewConnectionPoolManager(maxSize int, factory Factory) *ConnectionPoolManager {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &ConnectionPoolManager{
		pools:   make(map[string]*targetPool),
		maxSize: maxSize,
		factory: factory,
	}
}

// Get returns a connection to target, creating the pool on first use.
func (m *ConnectionPoolManager) Get(target string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[target]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if !ok {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		// Double-check after acquiring write lock
		pool, ok = m.pools[target]
		if !ok {
			pool = &targetPool{factory: m.factory, maxSize: m.maxSize, target: target}
			m.pools[target] = pool
		}
		m.mu.Unlock()
	}
	return pool.get()
}

// Size returns the number of open connections to target.
func (m *ConnectionPoolManager) Size(target string) int {
	m.mu.RLock()
	pool, ok := m.pools[target]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.conns)
}

// get grows the pool until maxSize, then rotates. A connection found shut
// down is replaced in place.
func (p *targetPool) get() (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) < p.maxSize {
		conn, err := p.factory(p.target)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", p.target, err)
		}
		p.conns = append(p.conns, conn)
		return conn, nil
	}

	idx := int(p.next.Add(1) % uint64(len(p.conns)))
	conn := p.conns[idx]
	if conn.GetState() == connectivity.Shutdown {
		fresh, err := p.factory(p.target)
		if err != nil {
			return nil, fmt.Errorf("redial %s: %w", p.target, err)
		}
		p.conns[idx] = fresh
		conn = fresh
	}
	return conn, nil
}

func (p *targetPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for _, conn := range p.conns {
		err = multierr.Append(err, conn.Close())
	}
	p.conns = nil
	return err
}

// Close shuts down every pool. Further Gets fail with ErrPoolClosed.
func (m *ConnectionPoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for _, pool := range m.pools {
		err = multierr.Append(err, pool.close())
	}
	m.pools = make(map[string]*targetPool)
	m.closed = true
	return err
}
