// Package connection provides a thread-safe TCP connection pool for AtomKV
// clients. Connections to each server address are reused across requests
// instead of being re-dialed per command.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn wraps a net.Conn with a reference back to its pool so the
// connection can be released with the usual Close call.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool. The underlying TCP connection
// stays open; use ForceClose to tear it down.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying TCP connection permanently without
// returning it to the pool.
func (c *PooledConn) ForceClose() error {
	return c.Conn.Close()
}

// hostPool manages the connections for a single server address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int
	address  string
}

// PoolManager manages one hostPool per server address.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*hostPool
	maxSize int
	timeout time.Duration
}

// NewPoolManager creates a connection pool manager. maxSize caps the open
// connections per address; timeout bounds dialing new connections.
func NewPoolManager(maxSize int, timeout time.Duration) *PoolManager {
	return &PoolManager{
		pools:   make(map[string]*hostPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get retrieves a connection for address, creating the pool on first use.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		// Re-check after acquiring the write lock.
		pool, ok = m.pools[address]
		if !ok {
			pool = &hostPool{
				conns: make(chan net.Conn, m.maxSize),
				factory: func() (net.Conn, error) {
					return net.DialTimeout("tcp", address, m.timeout)
				},
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.numConns < p.maxSize {
			conn, err := p.factory()
			if err != nil {
				return nil, fmt.Errorf("failed to dial %s: %w", p.address, err)
			}
			p.numConns++
			return conn, nil
		}
		// Pool exhausted; block until a connection is released.
		return <-p.conns, nil
	}
}

func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	select {
	case p.conns <- conn:
	default:
		p.mu.Lock()
		conn.Close()
		p.numConns--
		p.mu.Unlock()
	}
}

// Close shuts down all pools and their connections.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
