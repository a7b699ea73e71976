package smb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/specterops/dirhound/internal/credentials"
	"github.com/specterops/dirhound/internal/logger"
)

// ConnectionPool manages SMB sessions per host with connection reuse.
type ConnectionPool struct {
	maxConnectionsPerHost int
	port                  int
	timeout               time.Duration
	credentials           *credentials.Credentials
	log                   logger.LoggerInterface

	connections       map[string][]*Session
	activeConnections map[*Session]bool // sessions currently handed out
	mu                sync.Mutex
}

// NewConnectionPool creates a new ConnectionPool.
func NewConnectionPool(maxConnectionsPerHost int, timeout time.Duration, creds *credentials.Credentials, log logger.LoggerInterface) *ConnectionPool {
	if maxConnectionsPerHost <= 0 {
		maxConnectionsPerHost = 1
	}
	return &ConnectionPool{
		maxConnectionsPerHost: maxConnectionsPerHost,
		port:                  445,
		timeout:               timeout,
		credentials:           creds,
		log:                   log,
		connections:           make(map[string][]*Session),
		activeConnections:     make(map[*Session]bool),
	}
}

func poolKey(host string) string {
	return strings.ToUpper(host)
}

// GetConnection returns an idle session for host, or connects a new one.
func (p *ConnectionPool) GetConnection(ctx context.Context, host string) (*Session, error) {
	key := poolKey(host)

	p.mu.Lock()
	if conns := p.connections[key]; len(conns) > 0 {
		conn := conns[len(conns)-1]
		p.connections[key] = conns[:len(conns)-1]
		p.activeConnections[conn] = true
		p.mu.Unlock()

		if conn.Ping() {
			return conn, nil
		}
		p.mu.Lock()
		delete(p.activeConnections, conn)
		p.mu.Unlock()
		conn.Close()
	} else {
		p.mu.Unlock()
	}

	session := NewSession(host, p.port, p.timeout, p.credentials, p.log)

	// tracked before Connect so ForceCloseAll can interrupt a stuck handshake
	p.mu.Lock()
	p.activeConnections[session] = true
	p.mu.Unlock()

	if err := session.Connect(ctx); err != nil {
		p.mu.Lock()
		delete(p.activeConnections, session)
		p.mu.Unlock()
		return nil, err
	}
	return session, nil
}

// ReturnConnection hands a session back for reuse, closing it when the
// host already has enough idle sessions.
func (p *ConnectionPool) ReturnConnection(host string, conn *Session) {
	key := poolKey(host)

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.activeConnections, conn)
	if conn.IsConnected() && len(p.connections[key]) < p.maxConnectionsPerHost {
		p.connections[key] = append(p.connections[key], conn)
		return
	}
	conn.Close()
}

// Discard drops a session that failed mid-call.
func (p *ConnectionPool) Discard(conn *Session) {
	p.mu.Lock()
	delete(p.activeConnections, conn)
	p.mu.Unlock()
	conn.ForceClose()
}

// Release closes the idle sessions of one host.
func (p *ConnectionPool) Release(host string) {
	key := poolKey(host)

	p.mu.Lock()
	conns := p.connections[key]
	delete(p.connections, key)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// CloseAll closes all idle sessions.
func (p *ConnectionPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conns := range p.connections {
		for _, conn := range conns {
			conn.Close()
		}
	}
	p.connections = make(map[string][]*Session)
}

// ForceCloseAll closes every session, including those in use, interrupting
// blocked calls.
func (p *ConnectionPool) ForceCloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	activeCount := len(p.activeConnections)
	pooledCount := 0
	for _, conns := range p.connections {
		pooledCount += len(conns)
	}
	if activeCount > 0 || pooledCount > 0 {
		p.log.Debug(fmt.Sprintf("[FORCECLOSE] Closing %d active + %d pooled connections", activeCount, pooledCount))
	}

	for conn := range p.activeConnections {
		conn.ForceClose()
	}
	p.activeConnections = make(map[*Session]bool)

	for _, conns := range p.connections {
		for _, conn := range conns {
			conn.ForceClose()
		}
	}
	p.connections = make(map[string][]*Session)
}

// Counts returns the number of active and idle sessions.
func (p *ConnectionPool) Counts() (active, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.connections {
		idle += len(conns)
	}
	return len(p.activeConnections), idle
}
