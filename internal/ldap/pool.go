package ldap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-dirsync/internal/logging"
)

const (
	// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
	// Each session holds at most one connection while polling, so this is
	// far above any realistic session count.
	MaxConnectionPoolLimit = 100

	// maxAuthAge is how long a bind is trusted before a pooled connection
	// is re-authenticated on checkout.
	maxAuthAge = 5 * time.Minute
)

// connectionPool implements ConnectionPool.
type connectionPool struct {
	ctx         context.Context // logging only
	config      *ConnectionConfig
	servers     []*ServerInfo
	connections chan *PooledConnection
	mu          sync.RWMutex
	closed      bool
	discovery   *SRVDiscovery

	activeConns  int64
	totalCreated int64
	totalErrors  int64
	startTime    time.Time

	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

// NewConnectionPool creates a connection pool. Servers are resolved once,
// from LDAPURLs when set and by SRV discovery otherwise; no connection is
// opened until the first Get.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig) (ConnectionPool, error) {
	return newConnectionPool(ctx, config, NewSRVDiscovery())
}

func newConnectionPool(ctx context.Context, config *ConnectionConfig, discovery *SRVDiscovery) (*connectionPool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool := &connectionPool{
		ctx:         ctx,
		config:      config,
		connections: make(chan *PooledConnection, config.MaxConnections),
		discovery:   discovery,
		startTime:   time.Now(),
		healthStop:  make(chan struct{}),
	}

	if err := pool.discoverServers(ctx); err != nil {
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	logging.LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"servers":         len(pool.servers),
		"max_connections": config.MaxConnections,
	})
	return pool, nil
}

func (p *connectionPool) discoverServers(ctx context.Context) error {
	var servers []*ServerInfo

	switch {
	case len(p.config.LDAPURLs) > 0:
		for _, u := range p.config.LDAPURLs {
			server, err := ParseLDAPURL(u)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", u, err)
			}
			servers = append(servers, server)
		}
	case p.config.Domain != "":
		ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()

		discovered, err := p.discovery.DiscoverServers(ctx, p.config.Domain)
		if err != nil {
			return err
		}
		servers = discovered
	default:
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()
	return nil
}

// Get returns an idle connection or dials a new one.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	for {
		select {
		case conn := <-p.connections:
			if !p.isConnectionHealthy(conn) {
				p.closeConnection(conn)
				continue
			}
			if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
				if err := p.authenticateConnection(ctx, conn); err != nil {
					p.closeConnection(conn)
					continue
				}
			}
			conn.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			logging.LogPoolEvent(ctx, "connection_acquired", map[string]any{
				"server": ServerInfoToURL(conn.serverInfo),
				"reused": true,
			})
			return conn, nil
		default:
			return p.createConnection(ctx)
		}
	}
}

// createConnection tries each server once, in order. Retrying is left to
// the caller's backoff.
func (p *connectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	servers := p.servers
	p.mu.RUnlock()

	var errs []error
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := p.createSingleConnection(ctx, server)
		if err != nil {
			atomic.AddInt64(&p.totalErrors, 1)
			logging.LogPoolEvent(ctx, "connection_failed", map[string]any{
				"server": ServerInfoToURL(server),
				"error":  err.Error(),
			})
			errs = append(errs, err)
			continue
		}

		atomic.AddInt64(&p.totalCreated, 1)
		atomic.AddInt64(&p.activeConns, 1)
		logging.LogPoolEvent(ctx, "connection_acquired", map[string]any{
			"server": ServerInfoToURL(server),
			"reused": false,
		})
		return conn, nil
	}

	logging.LogPoolEvent(ctx, "all_connections_failed", map[string]any{
		"servers": len(servers),
	})
	return nil, NewConnectionError("failed to connect to any server", true, errors.Join(errs...))
}

func (p *connectionPool) createSingleConnection(ctx context.Context, server *ServerInfo) (*PooledConnection, error) {
	ldapURL := ServerInfoToURL(server)
	tlsConfig := p.config.tlsConfigFor(server)
	dialer := &net.Dialer{Timeout: p.config.Timeout}

	var conn *ldap.Conn
	var err error

	if server.UseTLS {
		conn, err = ldap.DialURL(ldapURL, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfig))
	} else {
		conn, err = ldap.DialURL(ldapURL, ldap.DialWithDialer(dialer))
		if err == nil && p.config.UseTLS && !p.config.SkipTLS {
			if err = conn.StartTLS(tlsConfig); err != nil {
				conn.Close()
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ldapURL, err)
	}

	conn.SetTimeout(p.config.Timeout)

	pooledConn := &PooledConnection{
		conn:         conn,
		lastUsed:     time.Now(),
		healthy:      true,
		serverInfo:   server,
		returnToPool: p.returnConnection,
	}

	if p.config.HasAuthentication() {
		if err := p.authenticateConnection(ctx, pooledConn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to authenticate connection to %s: %w", ldapURL, err)
		}
	}

	logging.LogConnectionEvent(ctx, "connection_established", map[string]any{
		"server":      ldapURL,
		"auth_method": p.config.GetAuthMethod().String(),
	})
	return pooledConn, nil
}

func (p *connectionPool) authenticateConnection(ctx context.Context, pooledConn *PooledConnection) error {
	if pooledConn == nil || pooledConn.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	var err error
	switch method := p.config.GetAuthMethod(); method {
	case AuthMethodSimpleBind:
		if p.config.Username == "" {
			return fmt.Errorf("username is required for simple bind authentication")
		}
		err = pooledConn.conn.Bind(p.config.Username, p.config.Password)
	case AuthMethodKerberos:
		err = performKerberosAuth(ctx, pooledConn.conn, p.config, pooledConn.serverInfo)
	case AuthMethodExternal:
		err = pooledConn.conn.ExternalBind()
	default:
		return fmt.Errorf("unsupported authentication method: %s", method)
	}

	if err != nil {
		pooledConn.authenticated = false
		pooledConn.authTime = time.Time{}
		logging.LogConnectionEvent(ctx, "authentication_failed", map[string]any{
			"server": ServerInfoToURL(pooledConn.serverInfo),
			"error":  err.Error(),
		})
		return err
	}

	pooledConn.authenticated = true
	pooledConn.authTime = time.Now()
	return nil
}

func (p *connectionPool) needsReAuthentication(conn *PooledConnection) bool {
	if conn == nil || !conn.authenticated {
		return true
	}
	return time.Since(conn.authTime) > maxAuthAge
}

func (p *connectionPool) returnConnection(conn *PooledConnection) {
	if conn == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.isConnectionHealthy(conn) {
		p.closeConnection(conn)
		return
	}

	conn.lastUsed = time.Now()
	select {
	case p.connections <- conn:
		logging.LogPoolEvent(p.ctx, "connection_released", map[string]any{
			"server": ServerInfoToURL(conn.serverInfo),
		})
	default:
		p.closeConnection(conn)
	}
}

func (p *connectionPool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy {
		return false
	}
	if conn.conn.IsClosing() {
		return false
	}
	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	if p.config.HasAuthentication() && !conn.authenticated {
		return false
	}
	return true
}

func (p *connectionPool) closeConnection(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
		conn.healthy = false
		conn.authenticated = false
		conn.authTime = time.Time{}
	}
}

// Close closes all connections and shuts down the pool.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	for {
		select {
		case conn := <-p.connections:
			p.closeConnection(conn)
		default:
			return nil
		}
	}
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	return PoolStats{
		Idle:    len(p.connections),
		Active:  atomic.LoadInt64(&p.activeConns),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Uptime:  time.Since(p.startTime),
	}
}

// HealthCheck tests the idle connections now instead of waiting for the
// next tick.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return errors.New("pool is closed")
	}

	p.performHealthCheck(ctx)
	return nil
}

func (p *connectionPool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
				p.performHealthCheck(ctx)
				cancel()
			case <-p.healthStop:
				return
			}
		}
	})
}

// performHealthCheck checks up to three idle connections and returns the
// healthy ones to the pool.
func (p *connectionPool) performHealthCheck(ctx context.Context) {
	var toCheck []*PooledConnection

healthCheckLoop:
	for range 3 {
		select {
		case conn := <-p.connections:
			toCheck = append(toCheck, conn)
		default:
			break healthCheckLoop
		}
	}

	for _, conn := range toCheck {
		// returnConnection decrements the active count
		atomic.AddInt64(&p.activeConns, 1)
		if p.testConnection(ctx, conn) {
			p.returnConnection(conn)
			continue
		}
		logging.LogPoolEvent(ctx, "health_check_failed", map[string]any{
			"server": ServerInfoToURL(conn.serverInfo),
		})
		conn.healthy = false
		p.returnConnection(conn)
	}
}

// testConnection reads the root DSE, re-binding first when the bind is stale.
func (p *connectionPool) testConnection(ctx context.Context, conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil {
		return false
	}

	if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
		if err := p.authenticateConnection(ctx, conn); err != nil {
			return false
		}
	}

	if _, err := conn.conn.Search(rootDSERequest("defaultNamingContext")); err != nil {
		conn.authenticated = false
		conn.authTime = time.Time{}
		return false
	}
	return true
}

func rootDSERequest(attributes ...string) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		attributes,
		nil,
	)
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}
	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}
	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}
	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if config.UseTLS && config.SkipTLS {
		return errors.New("UseTLS and SkipTLS are mutually exclusive")
	}
	return nil
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

// Discard marks the connection broken so the pool closes it on return.
func (pc *PooledConnection) Discard() {
	pc.healthy = false
}

func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}

func (pc *PooledConnection) IsHealthy() bool {
	return pc.healthy
}

func (pc *PooledConnection) LastUsed() time.Time {
	return pc.lastUsed
}
