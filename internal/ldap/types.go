package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for LDAP connections.
type ConnectionConfig struct {
	// Connection settings
	Domain   string        // Domain for SRV discovery
	LDAPURLs []string      // Direct LDAP URLs (overrides domain)
	Timeout  time.Duration // Dial and per-request I/O timeout

	// Authentication settings
	Username       string // DN, UPN, or SAM format
	Password       string // Simple bind or Kerberos password
	KerberosRealm  string
	KerberosKeytab string
	KerberosConfig string // Path to krb5.conf
	KerberosCCache string // Path to a credential cache
	KerberosSPN    string // Overrides the ldap/<host> service principal

	// TLS settings
	TLSConfig          *tls.Config
	UseTLS             bool // Upgrade plain ldap:// connections with StartTLS
	SkipTLS            bool // Never upgrade (not recommended)
	TLSCACertFile      string
	TLSClientCertFile  string
	TLSClientKeyFile   string
	InsecureSkipVerify bool

	// Pool settings
	MaxConnections int
	MaxIdleTime    time.Duration
	HealthCheck    time.Duration
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:        30 * time.Second,
		UseTLS:         true,
		MaxConnections: 4,
		MaxIdleTime:    5 * time.Minute,
		HealthCheck:    30 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// BuildTLSConfig derives TLSConfig from the file-based TLS settings. The
// system roots are kept and the configured CA is appended to them.
func (c *ConnectionConfig) BuildTLSConfig() error {
	base := c.TLSConfig
	if base == nil {
		base = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := base.Clone()
	cfg.InsecureSkipVerify = c.InsecureSkipVerify //nolint:gosec // operator opt-in

	if c.TLSCACertFile != "" {
		pool, err := buildCertPool(c.TLSCACertFile)
		if err != nil {
			return err
		}
		cfg.RootCAs = pool
	}

	if c.TLSClientCertFile != "" || c.TLSClientKeyFile != "" {
		if c.TLSClientCertFile == "" || c.TLSClientKeyFile == "" {
			return errors.New("both tls_client_cert_file and tls_client_key_file must be set")
		}
		cert, err := tls.LoadX509KeyPair(c.TLSClientCertFile, c.TLSClientKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	c.TLSConfig = cfg
	return nil
}

func buildCertPool(caFile string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file %s: %w", caFile, err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no valid PEM certificates found in %s", caFile)
	}
	return pool, nil
}

// tlsConfigFor returns a per-server copy of the TLS config with ServerName
// set, so certificate verification works for connections dialled by IP or
// upgraded with StartTLS.
func (c *ConnectionConfig) tlsConfigFor(server *ServerInfo) *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" && server != nil {
		cfg.ServerName = server.Host
	}
	return cfg
}

// PooledConnection represents a connection in the pool.
type PooledConnection struct {
	conn          *ldap.Conn
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time
	serverInfo    *ServerInfo
	returnToPool  func(*PooledConnection)
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// ConnectionPool manages a pool of LDAP connections.
type ConnectionPool interface {
	Get(ctx context.Context) (*PooledConnection, error)
	Close() error
	Stats() PoolStats
	HealthCheck(ctx context.Context) error
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Idle    int
	Active  int64
	Created int64
	Errors  int64
	Uptime  time.Duration
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota
	AuthMethodKerberos
	AuthMethodExternal
)

func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the authentication method from the configuration.
// Kerberos takes precedence, then simple bind, then client certificates.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.KerberosCCache != "" || c.Username != "") {
		return AuthMethodKerberos
	}
	if c.Username != "" && c.Password != "" {
		return AuthMethodSimpleBind
	}
	if c.TLSClientCertFile != "" && c.TLSClientKeyFile != "" {
		return AuthMethodExternal
	}
	return AuthMethodSimpleBind
}

// HasAuthentication checks if any authentication method is configured.
func (c *ConnectionConfig) HasAuthentication() bool {
	hasPassword := c.Username != "" && c.Password != ""
	hasKerberos := c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.KerberosCCache != "" || c.Username != "")
	hasExternal := c.TLSClientCertFile != "" && c.TLSClientKeyFile != ""

	return hasPassword || hasKerberos || hasExternal
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
