package ldap

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.True(t, config.UseTLS)
	assert.False(t, config.SkipTLS)
	assert.Equal(t, 4, config.MaxConnections)
	require.NotNil(t, config.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), config.TLSConfig.MinVersion)
	assert.False(t, config.TLSConfig.InsecureSkipVerify)
	assert.NoError(t, validateConfig(config))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ConnectionConfig)
		errMsg string
	}{
		{"zero connections", func(c *ConnectionConfig) { c.MaxConnections = 0 }, "MaxConnections must be positive"},
		{"too many connections", func(c *ConnectionConfig) { c.MaxConnections = MaxConnectionPoolLimit + 1 }, "MaxConnections too high"},
		{"zero idle time", func(c *ConnectionConfig) { c.MaxIdleTime = 0 }, "MaxIdleTime must be positive"},
		{"zero timeout", func(c *ConnectionConfig) { c.Timeout = 0 }, "timeout must be positive"},
		{"tls conflict", func(c *ConnectionConfig) { c.SkipTLS = true }, "mutually exclusive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := validateConfig(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConnectionPool_CreateWithURLs(t *testing.T) {
	config := DefaultConfig()
	config.HealthCheck = 0
	config.LDAPURLs = []string{"ldaps://dc1.example.com", "ldap://dc2.example.com:389"}

	pool, err := newConnectionPool(context.Background(), config, &SRVDiscovery{resolver: &fakeResolver{}})
	require.NoError(t, err)
	defer pool.Close()

	require.Len(t, pool.servers, 2)
	assert.Equal(t, "dc1.example.com", pool.servers[0].Host)
	assert.True(t, pool.servers[0].UseTLS)
	assert.Equal(t, "config", pool.servers[1].Source)
}

func TestConnectionPool_CreateWithDomain(t *testing.T) {
	config := DefaultConfig()
	config.HealthCheck = 0
	config.Domain = "example.com"

	pool, err := newConnectionPool(context.Background(), config, &SRVDiscovery{resolver: &fakeResolver{}})
	require.NoError(t, err)
	defer pool.Close()

	require.Len(t, pool.servers, 2)
	assert.Equal(t, "fallback", pool.servers[0].Source)
}

func TestConnectionPool_CreateErrors(t *testing.T) {
	_, err := newConnectionPool(context.Background(), &ConnectionConfig{}, NewSRVDiscovery())
	assert.ErrorContains(t, err, "invalid configuration")

	config := DefaultConfig()
	_, err = newConnectionPool(context.Background(), config, NewSRVDiscovery())
	assert.ErrorContains(t, err, "either domain or LDAP URLs must be specified")

	config.LDAPURLs = []string{"https://dc1.example.com"}
	_, err = newConnectionPool(context.Background(), config, NewSRVDiscovery())
	assert.ErrorContains(t, err, "invalid LDAP URL")
}

func TestConnectionPool_Lifecycle(t *testing.T) {
	config := DefaultConfig()
	config.HealthCheck = time.Hour
	config.LDAPURLs = []string{"ldaps://dc1.example.com"}

	pool, err := newConnectionPool(context.Background(), config, NewSRVDiscovery())
	require.NoError(t, err)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(0), stats.Created)

	require.NoError(t, pool.HealthCheck(context.Background()))

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err = pool.Get(context.Background())
	assert.ErrorContains(t, err, "connection pool is closed")
	assert.ErrorContains(t, pool.HealthCheck(context.Background()), "pool is closed")
}

func TestConnectionPool_GetCancelled(t *testing.T) {
	config := DefaultConfig()
	config.HealthCheck = 0
	config.LDAPURLs = []string{"ldaps://dc1.example.com"}

	pool, err := newConnectionPool(context.Background(), config, NewSRVDiscovery())
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNeedsReAuthentication(t *testing.T) {
	pool := &connectionPool{config: DefaultConfig()}

	assert.True(t, pool.needsReAuthentication(nil))
	assert.True(t, pool.needsReAuthentication(&PooledConnection{}))
	assert.False(t, pool.needsReAuthentication(&PooledConnection{authenticated: true, authTime: time.Now()}))
	assert.True(t, pool.needsReAuthentication(&PooledConnection{authenticated: true, authTime: time.Now().Add(-maxAuthAge - time.Second)}))
}

func TestPooledConnection_Methods(t *testing.T) {
	server := &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}
	returned := 0
	pc := &PooledConnection{
		healthy:      true,
		serverInfo:   server,
		lastUsed:     time.Unix(1700000000, 0),
		returnToPool: func(*PooledConnection) { returned++ },
	}

	assert.True(t, pc.IsHealthy())
	assert.Same(t, server, pc.ServerInfo())
	assert.Equal(t, time.Unix(1700000000, 0), pc.LastUsed())
	assert.Nil(t, pc.Conn())

	pc.Discard()
	assert.False(t, pc.IsHealthy())

	pc.Close()
	assert.Equal(t, 1, returned)
}

func TestConnectionConfig_GetAuthMethod(t *testing.T) {
	tests := []struct {
		name   string
		config ConnectionConfig
		want   AuthMethod
		hasAny bool
	}{
		{"none", ConnectionConfig{}, AuthMethodSimpleBind, false},
		{"simple", ConnectionConfig{Username: "svc@example.com", Password: "x"}, AuthMethodSimpleBind, true},
		{"kerberos keytab", ConnectionConfig{KerberosRealm: "EXAMPLE.COM", KerberosKeytab: "/k"}, AuthMethodKerberos, true},
		{"kerberos ccache", ConnectionConfig{KerberosRealm: "EXAMPLE.COM", KerberosCCache: "/c"}, AuthMethodKerberos, true},
		{"kerberos wins over simple", ConnectionConfig{KerberosRealm: "EXAMPLE.COM", Username: "svc", Password: "x"}, AuthMethodKerberos, true},
		{"external", ConnectionConfig{TLSClientCertFile: "/c.pem", TLSClientKeyFile: "/k.pem"}, AuthMethodExternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.GetAuthMethod())
			assert.Equal(t, tt.hasAny, tt.config.HasAuthentication())
		})
	}

	assert.Equal(t, "simple", AuthMethodSimpleBind.String())
	assert.Equal(t, "kerberos", AuthMethodKerberos.String())
	assert.Equal(t, "external", AuthMethodExternal.String())
	assert.Equal(t, "unknown", AuthMethod(99).String())
}

func TestConnectionError(t *testing.T) {
	cause := os.ErrDeadlineExceeded
	err := NewConnectionError("failed to connect", true, cause)

	assert.Equal(t, "failed to connect: "+cause.Error(), err.Error())
	assert.True(t, err.IsRetryable())
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Equal(t, "no cause", NewConnectionError("no cause", false, nil).Error())
}

// writeTestCert writes a self-signed certificate and its key as PEM files.
func writeTestCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ad-dirsync test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestBuildTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir)

	t.Run("defaults", func(t *testing.T) {
		config := DefaultConfig()
		original := config.TLSConfig
		require.NoError(t, config.BuildTLSConfig())
		assert.NotSame(t, original, config.TLSConfig)
		assert.Nil(t, config.TLSConfig.RootCAs)
		assert.Empty(t, config.TLSConfig.Certificates)
	})

	t.Run("ca and client certificate", func(t *testing.T) {
		config := DefaultConfig()
		config.TLSCACertFile = certFile
		config.TLSClientCertFile = certFile
		config.TLSClientKeyFile = keyFile
		config.InsecureSkipVerify = true

		require.NoError(t, config.BuildTLSConfig())
		assert.NotNil(t, config.TLSConfig.RootCAs)
		assert.Len(t, config.TLSConfig.Certificates, 1)
		assert.True(t, config.TLSConfig.InsecureSkipVerify)
		assert.Equal(t, uint16(tls.VersionTLS12), config.TLSConfig.MinVersion)
	})

	t.Run("nil base config", func(t *testing.T) {
		config := &ConnectionConfig{}
		require.NoError(t, config.BuildTLSConfig())
		assert.Equal(t, uint16(tls.VersionTLS12), config.TLSConfig.MinVersion)
	})

	t.Run("missing ca file", func(t *testing.T) {
		config := DefaultConfig()
		config.TLSCACertFile = filepath.Join(dir, "missing.pem")
		assert.ErrorContains(t, config.BuildTLSConfig(), "failed to read CA certificate file")
	})

	t.Run("invalid pem", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))

		config := DefaultConfig()
		config.TLSCACertFile = bad
		assert.ErrorContains(t, config.BuildTLSConfig(), "no valid PEM certificates")
	})

	t.Run("client cert without key", func(t *testing.T) {
		config := DefaultConfig()
		config.TLSClientCertFile = certFile
		assert.ErrorContains(t, config.BuildTLSConfig(), "must be set")
	})
}

func TestTLSConfigServerName(t *testing.T) {
	config := DefaultConfig()
	server := &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}

	cfg := config.tlsConfigFor(server)
	assert.Equal(t, "dc1.example.com", cfg.ServerName)
	assert.Empty(t, config.TLSConfig.ServerName, "shared config must not be modified")

	config.TLSConfig.ServerName = "ldap.example.com"
	assert.Equal(t, "ldap.example.com", config.tlsConfigFor(server).ServerName)

	assert.Equal(t, "dc2", (&ConnectionConfig{}).tlsConfigFor(&ServerInfo{Host: "dc2"}).ServerName)
}
