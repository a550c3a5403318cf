package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"

	"github.com/isometry/ad-dirsync/internal/logging"
)

// DefaultKrb5Config is used when no krb5.conf path is configured.
const DefaultKrb5Config = "/etc/krb5.conf"

// performKerberosAuth performs a GSSAPI bind on conn.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	resolved, err := prepareKerberosConfig(cfg)
	if err != nil {
		return err
	}

	gssapiClient, err := createGSSAPIClient(ctx, resolved)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(resolved, serverInfo)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKerberosConfig, err)
	}

	logging.SubsystemDebug(ctx, logging.SubsystemKerberos, "Performing GSSAPI bind", map[string]any{
		"spn":   spn,
		"realm": resolved.KerberosRealm,
	})

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// createGSSAPIClient creates a GSSAPI client for the resolved configuration.
// Priority order: explicit ccache, default ccache, explicit keytab, default
// keytab, password.
func createGSSAPIClient(ctx context.Context, cfg *ConnectionConfig) (ldap.GSSAPIClient, error) {
	krb5conf := cfg.KerberosConfig
	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("%w: krb5.conf not found at %s; create it or set kerberos_config. Example:\n%s",
			ErrKerberosConfig, krb5conf, generateExampleKrb5Conf(cfg))
	}

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		logging.SubsystemDebug(ctx, logging.SubsystemKerberos, "Using configured credential cache", map[string]any{
			"ccache": cfg.KerberosCCache,
		})
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if ccache := getDefaultCCachePath(); fileExists(ccache) {
		logging.SubsystemDebug(ctx, logging.SubsystemKerberos, "Using default credential cache", map[string]any{
			"ccache": ccache,
		})
		return gssapi.NewClientFromCCache(ccache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		logging.SubsystemDebug(ctx, logging.SubsystemKerberos, "Using configured keytab", map[string]any{
			"keytab":    cfg.KerberosKeytab,
			"principal": cfg.Username,
		})
		return gssapi.NewClientWithKeytab(cfg.Username, cfg.KerberosRealm, cfg.KerberosKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if keytab := getDefaultKeytabPath(); cfg.Username != "" && fileExists(keytab) {
		logging.SubsystemDebug(ctx, logging.SubsystemKerberos, "Using default keytab", map[string]any{
			"keytab":    keytab,
			"principal": cfg.Username,
		})
		return gssapi.NewClientWithKeytab(cfg.Username, cfg.KerberosRealm, keytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if cfg.Username != "" && cfg.Password != "" {
		logging.SubsystemDebug(ctx, logging.SubsystemKerberos, "Using password", map[string]any{
			"principal": cfg.Username,
		})
		return gssapi.NewClientWithPassword(cfg.Username, cfg.KerberosRealm, cfg.Password, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("%w: no suitable credentials found", ErrKerberosConfig)
}

// buildServicePrincipal returns KerberosSPN when set, or ldap/<host>.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	hostname := serverInfo.Host
	if colonPos := strings.Index(hostname, ":"); colonPos != -1 {
		hostname = hostname[:colonPos]
	}

	return "ldap/" + hostname, nil
}

// prepareKerberosConfig returns a copy of cfg with Kerberos defaults
// applied: the krb5.conf path, and the realm split off a user@REALM name.
// The shared config is never modified, since pooled connections bind
// concurrently.
func prepareKerberosConfig(cfg *ConnectionConfig) (*ConnectionConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration cannot be nil", ErrKerberosConfig)
	}

	resolved := *cfg
	if resolved.KerberosConfig == "" {
		resolved.KerberosConfig = DefaultKrb5Config
	}

	if resolved.KerberosRealm == "" {
		if user, realm, ok := strings.Cut(resolved.Username, "@"); ok && realm != "" {
			resolved.Username = user
			resolved.KerberosRealm = strings.ToUpper(realm)
		}
	}

	if resolved.KerberosRealm == "" {
		return nil, fmt.Errorf("%w: realm is required (set kerberos_realm or use user@REALM)", ErrKerberosConfig)
	}

	hasCCache := (resolved.KerberosCCache != "" && fileExists(resolved.KerberosCCache)) || fileExists(getDefaultCCachePath())
	if resolved.Username == "" && !hasCCache {
		return nil, fmt.Errorf("%w: username (principal) is required", ErrKerberosConfig)
	}

	hasKeytab := (resolved.KerberosKeytab != "" && fileExists(resolved.KerberosKeytab)) || fileExists(getDefaultKeytabPath())
	if !hasCCache && !hasKeytab && resolved.Password == "" {
		return nil, fmt.Errorf("%w: no credentials found: provide kerberos_ccache, kerberos_keytab or password", ErrKerberosConfig)
	}

	return &resolved, nil
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default keytab location.
func getDefaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}

// generateExampleKrb5Conf renders a minimal krb5.conf for error messages.
func generateExampleKrb5Conf(cfg *ConnectionConfig) string {
	realm := "YOUR.REALM.COM"
	if cfg != nil && cfg.KerberosRealm != "" {
		realm = cfg.KerberosRealm
	}
	domain := strings.ToLower(realm)

	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true

[realms]
    %[1]s = {
        kdc = dc.%[2]s:88
    }

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s`, realm, domain)
}
