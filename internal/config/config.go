// Package config loads the ad-dirsync configuration file.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/isometry/ad-dirsync/internal/cookiestore"
	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/ldap"
)

// EnvPrefix prefixes environment overrides, e.g. AD_DIRSYNC_LDAP_PASSWORD.
const EnvPrefix = "AD_DIRSYNC"

// DefaultConfigName is searched for in the working directory and
// /etc/ad-dirsync when no file is given.
const DefaultConfigName = "ad-dirsync"

// Config is the whole configuration file.
type Config struct {
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" default:"info"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" default:"text"`

	LDAP  LDAP  `mapstructure:"ldap" yaml:"ldap"`
	Store Store `mapstructure:"store" yaml:"store"`
	Sink  Sink  `mapstructure:"sink" yaml:"sink"`

	// Sessions are decoded one by one so each gets its own defaults.
	Sessions []Session `mapstructure:"-" yaml:"sessions"`
}

// LDAP holds connection and authentication settings.
type LDAP struct {
	Domain   string   `mapstructure:"domain" yaml:"domain"`
	LDAPURLs []string `mapstructure:"ldap_urls" yaml:"ldap_urls"`

	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	KerberosRealm  string `mapstructure:"kerberos_realm" yaml:"kerberos_realm"`
	KerberosKeytab string `mapstructure:"kerberos_keytab" yaml:"kerberos_keytab"`
	KerberosConfig string `mapstructure:"kerberos_config" yaml:"kerberos_config"`
	KerberosCCache string `mapstructure:"kerberos_ccache" yaml:"kerberos_ccache"`
	KerberosSPN    string `mapstructure:"kerberos_spn" yaml:"kerberos_spn"`

	UseTLS             bool   `mapstructure:"use_tls" yaml:"use_tls" default:"true"`
	SkipTLS            bool   `mapstructure:"skip_tls" yaml:"skip_tls"`
	TLSCACertFile      string `mapstructure:"tls_ca_cert_file" yaml:"tls_ca_cert_file"`
	TLSClientCertFile  string `mapstructure:"tls_client_cert_file" yaml:"tls_client_cert_file"`
	TLSClientKeyFile   string `mapstructure:"tls_client_key_file" yaml:"tls_client_key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" default:"30s"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections" default:"4"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time" yaml:"max_idle_time" default:"5m"`
	HealthCheck    time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval" default:"30s"`
}

// Store selects the checkpoint store.
type Store struct {
	Driver string `mapstructure:"driver" yaml:"driver" default:"file"`
	Path   string `mapstructure:"path" yaml:"path" default:"/var/lib/ad-dirsync"`
}

// Sink selects where changes are written.
type Sink struct {
	// Path is a JSON lines file, or "-" for stdout.
	Path string `mapstructure:"path" yaml:"path" default:"-"`
	// Log also reports every delivered change through the logger.
	Log bool `mapstructure:"log" yaml:"log"`
}

// Session is one configured synchronisation stream.
type Session struct {
	ID           string   `mapstructure:"id" yaml:"id"`
	BaseDN       string   `mapstructure:"base_dn" yaml:"base_dn"`
	Filter       string   `mapstructure:"filter" yaml:"filter" default:"(objectClass=*)"`
	Attributes   []string `mapstructure:"attributes" yaml:"attributes"`
	Flags        []string `mapstructure:"flags" yaml:"flags"`
	MaxAttrCount int64    `mapstructure:"max_attr_count" yaml:"max_attr_count"`
	ShowDeleted  bool     `mapstructure:"show_deleted" yaml:"show_deleted" default:"true"`

	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" default:"1m"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout" default:"2m"`
	Backoff      Backoff       `mapstructure:"backoff" yaml:"backoff"`
}

// Backoff is the retry policy after failed polls.
type Backoff struct {
	Initial       time.Duration `mapstructure:"initial" yaml:"initial" default:"1s"`
	Max           time.Duration `mapstructure:"max" yaml:"max" default:"5m"`
	JitterPercent uint64        `mapstructure:"jitter_percent" yaml:"jitter_percent" default:"20"`
}

// sessionFlags maps configuration names to DirSync request flags.
var sessionFlags = map[string]int64{
	"object_security":    dirsync.FlagObjectSecurity,
	"ancestors_first":    dirsync.FlagAncestorsFirst,
	"public_data_only":   dirsync.FlagPublicDataOnly,
	"incremental_values": dirsync.FlagIncrementalValues,
}

// envKeys are bound explicitly so environment overrides apply even when the
// file omits the key.
var envKeys = []string{
	"log_level",
	"log_format",
	"ldap.domain",
	"ldap.ldap_urls",
	"ldap.username",
	"ldap.password",
	"ldap.kerberos_realm",
	"ldap.kerberos_keytab",
	"ldap.kerberos_config",
	"ldap.kerberos_ccache",
	"ldap.kerberos_spn",
	"ldap.use_tls",
	"ldap.skip_tls",
	"ldap.tls_ca_cert_file",
	"ldap.tls_client_cert_file",
	"ldap.tls_client_key_file",
	"ldap.insecure_skip_verify",
	"ldap.timeout",
	"ldap.max_connections",
	"store.driver",
	"store.path",
	"sink.path",
	"sink.log",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads the configuration at path. With an empty path the default
// locations are searched and a missing file is not an error. The result is
// validated.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ad-dirsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	raw := v.Get("sessions")
	if raw == nil {
		return cfg, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errors.New("decode config: sessions must be a list")
	}

	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("decode config: session %d must be a mapping", i)
		}

		s := Session{}
		if err := defaults.Set(&s); err != nil {
			return nil, fmt.Errorf("apply session defaults: %w", err)
		}
		sv := viper.New()
		if err := sv.MergeConfigMap(m); err != nil {
			return nil, fmt.Errorf("decode config: session %d: %w", i, err)
		}
		if err := sv.Unmarshal(&s); err != nil {
			return nil, fmt.Errorf("decode config: session %d: %w", i, err)
		}
		cfg.Sessions = append(cfg.Sessions, s)
	}
	return cfg, nil
}

// Validate checks every section and returns all problems found.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be one of trace, debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	errs = append(errs, c.LDAP.validate()...)
	errs = append(errs, c.Store.validate()...)

	if len(c.Sessions) == 0 {
		errs = append(errs, errors.New("at least one session must be configured"))
	}
	seen := make(map[string]bool, len(c.Sessions))
	for i, s := range c.Sessions {
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("session %d: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (l LDAP) validate() []error {
	var errs []error
	if l.Domain == "" && len(l.LDAPURLs) == 0 {
		errs = append(errs, errors.New("ldap: either domain or ldap_urls must be set"))
	}
	for _, u := range l.LDAPURLs {
		if _, err := ldap.ParseLDAPURL(u); err != nil {
			errs = append(errs, fmt.Errorf("ldap: %w", err))
		}
	}
	if l.Timeout <= 0 {
		errs = append(errs, errors.New("ldap: timeout must be positive"))
	}
	if l.MaxConnections < 1 || l.MaxConnections > ldap.MaxConnectionPoolLimit {
		errs = append(errs, fmt.Errorf("ldap: max_connections must be between 1 and %d", ldap.MaxConnectionPoolLimit))
	}
	if l.UseTLS && l.SkipTLS {
		errs = append(errs, errors.New("ldap: use_tls and skip_tls are mutually exclusive"))
	}
	return errs
}

func (s Store) validate() []error {
	switch s.Driver {
	case cookiestore.DriverFile, cookiestore.DriverSQLite:
		if s.Path == "" {
			return []error{fmt.Errorf("store: path is required for the %s driver", s.Driver)}
		}
	case cookiestore.DriverMemory:
	default:
		return []error{fmt.Errorf("store: unknown driver %q", s.Driver)}
	}
	return nil
}

func (s Session) validate() error {
	if !cookiestore.ValidSessionID(s.ID) {
		return fmt.Errorf("%w %q", cookiestore.ErrInvalidSessionID, s.ID)
	}
	if err := ldap.ValidateDNSyntax(s.BaseDN); err != nil {
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	if s.MaxAttrCount < 0 {
		return fmt.Errorf("session %s: max_attr_count cannot be negative", s.ID)
	}
	session, err := s.ToSession()
	if err != nil {
		return err
	}
	return session.Validate()
}

// ToSession converts the configured session for a cursor.
func (s Session) ToSession() (dirsync.Session, error) {
	var flags int64
	for _, name := range s.Flags {
		flag, ok := sessionFlags[strings.ToLower(name)]
		if !ok {
			return dirsync.Session{}, fmt.Errorf("session %s: unknown flag %q", s.ID, name)
		}
		flags |= flag
	}

	return dirsync.Session{
		ID:           s.ID,
		BaseDN:       s.BaseDN,
		Filter:       s.Filter,
		Attributes:   slices.Clone(s.Attributes),
		Flags:        flags,
		MaxAttrCount: s.MaxAttrCount,
		ShowDeleted:  s.ShowDeleted,
		PollInterval: s.PollInterval,
		PollTimeout:  s.PollTimeout,
		Backoff: dirsync.BackoffPolicy{
			Initial:       s.Backoff.Initial,
			Max:           s.Backoff.Max,
			JitterPercent: s.Backoff.JitterPercent,
		},
	}, nil
}

// Session returns the configured session with the given id.
func (c *Config) Session(id string) (Session, bool) {
	for _, s := range c.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return Session{}, false
}

// ToConnectionConfig builds the LDAP client configuration.
func (l LDAP) ToConnectionConfig() *ldap.ConnectionConfig {
	cfg := ldap.DefaultConfig()

	cfg.Domain = l.Domain
	cfg.LDAPURLs = slices.Clone(l.LDAPURLs)
	cfg.Timeout = l.Timeout

	cfg.Username = l.Username
	cfg.Password = l.Password
	cfg.KerberosRealm = l.KerberosRealm
	cfg.KerberosKeytab = l.KerberosKeytab
	cfg.KerberosConfig = l.KerberosConfig
	cfg.KerberosCCache = l.KerberosCCache
	cfg.KerberosSPN = l.KerberosSPN

	cfg.UseTLS = l.UseTLS
	cfg.SkipTLS = l.SkipTLS
	cfg.TLSCACertFile = l.TLSCACertFile
	cfg.TLSClientCertFile = l.TLSClientCertFile
	cfg.TLSClientKeyFile = l.TLSClientKeyFile
	cfg.InsecureSkipVerify = l.InsecureSkipVerify

	cfg.MaxConnections = l.MaxConnections
	cfg.MaxIdleTime = l.MaxIdleTime
	cfg.HealthCheck = l.HealthCheck
	return cfg
}

// Example renders the defaults together with one sample session.
func Example() ([]byte, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	cfg.LDAP.Domain = "example.com"
	cfg.LDAP.Username = "svc-sync@example.com"
	cfg.LDAP.LDAPURLs = []string{}

	session := Session{
		ID:         "users",
		BaseDN:     "DC=example,DC=com",
		Filter:     "(objectClass=user)",
		Attributes: []string{"sAMAccountName", "memberOf"},
		Flags:      []string{"object_security"},
	}
	if err := defaults.Set(&session); err != nil {
		return nil, err
	}
	cfg.Sessions = []Session{session}

	return yaml.Marshal(cfg)
}
