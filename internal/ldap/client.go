package ldap

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/logging"
)

// ControlTypeShowDeleted is LDAP_SERVER_SHOW_DELETED_OID.
const ControlTypeShowDeleted = "1.2.840.113556.1.4.417"

// searchBufferSize is how many results go-ldap may queue ahead of the
// entry handler.
const searchBufferSize = 64

// conn is the part of *ldap.Conn the client uses.
type conn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SearchAsync(ctx context.Context, req *ldap.SearchRequest, bufferSize int) ldap.Response
	WhoAmI(controls []ldap.Control) (*ldap.WhoAmIResult, error)
}

// lease is a checked-out connection. release must be called exactly once;
// broken tells the pool not to reuse the connection.
type lease struct {
	conn    conn
	release func(broken bool)
}

// Client runs DirSync searches and directory introspection over a pool.
// It implements dirsync.Directory and is safe for concurrent sessions.
type Client struct {
	config  *ConnectionConfig
	pool    ConnectionPool
	acquire func(ctx context.Context) (*lease, error)
}

var _ dirsync.Directory = (*Client)(nil)

// NewClient builds the TLS configuration and creates the connection pool.
func NewClient(ctx context.Context, config *ConnectionConfig) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.BuildTLSConfig(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config: config,
		pool:   pool,
	}
	c.acquire = c.acquireFromPool
	return c, nil
}

func (c *Client) acquireFromPool(ctx context.Context) (*lease, error) {
	pc, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &lease{
		conn: pc.Conn(),
		release: func(broken bool) {
			if broken {
				pc.Discard()
			}
			pc.Close()
		},
	}, nil
}

// Close shuts down the pool.
func (c *Client) Close() error {
	if c.pool == nil {
		return nil
	}
	return c.pool.Close()
}

// Stats returns pool statistics.
func (c *Client) Stats() PoolStats {
	if c.pool == nil {
		return PoolStats{}
	}
	return c.pool.Stats()
}

// Search runs one DirSync search. It attaches a single DirSync request
// control carrying req.Cookie (plus show-deleted when asked), streams
// entries to onEntry, and reads the next cookie from the DirSync response
// control. The whole naming context subtree is searched.
func (c *Client) Search(ctx context.Context, req dirsync.SearchRequest, onEntry func(dirsync.Entry)) (dirsync.SearchResult, error) {
	var result dirsync.SearchResult
	cookiePresented := !req.Cookie.IsEmpty()
	start := time.Now()

	l, err := c.acquire(ctx)
	if err != nil {
		// bind failures say nothing about the cookie
		return result, Classify(WrapError("connect", contextErr(ctx, err)), false)
	}

	controls := []ldap.Control{
		ldap.NewRequestControlDirSync(req.Flags, req.MaxAttrCount, req.Cookie),
	}
	if req.ShowDeleted {
		controls = append(controls, ldap.NewControlString(ControlTypeShowDeleted, true, ""))
	}

	searchReq := ldap.NewSearchRequest(
		req.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		req.Filter,
		req.Attributes,
		controls,
	)

	logging.SubsystemDebug(ctx, logging.SubsystemLDAP, "Starting DirSync search", map[string]any{
		"base_dn":          req.BaseDN,
		"filter":           req.Filter,
		"flags":            fmt.Sprintf("%#x", req.Flags),
		"cookie_presented": cookiePresented,
		"show_deleted":     req.ShowDeleted,
	})

	resp := l.conn.SearchAsync(ctx, searchReq, searchBufferSize)

	var respControls []ldap.Control
	for resp.Next() {
		if ctrls := resp.Controls(); len(ctrls) > 0 {
			respControls = ctrls
		}
		entry := resp.Entry()
		if entry == nil {
			continue
		}
		onEntry(convertEntry(ctx, entry))
		result.Entries++
	}

	if err := resp.Err(); err != nil {
		l.release(IsRetryableError(err))
		err = contextErr(ctx, err)
		logging.LogLDAPError(ctx, logging.SubsystemLDAP, "dirsync", err, map[string]any{
			"base_dn":          req.BaseDN,
			"entries":          result.Entries,
			"cookie_presented": cookiePresented,
		})
		return result, Classify(WrapError("dirsync", err), cookiePresented)
	}
	l.release(false)

	if ctrls := resp.Controls(); len(ctrls) > 0 {
		respControls = ctrls
	}

	switch ctrl := ldap.FindControl(respControls, ldap.ControlTypeDirSync).(type) {
	case *ldap.ControlDirSync:
		result.Cookie = dirsync.Cookie(slices.Clone(ctrl.Cookie))
		result.MoreData = ctrl.Flags != 0
	case nil:
		logging.SubsystemWarn(ctx, logging.SubsystemLDAP, "DirSync response carried no sync control", map[string]any{
			"base_dn": req.BaseDN,
		})
	default:
		logging.SubsystemWarn(ctx, logging.SubsystemLDAP, "Undecodable DirSync response control", map[string]any{
			"base_dn": req.BaseDN,
			"type":    fmt.Sprintf("%T", ctrl),
		})
	}

	logging.LogPerformance(ctx, logging.SubsystemLDAP, "dirsync", time.Since(start), map[string]any{
		"base_dn":   req.BaseDN,
		"entries":   result.Entries,
		"more_data": result.MoreData,
	})
	return result, nil
}

// contextErr attaches the context's error so cancellation stays visible to
// errors.Is after go-ldap has wrapped it.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// Ping reads the root DSE to test connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.rootDSE(ctx, "defaultNamingContext")
	return err
}

func (c *Client) rootDSE(ctx context.Context, attributes ...string) (*ldap.Entry, error) {
	l, err := c.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	result, err := l.conn.Search(rootDSERequest(attributes...))
	l.release(err != nil && IsRetryableError(err))
	if err != nil {
		return nil, WrapError("root DSE search", err)
	}
	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("no root DSE found")
	}
	return result.Entries[0], nil
}

// RootDSE is the subset of root DSE attributes relevant to synchronisation.
type RootDSE struct {
	DNSHostName                string
	DefaultNamingContext       string
	ConfigurationNamingContext string
	RootDomainNamingContext    string
	HighestCommittedUSN        string
	DomainFunctionality        string
	SupportedLDAPVersions      []string
	SupportedControls          []string
	SupportedSASLMechanisms    []string
}

// SupportsDirSync reports whether the server advertises the DirSync control.
func (r *RootDSE) SupportsDirSync() bool {
	return slices.Contains(r.SupportedControls, ldap.ControlTypeDirSync)
}

// GetServerInfo reads the root DSE.
func (c *Client) GetServerInfo(ctx context.Context) (*RootDSE, error) {
	entry, err := c.rootDSE(ctx,
		"dnsHostName",
		"defaultNamingContext",
		"configurationNamingContext",
		"rootDomainNamingContext",
		"highestCommittedUSN",
		"domainFunctionality",
		"supportedLDAPVersion",
		"supportedControl",
		"supportedSASLMechanisms",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get server info: %w", err)
	}

	return &RootDSE{
		DNSHostName:                entry.GetAttributeValue("dnsHostName"),
		DefaultNamingContext:       entry.GetAttributeValue("defaultNamingContext"),
		ConfigurationNamingContext: entry.GetAttributeValue("configurationNamingContext"),
		RootDomainNamingContext:    entry.GetAttributeValue("rootDomainNamingContext"),
		HighestCommittedUSN:        entry.GetAttributeValue("highestCommittedUSN"),
		DomainFunctionality:        entry.GetAttributeValue("domainFunctionality"),
		SupportedLDAPVersions:      entry.GetAttributeValues("supportedLDAPVersion"),
		SupportedControls:          entry.GetAttributeValues("supportedControl"),
		SupportedSASLMechanisms:    entry.GetAttributeValues("supportedSASLMechanisms"),
	}, nil
}

// WhoAmIResult is the parsed reply of the Who Am I? extended operation.
type WhoAmIResult struct {
	AuthzID           string
	Format            string // dn, upn, sam, sid, empty or unknown
	DN                string
	UserPrincipalName string
	SAMAccountName    string
	SID               string
}

// WhoAmI performs the LDAP Who Am I? extended operation.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	l, err := c.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	result, err := l.conn.WhoAmI(nil)
	l.release(err != nil && IsRetryableError(err))
	if err != nil {
		return nil, fmt.Errorf("WhoAmI operation failed: %w", WrapError("whoami", err))
	}
	if result == nil {
		return nil, fmt.Errorf("WhoAmI operation returned nil result")
	}

	return parseAuthzID(result.AuthzID), nil
}

var (
	dnPattern  = regexp.MustCompile(`(?i)^[a-z]+=.+`)
	sidPattern = regexp.MustCompile(`^S-\d+-\d+(-\d+)*$`)
)

// parseAuthzID identifies the format of an authorization identity. Active
// Directory answers "u:DOMAIN\user"; other servers use "dn:" or bare forms.
func parseAuthzID(authzID string) *WhoAmIResult {
	result := &WhoAmIResult{AuthzID: authzID}

	if authzID == "" {
		result.Format = "empty"
		return result
	}

	clean := strings.TrimPrefix(strings.TrimPrefix(authzID, "u:"), "dn:")

	switch {
	case dnPattern.MatchString(clean) && ValidateDNSyntax(clean) == nil:
		result.Format = "dn"
		result.DN = clean
	case strings.Contains(clean, "@") && !strings.Contains(clean, `\`):
		result.Format = "upn"
		result.UserPrincipalName = clean
	case sidPattern.MatchString(clean):
		result.Format = "sid"
		result.SID = clean
	case strings.Contains(clean, `\`):
		result.Format = "sam"
		result.SAMAccountName = clean
	default:
		result.Format = "unknown"
	}
	return result
}
