package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ad-dirsync/internal/config"
	"github.com/isometry/ad-dirsync/internal/cookiestore"
	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/ldap"
	"github.com/isometry/ad-dirsync/internal/sink"
)

type fakeDirectory struct {
	mu       sync.Mutex
	requests []dirsync.SearchRequest
	entries  []dirsync.Entry
	cookie   dirsync.Cookie
	info     *ldap.RootDSE
	pingErr  error
	closed   bool
}

func (d *fakeDirectory) Search(_ context.Context, req dirsync.SearchRequest, onEntry func(dirsync.Entry)) (dirsync.SearchResult, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	if !req.Cookie.IsEmpty() {
		return dirsync.SearchResult{Cookie: req.Cookie}, nil
	}
	for _, e := range d.entries {
		onEntry(e)
	}
	return dirsync.SearchResult{Cookie: d.cookie, Entries: len(d.entries)}, nil
}

func (d *fakeDirectory) Ping(context.Context) error { return d.pingErr }

func (d *fakeDirectory) GetServerInfo(context.Context) (*ldap.RootDSE, error) {
	return d.info, nil
}

func (d *fakeDirectory) WhoAmI(context.Context) (*ldap.WhoAmIResult, error) {
	return &ldap.WhoAmIResult{AuthzID: `u:EXAMPLE\svc-sync`, Format: "sam"}, nil
}

func (d *fakeDirectory) Close() error {
	d.closed = true
	return nil
}

func (d *fakeDirectory) cookiesSent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var cookies []string
	for _, r := range d.requests {
		cookies = append(cookies, string(r.Cookie))
	}
	return cookies
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		entries: []dirsync.Entry{
			{DN: "CN=alice,OU=People,DC=example,DC=com", Change: dirsync.ChangeUpsert, Attributes: []dirsync.Attribute{{Name: "cn", Values: [][]byte{[]byte("alice")}}}},
			{DN: "CN=bob,OU=People,DC=example,DC=com", Change: dirsync.ChangeDelete},
		},
		cookie: dirsync.Cookie("cookie-1"),
		info: &ldap.RootDSE{
			DNSHostName:           "dc1.example.com",
			DefaultNamingContext:  "DC=example,DC=com",
			HighestCommittedUSN:   "12345",
			SupportedLDAPVersions: []string{"3", "2"},
			SupportedControls:     []string{"1.2.840.113556.1.4.841"},
		},
	}
}

type testEnv struct {
	dir        *fakeDirectory
	configPath string
	storeDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		dir:        newFakeDirectory(),
		configPath: filepath.Join(root, "ad-dirsync.yaml"),
		storeDir:   filepath.Join(root, "state"),
	}

	content := fmt.Sprintf(`log_level: error
ldap:
  ldap_urls: [ldaps://dc1.example.com]
  username: svc-sync@example.com
store:
  driver: file
  path: %s
sink:
  path: "-"
sessions:
  - id: people
    base_dn: DC=example,DC=com
    filter: (objectClass=user)
  - id: groups
    base_dn: DC=example,DC=com
    filter: (objectClass=group)
`, env.storeDir)
	require.NoError(t, os.WriteFile(env.configPath, []byte(content), 0o600))
	return env
}

func (e *testEnv) app() *app {
	return &app{
		dial: func(context.Context, *ldap.ConnectionConfig) (directory, error) {
			return e.dir, nil
		},
		openStore: cookiestore.Open,
	}
}

func executeCLI(t *testing.T, a *app, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd(a)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func decodeRecords(t *testing.T, out string) []sink.Record {
	t.Helper()
	var records []sink.Record
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var r sink.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r), scanner.Text())
		records = append(records, r)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, wireApp(), "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestConfigExampleCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, wireApp(), "config", "example")
	require.NoError(t, err)
	assert.Contains(t, stdout, "sessions:")
	assert.Contains(t, stdout, "poll_interval: 1m0s")
}

func TestRunOnce(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := executeCLI(t, env.app(), "--config", env.configPath, "run", "--once", "--session", "people")
	require.NoError(t, err)

	records := decodeRecords(t, stdout)
	require.Len(t, records, 2)
	assert.Equal(t, "people", records[0].SessionID)
	assert.Equal(t, "CN=alice,OU=People,DC=example,DC=com", records[0].DN)
	assert.Equal(t, uint64(1), records[0].Sequence)
	assert.Equal(t, "delete", records[1].Change)
	assert.Equal(t, uint64(2), records[1].Sequence)
	assert.True(t, env.dir.closed, "directory is closed on exit")

	// The second run resumes from the stored cookie and emits nothing new.
	stdout, _, err = executeCLI(t, env.app(), "--config", env.configPath, "run", "--once", "--session", "people")
	require.NoError(t, err)
	assert.Empty(t, stdout)
	assert.Equal(t, []string{"", "cookie-1"}, env.dir.cookiesSent())
}

func TestRunOnce_AllSessions(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := executeCLI(t, env.app(), "--config", env.configPath, "run", "--once")
	require.NoError(t, err)

	perSession := map[string]int{}
	for _, r := range decodeRecords(t, stdout) {
		perSession[r.SessionID]++
	}
	assert.Equal(t, map[string]int{"people": 2, "groups": 2}, perSession)
}

func TestRunOnce_SinkLogAlsoLogsChanges(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("AD_DIRSYNC_SINK_LOG", "true")
	t.Setenv("AD_DIRSYNC_LOG_LEVEL", "info")

	stdout, stderr, err := executeCLI(t, env.app(), "--config", env.configPath, "run", "--once", "--session", "people")
	require.NoError(t, err)

	assert.Len(t, decodeRecords(t, stdout), 2)
	assert.Contains(t, stderr, "CN=alice,OU=People,DC=example,DC=com")
	assert.Contains(t, stderr, "CN=bob,OU=People,DC=example,DC=com")
}

func TestRunOnce_DryRunKeepsNoCheckpoint(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := executeCLI(t, env.app(), "--config", env.configPath, "run", "--once", "--dry-run")
	require.NoError(t, err)
	assert.Empty(t, stdout, "dry run writes no JSON lines")

	store, err := cookiestore.NewFileStore(env.storeDir)
	require.NoError(t, err)
	defer store.Close()
	checkpoints, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, checkpoints)
}

func TestRun_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := executeCLI(t, env.app(), "--config", env.configPath, "run", "--once", "--session", "computers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `session "computers" is not configured`)
}

func TestRun_DialFailure(t *testing.T) {
	env := newTestEnv(t)
	a := env.app()
	a.dial = func(context.Context, *ldap.ConnectionConfig) (directory, error) {
		return nil, errors.New("no servers reachable")
	}

	_, _, err := executeCLI(t, a, "--config", env.configPath, "run", "--once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to directory")
}

func TestRun_MissingConfig(t *testing.T) {
	_, _, err := executeCLI(t, wireApp(), "--config", filepath.Join(t.TempDir(), "missing.yaml"), "run", "--once")
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := executeCLI(t, env.app(), "--config", env.configPath, "run", "--once", "--session", "people")
	require.NoError(t, err)

	// A checkpoint left behind by a session that was removed from the config.
	store, err := cookiestore.NewFileStore(env.storeDir)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), dirsync.Checkpoint{SessionID: "retired", Cookie: dirsync.Cookie("old")}))
	require.NoError(t, store.Close())

	t.Run("json", func(t *testing.T) {
		stdout, _, err := executeCLI(t, env.app(), "--config", env.configPath, "status", "--json")
		require.NoError(t, err)

		var statuses []sessionStatus
		require.NoError(t, json.Unmarshal([]byte(stdout), &statuses))
		require.Len(t, statuses, 3)

		assert.Equal(t, "people", statuses[0].SessionID)
		assert.Equal(t, "synced", statuses[0].State)
		assert.Equal(t, dirsync.Cookie("cookie-1").String(), statuses[0].Cookie)
		assert.Equal(t, len("cookie-1"), statuses[0].CookieBytes)
		assert.NotNil(t, statuses[0].PolledAt)

		assert.Equal(t, "groups", statuses[1].SessionID)
		assert.Equal(t, "never_polled", statuses[1].State)

		assert.Equal(t, "retired", statuses[2].SessionID)
		assert.Equal(t, "orphaned", statuses[2].State)
		assert.False(t, statuses[2].Configured)
	})

	t.Run("table", func(t *testing.T) {
		stdout, _, err := executeCLI(t, env.app(), "--config", env.configPath, "status")
		require.NoError(t, err)
		assert.Contains(t, stdout, "SESSION")
		assert.Contains(t, stdout, "SYNCED")
		assert.Contains(t, stdout, "NEVER_POLLED")
		assert.Contains(t, stdout, "(8 bytes)")
	})
}

func TestBuildStatuses_ResyncRequired(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := config.Load(env.configPath)
	require.NoError(t, err)

	statuses := buildStatuses(cfg, []dirsync.Checkpoint{
		{SessionID: "groups", Cookie: dirsync.Cookie("c"), ResyncRequired: true},
	})
	require.Len(t, statuses, 2)
	assert.Equal(t, "resync_required", statuses[1].State)
	assert.True(t, statuses[1].ResyncRequired)
}

func TestResyncCommand(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := executeCLI(t, env.app(), "--config", env.configPath, "run", "--once", "--session", "people")
	require.NoError(t, err)

	t.Run("requires confirm", func(t *testing.T) {
		_, _, err := executeCLI(t, env.app(), "--config", env.configPath, "resync", "people")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--confirm")
	})

	t.Run("unknown session", func(t *testing.T) {
		_, _, err := executeCLI(t, env.app(), "--config", env.configPath, "resync", "computers", "--confirm")
		assert.Error(t, err)
	})

	t.Run("deletes checkpoint", func(t *testing.T) {
		stdout, _, err := executeCLI(t, env.app(), "--config", env.configPath, "resync", "people", "--confirm")
		require.NoError(t, err)
		assert.Contains(t, stdout, "checkpoint for session people removed")

		store, err := cookiestore.NewFileStore(env.storeDir)
		require.NoError(t, err)
		defer store.Close()
		_, found, err := store.Load(context.Background(), "people")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("next run is a full sync", func(t *testing.T) {
		stdout, _, err := executeCLI(t, env.app(), "--config", env.configPath, "run", "--once", "--session", "people")
		require.NoError(t, err)
		assert.Len(t, decodeRecords(t, stdout), 2)
	})
}

func TestCheckCommand(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := executeCLI(t, env.app(), "--config", env.configPath, "check")
	require.NoError(t, err)
	assert.Contains(t, stdout, "dc1.example.com")
	assert.Contains(t, stdout, "DirSync control:  true")
	assert.Contains(t, stdout, `u:EXAMPLE\svc-sync (sam)`)
	assert.Contains(t, stdout, "DC=example,DC=com: ok")

	t.Run("base outside naming context", func(t *testing.T) {
		env.dir.info.DefaultNamingContext = "DC=other,DC=com"
		stdout, _, err := executeCLI(t, env.app(), "--config", env.configPath, "check")
		require.NoError(t, err)
		assert.Contains(t, stdout, "outside the default naming context")
	})

	t.Run("no dirsync", func(t *testing.T) {
		env.dir.info.SupportedControls = nil
		_, _, err := executeCLI(t, env.app(), "--config", env.configPath, "check")
		assert.ErrorIs(t, err, errDirSyncUnsupported)
	})

	t.Run("ping failure", func(t *testing.T) {
		env.dir.pingErr = errors.New("connection refused")
		_, _, err := executeCLI(t, env.app(), "--config", env.configPath, "check")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ping directory")
	})
}
