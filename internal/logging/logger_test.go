package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, level string) (context.Context, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := New(Options{Level: level, JSON: true, Output: &buf})
	return WithLogger(context.Background(), logger), &buf
}

func TestSubsystemLoggingUsesContextLogger(t *testing.T) {
	ctx, buf := newTestContext(t, "debug")

	SubsystemDebug(ctx, SubsystemDirSync, "poll completed", map[string]any{
		"session_id": "guests",
		"entries":    3,
	})

	out := buf.String()
	assert.Contains(t, out, `"@module":"ad-dirsync.dirsync"`)
	assert.Contains(t, out, `"session_id":"guests"`)
	assert.Contains(t, out, `"entries":3`)
}

func TestLevelFiltering(t *testing.T) {
	ctx, buf := newTestContext(t, "warn")

	SubsystemDebug(ctx, SubsystemLDAP, "hidden")
	SubsystemWarn(ctx, SubsystemLDAP, "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	logger := New(Options{Level: "chatty", Output: &bytes.Buffer{}})
	assert.True(t, logger.IsInfo())
	assert.False(t, logger.IsDebug())
}

func TestLogOperation(t *testing.T) {
	ctx, buf := newTestContext(t, "debug")

	err := LogOperation(ctx, SubsystemStore, "save", nil, func() error {
		return errors.New("disk full")
	})
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "Operation failed")
	assert.Contains(t, out, `"error":"disk full"`)
	assert.Contains(t, out, `"operation":"save"`)
}

func TestLogLDAPError(t *testing.T) {
	ctx, buf := newTestContext(t, "debug")

	ldapErr := ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("80090308: LdapErr"))
	LogLDAPError(ctx, SubsystemLDAP, "bind", ldapErr, nil)

	out := buf.String()
	assert.Contains(t, out, `"ldap_result_code":49`)
	assert.Contains(t, out, "80090308")
}

func TestSanitizeFields(t *testing.T) {
	fields := map[string]any{
		"username": "svc-sync",
		"password": "hunter2",
		"Cookie":   "AAEC",
		"filter":   "(objectClass=user)",
		"dsn":      "host=dc1 password=hunter2",
	}

	sanitized := SanitizeFields(fields)

	assert.Equal(t, "svc-sync", sanitized["username"])
	assert.Equal(t, "[REDACTED]", sanitized["password"])
	assert.Equal(t, "[REDACTED]", sanitized["Cookie"])
	assert.Equal(t, "(objectClass=user)", sanitized["filter"])
	assert.Equal(t, "[REDACTED]", sanitized["dsn"])
	assert.Equal(t, "hunter2", fields["password"], "input must not be modified")
}
