package logging

import (
	"context"
	"errors"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// Subsystem names used across the module.
const (
	SubsystemLDAP     = "ldap"
	SubsystemPool     = "pool"
	SubsystemKerberos = "kerberos"
	SubsystemDirSync  = "dirsync"
	SubsystemStore    = "store"
	SubsystemSink     = "sink"
)

// Options configures the root logger.
type Options struct {
	Level  string
	JSON   bool
	Color  bool
	Output io.Writer
}

// New creates the root logger for the process.
func New(opts Options) hclog.Logger {
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	color := hclog.ColorOff
	if opts.Color && !opts.JSON {
		color = hclog.AutoColor
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       "ad-dirsync",
		Level:      level,
		Output:     opts.Output,
		JSONFormat: opts.JSON,
		Color:      color,
	})
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger hclog.Logger) context.Context {
	return hclog.WithContext(ctx, logger)
}

// FromContext returns the logger carried by ctx, or the hclog default.
func FromContext(ctx context.Context) hclog.Logger {
	return hclog.FromContext(ctx)
}

func subsystemLogger(ctx context.Context, subsystem string) hclog.Logger {
	return hclog.FromContext(ctx).Named(subsystem)
}

// fieldArgs flattens field maps into hclog key/value pairs in key order.
func fieldArgs(fields []map[string]any) []any {
	merged := make(map[string]any)
	for _, f := range fields {
		maps.Copy(merged, f)
	}

	keys := slices.Sorted(maps.Keys(merged))
	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, merged[k])
	}
	return args
}

func SubsystemTrace(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Trace(msg, fieldArgs(fields)...)
}

func SubsystemDebug(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Debug(msg, fieldArgs(fields)...)
}

func SubsystemInfo(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Info(msg, fieldArgs(fields)...)
}

func SubsystemWarn(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Warn(msg, fieldArgs(fields)...)
}

func SubsystemError(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Error(msg, fieldArgs(fields)...)
}

// LogOperation logs the start and outcome of fn with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	SubsystemDebug(ctx, subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		SubsystemError(ctx, subsystem, "Operation failed", fields)
	} else {
		SubsystemDebug(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogPerformance logs slow operations at a higher level.
func LogPerformance(ctx context.Context, subsystem, operation string, duration time.Duration, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["duration_ms"] = duration.Milliseconds()

	switch {
	case duration > 30*time.Second:
		SubsystemWarn(ctx, subsystem, "Slow operation detected", fields)
	case duration > 5*time.Second:
		SubsystemInfo(ctx, subsystem, "Operation performance", fields)
	default:
		SubsystemDebug(ctx, subsystem, "Operation performance", fields)
	}
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	SubsystemError(ctx, subsystem, "LDAP operation failed", fields)
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "connection_established", "authentication_success":
		SubsystemInfo(ctx, SubsystemLDAP, "Connection event", fields)
	case "connection_failed", "authentication_failed", "connection_lost":
		SubsystemError(ctx, SubsystemLDAP, "Connection event", fields)
	default:
		SubsystemDebug(ctx, SubsystemLDAP, "Connection event", fields)
	}
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "pool_initialized", "connection_acquired", "connection_released":
		SubsystemDebug(ctx, SubsystemPool, "Pool event", fields)
	case "pool_exhausted", "connection_failed", "health_check_failed":
		SubsystemWarn(ctx, SubsystemPool, "Pool event", fields)
	case "all_connections_failed":
		SubsystemError(ctx, SubsystemPool, "Pool event", fields)
	default:
		SubsystemTrace(ctx, SubsystemPool, "Pool event", fields)
	}
}

var sensitiveKeys = map[string]bool{
	"password":    true,
	"passwd":      true,
	"secret":      true,
	"token":       true,
	"key":         true,
	"private_key": true,
	"credential":  true,
	"credentials": true,
	"cookie":      true,
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"key=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
