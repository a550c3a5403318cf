package dirsync

import (
	"context"
	"time"

	"github.com/isometry/ad-dirsync/internal/logging"
)

// PollResult describes a committed poll.
type PollResult struct {
	SessionID string
	PollID    string
	PolledAt  time.Time
	Duration  time.Duration

	// Received counts entries returned by the directory, Delivered the
	// changes handed to the sink after deduplication.
	Received  int
	Delivered int

	Cookie         Cookie
	CookieAdvanced bool
	MoreData       bool
}

// Event is a non-success transition.
type Event struct {
	Err     *SyncError
	RetryIn time.Duration
}

// Reporter is told about every poll outcome.
type Reporter interface {
	PollSucceeded(ctx context.Context, result PollResult)
	PollFailed(ctx context.Context, event Event)
}

// LogReporter reports through the dirsync subsystem logger.
type LogReporter struct{}

func (LogReporter) PollSucceeded(ctx context.Context, r PollResult) {
	logging.SubsystemDebug(ctx, logging.SubsystemDirSync, "Poll committed", map[string]any{
		"session_id":      r.SessionID,
		"poll_id":         r.PollID,
		"received":        r.Received,
		"delivered":       r.Delivered,
		"cookie_advanced": r.CookieAdvanced,
		"more_data":       r.MoreData,
		"duration_ms":     r.Duration.Milliseconds(),
	})
}

func (LogReporter) PollFailed(ctx context.Context, e Event) {
	fields := map[string]any{
		"session_id": e.Err.SessionID,
		"error_kind": e.Err.Kind.String(),
		"state":      e.Err.State.String(),
		"at":         e.Err.At.Format(time.RFC3339Nano),
		"error":      e.Err.Err.Error(),
	}
	if e.RetryIn > 0 {
		fields["retry_in"] = e.RetryIn.String()
	}

	switch {
	case e.Err.Kind == KindCancelled:
		logging.SubsystemInfo(ctx, logging.SubsystemDirSync, "Poll cancelled, cookie not advanced", fields)
	case e.Err.State == StateFailed, e.Err.State == StateResyncRequired:
		logging.SubsystemError(ctx, logging.SubsystemDirSync, "Session halted, operator action required", fields)
	default:
		logging.SubsystemWarn(ctx, logging.SubsystemDirSync, "Poll failed", fields)
	}
}

type nopReporter struct{}

func (nopReporter) PollSucceeded(context.Context, PollResult) {}
func (nopReporter) PollFailed(context.Context, Event)         {}
