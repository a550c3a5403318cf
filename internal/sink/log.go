package sink

import (
	"context"

	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/logging"
)

// Log reports each change through the sink subsystem logger. It is meant
// for dry runs; it never fails.
type Log struct{}

func (Log) Deliver(ctx context.Context, c dirsync.Change) error {
	logging.SubsystemInfo(ctx, logging.SubsystemSink, "Change", map[string]any{
		"session_id":  c.SessionID,
		"poll_id":     c.PollID,
		"sequence":    c.Sequence,
		"change":      c.Entry.Change.String(),
		"dn":          c.Entry.DN,
		"object_guid": c.Entry.ObjectGUID,
		"attributes":  len(c.Entry.Attributes),
	})
	return nil
}

// Fanout delivers to every sink in order and stops at the first error.
type Fanout []dirsync.Sink

func (f Fanout) Deliver(ctx context.Context, c dirsync.Change) error {
	for _, s := range f {
		if err := s.Deliver(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
