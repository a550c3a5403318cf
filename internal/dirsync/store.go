package dirsync

import (
	"context"
	"time"
)

// Checkpoint is the persisted, mutable part of a session.
type Checkpoint struct {
	SessionID      string
	Cookie         Cookie
	PolledAt       time.Time
	ResyncRequired bool
}

// Store persists checkpoints. Save must be crash-consistent: an interrupted
// save leaves the previously stored checkpoint intact.
type Store interface {
	// Load returns the stored checkpoint; found is false when none exists.
	Load(ctx context.Context, sessionID string) (cp Checkpoint, found bool, err error)

	// Save replaces the checkpoint for cp.SessionID.
	Save(ctx context.Context, cp Checkpoint) error

	// Delete removes the checkpoint. Removing an absent checkpoint is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns all checkpoints ordered by session id.
	List(ctx context.Context) ([]Checkpoint, error)
}
