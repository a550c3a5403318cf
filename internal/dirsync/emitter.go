package dirsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Sink receives committed changes. Deliver is called sequentially, in
// emission order; it is never called concurrently for one session.
type Sink interface {
	Deliver(ctx context.Context, change Change) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, change Change) error

func (f SinkFunc) Deliver(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// Emitter turns poll responses into an ordered, deduplicated change stream
// for one session.
type Emitter struct {
	sessionID string
	sink      Sink

	mu       sync.Mutex
	sequence uint64
}

// NewEmitter creates an emitter delivering to sink.
func NewEmitter(sessionID string, sink Sink) *Emitter {
	return &Emitter{
		sessionID: sessionID,
		sink:      sink,
	}
}

// Sequence returns the sequence number of the last delivered change.
func (e *Emitter) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// Batch stages the entries of one poll response. Entries are kept in
// first-seen order; a repeated DN replaces the earlier snapshot in place.
type Batch struct {
	pollID  string
	entries []Entry
	index   map[string]int
}

// Begin opens a batch for one poll.
func (e *Emitter) Begin(pollID string) *Batch {
	return &Batch{
		pollID: pollID,
		index:  make(map[string]int),
	}
}

// Emit stages entry, collapsing repeated deliveries of the same DN.
func (b *Batch) Emit(entry Entry) {
	if i, ok := b.index[entry.DN]; ok {
		b.entries[i] = entry
		return
	}
	b.index[entry.DN] = len(b.entries)
	b.entries = append(b.entries, entry)
}

// Len returns the number of distinct DNs staged.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Entries returns the staged entries in emission order.
func (b *Batch) Entries() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Discard drops everything staged.
func (b *Batch) Discard() {
	b.entries = nil
	clear(b.index)
}

// Commit delivers the batch to the sink in order. It stops at the first
// delivery error and returns how many changes were delivered.
func (e *Emitter) Commit(ctx context.Context, b *Batch, polledAt time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delivered := 0
	for _, entry := range b.entries {
		change := Change{
			SessionID: e.sessionID,
			PollID:    b.pollID,
			Sequence:  e.sequence + 1,
			PolledAt:  polledAt,
			Entry:     entry,
		}
		if err := e.sink.Deliver(ctx, change); err != nil {
			return delivered, fmt.Errorf("deliver %s: %w", entry.DN, err)
		}
		e.sequence++
		delivered++
	}

	b.Discard()
	return delivered, nil
}
