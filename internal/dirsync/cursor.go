package dirsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/isometry/ad-dirsync/internal/logging"
)

// Cursor drives the poll loop of one session. Only one poll is in flight at
// a time; the committed checkpoint only moves after the store accepted it.
type Cursor struct {
	session  Session
	dir      Directory
	store    Store
	emitter  *Emitter
	reporter Reporter
	now      func() time.Time
	pollID   func() string

	// pollMu serialises polls.
	pollMu sync.Mutex

	mu            sync.RWMutex
	state         State
	loaded        bool
	committed     Checkpoint
	hasCheckpoint bool
	lastErr       *SyncError
	backoff       retry.Backoff
	retryIn       time.Duration

	wake chan struct{}
}

// Option configures a Cursor.
type Option func(*Cursor)

// WithReporter sets where poll outcomes are reported. The default logs them.
func WithReporter(r Reporter) Option {
	return func(c *Cursor) {
		if r == nil {
			r = nopReporter{}
		}
		c.reporter = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cursor) {
		c.now = now
	}
}

// WithPollIDs overrides the poll id generator.
func WithPollIDs(next func() string) Option {
	return func(c *Cursor) {
		c.pollID = next
	}
}

// NewCursor creates a cursor for session. The checkpoint is loaded lazily
// on the first Run or Poll.
func NewCursor(session Session, dir Directory, store Store, sink Sink, opts ...Option) (*Cursor, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if dir == nil {
		return nil, errors.New("directory cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if sink == nil {
		return nil, errors.New("sink cannot be nil")
	}

	c := &Cursor{
		session:  session,
		dir:      dir,
		store:    store,
		emitter:  NewEmitter(session.ID, sink),
		reporter: LogReporter{},
		now:      time.Now,
		pollID:   uuid.NewString,
		state:    StateIdle,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Session returns the session the cursor was built for.
func (c *Cursor) Session() Session {
	return c.session
}

// State returns the current state.
func (c *Cursor) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Checkpoint returns the last committed checkpoint.
func (c *Cursor) Checkpoint() (Checkpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := c.committed
	cp.Cookie = cp.Cookie.Clone()
	return cp, c.hasCheckpoint
}

// LastError returns the error of the most recent failed poll, or nil when
// the last poll committed.
func (c *Cursor) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastErr == nil {
		return nil
	}
	return c.lastErr
}

// Trigger wakes an idle Run loop before the poll interval elapses. It does
// not shorten an error backoff.
func (c *Cursor) Trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Cursor) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Cursor) load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}

	cp, found, err := c.store.Load(ctx, c.session.ID)
	if err != nil {
		return fmt.Errorf("load checkpoint for session %s: %w", c.session.ID, err)
	}

	c.loaded = true
	c.hasCheckpoint = found
	if found {
		c.committed = cp
		if cp.ResyncRequired {
			c.state = StateResyncRequired
		}
	} else {
		c.committed = Checkpoint{SessionID: c.session.ID}
	}

	logging.SubsystemDebug(ctx, logging.SubsystemDirSync, "Loaded checkpoint", map[string]any{
		"session_id":      c.session.ID,
		"found":           found,
		"has_cookie":      !c.committed.Cookie.IsEmpty(),
		"resync_required": c.committed.ResyncRequired,
	})
	return nil
}

// Poll runs one cycle: search with the committed cookie, stage entries,
// persist the new checkpoint, then deliver. It returns ErrResyncRequired
// without polling while a resync awaits confirmation.
func (c *Cursor) Poll(ctx context.Context) (PollResult, error) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if err := c.load(ctx); err != nil {
		if ctx.Err() != nil {
			return PollResult{}, c.fail(ctx, KindCancelled, StateIdle, err)
		}
		return PollResult{}, c.fail(ctx, KindTransient, StateErrorBackoff, err)
	}

	c.mu.Lock()
	switch {
	case c.state == StateResyncRequired:
		c.mu.Unlock()
		return PollResult{}, fmt.Errorf("session %s: %w", c.session.ID, ErrResyncRequired)
	case c.state == StateFailed:
		err := c.lastErr
		c.mu.Unlock()
		return PollResult{}, err
	case !c.state.canPoll():
		state := c.state
		c.mu.Unlock()
		return PollResult{}, fmt.Errorf("session %s: cannot poll in state %s", c.session.ID, state)
	}
	c.state = StatePolling
	prev, hadCheckpoint := c.committed, c.hasCheckpoint
	c.mu.Unlock()

	started := c.now()
	pollID := c.pollID()
	req := c.session.request(prev.Cookie)
	batch := c.emitter.Begin(pollID)

	logging.SubsystemDebug(ctx, logging.SubsystemDirSync, "Submitting search", map[string]any{
		"session_id": c.session.ID,
		"poll_id":    pollID,
		"base_dn":    req.BaseDN,
		"filter":     req.Filter,
		"has_cookie": !req.Cookie.IsEmpty(),
	})

	pollCtx, cancel := context.WithTimeout(ctx, c.session.PollTimeout)
	defer cancel()

	c.setState(StateAwaitingControl)
	received := 0
	res, err := c.dir.Search(pollCtx, req, func(e Entry) {
		received++
		batch.Emit(e)
	})

	if ctx.Err() != nil {
		batch.Discard()
		return PollResult{}, c.fail(ctx, KindCancelled, StateIdle, errors.Join(ctx.Err(), err))
	}

	if err != nil {
		batch.Discard()
		kind := KindOf(err)
		if kind == KindCancelled || errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
			kind = KindTransient
			err = fmt.Errorf("poll timed out after %s: %w", c.session.PollTimeout, err)
		}
		return PollResult{}, c.failSearch(ctx, kind, err, prev)
	}

	next := Checkpoint{
		SessionID: c.session.ID,
		Cookie:    prev.Cookie.Clone(),
		PolledAt:  c.now(),
	}
	advanced := !res.Cookie.IsEmpty() && !res.Cookie.Equal(prev.Cookie)
	if !res.Cookie.IsEmpty() {
		next.Cookie = res.Cookie.Clone()
	}

	// Commit even if the parent is cancelled from here on; a checkpoint
	// without its delivery (or the reverse) is worse than finishing.
	commitCtx := context.WithoutCancel(ctx)

	if err := c.store.Save(commitCtx, next); err != nil {
		batch.Discard()
		return PollResult{}, c.fail(ctx, KindStoreWrite, StateErrorBackoff,
			fmt.Errorf("%w: %w", ErrStoreWrite, err))
	}

	delivered, err := c.emitter.Commit(commitCtx, batch, next.PolledAt)
	if err != nil {
		batch.Discard()
		if rerr := c.restore(commitCtx, prev, hadCheckpoint); rerr != nil {
			return PollResult{}, c.fail(ctx, KindDelivery, StateFailed,
				fmt.Errorf("%w: %w; restoring previous checkpoint: %w", ErrDelivery, err, rerr))
		}
		return PollResult{}, c.fail(ctx, KindDelivery, StateErrorBackoff,
			fmt.Errorf("%w: %w", ErrDelivery, err))
	}

	c.mu.Lock()
	c.committed = next
	c.hasCheckpoint = true
	c.state = StateIdle
	c.lastErr = nil
	c.backoff = nil
	c.retryIn = 0
	c.mu.Unlock()

	result := PollResult{
		SessionID:      c.session.ID,
		PollID:         pollID,
		PolledAt:       next.PolledAt,
		Duration:       next.PolledAt.Sub(started),
		Received:       received,
		Delivered:      delivered,
		Cookie:         next.Cookie.Clone(),
		CookieAdvanced: advanced,
		MoreData:       res.MoreData,
	}
	c.reporter.PollSucceeded(ctx, result)
	return result, nil
}

// failSearch moves to the state a classified search error calls for.
func (c *Cursor) failSearch(ctx context.Context, kind ErrorKind, err error, prev Checkpoint) error {
	switch kind {
	case KindAuthentication, KindUnsupported:
		return c.fail(ctx, kind, StateFailed, err)
	case KindCookieRejected:
		flagged := prev
		flagged.SessionID = c.session.ID
		flagged.ResyncRequired = true
		if serr := c.store.Save(context.WithoutCancel(ctx), flagged); serr != nil {
			err = errors.Join(err, fmt.Errorf("persist resync flag: %w", serr))
		} else {
			c.mu.Lock()
			c.committed = flagged
			c.hasCheckpoint = true
			c.mu.Unlock()
		}
		return c.fail(ctx, kind, StateResyncRequired, err)
	default:
		return c.fail(ctx, kind, StateErrorBackoff, err)
	}
}

func (c *Cursor) restore(ctx context.Context, prev Checkpoint, hadCheckpoint bool) error {
	if hadCheckpoint {
		return c.store.Save(ctx, prev)
	}
	return c.store.Delete(ctx, c.session.ID)
}

// fail records a non-success transition into state and reports it.
func (c *Cursor) fail(ctx context.Context, kind ErrorKind, state State, err error) *SyncError {
	syncErr := &SyncError{
		SessionID: c.session.ID,
		Kind:      kind,
		State:     state,
		At:        c.now(),
		Err:       err,
	}

	c.mu.Lock()
	c.state = state
	c.lastErr = syncErr
	var retryIn time.Duration
	if state == StateErrorBackoff {
		if c.backoff == nil {
			c.backoff = c.session.Backoff.New()
		}
		retryIn, _ = c.backoff.Next()
	}
	c.retryIn = retryIn
	c.mu.Unlock()

	c.reporter.PollFailed(ctx, Event{Err: syncErr, RetryIn: retryIn})
	return syncErr
}

// RetryIn returns the backoff delay chosen by the last failed poll.
func (c *Cursor) RetryIn() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retryIn
}

// ConfirmResync is the operator's confirmation that a full resynchronisation
// may start. The stored checkpoint is deleted and the next poll runs without
// a cookie.
func (c *Cursor) ConfirmResync(ctx context.Context) error {
	if state := c.State(); state != StateResyncRequired {
		return fmt.Errorf("session %s: no resync pending (state %s)", c.session.ID, state)
	}

	// A cursor in resync_required issues no polls, so nothing else moves the
	// state while the store is written without the lock.
	if err := c.store.Delete(ctx, c.session.ID); err != nil {
		return fmt.Errorf("%w: delete checkpoint for session %s: %w", ErrStoreWrite, c.session.ID, err)
	}

	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()

	logging.SubsystemInfo(ctx, logging.SubsystemDirSync, "Resync confirmed, next poll is a full synchronisation", map[string]any{
		"session_id": c.session.ID,
	})
	c.Trigger()
	return nil
}

func (c *Cursor) clearLocked() {
	c.committed = Checkpoint{SessionID: c.session.ID}
	c.hasCheckpoint = false
	c.state = StateIdle
	c.lastErr = nil
	c.backoff = nil
	c.retryIn = 0
}

// Run polls until ctx is done or the session fails. It returns nil on
// cancellation and the fatal *SyncError otherwise.
func (c *Cursor) Run(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	logging.SubsystemInfo(ctx, logging.SubsystemDirSync, "Session started", map[string]any{
		"session_id":    c.session.ID,
		"base_dn":       c.session.BaseDN,
		"poll_interval": c.session.PollInterval.String(),
		"state":         c.State().String(),
	})

	for {
		res, err := c.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var wait time.Duration
		interruptible := false
		switch {
		case err == nil && res.MoreData:
			continue
		case err == nil:
			wait, interruptible = c.session.PollInterval, true
		default:
			switch c.State() {
			case StateFailed:
				return err
			case StateResyncRequired:
				c.awaitResync(ctx)
				continue
			case StateIdle:
				wait, interruptible = c.session.PollInterval, true
			default:
				wait = c.RetryIn()
			}
		}

		if !c.sleep(ctx, wait, interruptible) {
			return nil
		}
	}
}

// awaitResync blocks until the resync is confirmed, either in-process via
// ConfirmResync or by an operator deleting the stored checkpoint.
func (c *Cursor) awaitResync(ctx context.Context) {
	for {
		if !c.sleep(ctx, c.session.PollInterval, true) {
			return
		}
		if c.State() != StateResyncRequired {
			return
		}

		_, found, err := c.store.Load(ctx, c.session.ID)
		if err != nil {
			logging.SubsystemWarn(ctx, logging.SubsystemDirSync, "Failed to re-read checkpoint while awaiting resync", map[string]any{
				"session_id": c.session.ID,
				"error":      err.Error(),
			})
			continue
		}
		if !found {
			c.mu.Lock()
			c.clearLocked()
			c.mu.Unlock()
			logging.SubsystemInfo(ctx, logging.SubsystemDirSync, "Checkpoint removed by operator, resuming with full synchronisation", map[string]any{
				"session_id": c.session.ID,
			})
			return
		}
	}
}

func (c *Cursor) sleep(ctx context.Context, d time.Duration, interruptible bool) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	wake := c.wake
	if !interruptible {
		wake = nil
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
