package dirsync

import (
	"context"
	"errors"
	"sync"
)

type scripted struct {
	entries []Entry
	result  SearchResult
	err     error
	block   bool
	during  func()
}

type fakeDirectory struct {
	mu        sync.Mutex
	responses []scripted
	requests  []SearchRequest
}

func (d *fakeDirectory) script(responses ...scripted) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, responses...)
}

func (d *fakeDirectory) Search(ctx context.Context, req SearchRequest, onEntry func(Entry)) (SearchResult, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	r := scripted{result: SearchResult{Cookie: req.Cookie.Clone()}}
	if len(d.responses) > 0 {
		r = d.responses[0]
		d.responses = d.responses[1:]
	}
	d.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return SearchResult{}, ctx.Err()
	}
	for _, e := range r.entries {
		onEntry(e)
	}
	if r.during != nil {
		r.during()
	}
	r.result.Entries = len(r.entries)
	return r.result, r.err
}

func (d *fakeDirectory) calls() []SearchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SearchRequest, len(d.requests))
	copy(out, d.requests)
	return out
}

type fakeStore struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
	saveErr     error
	deleteErr   error
	saves       int

	// onDelete runs before a delete takes effect.
	onDelete func()
}

func newFakeStore(cps ...Checkpoint) *fakeStore {
	s := &fakeStore{checkpoints: make(map[string]Checkpoint)}
	for _, cp := range cps {
		s.checkpoints[cp.SessionID] = cp
	}
	return s
}

func (s *fakeStore) Load(_ context.Context, id string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	cp.Cookie = cp.Cookie.Clone()
	return cp, ok, nil
}

func (s *fakeStore) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	cp.Cookie = cp.Cookie.Clone()
	s.checkpoints[cp.SessionID] = cp
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	if s.onDelete != nil {
		s.onDelete()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.checkpoints, id)
	return nil
}

func (s *fakeStore) List(context.Context) ([]Checkpoint, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) failSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

type recordingSink struct {
	mu      sync.Mutex
	changes []Change
	failAt  int
	err     error
}

func (s *recordingSink) Deliver(_ context.Context, c Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && len(s.changes)+1 == s.failAt {
		return s.err
	}
	s.changes = append(s.changes, c)
	return nil
}

func (s *recordingSink) received() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Change, len(s.changes))
	copy(out, s.changes)
	return out
}

type recordingReporter struct {
	mu        sync.Mutex
	successes []PollResult
	failures  []Event
}

func (r *recordingReporter) PollSucceeded(_ context.Context, res PollResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, res)
}

func (r *recordingReporter) PollFailed(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, e)
}

func entry(dn string, attrs ...string) Entry {
	e := Entry{DN: dn, Change: ChangeUpsert}
	for i := 0; i+1 < len(attrs); i += 2 {
		e.Attributes = append(e.Attributes, Attribute{Name: attrs[i], Values: [][]byte{[]byte(attrs[i+1])}})
	}
	return e
}
