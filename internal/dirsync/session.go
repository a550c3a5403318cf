package dirsync

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Session identifies one logical synchronisation stream and its polling
// policy. It is passed by value; nothing in it changes while a cursor runs.
type Session struct {
	ID           string
	BaseDN       string
	Filter       string
	Attributes   []string
	Flags        int64
	MaxAttrCount int64
	ShowDeleted  bool

	PollInterval time.Duration
	PollTimeout  time.Duration
	Backoff      BackoffPolicy
}

// Validate checks the session for values the cursor cannot run with.
func (s Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id cannot be empty")
	}
	if s.BaseDN == "" {
		return fmt.Errorf("session %s: base DN cannot be empty", s.ID)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("session %s: poll interval must be positive", s.ID)
	}
	if s.PollTimeout <= 0 {
		return fmt.Errorf("session %s: poll timeout must be positive", s.ID)
	}
	if err := s.Backoff.Validate(); err != nil {
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	return nil
}

// request builds the search for the given committed cookie.
func (s Session) request(cookie Cookie) SearchRequest {
	filter := s.Filter
	if filter == "" {
		filter = "(objectClass=*)"
	}

	return SearchRequest{
		BaseDN:       s.BaseDN,
		Filter:       filter,
		Attributes:   slices.Clone(s.Attributes),
		Flags:        s.Flags,
		MaxAttrCount: s.MaxAttrCount,
		ShowDeleted:  s.ShowDeleted,
		Cookie:       cookie.Clone(),
	}
}
