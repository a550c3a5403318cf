// Package sink provides dirsync.Sink implementations.
package sink

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/isometry/ad-dirsync/internal/dirsync"
)

// Stdout is the path that selects standard output.
const Stdout = "-"

// Record is one JSON line.
type Record struct {
	SessionID  string      `json:"session_id"`
	PollID     string      `json:"poll_id"`
	Sequence   uint64      `json:"sequence"`
	PolledAt   time.Time   `json:"polled_at"`
	Change     string      `json:"change"`
	DN         string      `json:"dn"`
	ObjectGUID string      `json:"object_guid,omitempty"`
	ObjectSID  string      `json:"object_sid,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// Attribute holds values as text, or base64 when any value is not UTF-8.
type Attribute struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
	Base64 bool     `json:"base64,omitempty"`
}

// NewRecord flattens a change for encoding.
func NewRecord(c dirsync.Change) Record {
	r := Record{
		SessionID:  c.SessionID,
		PollID:     c.PollID,
		Sequence:   c.Sequence,
		PolledAt:   c.PolledAt.UTC(),
		Change:     c.Entry.Change.String(),
		DN:         c.Entry.DN,
		ObjectGUID: c.Entry.ObjectGUID,
		ObjectSID:  c.Entry.ObjectSID,
	}

	for _, attr := range c.Entry.Attributes {
		binary := false
		for _, v := range attr.Values {
			if !utf8.Valid(v) {
				binary = true
				break
			}
		}

		a := Attribute{Name: attr.Name, Values: make([]string, len(attr.Values)), Base64: binary}
		for i, v := range attr.Values {
			if binary {
				a.Values[i] = base64.StdEncoding.EncodeToString(v)
			} else {
				a.Values[i] = string(v)
			}
		}
		r.Attributes = append(r.Attributes, a)
	}
	return r
}

// JSONL writes one JSON object per change. Writes to a file are fsync'd
// before Deliver returns.
type JSONL struct {
	mu     sync.Mutex
	w      io.Writer
	file   *os.File
	closer io.Closer
}

// NewJSONL writes to w without syncing.
func NewJSONL(w io.Writer) *JSONL {
	return &JSONL{w: w}
}

// OpenJSONL appends to the file at path, or writes to stdout for "-".
func OpenJSONL(path string) (*JSONL, error) {
	if path == "" || path == Stdout {
		return NewJSONL(os.Stdout), nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	return &JSONL{w: f, file: f, closer: f}, nil
}

func (s *JSONL) Deliver(ctx context.Context, c dirsync.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(NewRecord(c))
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write change: %w", err)
	}
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sync sink file: %w", err)
		}
	}
	return nil
}

func (s *JSONL) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
