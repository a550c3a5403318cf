package dirsync

import (
	"strings"
	"time"
)

// ChangeType is the kind of change an entry represents. The directory client
// decides it; the sync protocol itself does not tag operations.
type ChangeType int

const (
	ChangeUnknown ChangeType = iota
	ChangeUpsert
	ChangeDelete
)

func (c ChangeType) String() string {
	switch c {
	case ChangeUpsert:
		return "upsert"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MarshalText renders the change type by name for sinks.
func (c ChangeType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Attribute is one named, possibly multi-valued, binary-safe attribute.
type Attribute struct {
	Name   string   `json:"name"`
	Values [][]byte `json:"values"`
}

// Entry is a directory object snapshot as returned by one poll.
type Entry struct {
	DN         string      `json:"dn"`
	Attributes []Attribute `json:"attributes"`
	Change     ChangeType  `json:"change"`
	ObjectGUID string      `json:"object_guid,omitempty"`
	ObjectSID  string      `json:"object_sid,omitempty"`
}

// Values returns the values of the named attribute (case-insensitive).
func (e Entry) Values(name string) [][]byte {
	for _, attr := range e.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr.Values
		}
	}
	return nil
}

// Value returns the first value of the named attribute as a string.
func (e Entry) Value(name string) string {
	values := e.Values(name)
	if len(values) == 0 {
		return ""
	}
	return string(values[0])
}

// Change is a record delivered to a Sink.
type Change struct {
	SessionID string    `json:"session_id"`
	PollID    string    `json:"poll_id"`
	Sequence  uint64    `json:"sequence"`
	PolledAt  time.Time `json:"polled_at"`
	Entry     Entry     `json:"entry"`
}
