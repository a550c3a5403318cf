package dirsync

import (
	"bytes"
	"encoding/base64"
)

// Cookie is the opaque resumption token returned by the directory server.
// It is stored and replayed verbatim and never interpreted.
type Cookie []byte

// IsEmpty reports whether the cookie carries no state.
func (c Cookie) IsEmpty() bool {
	return len(c) == 0
}

// Equal reports whether two cookies hold identical bytes.
func (c Cookie) Equal(other Cookie) bool {
	return bytes.Equal(c, other)
}

// Clone returns an independent copy so callers cannot mutate retained state.
func (c Cookie) Clone() Cookie {
	if c == nil {
		return nil
	}
	return bytes.Clone(c)
}

// String renders the cookie as base64 for display only.
func (c Cookie) String() string {
	return base64.StdEncoding.EncodeToString(c)
}
