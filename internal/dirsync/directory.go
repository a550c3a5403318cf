package dirsync

import "context"

// DirSync request flags understood by Active Directory.
const (
	FlagObjectSecurity    int64 = 0x00000001
	FlagAncestorsFirst    int64 = 0x00000800
	FlagPublicDataOnly    int64 = 0x00002000
	FlagIncrementalValues int64 = 0x80000000
)

// SearchRequest is one incremental search against the directory.
type SearchRequest struct {
	BaseDN       string
	Filter       string
	Attributes   []string
	Flags        int64
	MaxAttrCount int64
	ShowDeleted  bool

	// Cookie is the last committed cookie, attached as the request control.
	// Empty means a full synchronisation.
	Cookie Cookie
}

// SearchResult is what the response control carried.
type SearchResult struct {
	// Cookie is the next cookie; empty means the server returned none.
	Cookie Cookie

	// MoreData is set when the server has further changes ready.
	MoreData bool

	// Entries is the number of entries passed to the handler.
	Entries int
}

// Directory runs a single incremental search. Entries are passed to onEntry
// in the order the server returns them. Errors should be classified with
// the constructors in errors.go; unclassified errors count as transient.
type Directory interface {
	Search(ctx context.Context, req SearchRequest, onEntry func(Entry)) (SearchResult, error)
}
