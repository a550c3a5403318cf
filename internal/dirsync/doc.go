// Package dirsync implements cookie-driven incremental synchronisation of a
// directory subtree.
//
// A Cursor owns one Session. Each poll searches the Directory with the last
// committed Cookie, stages the returned entries in an Emitter batch (one
// change per DN, first-seen order, last snapshot wins), persists the new
// Checkpoint through a Store and only then delivers the batch to a Sink.
// A poll that does not reach the store never advances the cookie.
//
// Failed polls are classified by ErrorKind. Transient failures back off
// exponentially with jitter and retry with the last known-good cookie. A
// rejected cookie parks the session in StateResyncRequired until an operator
// confirms a full resynchronisation. Authentication failures and servers
// without the sync control end the session in StateFailed.
package dirsync
