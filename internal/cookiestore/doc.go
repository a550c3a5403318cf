// Package cookiestore persists DirSync checkpoints.
//
// Three backends implement dirsync.Store: a directory of CBOR files written
// with temp-file-and-rename, a SQLite database, and an in-memory map for
// tests and one-shot runs. Open selects one by driver name.
package cookiestore
