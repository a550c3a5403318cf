package cookiestore

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/isometry/ad-dirsync/internal/dirsync"
)

// Store drivers accepted by Open.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Store is a dirsync.Store that holds resources.
type Store interface {
	dirsync.Store
	io.Closer
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Open returns the store for driver. For the file driver path is a
// directory; for sqlite it is the database file, or a directory in which
// checkpoints.db is created.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverFile, "":
		return NewFileStore(path)
	case DriverSQLite:
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "checkpoints.db")
		}
		return NewSQLiteStore(path)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
