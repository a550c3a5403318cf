package cookiestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/logging"
)

const (
	checkpointExt = ".ckpt"
	lockFileName  = ".lock"
)

// ErrInvalidSessionID is returned for ids that cannot be used as file names.
var ErrInvalidSessionID = errors.New("invalid session id")

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidSessionID reports whether id is usable by every backend.
func ValidSessionID(id string) bool {
	return len(id) <= 128 && sessionIDPattern.MatchString(id)
}

// FileStore keeps one CBOR checkpoint file per session in a directory.
// Saves write a temp file in the same directory, fsync it and rename it over
// the old checkpoint, so a crash leaves either the old or the new file.
type FileStore struct {
	dir string

	// mu serialises goroutines of this process; lock serialises processes.
	// A flock held by this process does not block its other goroutines.
	mu   sync.Mutex
	lock *flock.Flock

	// sync and syncDir are replaced in tests to simulate a failing disk.
	sync    func(*os.File) error
	syncDir func(dir string) error
}

// NewFileStore opens (creating if needed) a checkpoint directory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	return &FileStore{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFileName)),
		sync:    (*os.File).Sync,
		syncDir: syncDir,
	}, nil
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(sessionID string) (string, error) {
	if !ValidSessionID(sessionID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return filepath.Join(s.dir, sessionID+checkpointExt), nil
}

// Load reads the checkpoint for sessionID.
func (s *FileStore) Load(ctx context.Context, sessionID string) (dirsync.Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return dirsync.Checkpoint{}, false, err
	}
	path, err := s.path(sessionID)
	if err != nil {
		return dirsync.Checkpoint{}, false, err
	}

	var (
		cp    dirsync.Checkpoint
		found bool
	)
	err = s.locked(true, func() error {
		cp, found, err = s.read(path)
		return err
	})
	return cp, found, err
}

func (s *FileStore) read(path string) (dirsync.Checkpoint, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return dirsync.Checkpoint{}, false, nil
	}
	if err != nil {
		return dirsync.Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	cp, err := decodeCheckpoint(data)
	if err != nil {
		return dirsync.Checkpoint{}, false, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cp, true, nil
}

// Save atomically replaces the checkpoint file.
func (s *FileStore) Save(ctx context.Context, cp dirsync.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(cp.SessionID)
	if err != nil {
		return err
	}
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	if err := s.locked(false, func() error { return s.writeAtomic(ctx, path, data) }); err != nil {
		return err
	}

	logging.SubsystemTrace(ctx, logging.SubsystemStore, "Checkpoint saved", map[string]any{
		"session_id": cp.SessionID,
		"path":       path,
		"bytes":      len(data),
	})
	return nil
}

func (s *FileStore) writeAtomic(ctx context.Context, path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err = s.sync(tmp); err != nil {
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	// Load already returns the new checkpoint, so Save must not fail past
	// this point. A lost directory entry only brings back the old one.
	if dirErr := s.syncDir(s.dir); dirErr != nil {
		logging.SubsystemWarn(ctx, logging.SubsystemStore, "Checkpoint replaced but directory sync failed", map[string]any{
			"path":  path,
			"error": dirErr.Error(),
		})
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open checkpoint directory: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint directory: %w", err)
	}
	return nil
}

// Delete removes the checkpoint file.
func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}

	return s.locked(false, func() error {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("remove checkpoint: %w", err)
		}

		logging.SubsystemDebug(ctx, logging.SubsystemStore, "Checkpoint deleted", map[string]any{
			"session_id": sessionID,
		})
		if err := s.syncDir(s.dir); err != nil {
			logging.SubsystemWarn(ctx, logging.SubsystemStore, "Checkpoint removed but directory sync failed", map[string]any{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
		return nil
	})
}

// List returns every checkpoint in the directory. Leftover temp files from
// interrupted saves are ignored.
func (s *FileStore) List(ctx context.Context) ([]dirsync.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var checkpoints []dirsync.Checkpoint
	err := s.locked(true, func() error {
		var err error
		checkpoints, err = s.readAll()
		return err
	})
	return checkpoints, err
}

func (s *FileStore) readAll() ([]dirsync.Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	checkpoints := make([]dirsync.Checkpoint, 0, len(names))
	for _, name := range names {
		cp, found, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		if found {
			checkpoints = append(checkpoints, cp)
		}
	}
	return checkpoints, nil
}

// locked runs fn holding the process mutex and the directory flock, shared
// or exclusive.
func (s *FileStore) locked(shared bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := s.lock.Lock
	if shared {
		lock = s.lock.RLock
	}
	if err := lock(); err != nil {
		return fmt.Errorf("lock checkpoint directory: %w", err)
	}
	defer s.lock.Unlock()

	return fn()
}

// Close releases the lock file handle.
func (s *FileStore) Close() error {
	return s.lock.Close()
}
