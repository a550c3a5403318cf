package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/isometry/ad-dirsync/internal/config"
	"github.com/isometry/ad-dirsync/internal/cookiestore"
	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/ldap"
	"github.com/isometry/ad-dirsync/internal/logging"
	"github.com/isometry/ad-dirsync/internal/sink"
)

// directory is the part of the LDAP client the commands use.
type directory interface {
	dirsync.Directory
	Ping(ctx context.Context) error
	GetServerInfo(ctx context.Context) (*ldap.RootDSE, error)
	WhoAmI(ctx context.Context) (*ldap.WhoAmIResult, error)
	Close() error
}

type app struct {
	configPath string
	logLevel   string

	dial      func(ctx context.Context, cfg *ldap.ConnectionConfig) (directory, error)
	openStore func(driver, path string) (cookiestore.Store, error)
}

func wireApp() *app {
	return &app{
		dial:      dialLDAP,
		openStore: cookiestore.Open,
	}
}

func dialLDAP(ctx context.Context, cfg *ldap.ConnectionConfig) (directory, error) {
	client, err := ldap.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// load reads the configuration and returns a context carrying the logger
// it describes.
func (a *app) load(cmd *cobra.Command) (context.Context, *config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	out := cmd.ErrOrStderr()
	logger := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		JSON:   cfg.LogFormat == "json",
		Color:  isTerminal(out),
		Output: out,
	})
	return logging.WithLogger(cmd.Context(), logger), cfg, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (a *app) store(cfg *config.Config) (cookiestore.Store, error) {
	store, err := a.openStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return store, nil
}

// runtime holds everything a polling command opens.
type runtime struct {
	dir   directory
	store cookiestore.Store
	sink  dirsync.Sink

	closers []io.Closer
}

type runOptions struct {
	dryRun bool
	stdout io.Writer
}

// openRuntime connects to the directory and opens the store and sink. A
// dry run keeps checkpoints in memory and only logs changes.
func (a *app) openRuntime(ctx context.Context, cfg *config.Config, opts runOptions) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if opts.dryRun {
		rt.store = cookiestore.NewMemoryStore()
		rt.sink = sink.Log{}
	} else {
		if rt.store, err = a.store(cfg); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rt.store)

		var out *sink.JSONL
		if cfg.Sink.Path == sink.Stdout {
			out = sink.NewJSONL(opts.stdout)
		} else if out, err = sink.OpenJSONL(cfg.Sink.Path); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, out)
		rt.sink = out
		if cfg.Sink.Log {
			rt.sink = sink.Fanout{out, sink.Log{}}
		}
	}

	if rt.dir, err = a.dial(ctx, cfg.LDAP.ToConnectionConfig()); err != nil {
		return nil, fmt.Errorf("connect to directory: %w", err)
	}
	rt.closers = append(rt.closers, rt.dir)
	return rt, nil
}

// Close releases resources in reverse order of opening.
func (r *runtime) Close() error {
	var errs []error
	for _, c := range slices.Backward(r.closers) {
		errs = append(errs, c.Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// cursors builds one cursor per selected session; no ids selects all.
func (r *runtime) cursors(cfg *config.Config, ids []string) ([]*dirsync.Cursor, error) {
	selected := cfg.Sessions
	if len(ids) > 0 {
		selected = nil
		for _, id := range ids {
			s, ok := cfg.Session(id)
			if !ok {
				return nil, fmt.Errorf("session %q is not configured", id)
			}
			selected = append(selected, s)
		}
	}

	cursors := make([]*dirsync.Cursor, 0, len(selected))
	for _, s := range selected {
		session, err := s.ToSession()
		if err != nil {
			return nil, err
		}
		cursor, err := dirsync.NewCursor(session, r.dir, r.store, r.sink)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, cursor)
	}
	return cursors, nil
}
