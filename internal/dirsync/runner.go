package dirsync

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RunAll runs every cursor until ctx is done. Sessions are independent: a
// failed session does not stop the others. The returned error joins the
// fatal errors of all failed sessions.
func RunAll(ctx context.Context, cursors ...*Cursor) error {
	var g errgroup.Group
	errs := make([]error, len(cursors))

	for i, c := range cursors {
		g.Go(func() error {
			if err := c.Run(ctx); err != nil {
				errs[i] = fmt.Errorf("session %s stopped: %w", c.Session().ID, err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}

// PollAll runs a single poll on every cursor concurrently, following
// more-data responses until each session is drained.
func PollAll(ctx context.Context, cursors ...*Cursor) error {
	var g errgroup.Group
	errs := make([]error, len(cursors))

	for i, c := range cursors {
		g.Go(func() error {
			for {
				res, err := c.Poll(ctx)
				if err != nil {
					errs[i] = err
					return nil
				}
				if !res.MoreData || ctx.Err() != nil {
					return nil
				}
			}
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}
