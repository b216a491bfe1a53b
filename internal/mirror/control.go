package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const lockFilename = ".lock"

// Run synchronizes the given mirrors.
//
// The first thing to do is to acquire flock on the lock file, so that only
// one process mutates a mirror root at a time.
//
// ids is a list of mirror IDs defined in the configuration file (or keys in
// config.Mirrors).  If ids is empty, all configured mirrors are synced.
// bootstrap selects "new" semantics: mirrors must not be initialized yet.
func Run(config *Config, ids []string, bootstrap, quiet bool) error {
	if err := config.Check(); err != nil {
		return err
	}
	if err := os.MkdirAll(config.Dir, 0750); err != nil {
		return errors.Wrap(err, "Run")
	}

	lockFile := filepath.Join(config.Dir, lockFilename)
	file, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE, 0644) // #nosec G304,G302 - path is under validated config.Dir, 0644 standard for lock files
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()
	defer func() {
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
	}()

	if len(ids) == 0 {
		for id := range config.Mirrors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	mirrorList := make([]*Mirror, 0, len(ids))
	for _, id := range ids {
		m, err := NewMirror(id, config, bootstrap, quiet)
		if err != nil {
			return err
		}
		mirrorList = append(mirrorList, m)
	}

	slog.Info("sync starts", "mirrors", len(mirrorList))

	group, ctx := errgroup.WithContext(context.Background())
	for _, m := range mirrorList {
		group.Go(func() error {
			return m.Sync(ctx)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	slog.Info("sync ends")
	return nil
}
