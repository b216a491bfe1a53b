package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/crates-mirror/crates-mirror/internal/registry"
)

const (
	indexFilename = "index.json"
	cratesDirname = "crates"
)

// syncState tracks where a sync run is in its lifecycle.  Transitions are
// strictly forward; stateFailed is reachable from any non-terminal state.
type syncState int

const (
	stateIdle syncState = iota
	stateFetchingIndex
	statePlanning
	stateDownloading
	stateCommitting
	stateDone
	stateFailed
)

func (s syncState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateFetchingIndex:
		return "fetching-index"
	case statePlanning:
		return "planning"
	case stateDownloading:
		return "downloading"
	case stateCommitting:
		return "committing"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// Summary counts per-crate outcomes of one sync run.
type Summary struct {
	Fetched int // downloaded and verified in this run
	Reused  int // already stored with a valid checksum
	Missing int // 404 upstream, excluded from this commit
	Pruned  int // removed by the retention policy
}

// Mirror drives the end-to-end synchronization of one mirrored registry.
type Mirror struct {
	id        string
	dir       string
	mc        *MirrorConfig
	upstream  *Upstream
	store     *Store
	indexPath string
	quiet     bool
	state     syncState
	summary   Summary
}

// NewMirror constructs a Mirror for the given mirror ID.
//
// With bootstrap set ("new" command) an already-initialized mirror is
// refused; without it ("update" command) the mirror directory must already
// exist.
func NewMirror(mirrorID string, config *Config, bootstrap, quiet bool) (*Mirror, error) {
	mc, ok := config.Mirrors[mirrorID]
	if !ok {
		return nil, errors.New("no such mirror: " + mirrorID)
	}
	if !IsValidID(mirrorID) {
		return nil, errors.New("invalid id: " + mirrorID)
	}
	if err := mc.Check(); err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}

	dir := filepath.Join(filepath.Clean(config.Dir), mirrorID)
	indexPath := filepath.Join(dir, indexFilename)

	if bootstrap {
		if _, err := os.Stat(indexPath); err == nil {
			return nil, errors.New("mirror already initialized: " + mirrorID)
		}
	} else {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, errors.New("not an initialized mirror (run \"new\" first): " + mirrorID)
		}
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}
	store, err := NewStore(filepath.Join(dir, cratesDirname))
	if err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}
	upstream, err := NewUpstream(config, mirrorID, mc)
	if err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}

	return &Mirror{
		id:        mirrorID,
		dir:       dir,
		mc:        mc,
		upstream:  upstream,
		store:     store,
		indexPath: indexPath,
		quiet:     quiet,
		state:     stateIdle,
	}, nil
}

// Summary returns the per-crate outcome counts of the last sync.
func (m *Mirror) Summary() Summary {
	return m.summary
}

func (m *Mirror) setState(s syncState) {
	m.state = s
	slog.Debug("state transition", "mirror", m.id, "state", s.String())
}

// Sync performs one full synchronization run.
//
// On failure the previously committed index is left untouched; artifacts
// already downloaded in this run stay in the store and are reused as
// already-satisfied on the next attempt, so re-running is always safe.
func (m *Mirror) Sync(ctx context.Context) error {
	if err := m.sync(ctx); err != nil {
		m.setState(stateFailed)
		return errors.Wrap(err, m.id)
	}
	m.setState(stateDone)
	slog.Info("sync succeeded", "mirror", m.id,
		"fetched", m.summary.Fetched, "reused", m.summary.Reused,
		"missing", m.summary.Missing, "pruned", m.summary.Pruned)
	return nil
}

func (m *Mirror) sync(ctx context.Context) error {
	m.setState(stateFetchingIndex)

	local, err := LoadIndex(m.indexPath)
	if err != nil {
		return err
	}
	if err := m.store.GC(); err != nil {
		return err
	}

	remote, err := m.upstream.FetchIndex(ctx)
	if err != nil {
		return err
	}
	remote = FilterRemote(remote, m.mc.Filters)

	m.setState(statePlanning)
	delta, err := Diff(local, remote)
	if err != nil {
		return err
	}
	tasks := Plan(delta)
	slog.Info("sync plan", "mirror", m.id,
		"to_fetch", len(tasks), "unchanged", len(delta.Unchanged), "local_only", len(delta.ToRemove))

	m.setState(stateDownloading)
	fetched, err := m.download(ctx, tasks)
	if err != nil {
		return err
	}

	m.setState(stateCommitting)
	next := NewMirrorIndex()
	next.Revision = remote.Revision
	for _, entry := range delta.Unchanged {
		next.Crates[entry.Key()] = entry
	}
	for _, entry := range fetched {
		next.Crates[entry.Key()] = entry
	}
	// crates missing upstream (404) are left out of the commit and retried
	// on a future sync once upstream is consistent again

	if m.mc.Prune {
		for _, entry := range delta.ToRemove {
			if err := m.store.Remove(entry); err != nil {
				return err
			}
			m.summary.Pruned++
			slog.Info("pruned", "mirror", m.id, "crate", entry.Key())
		}
	} else {
		for _, entry := range delta.ToRemove {
			next.Crates[entry.Key()] = entry
		}
	}

	return CommitIndex(m.indexPath, next)
}

// fetchResult is the terminal outcome of one fetch task.
type fetchResult struct {
	entry   *registry.IndexEntry
	reused  bool
	missing bool
	err     error
}

// download runs the planned fetch tasks on a worker pool bounded by the
// upstream request ceiling.
//
// The first non-retryable task failure cancels dispatch of queued tasks;
// in-flight workers drain gracefully so no torn temporary file survives
// under a final name.  Collected results are returned only if every task
// reached success, reuse, or missing-upstream.
func (m *Mirror) download(ctx context.Context, tasks []FetchTask) ([]*registry.IndexEntry, error) {
	results := make(chan *fetchResult, len(tasks))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bar := newProgress(len(tasks), m.quiet)

	var fetched []*registry.IndexEntry
	var firstErr error

	g := new(errgroup.Group)
	g.Go(func() error {
		return m.dispatch(ctx, tasks, results)
	})
	g.Go(func() error {
		for r := range results {
			bar.Increment()
			switch {
			case r.err != nil:
				slog.Error("download failed", "mirror", m.id, "crate", r.entry.Key(), "error", r.err)
				if firstErr == nil {
					firstErr = r.err
					cancel()
				}
			case r.missing:
				slog.Warn("missing upstream, skipping", "mirror", m.id, "crate", r.entry.Key())
				m.summary.Missing++
			case r.reused:
				m.summary.Reused++
				fetched = append(fetched, r.entry)
			default:
				m.summary.Fetched++
				fetched = append(fetched, r.entry)
			}
		}
		return nil
	})

	werr := g.Wait()
	bar.Finish()

	if firstErr != nil {
		return nil, firstErr
	}
	if werr != nil {
		return nil, werr
	}
	return fetched, nil
}

// dispatch feeds tasks to workers and closes results once all workers are
// done.  Tasks whose artifact is already stored are reported as reused
// without touching the network.
func (m *Mirror) dispatch(ctx context.Context, tasks []FetchTask, results chan<- *fetchResult) error {
	defer close(results)

	workers := new(errgroup.Group)
	// results must stay open until every worker has reported; this wait
	// runs before the deferred close above.
	defer func() {
		_ = workers.Wait()
	}()

	for _, task := range tasks {
		entry := task.Entry

		if m.store.Exists(entry) {
			results <- &fetchResult{entry: entry, reused: true}
			continue
		}

		if err := m.upstream.Acquire(ctx); err != nil {
			return err
		}
		workers.Go(func() error {
			defer m.upstream.Release()
			results <- m.fetchOne(ctx, entry)
			return nil
		})
	}
	return nil
}

func (m *Mirror) fetchOne(ctx context.Context, entry *registry.IndexEntry) *fetchResult {
	r := &fetchResult{entry: entry}

	tmpfile, err := m.store.TempFile()
	if err != nil {
		r.err = errors.Wrap(err, "tempfile")
		return r
	}

	if _, err := m.upstream.FetchArtifact(ctx, entry, tmpfile); err != nil {
		closeAndRemoveFile(tmpfile)
		if errors.Is(err, ErrNotFound) {
			r.missing = true
			return r
		}
		r.err = err
		return r
	}

	if err := tmpfile.Close(); err != nil {
		_ = os.Remove(tmpfile.Name())
		r.err = errors.Wrap(err, "tempfile close")
		return r
	}
	if _, err := m.store.Put(entry, tmpfile.Name()); err != nil {
		_ = os.Remove(tmpfile.Name())
		r.err = err
	}
	return r
}

// closeAndRemoveFile closes and removes a temporary file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	if err := os.Remove(filename); err != nil {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}
