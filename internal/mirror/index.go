package mirror

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/crates-mirror/crates-mirror/internal/registry"
)

// MirrorIndex is the locally committed registry index: a mapping from
// "name/version" keys to index entries plus the revision marker of the last
// upstream state that was fully synced.
type MirrorIndex struct {
	Revision string                          `json:"revision,omitempty"`
	Crates   map[string]*registry.IndexEntry `json:"crates"`
}

// NewMirrorIndex returns an empty index.
func NewMirrorIndex() *MirrorIndex {
	return &MirrorIndex{
		Crates: make(map[string]*registry.IndexEntry),
	}
}

// RemoteIndex is a snapshot of the upstream registry index as fetched.
type RemoteIndex struct {
	Revision string                 `json:"revision,omitempty"`
	Crates   []*registry.IndexEntry `json:"crates"`
}

// SyncDelta is the outcome of comparing the local index against an upstream
// snapshot.  It is recomputed for every sync run and never persisted.
type SyncDelta struct {
	ToFetch   []*registry.IndexEntry // upstream-only, needs download
	ToRemove  []*registry.IndexEntry // local-only, candidate for pruning
	Unchanged []*registry.IndexEntry // present in both with equal checksum
}

// LoadIndex reads the committed index from path.
//
// A missing index is not an error: it yields an empty index so that the first
// sync of a fresh mirror bootstraps cleanly.  An unreadable index is treated
// the same way after logging a warning, since every entry will simply be
// re-verified against the artifact store and re-fetched as needed.
func LoadIndex(path string) (*MirrorIndex, error) {
	f, err := os.Open(path) // #nosec G304 - path is built from validated config.Dir and mirror ID
	switch {
	case os.IsNotExist(err):
		return NewMirrorIndex(), nil
	case err != nil:
		return nil, errors.Wrap(err, "LoadIndex")
	}
	defer func() {
		_ = f.Close()
	}()

	index := NewMirrorIndex()
	if err := json.NewDecoder(f).Decode(index); err != nil {
		slog.Warn("local index is unreadable, treating as first sync", "path", path, "error", err)
		return NewMirrorIndex(), nil
	}
	if index.Crates == nil {
		index.Crates = make(map[string]*registry.IndexEntry)
	}
	return index, nil
}

// Diff compares the local index against an upstream snapshot.
//
// The comparison is pure and deterministic.  An entry present in both sides
// with the same checksum is unchanged; present only upstream is to-fetch;
// present only locally is to-remove.  A version present in both sides with
// different checksums means upstream republished immutable content, which is
// reported as ErrChecksumConflict rather than silently overwritten.
func Diff(local *MirrorIndex, remote *RemoteIndex) (*SyncDelta, error) {
	delta := new(SyncDelta)
	seen := make(map[string]bool, len(remote.Crates))

	for _, entry := range remote.Crates {
		key := entry.Key()
		if seen[key] {
			slog.Warn("duplicate entry in upstream index", "crate", key)
			continue
		}
		seen[key] = true

		localEntry, ok := local.Crates[key]
		if !ok {
			delta.ToFetch = append(delta.ToFetch, entry)
			continue
		}
		if !localEntry.Same(entry) {
			return nil, errors.Wrap(ErrChecksumConflict, key)
		}
		delta.Unchanged = append(delta.Unchanged, localEntry)
	}

	for key, localEntry := range local.Crates {
		if !seen[key] {
			delta.ToRemove = append(delta.ToRemove, localEntry)
		}
	}

	sortEntries(delta.ToFetch)
	sortEntries(delta.ToRemove)
	sortEntries(delta.Unchanged)
	return delta, nil
}

// CommitIndex atomically replaces the committed index at path.
//
// The new index is written to a temporary file in the same directory, synced,
// and renamed over the old one, so concurrent readers always observe either
// the previous or the new index in full.
func CommitIndex(path string, index *MirrorIndex) error {
	dir := filepath.Dir(path)

	f, err := os.CreateTemp(dir, "_index")
	if err != nil {
		return errors.Wrap(err, "CommitIndex")
	}
	tmpName := f.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(index); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "CommitIndex: encode")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "CommitIndex: sync")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "CommitIndex: close")
	}
	if err := os.Chmod(tmpName, 0644); err != nil { // #nosec G302 - index file is world-readable by design
		return errors.Wrap(err, "CommitIndex: chmod")
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "CommitIndex: rename")
	}
	return DirSync(dir)
}
