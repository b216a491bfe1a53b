package mirror

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/crates-mirror/crates-mirror/internal/registry"
)

// tempPrefix marks in-progress downloads inside the store directory.
// Temp files live next to the final files so that publishing is a rename
// within one filesystem.
const tempPrefix = "_tmp"

// validArtifactName rejects path separators and anything else that could
// escape the store directory.
var validArtifactName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// ArtifactRecord describes a verified crate archive in the store.
type ArtifactRecord struct {
	Name     string
	Version  string
	Checksum []byte
	Size     int64
	Path     string
}

// Store manages the directory of downloaded crate archives for one mirror.
//
// Files become visible under their final name only after their checksum has
// been verified; a half-written download is never observable.  Writers to
// different crates need no coordination because publication is a per-file
// atomic rename.
type Store struct {
	dir string
}

// NewStore constructs a Store rooted at dir, creating it if needed.
// dir must be an absolute path.
func NewStore(dir string) (*Store, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("not absolute: " + dir)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "NewStore")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(entry *registry.IndexEntry) (string, error) {
	name := entry.Filename()
	if !validArtifactName.MatchString(name) {
		return "", errors.New("unsafe artifact name: " + name)
	}
	return filepath.Join(s.dir, name), nil
}

// Exists reports whether a verified copy of entry's archive is stored.
//
// The file is re-hashed on every call, so a truncated or corrupted leftover
// from an interrupted run is never trusted.
func (s *Store) Exists(entry *registry.IndexEntry) bool {
	p, err := s.path(entry)
	if err != nil {
		return false
	}
	sum, err := registry.ChecksumFile(p)
	if err != nil {
		return false
	}
	return bytes.Equal(sum, entry.Checksum())
}

// TempFile creates a temporary download file inside the store directory,
// opened for reading and writing.
func (s *Store) TempFile() (*os.File, error) {
	return os.CreateTemp(s.dir, tempPrefix)
}

// Put publishes the archive at tmpPath under entry's final name.
//
// The file is verified against entry's checksum before it becomes visible;
// on mismatch the temporary file is left for the caller to discard and
// ErrChecksumMismatch is returned.
func (s *Store) Put(entry *registry.IndexEntry, tmpPath string) (*ArtifactRecord, error) {
	p, err := s.path(entry)
	if err != nil {
		return nil, errors.Wrap(err, "Put")
	}

	sum, err := registry.ChecksumFile(tmpPath)
	if err != nil {
		return nil, errors.Wrap(err, "Put: "+entry.Key())
	}
	if !bytes.Equal(sum, entry.Checksum()) {
		return nil, errors.Wrap(ErrChecksumMismatch, entry.Key())
	}

	st, err := os.Stat(tmpPath)
	if err != nil {
		return nil, errors.Wrap(err, "Put: "+entry.Key())
	}

	if err := os.Chmod(tmpPath, 0644); err != nil { // #nosec G302 - archives are world-readable by design
		return nil, errors.Wrap(err, "Put: "+entry.Key())
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return nil, errors.Wrap(err, "Put: "+entry.Key())
	}
	if err := DirSync(s.dir); err != nil {
		return nil, errors.Wrap(err, "Put: "+entry.Key())
	}

	return &ArtifactRecord{
		Name:     entry.Name(),
		Version:  entry.Version(),
		Checksum: sum,
		Size:     st.Size(),
		Path:     p,
	}, nil
}

// Remove deletes the stored archive for entry.  Removing an absent archive
// is not an error.
func (s *Store) Remove(entry *registry.IndexEntry) error {
	p, err := s.path(entry)
	if err != nil {
		return errors.Wrap(err, "Remove")
	}
	err = os.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Remove: "+entry.Key())
	}
	return nil
}

// GC removes temporary files left behind by an interrupted run.
func (s *Store) GC() error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "GC")
	}
	for _, dirEntry := range dirEntries {
		if !strings.HasPrefix(dirEntry.Name(), tempPrefix) {
			continue
		}
		p := filepath.Join(s.dir, dirEntry.Name())
		slog.Info("removing stale temporary file", "path", p)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "GC")
		}
	}
	return nil
}
