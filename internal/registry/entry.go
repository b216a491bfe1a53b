package registry

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Dependency names a crate required by another crate, together with the
// version requirement string the registry published for it.  The mirror never
// resolves requirements; they are carried verbatim for consumers.
type Dependency struct {
	Name string `json:"name"`
	Req  string `json:"req"`
}

// IndexEntry is the metadata of one published crate version.
//
// An entry is immutable once observed: a registry may add new versions, but
// republishing different content under an existing (name, version) pair is
// treated as an integrity violation by the sync engine.
type IndexEntry struct {
	name     string
	version  string
	checksum []byte // SHA-256 of the crate archive
	deps     []Dependency
	yanked   bool
	revision string // opaque upstream revision token
}

// NewIndexEntry constructs an IndexEntry.
func NewIndexEntry(name, version string, checksum []byte, deps []Dependency) *IndexEntry {
	return &IndexEntry{
		name:     name,
		version:  version,
		checksum: checksum,
		deps:     deps,
	}
}

// Name returns the crate name.
func (e *IndexEntry) Name() string {
	return e.name
}

// Version returns the crate version string.
func (e *IndexEntry) Version() string {
	return e.version
}

// Checksum returns the SHA-256 checksum of the crate archive.
func (e *IndexEntry) Checksum() []byte {
	return e.checksum
}

// Deps returns the dependency list.
func (e *IndexEntry) Deps() []Dependency {
	return e.deps
}

// Yanked returns true if the registry marked this version as yanked.
func (e *IndexEntry) Yanked() bool {
	return e.yanked
}

// Revision returns the opaque upstream revision token, if any.
func (e *IndexEntry) Revision() string {
	return e.revision
}

// SetYanked marks the entry as yanked.
func (e *IndexEntry) SetYanked(yanked bool) {
	e.yanked = yanked
}

// SetRevision attaches an upstream revision token to the entry.
func (e *IndexEntry) SetRevision(rev string) {
	e.revision = rev
}

// Key returns the "name/version" string identifying this entry.
func (e *IndexEntry) Key() string {
	return e.name + "/" + e.version
}

// Filename returns the archive file name for this entry.
func (e *IndexEntry) Filename() string {
	return ArtifactFilename(e.name, e.version)
}

// Same returns true if t describes the same content.
func (e *IndexEntry) Same(t *IndexEntry) bool {
	if e == t {
		return true
	}
	if e.name != t.name || e.version != t.version {
		return false
	}
	return bytes.Equal(e.checksum, t.checksum)
}

// ArtifactFilename returns the archive file name for a crate version.
func ArtifactFilename(name, version string) string {
	return name + "-" + version + ".crate"
}

type indexEntryJSON struct {
	Name     string       `json:"name"`
	Vers     string       `json:"vers"`
	Cksum    string       `json:"cksum"`
	Deps     []Dependency `json:"deps,omitempty"`
	Yanked   bool         `json:"yanked,omitempty"`
	Revision string       `json:"revision,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *IndexEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(&indexEntryJSON{
		Name:     e.name,
		Vers:     e.version,
		Cksum:    hex.EncodeToString(e.checksum),
		Deps:     e.deps,
		Yanked:   e.yanked,
		Revision: e.revision,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *IndexEntry) UnmarshalJSON(data []byte) error {
	var ej indexEntryJSON
	if err := json.Unmarshal(data, &ej); err != nil {
		return err
	}
	if ej.Name == "" {
		return errors.New("index entry without a name")
	}
	if ej.Vers == "" {
		return errors.New("index entry without a version: " + ej.Name)
	}
	cksum, err := hex.DecodeString(ej.Cksum)
	if err != nil {
		return errors.Wrap(err, "UnmarshalJSON cksum for "+ej.Name)
	}
	if len(cksum) != ChecksumSize {
		return errors.Newf("bad checksum length %d for %s/%s", len(cksum), ej.Name, ej.Vers)
	}
	e.name = ej.Name
	e.version = ej.Vers
	e.checksum = cksum
	e.deps = ej.Deps
	e.yanked = ej.Yanked
	e.revision = ej.Revision
	return nil
}
