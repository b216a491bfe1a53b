package mirror

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/crates-mirror/crates-mirror/internal/registry"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func contentEntry(name, version string, content []byte) *registry.IndexEntry {
	sum := sha256.Sum256(content)
	return registry.NewIndexEntry(name, version, sum[:], nil)
}

func writeTemp(t *testing.T, s *Store, content []byte) string {
	t.Helper()
	f, err := s.TempFile()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func TestNewStoreRequiresAbsolutePath(t *testing.T) {
	t.Parallel()

	if _, err := NewStore("relative/crates"); err == nil {
		t.Error("relative store path must be rejected")
	}
}

func TestStorePutAndExists(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	content := []byte("archive bytes")
	entry := contentEntry("foo", "1.0.0", content)

	if s.Exists(entry) {
		t.Error("Exists must be false before Put")
	}

	record, err := s.Put(entry, writeTemp(t, s, content))
	if err != nil {
		t.Fatal(err)
	}
	if record.Size != int64(len(content)) {
		t.Errorf("record.Size = %d, want %d", record.Size, len(content))
	}
	if record.Path != filepath.Join(s.Dir(), entry.Filename()) {
		t.Errorf("record.Path = %q", record.Path)
	}

	if !s.Exists(entry) {
		t.Error("Exists must be true after Put")
	}
}

func TestStorePutChecksumMismatch(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	entry := contentEntry("foo", "1.0.0", []byte("expected content"))
	tmpPath := writeTemp(t, s, []byte("different content"))

	_, err := s.Put(entry, tmpPath)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}

	if _, err := os.Stat(filepath.Join(s.Dir(), entry.Filename())); !os.IsNotExist(err) {
		t.Error("mismatching content must not appear under the final name")
	}
}

func TestStoreExistsRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	entry := contentEntry("foo", "1.0.0", []byte("real content"))

	if err := os.WriteFile(filepath.Join(s.Dir(), entry.Filename()), []byte("trunc"), 0644); err != nil {
		t.Fatal(err)
	}
	if s.Exists(entry) {
		t.Error("a file with a wrong checksum must not count as stored")
	}
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	content := []byte("archive bytes")
	entry := contentEntry("foo", "1.0.0", content)

	if _, err := s.Put(entry, writeTemp(t, s, content)); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(entry); err != nil {
		t.Fatal(err)
	}
	if s.Exists(entry) {
		t.Error("Exists must be false after Remove")
	}

	// removing again is not an error
	if err := s.Remove(entry); err != nil {
		t.Error(err)
	}
}

func TestStoreGC(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	content := []byte("archive bytes")
	entry := contentEntry("foo", "1.0.0", content)
	if _, err := s.Put(entry, writeTemp(t, s, content)); err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(s.Dir(), tempPrefix+"98765")
	if err := os.WriteFile(stale, []byte("partial"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := s.GC(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("GC must remove stale temp files")
	}
	if !s.Exists(entry) {
		t.Error("GC must not touch published archives")
	}
}

func TestStoreRejectsUnsafeNames(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	sum := make([]byte, registry.ChecksumSize)
	entry := registry.NewIndexEntry("../escape", "1.0.0", sum, nil)

	if s.Exists(entry) {
		t.Error("unsafe name must not exist")
	}
	if _, err := s.Put(entry, "/dev/null"); err == nil {
		t.Error("Put must reject unsafe artifact names")
	}
	if err := s.Remove(entry); err == nil {
		t.Error("Remove must reject unsafe artifact names")
	}
}

func TestStoreConcurrentPuts(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		content := []byte(fmt.Sprintf("content of crate %d", i))
		entry := contentEntry(fmt.Sprintf("crate%d", i), "1.0.0", content)
		tmpPath := writeTemp(t, s, content)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Put(entry, tmpPath)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Put %d: %v", i, err)
		}
	}
}
