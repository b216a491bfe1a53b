package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crates-mirror/crates-mirror/internal/registry"
)

// testRegistry provides a fake upstream crate registry for tests.
type testRegistry struct {
	server *httptest.Server

	mu        sync.Mutex
	files     map[string][]byte
	failFirst map[string]int // serve N 500s for a path before succeeding
	requests  map[string]int
}

func newTestRegistry() *testRegistry {
	reg := &testRegistry{
		files:     make(map[string][]byte),
		failFirst: make(map[string]int),
		requests:  make(map[string]int),
	}
	reg.server = httptest.NewServer(http.HandlerFunc(reg.handle))
	return reg
}

func (r *testRegistry) Close() {
	r.server.Close()
}

func (r *testRegistry) URL() string {
	return r.server.URL + "/"
}

func (r *testRegistry) handle(w http.ResponseWriter, req *http.Request) {
	p := strings.TrimPrefix(req.URL.Path, "/")

	r.mu.Lock()
	r.requests[p]++
	if n := r.failFirst[p]; n > 0 {
		r.failFirst[p] = n - 1
		r.mu.Unlock()
		http.Error(w, "transient error", http.StatusInternalServerError)
		return
	}
	content, ok := r.files[p]
	r.mu.Unlock()

	if !ok {
		http.NotFound(w, req)
		return
	}
	_, _ = w.Write(content)
}

// SetIndex publishes the upstream index document.
func (r *testRegistry) SetIndex(t *testing.T, revision string, entries ...*registry.IndexEntry) {
	t.Helper()
	doc := &RemoteIndex{Revision: revision, Crates: entries}
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	r.SetFile("index.json", body)
}

// SetFile stores raw content under an upstream path.
func (r *testRegistry) SetFile(p string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[p] = content
}

// RemoveFile deletes an upstream path.
func (r *testRegistry) RemoveFile(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, p)
}

// AddCrate stores archive bytes for a crate version and returns the matching
// index entry.
func (r *testRegistry) AddCrate(name, version string, content []byte) *registry.IndexEntry {
	sum := sha256.Sum256(content)
	entry := registry.NewIndexEntry(name, version, sum[:], nil)
	r.SetFile(cratePath(entry), content)
	return entry
}

// FailFirst makes the next n requests for a path return a 500.
func (r *testRegistry) FailFirst(p string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFirst[p] = n
}

// Requests returns how many times a path was requested.
func (r *testRegistry) Requests(p string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[p]
}

func cratePath(entry *registry.IndexEntry) string {
	return "crates/" + entry.Name() + "/" + entry.Filename()
}

// registryConfig builds a Config pointing a single mirror "test" at reg.
func registryConfig(t *testing.T, reg *testRegistry, dir string) *Config {
	t.Helper()
	mc := &MirrorConfig{}
	if err := mc.URL.UnmarshalText([]byte(reg.URL())); err != nil {
		t.Fatal(err)
	}
	config := NewConfig()
	config.Dir = dir
	config.MaxConns = 2
	config.Retries = 1
	config.Mirrors = map[string]*MirrorConfig{"test": mc}
	return config
}

// syncMirror builds the "test" mirror and runs one sync.
func syncMirror(t *testing.T, config *Config, bootstrap bool) (*Mirror, error) {
	t.Helper()
	m, err := NewMirror("test", config, bootstrap, true)
	if err != nil {
		t.Fatal(err)
	}
	m.upstream.backoffBase = time.Millisecond // keeps retry tests fast
	return m, m.Sync(context.Background())
}
