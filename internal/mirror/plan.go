package mirror

import (
	"bytes"
	"path"
	"sort"

	"github.com/crates-mirror/crates-mirror/internal/registry"
)

// FetchTask is one planned artifact download.  Tasks are pure data and
// independent of each other; building them has no side effects.
type FetchTask struct {
	Entry *registry.IndexEntry
}

// Plan turns a sync delta into the ordered list of fetch tasks.
//
// Ordering is lexicographic by name, then by version precedence, then by
// checksum, so repeated runs over the same delta produce identical task
// lists and therefore reproducible logs.
func Plan(delta *SyncDelta) []FetchTask {
	entries := make([]*registry.IndexEntry, len(delta.ToFetch))
	copy(entries, delta.ToFetch)
	sortEntries(entries)

	tasks := make([]FetchTask, len(entries))
	for i, entry := range entries {
		tasks[i] = FetchTask{Entry: entry}
	}
	return tasks
}

func sortEntries(entries []*registry.IndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Name() != entries[j].Name() {
			return entries[i].Name() < entries[j].Name()
		}
		if c := registry.CompareVersions(entries[i].Version(), entries[j].Version()); c != 0 {
			return c < 0
		}
		return bytes.Compare(entries[i].Checksum(), entries[j].Checksum()) < 0
	})
}

// FilterRemote applies the configured crate filters to an upstream snapshot
// before diffing, so that excluded crates are neither fetched nor counted as
// pruned-then-refetched on later runs.
func FilterRemote(remote *RemoteIndex, filters *CrateFilters) *RemoteIndex {
	if filters == nil {
		return remote
	}

	kept := make([]*registry.IndexEntry, 0, len(remote.Crates))
	for _, entry := range remote.Crates {
		if matchesAny(filters.ExcludePatterns, entry.Name()) {
			continue
		}
		kept = append(kept, entry)
	}

	if filters.KeepVersions > 0 {
		kept = keepNewestVersions(kept, filters.KeepVersions)
	}

	return &RemoteIndex{
		Revision: remote.Revision,
		Crates:   kept,
	}
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		// pattern validity is checked by CrateFilters.Check
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// keepNewestVersions retains only the n newest versions of each crate.
func keepNewestVersions(entries []*registry.IndexEntry, n int) []*registry.IndexEntry {
	byName := make(map[string][]*registry.IndexEntry)
	for _, entry := range entries {
		byName[entry.Name()] = append(byName[entry.Name()], entry)
	}

	kept := make([]*registry.IndexEntry, 0, len(entries))
	for _, versions := range byName {
		sortEntries(versions)
		if len(versions) > n {
			versions = versions[len(versions)-n:]
		}
		kept = append(kept, versions...)
	}
	sortEntries(kept)
	return kept
}
