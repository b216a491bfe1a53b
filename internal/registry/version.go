package registry

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions orders two version strings.  Semantic versions are compared
// per semver precedence rules; anything unparsable falls back to lexicographic
// comparison so that ordering stays total and deterministic.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// SortVersions sorts version strings in place from oldest to newest.
func SortVersions(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) < 0
	})
}
