package mirror

import "github.com/cockroachdb/errors"

// Sentinel errors shared by the sync engine.  Callers classify task outcomes
// with errors.Is against these.
var (
	// ErrNotFound reports that the upstream registry has no content for a
	// requested path.  Never retried.
	ErrNotFound = errors.New("not found upstream")

	// ErrChecksumMismatch reports that downloaded bytes do not hash to the
	// checksum the index declared.  Never retried; signals upstream
	// corruption or tampering.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrChecksumConflict reports that the upstream index declares a
	// different checksum than the locally committed index for the same
	// crate version.  Versions are immutable; the sync aborts.
	ErrChecksumConflict = errors.New("checksum conflict for already-mirrored version")
)
