/*
Package cratesmirror is a tool for maintaining local mirrors of Cargo-style
crate registries.

crates-mirror keeps an offline-consumable copy of a remote registry: the
registry index (crate names, versions, checksums, dependency metadata) and the
crate archives it references. Features include:
  - Incremental synchronization driven by an index diff
  - SHA-256 verification of every downloaded archive
  - Optional PGP signature verification of the registry index
  - Concurrent downloads with a shared connection ceiling
  - Crash-safe updates with atomic index commits and file locking

The main packages are:

	github.com/crates-mirror/crates-mirror/internal/registry  - registry index format and checksums
	github.com/crates-mirror/crates-mirror/internal/mirror    - core sync engine and storage
	github.com/crates-mirror/crates-mirror/cmd/crates-mirror  - command-line interface
*/
package cratesmirror
