/*
Package condasync is a tool for mirroring conda channels.

condasync keeps a local copy of conda package channels and installer
archives up to date with features including:
  - Incremental updates driven by repodata.json
  - Early-stopping scans of newest-first installer listings
  - Checksum verification of every downloaded file
  - Atomic publication of files and index documents
  - Concurrent trees with file locking

The main packages are:

	github.com/mirrorctl/condasync/internal/conda   - repodata.json and listing parsing, checksums
	github.com/mirrorctl/condasync/internal/mirror  - Core mirroring logic and storage abstraction
	github.com/mirrorctl/condasync/cmd/condasync    - Command-line interface
*/
package condasync
