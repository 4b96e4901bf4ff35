// Package integration runs the storage backends and the assembled
// application against real PostgreSQL, MongoDB and Redis instances started
// with testcontainers.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
