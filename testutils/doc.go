// Package testutils provides testing utilities for the lbpool project.
//
// This package contains backends and helpers that can be shared across the
// test suites of the balancer, the HTTP dispatch front and the command.
//
// Key components:
//   - Backend: an HTTP server that counts the TCP connections opened to it
//   - WriteConfigFile: writes a TOML configuration into a test temp dir
//
// Example usage:
//
//	import "github.com/migadu/lbpool/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		backend := testutils.NewBackend(t, nil)
//		// Point a balancer host at backend.Addr()...
//	}
package testutils
