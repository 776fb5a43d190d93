// Package testutil provides testing utilities, fixtures, and mock time
// providers for deterministic broker tests.
package testutil
