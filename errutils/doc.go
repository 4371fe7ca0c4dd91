// Package errutils provides a set of utilities for working with errors in Go.
//
// MultiError collects errors from independent operations (for example,
// stopping several components) into one value that still implements the
// error interface, rendering one line per collected error.
package errutils
