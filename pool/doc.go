// Package pool provides a generic object pool implementation.
//
// It supports configurable min/max capacity, bounded checkout waits, and
// object lifecycle management through a user-supplied ObjectHandler.
package pool
