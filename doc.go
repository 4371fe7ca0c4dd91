// Package taskhub is a durable job execution engine: it turns a single
// logical unit of work (a Task) into a set of independently retryable Jobs,
// persists their state through a pluggable JobStore, and runs them under an
// adaptive concurrency controller with crash-safe recovery.
//
// Sub-packages cover storage, fingerprinting, and the ambient concerns the
// engine itself depends on:
//
//	import "go.taskhub.dev/taskhub/store"    // JobStore interface, InMemoryStore
//	import "go.taskhub.dev/taskhub/sqlstore" // embedded-SQL JobStore
//	import "go.taskhub.dev/taskhub/merkle"   // deterministic job-set fingerprinting
//	import "go.taskhub.dev/taskhub/l3"       // structured logging
//	import "go.taskhub.dev/taskhub/messaging" // event pub/sub backbone
package taskhub
