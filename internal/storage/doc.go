// Package storage is the audit journal: session lifecycle, breaker
// transitions and config reloads, appended as they happen and pruned by
// retention.
//
// Two drivers exist:
//   - "file": JSON Lines file, rewritten on prune
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
package storage
