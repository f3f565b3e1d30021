// Package storage persists engine settings and archives finished
// notification records.
//
// Drivers:
//   - "file": settings snapshot (JSON) plus an append-only history journal (JSON Lines)
//   - "sqlite": a single SQLite database (pure Go driver, no cgo)
package storage
