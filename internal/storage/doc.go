// Package storage persists run history and notifier dedup state.
//
// Drivers:
//   - "file": JSON Lines journal of runs plus a dedup snapshot/journal pair
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// An empty driver or "none" disables persistence.
package storage
