// Package storage persists per-entity WatchState (dedup marker, baseline flag
// and live-room status) so restarts neither replay nor lose items.
//
// Drivers:
//   - "file": dependency-free snapshot + JSONL journal
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": shared PostgreSQL database (lib/pq)
//   - "memory": process-local, for tests and dry runs
package storage
