// Package store persists interview sessions.
//
// # Architecture
//
// The Store interface combines two narrower interfaces:
//
//   - SnapshotStore: Encoded checkpoints, newest-first listing and pruning
//   - Journal: Append-only record of bus events with cursor pagination
//
// SQLiteStore implements both on one database (modernc.org/sqlite, WAL mode).
// MemoryStore is the in-memory implementation used by tests and by sessions
// configured without a database path.
//
// # Snapshots
//
// Snapshot data is opaque to the store. Encoding, checksums and validation
// belong to the checkpoint package; the checksum is stored alongside for
// inspection only.
package store
