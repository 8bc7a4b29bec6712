// Package store provides persistent storage for the hub using SQLite.
//
// The ledger is append-only: every connection, room, and dispatch event
// becomes one Event row. Writes happen off the hot path (fire-and-forget
// from the hub) and reads serve the /api/events endpoint only — the hub
// never replays the ledger.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//
// Use NewSQLiteStore(":memory:") for tests.
package store
