// Package sqlite implements backend.Backend on an embedded SQLite database
// through database/sql and the mattn/go-sqlite3 driver. It suits single-node
// deployments, CLI tools and tests that want durable state without a
// server.
//
//	b, err := sqlite.Open(ctx, "file:jobs.db?_journal_mode=WAL")
//	if err != nil { ... }
//	defer b.Close()
//	if err := b.Migrate(ctx); err != nil { ... }
//
// All writes go through a single connection, so claims are serialized by
// the database handle rather than by row locks.
package sqlite
