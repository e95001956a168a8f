// Package postgres implements backend.Backend on PostgreSQL using pgx/v5
// with raw SQL. Claims use FOR UPDATE SKIP LOCKED so concurrent workers
// never block on each other's rows, dead-letter order comes from a
// sequence, and the schema ships as embedded SQL migrations.
package postgres
