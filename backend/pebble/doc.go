// Package pebble implements backend.Backend on an embedded Pebble
// key-value store. Records live under a job/ prefix and a ready/ index
// whose key order is the claim order, so ClaimNext is an ordered scan.
// Dead-letter order is a big-endian sequence under dlq/.
//
// A process-local mutex serializes mutations; Pebble itself does not
// provide multi-key transactions. The database directory must not be
// shared between processes.
package pebble
