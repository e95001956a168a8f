// Package redis implements backend.Backend on Redis.
//
// Each record is a hash holding its MessagePack encoding next to the
// fields that change while it runs, so every write is a single Lua
// script and a failure never leaves a record half moved. Eligible
// records live in a sorted set scored by negated priority, with members
// that sort by creation time and then id, so ZRANGE 0 0 is always the next
// claim. Records with a future ScheduledAt wait in a second sorted set
// scored by that time and are promoted by the claim script once due.
// Claimed ids sit in a running sorted set scored by their last heartbeat,
// which is what stale-job reaping scans. Dead-lettered ids sit in a list,
// which preserves dead-letter order.
//
// The caller owns the client:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	b := redis.New(client)
//	if err := b.Ping(ctx); err != nil { ... }
package redis
