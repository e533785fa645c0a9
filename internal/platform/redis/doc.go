// Package redis implements the broker and the dedup cache on Redis.
//
// The work queue is two sorted sets and a hash: ready jobs scored by the
// unix millisecond at which they become visible, leased jobs scored by lease
// expiry, and the current lease token per job. Every queue mutation is a Lua
// script so that reclaiming, leasing and token checks are atomic. Session
// channels use Redis pub/sub with JSON payloads.
//
// Usage:
//
//	client := goredis.NewClient(opts)
//	b := redis.NewBroker(client, redis.WithKeyPrefix("voxq"))
//	if err := b.Ping(ctx); err != nil { ... }
package redis
