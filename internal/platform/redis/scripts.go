package redis

import goredis "github.com/redis/go-redis/v9"

// KEYS[1] ready, KEYS[2] inflight, KEYS[3] leases.

// pushScript returns 0 when the job is already queued or leased, -1 when the
// queue is full and 1 when the job was added.
// ARGV: job id, visible-at ms, max depth (0 = unbounded).
var pushScript = goredis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 0
end
local max = tonumber(ARGV[3])
if max > 0 and (redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2])) >= max then
  return -1
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// leaseScript reclaims expired leases, then moves the earliest visible job
// to the inflight set under a new token. Returns the job id or nil.
// ARGV: now ms, expiry ms, token.
var leaseScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[3], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
return id
`)

// ackScript removes a leased job. Returns 0 on token mismatch.
// ARGV: job id, token.
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// nackScript moves a leased job back to ready. Returns 0 on token mismatch.
// ARGV: job id, token, visible-at ms.
var nackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// renewScript pushes out a lease expiry. Returns 0 on token mismatch.
// ARGV: job id, token, expiry ms.
var renewScript = goredis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// removeScript drops a job from every structure.
// ARGV: job id.
var removeScript = goredis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)
