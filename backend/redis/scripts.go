package redis

import goredis "github.com/redis/go-redis/v9"

// Every script takes the same KEYS layout, built by keys.script:
//
//	KEYS[1] record key, or the record key prefix when the script finds its
//	        records itself (claim, reap)
//	KEYS[2] ready     KEYS[3] delayed   KEYS[4] priority
//	KEYS[5] running   KEYS[6] dead
//
// Scripts that derive record keys from KEYS[1] assume a single node.

const luaHelpers = `
local function store(rec, i)
  redis.call('HSET', rec,
    'data', ARGV[i], 'status', ARGV[i+1], 'attempts', ARGV[i+2],
    'error', ARGV[i+3], 'heartbeat', ARGV[i+4],
    'member', ARGV[i+5], 'score', ARGV[i+6], 'sched', ARGV[i+7])
end

local function unplace(rec)
  local m = redis.call('HGET', rec, 'member')
  if m then
    redis.call('ZREM', KEYS[2], m)
    redis.call('ZREM', KEYS[3], m)
    redis.call('HDEL', KEYS[4], m)
  end
end

local function place(rec, now)
  local v = redis.call('HMGET', rec, 'member', 'score', 'sched')
  local m, score, sched = v[1], v[2], v[3]
  if sched and sched ~= '' and tonumber(sched) > tonumber(now) then
    redis.call('HSET', KEYS[4], m, score)
    redis.call('ZADD', KEYS[3], sched, m)
  else
    redis.call('ZADD', KEYS[2], score, m)
  end
end

local function read(rec)
  return redis.call('HMGET', rec, 'data', 'status', 'attempts', 'error', 'heartbeat')
end
`

// insertScript stores and queues a new record.
// ARGV: now, record fields. Returns 0 if the id exists.
var insertScript = goredis.NewScript(luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
store(KEYS[1], 2)
place(KEYS[1], ARGV[1])
return 1
`)

// claimScript promotes due delayed members, pops the best ready member,
// marks its record running and returns it.
// ARGV: now.
var claimScript = goredis.NewScript(luaHelpers + `
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, m in ipairs(due) do
  local score = redis.call('HGET', KEYS[4], m)
  redis.call('ZADD', KEYS[2], tonumber(score), m)
  redis.call('ZREM', KEYS[3], m)
  redis.call('HDEL', KEYS[4], m)
end
local top = redis.call('ZRANGE', KEYS[2], 0, 0)
if #top == 0 then
  return false
end
redis.call('ZREM', KEYS[2], top[1])
local id = string.sub(top[1], string.find(top[1], ':', 1, true) + 1)
local rec = KEYS[1] .. id
redis.call('ZADD', KEYS[5], ARGV[1], id)
redis.call('HSET', rec, 'status', 'running', 'heartbeat', ARGV[1])
redis.call('HINCRBY', rec, 'attempts', 1)
return read(rec)
`)

// ackScript deletes a claimed record.
// ARGV: id. Returns 0 if the id is not claimed.
var ackScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[5], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// failScript marks a claimed record failed.
// ARGV: id, reason. Returns 0 if the id is not claimed.
var failScript = goredis.NewScript(`
if not redis.call('ZSCORE', KEYS[5], ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[2])
return 1
`)

// heartbeatScript refreshes a claimed record's running score.
// ARGV: id, now. Returns 0 if the id is not claimed.
var heartbeatScript = goredis.NewScript(`
if not redis.call('ZSCORE', KEYS[5], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'heartbeat', ARGV[2])
return 1
`)

// reinsertScript upserts a record as pending, pulling it out of whatever
// pool it was in.
// ARGV: now, id, record fields.
var reinsertScript = goredis.NewScript(luaHelpers + `
unplace(KEYS[1])
redis.call('ZREM', KEYS[5], ARGV[2])
redis.call('LREM', KEYS[6], 0, ARGV[2])
store(KEYS[1], 3)
place(KEYS[1], ARGV[1])
return 1
`)

// deadLetterScript upserts a record as dead-lettered at the tail of the
// dead list.
// ARGV: id, record fields.
var deadLetterScript = goredis.NewScript(luaHelpers + `
unplace(KEYS[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('LREM', KEYS[6], 0, ARGV[1])
store(KEYS[1], 2)
redis.call('RPUSH', KEYS[6], ARGV[1])
return 1
`)

// replayScript returns a dead-lettered record to the eligible pool with a
// fresh retry budget. Nothing changes if the id is not dead-lettered.
// ARGV: now, id.
var replayScript = goredis.NewScript(luaHelpers + `
if redis.call('HGET', KEYS[1], 'status') ~= 'dead_letter' then
  return false
end
redis.call('LREM', KEYS[6], 0, ARGV[2])
redis.call('HSET', KEYS[1], 'status', 'pending', 'attempts', 0, 'error', '', 'heartbeat', '')
place(KEYS[1], ARGV[1])
return read(KEYS[1])
`)

// reapScript requeues claimed records whose heartbeat is older than the
// cutoff and returns them.
// ARGV: cutoff, now.
var reapScript = goredis.NewScript(luaHelpers + `
local stale = redis.call('ZRANGEBYSCORE', KEYS[5], '-inf', '(' .. ARGV[1])
local out = {}
for _, id in ipairs(stale) do
  local rec = KEYS[1] .. id
  redis.call('ZREM', KEYS[5], id)
  if redis.call('EXISTS', rec) == 1 then
    redis.call('HSET', rec, 'status', 'pending', 'heartbeat', '')
    place(rec, ARGV[2])
    out[#out + 1] = read(rec)
  end
end
return out
`)
