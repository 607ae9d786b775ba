package queue

// KEYS: active, lock, target list, job hash, stalled counter
// ARGV: id, token, timestamp, hash field, hash value
// Returns -1 when another worker owns the lock.
const luaFinish = `
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[2] then
  return -1
end
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('DEL', KEYS[5])
redis.call('RPUSH', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[4], 'finishedOn', ARGV[3], ARGV[4], ARGV[5])
return 1
`

// KEYS: active, lock, wait, job hash
// ARGV: id, token, reason
const luaRetry = `
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[2] then
  return -1
end
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[4], 'failedReason', ARGV[3])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`

// KEYS: lock
// ARGV: token, ttl ms
const luaExtendLock = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Two-phase stalled detection. Ids marked by the previous run that are still
// active and unlocked are recovered to wait, or failed once their stalled
// counter exceeds the limit. The current active ids are then marked for the
// next run.
//
// The lock, stalled and job keys of marked ids are only known inside the
// script, so they are derived from ARGV[1]. The prefix carries the queue's
// hash tag, which keeps them in the slot of the declared KEYS.
//
// KEYS: active, wait, failed, stalled-check set
// ARGV: key prefix, max stalled count, timestamp
// Returns {recovered ids, failed ids}.
const luaCheckStalled = `
local prefix = ARGV[1]
local maxStalled = tonumber(ARGV[2])
local recovered = {}
local failed = {}
local marked = redis.call('SMEMBERS', KEYS[4])
for _, id in ipairs(marked) do
  if redis.call('EXISTS', prefix .. 'lock:' .. id) == 0 then
    if redis.call('LREM', KEYS[1], 0, id) > 0 then
      local count = redis.call('INCR', prefix .. 'stalled:' .. id)
      if count > maxStalled then
        redis.call('DEL', prefix .. 'stalled:' .. id)
        redis.call('RPUSH', KEYS[3], id)
        redis.call('HSET', prefix .. 'job:' .. id,
          'failedReason', 'job stalled more than allowable limit',
          'finishedOn', ARGV[3])
        table.insert(failed, id)
      else
        redis.call('RPUSH', KEYS[2], id)
        table.insert(recovered, id)
      end
    end
  end
end
redis.call('DEL', KEYS[4])
local active = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(active) do
  redis.call('SADD', KEYS[4], id)
end
return {recovered, failed}
`
