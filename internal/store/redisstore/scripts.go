package redisstore

import "github.com/redis/go-redis/v9"

// Waiting jobs are scored priority*priorityScale + sequence so ZPOPMIN yields
// the most urgent job and FIFO order within a priority.
const priorityScale = 1e12

// trimFinished is shared by every script that pushes to a finished list
const trimFinished = `
local function trimFinished(list, keep, jobPrefix)
  if keep > 0 then
    local trimmed = redis.call("LRANGE", list, keep, -1)
    for _, old in ipairs(trimmed) do
      redis.call("DEL", jobPrefix .. old)
    end
    redis.call("LTRIM", list, 0, keep - 1)
  end
end
`

var (
	addScript = redis.NewScript(`
local jobKey = KEYS[1]
local waiting = KEYS[2]
local seqKey = KEYS[3]
local marker = KEYS[4]
local failed = KEYS[5]
local id = ARGV[1]
local data = ARGV[2]
local priority = tonumber(ARGV[3])
local scale = tonumber(ARGV[4])
local maxAttempts = ARGV[5]
local backoffType = ARGV[6]
local backoffMs = ARGV[7]
local state = ARGV[8]
local finishedMs = ARGV[9]

if redis.call("EXISTS", jobKey) == 1 then
  return 0
end

redis.call("HSET", jobKey, "data", data, "attempts", 0, "priority", priority,
  "max", maxAttempts, "btype", backoffType, "bdelay", backoffMs)

if state == "failed" then
  redis.call("HSET", jobKey, "state", "failed", "finished", finishedMs)
  redis.call("LPUSH", failed, id)
  return 1
end

redis.call("HSET", jobKey, "state", "waiting")
local seq = redis.call("INCR", seqKey)
redis.call("ZADD", waiting, priority * scale + seq, id)
redis.call("LPUSH", marker, "1")
redis.call("LTRIM", marker, 0, 999)
return 1
`)

	// Active jobs are scored by their lease deadline in unix milliseconds. A
	// job claimed without a lease is scored +inf and never recovered.
	claimScript = redis.NewScript(trimFinished + `
local waiting = KEYS[1]
local delayed = KEYS[2]
local active = KEYS[3]
local seqKey = KEYS[4]
local failed = KEYS[5]
local jobPrefix = ARGV[1]
local nowMs = tonumber(ARGV[2])
local scale = tonumber(ARGV[3])
local leaseMs = tonumber(ARGV[4])
local keepFailed = tonumber(ARGV[5])
local reason = ARGV[6]

local function retryDelay(jobKey, attempts)
  local fields = redis.call("HMGET", jobKey, "btype", "bdelay")
  local delay = tonumber(fields[2]) or 0
  if fields[1] == "exponential" and attempts > 1 then
    delay = delay * 2 ^ (attempts - 1)
  end
  return delay
end

local expired = redis.call("ZRANGEBYSCORE", active, "-inf", nowMs, "LIMIT", 0, 100)
for _, id in ipairs(expired) do
  redis.call("ZREM", active, id)
  local jobKey = jobPrefix .. id
  local fields = redis.call("HMGET", jobKey, "attempts", "max")
  if fields[1] then
    local attempts = tonumber(fields[1])
    local maxAttempts = tonumber(fields[2]) or attempts
    redis.call("HSET", jobKey, "reason", reason)
    if attempts < maxAttempts then
      redis.call("HSET", jobKey, "state", "delayed")
      redis.call("ZADD", delayed, nowMs + retryDelay(jobKey, attempts), id)
    else
      redis.call("HSET", jobKey, "state", "failed", "finished", ARGV[2])
      redis.call("LPUSH", failed, id)
      trimFinished(failed, keepFailed, jobPrefix)
    end
  end
end

local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", nowMs, "LIMIT", 0, 100)
for _, id in ipairs(due) do
  redis.call("ZREM", delayed, id)
  local priority = redis.call("HGET", jobPrefix .. id, "priority")
  if priority then
    local seq = redis.call("INCR", seqKey)
    redis.call("ZADD", waiting, tonumber(priority) * scale + seq, id)
    redis.call("HSET", jobPrefix .. id, "state", "waiting")
  end
end

local deadline = "+inf"
if leaseMs > 0 then
  deadline = nowMs + leaseMs
end

while true do
  local popped = redis.call("ZPOPMIN", waiting)
  if #popped == 0 then
    return nil
  end
  local id = popped[1]
  local jobKey = jobPrefix .. id
  local data = redis.call("HGET", jobKey, "data")
  if data then
    redis.call("HSET", jobKey, "state", "active", "processed", nowMs)
    local attempts = redis.call("HINCRBY", jobKey, "attempts", 1)
    redis.call("ZADD", active, deadline, id)
    return {id, data, attempts}
  end
end
`)

	finishScript = redis.NewScript(trimFinished + `
local jobKey = KEYS[1]
local active = KEYS[2]
local list = KEYS[3]
local id = ARGV[1]
local data = ARGV[2]
local state = ARGV[3]
local finishedMs = ARGV[4]
local keep = tonumber(ARGV[5])
local jobPrefix = ARGV[6]
local attempts = ARGV[7]

if redis.call("EXISTS", jobKey) == 0 then
  return 0
end
if not redis.call("ZSCORE", active, id) then
  return -1
end
if redis.call("HGET", jobKey, "attempts") ~= attempts then
  return -1
end

redis.call("ZREM", active, id)
redis.call("HSET", jobKey, "data", data, "state", state, "finished", finishedMs)
redis.call("HDEL", jobKey, "reason")
redis.call("LPUSH", list, id)
trimFinished(list, keep, jobPrefix)
return 1
`)

	retryScript = redis.NewScript(`
local jobKey = KEYS[1]
local active = KEYS[2]
local delayed = KEYS[3]
local id = ARGV[1]
local data = ARGV[2]
local runAtMs = tonumber(ARGV[3])
local attempts = ARGV[4]

if redis.call("EXISTS", jobKey) == 0 then
  return 0
end
if not redis.call("ZSCORE", active, id) then
  return -1
end
if redis.call("HGET", jobKey, "attempts") ~= attempts then
  return -1
end

redis.call("ZREM", active, id)
redis.call("HSET", jobKey, "data", data, "state", "delayed")
redis.call("HDEL", jobKey, "reason")
redis.call("ZADD", delayed, runAtMs, id)
return 1
`)

	cleanScript = redis.NewScript(`
local list = KEYS[1]
local jobPrefix = ARGV[1]
local olderThanMs = tonumber(ARGV[2])

local removed = 0
local ids = redis.call("LRANGE", list, 0, -1)
for _, id in ipairs(ids) do
  local jobKey = jobPrefix .. id
  local finished = redis.call("HGET", jobKey, "finished")
  if not finished then
    redis.call("LREM", list, 1, id)
  elseif tonumber(finished) < olderThanMs then
    redis.call("LREM", list, 1, id)
    redis.call("DEL", jobKey)
    removed = removed + 1
  end
end
return removed
`)

	removeScript = redis.NewScript(`
local jobKey = KEYS[1]
local waiting = KEYS[2]
local delayed = KEYS[3]
local id = ARGV[1]

local state = redis.call("HGET", jobKey, "state")
if not state then
  return 0
end
if state ~= "waiting" and state ~= "delayed" then
  return -1
end

redis.call("ZREM", waiting, id)
redis.call("ZREM", delayed, id)
redis.call("DEL", jobKey)
return 1
`)
)
