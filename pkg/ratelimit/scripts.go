package ratelimit

// admitScript evaluates every tier and records the request as one atomic
// step. A separate read-then-write would let concurrent callers past the
// limit, so prune+count+record all happen inside this script.
//
// KEYS: [1..4] window zsets (user minute/hour/day, global hour)
//
//	[5] user cost ledger  [6] global cost ledger  [7] concurrency slot
//
// ARGV: [1] now ms, [2] member,
//
//	[3..6] window limits, [7..10] window lengths ms,
//	[11] user cost budget, [12] global cost budget, [13] cost hint,
//	[14] ms until UTC midnight, [15] slot max, [16] slot ttl ms
//
// Reply: {1} when admitted, {0, tierIndex, retryAfterMs} when denied.
const admitScript = `
local now = tonumber(ARGV[1])
local member = ARGV[2]

for i = 1, 4 do
  local limit = tonumber(ARGV[2 + i])
  if limit > 0 then
    local key = KEYS[i]
    local win = tonumber(ARGV[6 + i])
    redis.call("ZREMRANGEBYSCORE", key, 0, now - win)
    local count = redis.call("ZCARD", key)
    if count >= limit then
      local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
      local retry = win
      if oldest[2] then
        retry = tonumber(oldest[2]) + win - now
      end
      if retry < 1 then retry = 1 end
      return {0, i, retry}
    end
  end
end

local hint = tonumber(ARGV[13])
local userBudget = tonumber(ARGV[11])
if userBudget > 0 then
  local used = tonumber(redis.call("GET", KEYS[5]) or "0")
  if used >= userBudget or (hint > 0 and used + hint > userBudget) then
    return {0, 5, tonumber(ARGV[14])}
  end
end
local globalBudget = tonumber(ARGV[12])
if globalBudget > 0 then
  local used = tonumber(redis.call("GET", KEYS[6]) or "0")
  if used >= globalBudget or (hint > 0 and used + hint > globalBudget) then
    return {0, 6, tonumber(ARGV[14])}
  end
end

local slotMax = tonumber(ARGV[15])
if slotMax > 0 then
  local inflight = tonumber(redis.call("GET", KEYS[7]) or "0")
  if inflight >= slotMax then
    return {0, 7, 1000}
  end
end

for i = 1, 4 do
  if tonumber(ARGV[2 + i]) > 0 then
    local win = tonumber(ARGV[6 + i])
    redis.call("ZADD", KEYS[i], now, member)
    redis.call("PEXPIRE", KEYS[i], win + 1000)
  end
end
if slotMax > 0 then
  redis.call("INCR", KEYS[7])
  redis.call("PEXPIRE", KEYS[7], tonumber(ARGV[16]))
end
return {1}
`

// releaseScript decrements the concurrency slot with a floor at zero so a
// double release or a release after TTL expiry can never drive it negative.
//
// KEYS: [1] concurrency slot
const releaseScript = `
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`

// recordCostScript appends actual spend to the per-subject and global
// calendar-day ledgers and keeps them alive slightly past the day boundary.
//
// KEYS: [1] user ledger, [2] global ledger
// ARGV: [1] cost USD, [2] ledger ttl ms
const recordCostScript = `
redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("INCRBYFLOAT", KEYS[2], ARGV[1])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return 1
`
