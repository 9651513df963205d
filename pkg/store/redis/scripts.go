package redis

import "github.com/redis/rueidis"

// Balances are stored as integer minor units so HINCRBY stays exact.
// Every script touches only keys that share the owner's hash tag.

// createAccountScript: KEYS[1]=account. ARGV: id, available, invested, now.
// Returns 0 if the account exists, 1 on insert.
var createAccountScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'available', ARGV[2], 'invested', ARGV[3], 'created_at', ARGV[4], 'updated_at', ARGV[4])
return 1
`)

// createInvestmentScript: KEYS[1]=account, KEYS[2]=investment, KEYS[3]=owner set.
// ARGV: amount, negated amount, now, id, then field/value pairs for the investment hash.
// Returns -1 missing owner, -2 duplicate, -3 insufficient funds, 1 inserted.
var createInvestmentScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return -2
end
local avail = tonumber(redis.call('HGET', KEYS[1], 'available'))
if avail < tonumber(ARGV[1]) then
  return -3
end
redis.call('HINCRBY', KEYS[1], 'available', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'invested', ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
redis.call('HSET', KEYS[2], unpack(ARGV, 5))
redis.call('SADD', KEYS[3], ARGV[4])
return 1
`)

// transitionScript: KEYS[1]=investment, KEYS[2]=account.
// ARGV: from, to, completed_at ('' for none), available delta, invested delta, now.
// Returns -1 missing investment, -2 missing account, -3 insufficient funds,
// 0 status no longer matches, 1 applied.
var transitionScript = rueidis.NewLuaScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status ~= ARGV[1] then
  return 0
end
local ad = tonumber(ARGV[4])
local id = tonumber(ARGV[5])
if ad ~= 0 or id ~= 0 then
  if redis.call('EXISTS', KEYS[2]) == 0 then
    return -2
  end
  local avail = tonumber(redis.call('HGET', KEYS[2], 'available'))
  if avail + ad < 0 then
    return -3
  end
  redis.call('HINCRBY', KEYS[2], 'available', ARGV[4])
  redis.call('HINCRBY', KEYS[2], 'invested', ARGV[5])
  redis.call('HSET', KEYS[2], 'updated_at', ARGV[6])
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'completed_at', ARGV[3])
end
return 1
`)

// incrementScript: KEYS[1]=account. ARGV: field, delta, now, guard ('1' rejects negative results).
// Returns -1 missing account, -3 insufficient funds, 1 applied.
var incrementScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if ARGV[4] == '1' then
  local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]))
  if cur + tonumber(ARGV[2]) < 0 then
    return -3
  end
end
redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
return 1
`)
