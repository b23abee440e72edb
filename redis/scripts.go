package redis

import "github.com/redis/go-redis/v9"

// The stock and lock primitives have to be indivisible on the server: a
// check-then-act from the client permits overselling even while a lock is
// held, because a crash mid critical section can leave the counter
// inconsistent with the lock state. Each script below runs as one atomic step
// on the node.

// Guarded decrement. Returns -2 when the counter is absent, -1 when its value
// is below the requested quantity (counter untouched), else the value after
// the decrement.
var luaTryDecrement = redis.NewScript(`
local current_stock = redis.call("GET", KEYS[1])
if not current_stock then
    return -2
end
current_stock = tonumber(current_stock)
local quantity = tonumber(ARGV[1])
if current_stock >= quantity then
    redis.call("DECRBY", KEYS[1], quantity)
    return current_stock - quantity
else
    return -1
end
`)

// Guarded compensate. Must never turn a missing key into a positive counter:
// if the key expired or was administratively removed, the compensation is a
// reported no-op (-1). Otherwise returns the value after the increment.
var luaCompensate = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
return redis.call("INCRBY", KEYS[1], ARGV[1])
`)

// Compare-and-delete. Removes the lock record only when the stored value
// equals the presented token, so a caller whose TTL expired while paused
// cannot delete the successor's lock.
var luaCompareDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Compare-and-refresh. Extends the TTL only when the token matches.
var luaCompareRefresh = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)
