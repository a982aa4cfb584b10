package cache

// Lua scripts for atomic admission operations. Loaded once at startup
// via SCRIPT LOAD and invoked by SHA; on a NOSCRIPT miss, Cache.Admit
// reloads the script with SCRIPT LOAD and retries EVALSHA once (see
// cache.go).

const (
	// AdmissionScript performs the entire admission decision in one
	// round trip: the stock check, the per-user uniqueness check, and
	// the decrement + participant-set insert commit together or not
	// at all.
	//
	// KEYS: [1] stock_key, [2] participants_key, [3] user_coupon_key
	// ARGV: [1] user_id, [2] candidate_coupon_id, [3] ttl_seconds
	// Returns:
	//   failure: {0, reason}
	//   success: {1, "SUCCESS", candidate_coupon_id, new_remaining_stock}
	AdmissionScript = `
		local stock_key = KEYS[1]
		local participants_key = KEYS[2]
		local user_coupon_key = KEYS[3]

		local user_id = ARGV[1]
		local coupon_id = ARGV[2]
		local ttl_seconds = tonumber(ARGV[3])

		if redis.call('EXISTS', stock_key) == 0 then
			return {0, 'STOCK_NOT_INITIALIZED'}
		end

		if redis.call('SISMEMBER', participants_key, user_id) == 1 then
			return {0, 'USER_ALREADY_PARTICIPATED'}
		end

		local stock = tonumber(redis.call('GET', stock_key))
		if stock == nil or stock <= 0 then
			return {0, 'NO_STOCK_AVAILABLE'}
		end

		local remaining = redis.call('DECR', stock_key)
		redis.call('SADD', participants_key, user_id)
		redis.call('SET', user_coupon_key, coupon_id, 'EX', ttl_seconds)
		redis.call('EXPIRE', stock_key, ttl_seconds)
		redis.call('EXPIRE', participants_key, ttl_seconds)

		return {1, 'SUCCESS', coupon_id, remaining}
	`
)
