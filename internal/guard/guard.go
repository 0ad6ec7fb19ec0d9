// Package guard throttles and deduplicates inbound Telegram updates. Its
// state lives in redis so every relay instance sees the same counters.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// countScript increments KEYS[1], arms its expiry of ARGV[1] seconds on the
// first hit and returns the new count.
var countScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter caps the commands one account may run per UTC clock hour.
type RateLimiter struct {
	rdb   redis.Cmdable
	limit int64
}

// NewRateLimiter allows limit commands an hour. limit <= 0 turns it off.
func NewRateLimiter(rdb redis.Cmdable, limit int64) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: limit}
}

// hourWindow returns the clock hour containing now and how many whole
// seconds of it remain, never less than one.
func hourWindow(now time.Time) (start, end time.Time, remaining int64) {
	start = now.UTC().Truncate(time.Hour)
	end = start.Add(time.Hour)
	remaining = int64(end.Sub(now.UTC()).Seconds())
	return start, end, max(remaining, 1)
}

// Allow counts one command for accountID. used includes this command and
// resetAt is when the current window closes.
func (r *RateLimiter) Allow(ctx context.Context, accountID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	start, end, remaining := hourWindow(now)
	if r.limit <= 0 {
		return true, 0, end, nil
	}

	key := fmt.Sprintf("hookgram:ratelimit:%d:%s", accountID, start.Format("2006010215"))
	used, err = countScript.Run(ctx, r.rdb, []string{key}, remaining).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("count commands of account %d: %w", accountID, err)
	}
	return used <= r.limit, used, end, nil
}

// UpdateDeduplicator drops updates Telegram redelivers to the same bot.
type UpdateDeduplicator struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewUpdateDeduplicator remembers each update id for ttl.
func NewUpdateDeduplicator(rdb redis.Cmdable, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{rdb: rdb, ttl: ttl}
}

// MarkFirst records updateID for botID and reports whether it was new.
func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, botID string, updateID int64) (bool, error) {
	key := fmt.Sprintf("hookgram:update:%s:%d", botID, updateID)
	fresh, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark update %d of bot %s: %w", updateID, botID, err)
	}
	return fresh, nil
}
