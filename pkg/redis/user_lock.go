package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseUserLockIfMatch 仅当锁值匹配 attempt_id 时才删除，避免误删新请求锁。
const luaReleaseUserLockIfMatch = `
local lockKey = KEYS[1]
local attemptID = ARGV[1]
if redis.call('GET', lockKey) == attemptID then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireInflightLock 用户在活动上的购买占位：同一时刻只允许一个进行中的购买。
// TTL 兜底进程崩溃后锁不释放的情况。
func AcquireInflightLock(ctx context.Context, rdb *rd.Client, saleID uint, userID, attemptID string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, InflightLockKey(saleID, userID), attemptID, ttl).Result()
}

// ReleaseInflightLockIfMatch 安全释放用户占位锁。
func ReleaseInflightLockIfMatch(ctx context.Context, rdb *rd.Client, saleID uint, userID, attemptID string) error {
	lockKey := InflightLockKey(saleID, userID)
	_, err := rdb.Eval(ctx, luaReleaseUserLockIfMatch, []string{lockKey}, attemptID).Int()
	return err
}
