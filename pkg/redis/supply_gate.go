package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaTakeSupply：原子「读剩余 → 判断 ≥ 扣减量 → DECRBY」
// 返回扣减后的值；不足返回 -1；key 不存在返回 -2（未预热，放行给数据库判断）
const luaTakeSupply = `
local key = KEYS[1]
local decr = tonumber(ARGV[1])
local raw = redis.call('GET', key)
if not raw then
  return -2
end
local current = tonumber(raw)
if current >= decr then
  return redis.call('DECRBY', key, decr)
end
return -1
`

// luaReturnSupplyOnce 通过 SETNX 锁保证“同一尝试只归还一次”。
const luaReturnSupplyOnce = `
local lockKey = KEYS[1]
local supplyKey = KEYS[2]
local units = tonumber(ARGV[1])
local ttlSec = tonumber(ARGV[2])

if redis.call('SETNX', lockKey, '1') == 1 then
  redis.call('EXPIRE', lockKey, ttlSec)
  if redis.call('EXISTS', supplyKey) == 1 then
    redis.call('INCRBY', supplyKey, units)
  end
  return 1
end
return 0
`

// TakeResult 闸门扣减结果
type TakeResult int

const (
	SupplyTaken     TakeResult = iota // 已扣减
	SupplyExhausted                   // 剩余不足
	SupplyUnknown                     // 未预热，不做判断
)

// TakeSupply 在闸门上预扣 units 件。
func TakeSupply(ctx context.Context, rdb *rd.Client, saleID uint, units int) (TakeResult, error) {
	n, err := rdb.Eval(ctx, luaTakeSupply, []string{SupplyKey(saleID)}, units).Int()
	if err != nil {
		return SupplyUnknown, err
	}
	switch {
	case n == -2:
		return SupplyUnknown, nil
	case n < 0:
		return SupplyExhausted, nil
	default:
		return SupplyTaken, nil
	}
}

// ReturnSupplyOnce 幂等归还：
// - 首次归还返回 true
// - 重复归还返回 false（不会重复加回）
func ReturnSupplyOnce(ctx context.Context, rdb *rd.Client, attemptID string, saleID uint, units int) (bool, error) {
	const lockTTLSeconds = int64((7 * 24 * time.Hour) / time.Second)
	n, err := rdb.Eval(ctx, luaReturnSupplyOnce,
		[]string{SupplyReturnedKey(attemptID), SupplyKey(saleID)}, units, lockTTLSeconds).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PreloadSupply 把剩余可售件数写入闸门。
func PreloadSupply(ctx context.Context, rdb *rd.Client, saleID uint, remaining int, ttl time.Duration) error {
	return rdb.Set(ctx, SupplyKey(saleID), remaining, ttl).Err()
}

// GetSupply 查询闸门剩余；found=false 表示尚未预热。
func GetSupply(ctx context.Context, rdb *rd.Client, saleID uint) (int64, bool, error) {
	v, err := rdb.Get(ctx, SupplyKey(saleID)).Int64()
	if errors.Is(err, rd.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}
