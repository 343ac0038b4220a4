package redis

import "fmt"

// SupplyKey 活动剩余可售件数（供应闸门）。
func SupplyKey(saleID uint) string {
	return fmt.Sprintf("pack_sale:supply:%d", saleID)
}

// SupplyReturnedKey 标记某次尝试是否已归还过供应。
func SupplyReturnedKey(attemptID string) string {
	return fmt.Sprintf("pack_sale:supply:returned:%s", attemptID)
}

// AttemptStateKey 存储购买尝试的状态（admitted/hold_placed/.../done）。
func AttemptStateKey(attemptID string) string {
	return fmt.Sprintf("pack_sale:attempt:state:%s", attemptID)
}

// InflightLockKey 标记某用户在某活动上“正在购买”。
func InflightLockKey(saleID uint, userID string) string {
	return fmt.Sprintf("pack_sale:purchase:inflight:%d:%s", saleID, userID)
}

// RateLimitKey 购买接口的限流 key，who 为 user:<id> 或 ip:<addr>。
func RateLimitKey(who string) string {
	return "rate_limit:pack_sale:" + who
}
