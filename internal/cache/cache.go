package cache

import (
	"context"
	"strconv"
	"time"

	rediskey "pack_sale/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// SupplyGate Redis 供应闸门：售罄请求在进数据库之前被挡掉，数据库事务仍是最终裁决。
type SupplyGate struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewSupplyGate(rdb *rd.Client, ttl time.Duration) *SupplyGate {
	return &SupplyGate{rdb: rdb, ttl: ttl}
}

// Take 返回 false 表示闸门判定已售罄；未预热时放行。
func (g *SupplyGate) Take(ctx context.Context, saleID uint, units int) (bool, error) {
	res, err := rediskey.TakeSupply(ctx, g.rdb, saleID, units)
	if err != nil {
		return true, err
	}
	return res != rediskey.SupplyExhausted, nil
}

// Return 尝试失败时归还，按 attempt 幂等。
func (g *SupplyGate) Return(ctx context.Context, attemptID string, saleID uint, units int) error {
	_, err := rediskey.ReturnSupplyOnce(ctx, g.rdb, attemptID, saleID, units)
	return err
}

func (g *SupplyGate) Preload(ctx context.Context, saleID uint, remaining int) error {
	return rediskey.PreloadSupply(ctx, g.rdb, saleID, remaining, g.ttl)
}

// Remaining found=false 表示尚未预热。
func (g *SupplyGate) Remaining(ctx context.Context, saleID uint) (int64, bool, error) {
	return rediskey.GetSupply(ctx, g.rdb, saleID)
}

// InflightLock 同一用户同一活动只允许一个进行中的购买。
type InflightLock struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewInflightLock(rdb *rd.Client, ttl time.Duration) *InflightLock {
	return &InflightLock{rdb: rdb, ttl: ttl}
}

func (l *InflightLock) Acquire(ctx context.Context, saleID uint, userID, attemptID string) (bool, error) {
	return rediskey.AcquireInflightLock(ctx, l.rdb, saleID, userID, attemptID, l.ttl)
}

func (l *InflightLock) Release(ctx context.Context, saleID uint, userID, attemptID string) error {
	return rediskey.ReleaseInflightLockIfMatch(ctx, l.rdb, saleID, userID, attemptID)
}

// AttemptState 对外可查询的购买尝试状态
type AttemptState struct {
	AttemptID string `json:"attempt_id"`
	SaleID    uint   `json:"sale_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Kind      string `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TxnID     string `json:"txn_id,omitempty"`
}

// AttemptTracker 把购买状态机的每一步写进 Redis hash，供轮询接口读取。
type AttemptTracker struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewAttemptTracker(rdb *rd.Client, ttl time.Duration) *AttemptTracker {
	return &AttemptTracker{rdb: rdb, ttl: ttl}
}

func (t *AttemptTracker) Put(ctx context.Context, st AttemptState) error {
	return rediskey.PutAttemptState(ctx, t.rdb, rediskey.AttemptState{
		AttemptID: st.AttemptID,
		SaleID:    strconv.FormatUint(uint64(st.SaleID), 10),
		UserID:    st.UserID,
		Status:    st.Status,
		Kind:      st.Kind,
		Reason:    st.Reason,
		TxnID:     st.TxnID,
	}, t.ttl)
}

func (t *AttemptTracker) Get(ctx context.Context, attemptID string) (AttemptState, bool, error) {
	raw, found, err := rediskey.GetAttemptState(ctx, t.rdb, attemptID)
	if err != nil || !found {
		return AttemptState{}, found, err
	}
	saleID, _ := strconv.ParseUint(raw.SaleID, 10, 64)
	return AttemptState{
		AttemptID: raw.AttemptID,
		SaleID:    uint(saleID),
		UserID:    raw.UserID,
		Status:    raw.Status,
		Kind:      raw.Kind,
		Reason:    raw.Reason,
		TxnID:     raw.TxnID,
	}, true, nil
}
