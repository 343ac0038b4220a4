package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// AttemptState 对应 Redis 内的购买尝试状态结构。
type AttemptState struct {
	AttemptID string
	SaleID    string
	UserID    string
	Status    string
	Kind      string
	Reason    string
	TxnID     string
}

// GetAttemptState 查询 attempt_id 当前状态。found=false 表示 key 不存在。
func GetAttemptState(ctx context.Context, rdb *rd.Client, attemptID string) (AttemptState, bool, error) {
	m, err := rdb.HGetAll(ctx, AttemptStateKey(attemptID)).Result()
	if err != nil {
		return AttemptState{}, false, err
	}
	if len(m) == 0 {
		return AttemptState{}, false, nil
	}
	return AttemptState{
		AttemptID: attemptID,
		SaleID:    m["sale_id"],
		UserID:    m["user_id"],
		Status:    m["status"],
		Kind:      m["kind"],
		Reason:    m["reason"],
		TxnID:     m["txn_id"],
	}, true, nil
}

// PutAttemptState 更新尝试状态，并刷新 key TTL。
func PutAttemptState(ctx context.Context, rdb *rd.Client, st AttemptState, ttl time.Duration) error {
	key := AttemptStateKey(st.AttemptID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"attempt_id", st.AttemptID,
		"sale_id", st.SaleID,
		"user_id", st.UserID,
		"status", st.Status,
		"kind", st.Kind,
		"reason", st.Reason,
		"txn_id", st.TxnID,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
