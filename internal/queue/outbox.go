package queue

import (
	"context"
	"strconv"

	rd "github.com/redis/go-redis/v9"
)

// Outbox 把购买事件写进 Redis Stream，由 Relay 异步转发到 Kafka。
type Outbox struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream, maxLen: 100000}
}

func (o *Outbox) Publish(ctx context.Context, ev PurchaseEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		MaxLen: o.maxLen,
		Approx: true,
		Values: streamValues(ev),
	}).Err()
}

func streamValues(ev PurchaseEvent) map[string]any {
	return map[string]any{
		"attempt_id":  ev.AttemptID,
		"sale_id":     strconv.FormatUint(uint64(ev.SaleID), 10),
		"user_id":     ev.UserID,
		"units":       strconv.Itoa(ev.Units),
		"amount":      strconv.FormatInt(ev.Amount, 10),
		"currency":    ev.Currency,
		"status":      ev.Status,
		"kind":        ev.Kind,
		"txn_id":      ev.TxnID,
		"occurred_at": strconv.FormatInt(ev.OccurredAt, 10),
	}
}
