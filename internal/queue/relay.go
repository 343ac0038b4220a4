package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
)

type eventPublisher interface {
	Publish(ctx context.Context, ev PurchaseEvent) error
}

// Relay 将 Redis Stream 中的购买事件异步转发到 Kafka。
// 发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
// 多实例共用一个消费组时，崩溃实例留下的 pending 由存活实例认领。
type Relay struct {
	rdb       *rd.Client
	publisher eventPublisher
	log       *slog.Logger

	stream     string
	group      string
	consumer   string
	claimAfter time.Duration
}

func NewRelay(rdb *rd.Client, publisher eventPublisher, stream, group, consumer string, log *slog.Logger) *Relay {
	return &Relay{
		rdb:        rdb,
		publisher:  publisher,
		log:        log,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		claimAfter: 30 * time.Second,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", "stream", r.stream, "err", err)
		return
	}

	for ctx.Err() == nil {
		msgs, err := r.next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay read", "stream", r.stream, "err", err)
			time.Sleep(300 * time.Millisecond)
			continue
		}
		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				r.log.Warn("relay process message", "id", xm.ID, "err", err)
				time.Sleep(200 * time.Millisecond)
				break
			}
		}
	}
}

// next 取下一批：自己的 pending，其次认领别人闲置过久的 pending，最后阻塞读新消息。
func (r *Relay) next(ctx context.Context) ([]rd.XMessage, error) {
	msgs, err := r.readGroup(ctx, "0", 0)
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}
	msgs, _, err = r.rdb.XAutoClaim(ctx, &rd.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  r.claimAfter,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, err
	}
	if len(msgs) > 0 {
		r.log.Info("relay claimed idle events", "count", len(msgs))
		return msgs, nil
	}
	return r.readGroup(ctx, ">", 2*time.Second)
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	ev, err := parsePurchaseEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.log.Warn("relay drop malformed event", "id", xm.ID, "err", err)
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, ev); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parsePurchaseEvent(values map[string]any) (PurchaseEvent, error) {
	var ev PurchaseEvent
	var err error
	if ev.AttemptID, err = getStreamString(values, "attempt_id"); err != nil {
		return PurchaseEvent{}, err
	}
	if ev.UserID, err = getStreamString(values, "user_id"); err != nil {
		return PurchaseEvent{}, err
	}
	if ev.Status, err = getStreamString(values, "status"); err != nil {
		return PurchaseEvent{}, err
	}
	// 可选字段
	ev.Currency, _ = getStreamString(values, "currency")
	ev.Kind, _ = getStreamString(values, "kind")
	ev.TxnID, _ = getStreamString(values, "txn_id")

	saleStr, err := getStreamString(values, "sale_id")
	if err != nil {
		return PurchaseEvent{}, err
	}
	unitsStr, err := getStreamString(values, "units")
	if err != nil {
		return PurchaseEvent{}, err
	}
	amountStr, err := getStreamString(values, "amount")
	if err != nil {
		return PurchaseEvent{}, err
	}

	saleID, err := strconv.ParseUint(saleStr, 10, 64)
	if err != nil {
		return PurchaseEvent{}, fmt.Errorf("invalid sale_id %q", saleStr)
	}
	ev.SaleID = uint(saleID)
	if ev.Units, err = strconv.Atoi(unitsStr); err != nil {
		return PurchaseEvent{}, fmt.Errorf("invalid units %q", unitsStr)
	}
	if ev.Amount, err = strconv.ParseInt(amountStr, 10, 64); err != nil {
		return PurchaseEvent{}, fmt.Errorf("invalid amount %q", amountStr)
	}
	if occurred, err := getStreamString(values, "occurred_at"); err == nil {
		ev.OccurredAt, _ = strconv.ParseInt(occurred, 10, 64)
	}

	if err := ev.Validate(); err != nil {
		return PurchaseEvent{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
