package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"pack_sale/internal/apperr"

	"github.com/segmentio/kafka-go"
)

// AssetReconciler 待入库资产对账
type AssetReconciler interface {
	ReconcileAsset(ctx context.Context, saleID uint, assetID int64) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MintConsumer 消费链上铸造完成事件，把对应的待入库资产存入用户 vault。
// 对账成功或确定无法处理后才提交 offset；暂时性失败在原消息上退避重试。
type MintConsumer struct {
	r   messageReader
	rec AssetReconciler
	log *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewMintConsumer(brokers []string, topic, groupID string, rec AssetReconciler, log *slog.Logger) *MintConsumer {
	return &MintConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		rec:        rec,
		log:        log,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

func (c *MintConsumer) Close() error { return c.r.Close() }

func (c *MintConsumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("mint consumer fetch", "err", err)
			if !c.wait(ctx, c.minBackoff) {
				return
			}
			continue
		}
		if !c.process(ctx, m) {
			return
		}
	}
}

// process 处理到可以提交为止；ctx 结束返回 false，消息不提交。
func (c *MintConsumer) process(ctx context.Context, m kafka.Message) bool {
	backoff := c.minBackoff
	for !c.handle(ctx, m.Value) {
		if !c.wait(ctx, backoff) {
			return false
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
	for {
		err := c.r.CommitMessages(ctx, m)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.log.Warn("mint consumer commit", "offset", m.Offset, "err", err)
		if !c.wait(ctx, c.minBackoff) {
			return false
		}
	}
}

// handle 返回 true 表示可以提交 offset。
func (c *MintConsumer) handle(ctx context.Context, value []byte) bool {
	var ev AssetMintedEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		c.log.Warn("mint consumer unmarshal", "err", err)
		return true
	}
	if err := ev.Validate(); err != nil {
		c.log.Warn("mint consumer invalid event", "err", err)
		return true
	}
	err := c.rec.ReconcileAsset(ctx, ev.SaleID, ev.AssetID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, apperr.ErrPendingAssetMissing):
		// 幂等：重复消息对应的资产已经入库
		return true
	case errors.Is(err, apperr.ErrAssetNotMinted):
		// 通知先于链上可见，稍后再查
		c.log.Info("minted asset not visible yet", "sale_id", ev.SaleID, "asset_id", ev.AssetID)
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindConfigurationInvalid:
		c.log.Error("drop unreconcilable mint event", "sale_id", ev.SaleID, "asset_id", ev.AssetID, "err", err)
		return true
	}
	c.log.Warn("reconcile minted asset", "sale_id", ev.SaleID, "asset_id", ev.AssetID, "err", err)
	return false
}

func (c *MintConsumer) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
