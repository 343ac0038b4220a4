package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerStatus  = "status"
	headerKind    = "kind"
	headerAttempt = "attempt_id"
)

// ProducerConfig Kafka 写入参数，零值取默认。
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// Producer 把购买终态事件写入 Kafka。
// 以 sale_id 为 key，同一活动的事件落在同一分区，下游按活动汇总时保序。
type Producer struct {
	w *kafka.Writer
}

func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  cfg.MaxAttempts,
			WriteTimeout: cfg.WriteTimeout,
			BatchTimeout: cfg.BatchTimeout,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入，RequireAll 确认后才返回，relay 据此决定是否 ACK Stream。
func (p *Producer) Publish(ctx context.Context, ev PurchaseEvent) error {
	msg, err := eventMessage(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, msg)
}

// eventMessage 状态与失败类别放在 header，消费方无需解码即可过滤。
func eventMessage(ev PurchaseEvent) (kafka.Message, error) {
	if err := ev.Validate(); err != nil {
		return kafka.Message{}, fmt.Errorf("purchase event: %w", err)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	headers := []kafka.Header{
		{Key: headerStatus, Value: []byte(ev.Status)},
		{Key: headerAttempt, Value: []byte(ev.AttemptID)},
	}
	if ev.Kind != "" {
		headers = append(headers, kafka.Header{Key: headerKind, Value: []byte(ev.Kind)})
	}
	return kafka.Message{
		Key:     []byte(strconv.FormatUint(uint64(ev.SaleID), 10)),
		Value:   b,
		Headers: headers,
	}, nil
}
