package alert

import (
	"context"
	"log/slog"
	"time"

	"pack_sale/internal/apperr"
)

// Message 运营告警：补偿失败、结算失败、长时间 pending 都会发。
type Message struct {
	SaleID       uint         `json:"sale_id"`
	UserID       string       `json:"user_id"`
	AttemptID    string       `json:"attempt_id,omitempty"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency,omitempty"`
	FailureStage apperr.Stage `json:"failure_stage"`
	Kind         apperr.Kind  `json:"kind"`
	Detail       string       `json:"detail"`
	OccurredAt   time.Time    `json:"occurred_at"`
}

// Alerter 告警通道。发送失败只记录日志，不影响用户请求的结果。
type Alerter interface {
	Send(ctx context.Context, msg Message)
}

// LogAlerter 只写结构化日志，未配置 MQ 时兜底。
type LogAlerter struct {
	log *slog.Logger
}

func NewLogAlerter(log *slog.Logger) *LogAlerter {
	return &LogAlerter{log: log}
}

func (a *LogAlerter) Send(_ context.Context, msg Message) {
	a.log.Error("operator alert",
		"sale_id", msg.SaleID,
		"user_id", msg.UserID,
		"attempt_id", msg.AttemptID,
		"amount", msg.Amount,
		"currency", msg.Currency,
		"stage", string(msg.FailureStage),
		"kind", string(msg.Kind),
		"detail", msg.Detail,
	)
}
