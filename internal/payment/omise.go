package payment

import (
	"context"
	"fmt"
	"time"

	"pack_sale/internal/model"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// OmiseGateway 基于 Omise 的实现：创建 charge 时不扣款（DontCapture），成功后 capture，失败则 reverse。
type OmiseGateway struct {
	client  *omise.Client
	timeout time.Duration
}

func NewOmiseClient(pub, sec string) (*omise.Client, error) {
	c, err := omise.NewClient(pub, sec)
	if err != nil {
		return nil, err
	}
	c.SetDebug(false)
	return c, nil
}

func NewOmiseGateway(client *omise.Client, timeout time.Duration) *OmiseGateway {
	return &OmiseGateway{client: client, timeout: timeout}
}

func (g *OmiseGateway) Hold(ctx context.Context, req HoldRequest) (HoldResult, error) {
	if req.Amount <= 0 || req.Currency == "" || req.Method == "" {
		return HoldResult{Status: model.HoldFailed}, fmt.Errorf("omise hold: invalid params")
	}
	ch := &omise.Charge{}
	op := &operations.CreateCharge{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Card:        req.Method,
		Description: req.Description,
		Metadata:    req.Metadata,
		DontCapture: true,
	}
	if err := g.do(ctx, func() error { return g.client.Do(ch, op) }); err != nil {
		return HoldResult{Status: model.HoldFailed}, err
	}
	// 预授权成功时 Omise 返回 pending + authorized
	switch string(ch.Status) {
	case "pending", "successful":
		return HoldResult{Ref: ch.ID, Status: model.HoldPlaced}, nil
	default:
		return HoldResult{Ref: ch.ID, Status: model.HoldFailed, Detail: failureMessage(ch)}, nil
	}
}

func (g *OmiseGateway) Capture(ctx context.Context, ref string) (model.HoldStatus, error) {
	ch := &omise.Charge{}
	op := &operations.CaptureCharge{ChargeID: ref}
	if err := g.do(ctx, func() error { return g.client.Do(ch, op) }); err != nil {
		return model.HoldCaptureFailed, err
	}
	if string(ch.Status) != "successful" {
		return model.HoldCaptureFailed, fmt.Errorf("omise capture %s: status %s %s", ref, ch.Status, failureMessage(ch))
	}
	return model.HoldSuccessful, nil
}

func (g *OmiseGateway) Cancel(ctx context.Context, ref string) (model.HoldStatus, error) {
	ch := &omise.Charge{}
	op := &operations.ReverseCharge{ChargeID: ref}
	if err := g.do(ctx, func() error { return g.client.Do(ch, op) }); err != nil {
		return model.HoldCancelFailed, err
	}
	if string(ch.Status) != "reversed" {
		return model.HoldCancelFailed, fmt.Errorf("omise reverse %s: status %s", ref, ch.Status)
	}
	return model.HoldCancelled, nil
}

// Refund 先查 charge 实际状态：已扣款的全额退款，仍是授权的 reverse，已 reverse 的视为完成。
func (g *OmiseGateway) Refund(ctx context.Context, ref string) (RefundResult, error) {
	ch := &omise.Charge{}
	if err := g.do(ctx, func() error { return g.client.Do(ch, &operations.RetrieveCharge{ChargeID: ref}) }); err != nil {
		return RefundResult{}, err
	}
	switch string(ch.Status) {
	case "successful":
		refund := &omise.Refund{}
		op := &operations.CreateRefund{ChargeID: ref, Amount: ch.Amount}
		if err := g.do(ctx, func() error { return g.client.Do(refund, op) }); err != nil {
			return RefundResult{}, err
		}
		return RefundResult{Status: model.HoldRefunded, Ref: refund.ID}, nil
	case "pending":
		status, err := g.Cancel(ctx, ref)
		if err != nil {
			return RefundResult{}, err
		}
		return RefundResult{Status: status, Ref: ref}, nil
	case "reversed":
		return RefundResult{Status: model.HoldCancelled, Ref: ref}, nil
	default:
		return RefundResult{}, fmt.Errorf("omise refund %s: charge status %s", ref, ch.Status)
	}
}

// do 为阻塞的 omise 调用加上超时与 ctx 取消。
func (g *OmiseGateway) do(ctx context.Context, call func() error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() {
		done <- call()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func failureMessage(ch *omise.Charge) string {
	if ch.FailureMessage != nil {
		return *ch.FailureMessage
	}
	return ""
}
