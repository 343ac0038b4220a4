package apperr

import (
	"errors"
	"fmt"
)

// Kind 是对外可见的错误分类，决定 HTTP 状态码与是否需要告警。
type Kind string

const (
	KindAdmissionRejected    Kind = "admission_rejected"
	KindPaymentFailed        Kind = "payment_failed"
	KindSettlementFailed     Kind = "settlement_failed"
	KindCompensationFailed   Kind = "compensation_failed"
	KindConfigurationInvalid Kind = "configuration_invalid"
	KindNotFound             Kind = "not_found"
	KindInternal             Kind = "internal"
)

// Stage 标记失败发生在哪一侧外部系统，告警消息里原样透出。
type Stage string

const (
	StagePayment Stage = "payment"
	StageChain   Stage = "chain"
)

// Sale / queue sentinels.
var (
	ErrSaleNotFound           = errors.New("sale not found")
	ErrTemplateMismatch       = errors.New("template does not belong to this sale")
	ErrSaleDisabled           = errors.New("sale is disabled")
	ErrSaleNotStarted         = errors.New("sale not started yet")
	ErrSaleEnded              = errors.New("sale has ended")
	ErrQueueNotConfigured     = errors.New("sale queue is not configured")
	ErrQueueNotInitialized    = errors.New("queue not initialized yet")
	ErrNoQueue                = errors.New("sale has no queue")
	ErrNotRegistered          = errors.New("user is not registered for this sale")
	ErrAlreadyRegistered      = errors.New("already registered")
	ErrRegistrationNotStarted = errors.New("registration not started yet")
	ErrRegistrationClosed     = errors.New("registration is closed")
	ErrNoActiveSlot           = errors.New("no queue slot is active right now")
	ErrNotYourSlot            = errors.New("rank does not belong to the current slot")
	ErrSlotsConfigured        = errors.New("all slots are already configured")
	ErrInvalidRankRange       = errors.New("invalid rank range")
	ErrRankGap                = errors.New("slot ranks must continue from the previous slot")
	ErrInvalidInterval        = errors.New("interval must be > 0")
	ErrInvalidSale            = errors.New("invalid sale")
)

// Purchase sentinels.
var (
	ErrAmountTooLow        = errors.New("amount is less than the price of one unit")
	ErrTooManyUnits        = errors.New("too many units in one purchase")
	ErrMintOnBuySingleUnit = errors.New("mint-on-buy sales allow one unit per purchase")
	ErrUserLimitExceeded   = errors.New("max allowed units exceeded for this user")
	ErrSoldOut             = errors.New("max allowed units exceeded for this sale")
	ErrPurchaseInProgress  = errors.New("another purchase for this sale is in progress")
	ErrHoldFailed          = errors.New("payment hold failed")
	ErrCaptureFailed       = errors.New("payment capture failed")
	ErrCancelFailed        = errors.New("payment cancel failed")
	ErrChainFailed         = errors.New("chain settlement failed")
	ErrAttemptNotFound     = errors.New("purchase attempt not found")
	ErrPendingAssetMissing = errors.New("no pending reservation for asset")
	ErrAssetNotMinted      = errors.New("asset is not minted on chain yet")
	ErrInvalidAssetRange   = errors.New("invalid asset id range")
)

// Payment operations sentinels.
var (
	ErrHoldNotFound     = errors.New("payment not found")
	ErrAlreadyRefunded  = errors.New("payment already refunded")
	ErrNotRefundable    = errors.New("payment does not need a refund")
	ErrRefundFailed     = errors.New("payment refund failed")
	ErrInvalidDateRange = errors.New("invalid date range")
)

// Error 携带分类、失败阶段与可读原因，底层 sentinel 通过 Unwrap 暴露。
type Error struct {
	Kind   Kind
	Stage  Stage
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Reason
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Message 返回面向用户的原因文本。
func (e *Error) Message() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Rejected 包装准入失败：不调用外部系统、不告警。
func Rejected(err error) *Error { return New(KindAdmissionRejected, err) }

// Invalid 包装调用方配置错误。
func Invalid(err error) *Error { return New(KindConfigurationInvalid, err) }

func NotFound(err error) *Error { return New(KindNotFound, err) }

func Internal(reason string, err error) *Error { return Wrap(KindInternal, reason, err) }

// KindOf 提取错误分类；非 *Error 一律视为 internal。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StageOf 提取失败阶段，没有则返回空串。
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// MessageOf 返回可直接展示给用户的错误描述。
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}
