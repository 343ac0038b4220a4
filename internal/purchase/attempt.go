package purchase

import "time"

// Status 一次购买尝试在内存里的状态，只有 SoldUnit / PaymentHold 的状态字段落库。
type Status string

const (
	StatusAdmitted           Status = "admitted"
	StatusRejected           Status = "rejected"
	StatusHoldPlaced         Status = "hold_placed"
	StatusSettling           Status = "settling"
	StatusSettledOk          Status = "settled_ok"
	StatusSettledFailed      Status = "settled_failed"
	StatusCaptured           Status = "captured"
	StatusCancelRequested    Status = "cancel_requested"
	StatusDone               Status = "done"
	StatusCompensationFailed Status = "compensation_failed"
)

var transitions = map[Status][]Status{
	StatusAdmitted:        {StatusHoldPlaced, StatusSettling, StatusRejected},
	StatusHoldPlaced:      {StatusSettling, StatusCancelRequested},
	StatusSettling:        {StatusSettledOk, StatusSettledFailed},
	StatusSettledOk:       {StatusCaptured, StatusCancelRequested, StatusDone},
	StatusSettledFailed:   {StatusCancelRequested, StatusDone},
	StatusCaptured:        {StatusDone},
	StatusCancelRequested: {StatusDone, StatusCompensationFailed},
}

// CanTransition 状态迁移表；Rejected / Done / CompensationFailed 为终态。
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusDone || s == StatusCompensationFailed
}

// Request 购买请求。Amount 为用户提交金额（分），件数由 Amount / Price 推出。
type Request struct {
	SaleID        uint
	UserID        string
	Username      string
	TemplateID    int64
	Amount        int64
	PaymentMethod string
}

// Receipt 购买成功回执
type Receipt struct {
	AttemptID     string    `json:"attempt_id"`
	SaleID        uint      `json:"sale_id"`
	UserID        string    `json:"user_id"`
	Units         int       `json:"units"`
	Amount        int64     `json:"amount"`
	Charged       int64     `json:"charged"`
	Currency      string    `json:"currency"`
	Rank          int       `json:"rank"`
	TxnID         string    `json:"txn_id,omitempty"`
	Assets        []int64   `json:"assets,omitempty"`
	PendingAssets []int64   `json:"pending_assets,omitempty"`
	Status        Status    `json:"status"`
	CompletedAt   time.Time `json:"completed_at"`
}

// attempt 贯穿一次 Buy 调用的上下文
type attempt struct {
	id       string
	req      Request
	operator bool
	status   Status

	units    int
	rank     int
	currency string
	charged  int64

	holdID  string
	holdRef string

	assetIDs []int64
	minted   []int64
	vaulted  []int64
	pending  []int64
	txnID    string

	succeeded bool
}

func (at *attempt) hasHold() bool { return at.holdRef != "" }
