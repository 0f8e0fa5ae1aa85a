package purchase

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Phase string

const (
	Idle              Phase = "idle"
	FetchingNonce     Phase = "fetching_nonce"
	RequestingVoucher Phase = "requesting_voucher"
	Approving         Phase = "approving"
	Submitting        Phase = "submitting"
	Confirming        Phase = "confirming"
	Settled           Phase = "settled"
	Failed            Phase = "failed"
)

// Terminal reports whether no further transition can follow p.
func (p Phase) Terminal() bool {
	return p == Settled || p == Failed
}

type Action string

const (
	ActionPurchase Action = "purchase"
	ActionClaim    Action = "claim"
)

var forward = map[Action]map[Phase][]Phase{
	ActionPurchase: {
		Idle:              {FetchingNonce},
		FetchingNonce:     {RequestingVoucher},
		RequestingVoucher: {Approving, Submitting},
		Approving:         {Submitting},
		Submitting:        {Confirming},
		Confirming:        {Settled},
	},
	ActionClaim: {
		Idle:       {Submitting},
		Submitting: {Confirming},
		Confirming: {Settled},
	},
}

// ValidTransition reports whether an attempt of the given action may move
// from one phase to the next. Any non-terminal phase may fail.
func ValidTransition(action Action, from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return from != Idle
	}
	for _, p := range forward[action][from] {
		if p == to {
			return true
		}
	}
	return false
}

// Attempt is the record of one purchase or claim. Values are copies; the
// machine never hands out its live attempt.
type Attempt struct {
	ID             uuid.UUID       `json:"id"`
	Action         Action          `json:"action"`
	Phase          Phase           `json:"phase"`
	Buyer          string          `json:"buyer"`
	Beneficiary    string          `json:"beneficiary,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	Amount         string          `json:"amount,omitempty"`
	USDAmount      decimal.Decimal `json:"usdAmount"`
	RequiredAmount string          `json:"requiredAmount,omitempty"`
	Nonce          string          `json:"nonce,omitempty"`
	ApprovalTx     string          `json:"approvalTx,omitempty"`
	TxHash         string          `json:"txHash,omitempty"`
	FailureKind    Kind            `json:"failureKind,omitempty"`
	Failure        string          `json:"failure,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
