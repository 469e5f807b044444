package ledger

import "github.com/shopspring/decimal"

type freezeRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"request_id"`
}

type freezeResponse struct {
	FrozenAmountID string `json:"frozen_amount_id"`
}

type unfreezeRequest struct {
	FrozenAmountID string `json:"frozen_amount_id"`
	RequestID      string `json:"request_id"`
	Atomic         bool   `json:"atomic"`
}

type moneyRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"request_id"`
}
