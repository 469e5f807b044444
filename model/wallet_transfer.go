package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet transfer steps, forward then compensations.
const (
	StepInstantiateWallet = "instantiateWallet"
	StepFreezeAmount      = "freezeAmount"
	StepTakeMoney         = "takeMoney"
	StepPutMoney          = "putMoney"
	StepFinishTransfer    = "finishTransfer"

	StepTakeMoneyBack  = "takeMoneyBack"
	StepUnfreezeAmount = "unfreezeAmount"
	StepFinishRevert   = "finishRevert"
)

var WalletTransferSteps = []string{
	StepInstantiateWallet,
	StepFreezeAmount,
	StepTakeMoney,
	StepPutMoney,
	StepFinishTransfer,
}

// WalletTransfer is the payload of a wallet_transfer saga operation.
type WalletTransfer struct {
	SourceWalletID      string          `json:"source_wallet_id"`
	DestinationWalletID string          `json:"destination_wallet_id"`
	Amount              decimal.Decimal `json:"amount"`
	Description         string          `json:"description,omitempty"`
	FrozenAmountID      string          `json:"frozen_amount_id,omitempty"`
}

type WalletTransferRequest struct {
	RequestID           string          `json:"request_id"`
	SourceWalletID      string          `json:"source_wallet_id"`
	DestinationWalletID string          `json:"destination_wallet_id"`
	Amount              decimal.Decimal `json:"amount"`
	Description         string          `json:"description,omitempty"`
	ScheduledFor        *time.Time      `json:"scheduled_for,omitempty"`
}
