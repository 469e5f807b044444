package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StepInstantiateAnticipation = "instantiateAnticipation"
	StepAuthorizeReceivables    = "authorizeReceivables"
	StepLinkPayables            = "linkPayables"
	StepFinishAnticipation      = "finishAnticipation"

	StepRestorePayables     = "restorePayables"
	StepCancelAuthorization = "cancelAuthorization"
)

var AnticipationSteps = []string{
	StepInstantiateAnticipation,
	StepAuthorizeReceivables,
	StepLinkPayables,
	StepPutMoney,
	StepFinishAnticipation,
}

const (
	PayableWaitingFunds = "waiting_funds"
	PayableAnticipated  = "anticipated"
)

// Anticipation is the payload of an anticipation saga operation.
type Anticipation struct {
	MerchantWalletID string          `json:"merchant_wallet_id"`
	Amount           decimal.Decimal `json:"amount"`
	PayableIDs       []string        `json:"payable_ids"`
	NewPayables      []*Payable      `json:"new_payables,omitempty"`
	AuthorizationID  string          `json:"authorization_id,omitempty"`
}

type AnticipationRequest struct {
	RequestID        string          `json:"request_id"`
	MerchantWalletID string          `json:"merchant_wallet_id"`
	Amount           decimal.Decimal `json:"amount"`
	PayableIDs       []string        `json:"payable_ids"`
	NewPayables      []*Payable      `json:"new_payables,omitempty"`
}

// Payable is a future receivable of a merchant. Payables linked to an
// anticipation carry the anticipation id; the ones that existed before it also
// carry a backup of their pre-anticipation fields.
type Payable struct {
	PayableID        string          `json:"payable_id"`
	MerchantWalletID string          `json:"merchant_wallet_id"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	PaymentDate      time.Time       `json:"payment_date"`
	Status           string          `json:"status"`
	AnticipationID   *string         `json:"anticipation_id,omitempty"`
	Backup           *PayableBackup  `json:"backup,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type PayableBackup struct {
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	PaymentDate time.Time       `json:"payment_date"`
	Status      string          `json:"status"`
}

// Snapshot captures the fields an anticipation overwrites.
func (p *Payable) Snapshot() *PayableBackup {
	return &PayableBackup{
		Amount:      p.Amount,
		Fee:         p.Fee,
		PaymentDate: p.PaymentDate,
		Status:      p.Status,
	}
}

// Restore puts the backed-up fields back and detaches the payable from its
// anticipation.
func (p *Payable) Restore() {
	if p.Backup == nil {
		return
	}
	p.Amount = p.Backup.Amount
	p.Fee = p.Backup.Fee
	p.PaymentDate = p.Backup.PaymentDate
	p.Status = p.Backup.Status
	p.AnticipationID = nil
	p.Backup = nil
}
