/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settle

import (
	"context"
	"errors"
	"fmt"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

func (s *Settle) walletTransferSaga() *SagaDefinition {
	unfreezeChain := []string{model.StepUnfreezeAmount, model.StepFinishRevert}
	takeBackChain := []string{model.StepTakeMoneyBack, model.StepUnfreezeAmount, model.StepFinishRevert}

	return &SagaDefinition{
		Class:     model.SagaWalletTransfer,
		Steps:     model.WalletTransferSteps,
		FinalStep: model.StepFinishTransfer,
		Forward: map[string]StepFunc{
			model.StepInstantiateWallet: s.instantiateWallet,
			model.StepFreezeAmount:      s.freezeAmount,
			model.StepTakeMoney:         s.takeMoney,
			model.StepPutMoney:          s.putMoney,
			model.StepFinishTransfer:    func(context.Context, *model.SagaOperation) error { return nil },
		},
		Compensations: map[string]StepFunc{
			model.StepTakeMoneyBack:  s.takeMoneyBack,
			model.StepUnfreezeAmount: s.unfreezeAmount,
			model.StepFinishRevert:   finishRevert,
		},
		Plans: map[string][]string{
			model.StepInstantiateWallet: {model.StepFinishRevert},
			model.StepFreezeAmount:      unfreezeChain,
			model.StepPutMoney:          unfreezeChain,
			model.StepUnfreezeAmount:    unfreezeChain,
			model.StepTakeMoney:         takeBackChain,
			model.StepTakeMoneyBack:     takeBackChain,
			model.StepFinishRevert:      {model.StepFinishRevert},
		},
		FullCompensation: takeBackChain,
		ProcessChannel:   ProcessWalletTransferQueue,
		RevertChannel:    RevertWalletTransferQueue,
		Config:           s.config.Sagas.WalletTransfer,
	}
}

func validateWalletTransferRequest(req *model.WalletTransferRequest) error {
	return validation.ValidateStruct(req,
		validation.Field(&req.RequestID, validation.Required),
		validation.Field(&req.SourceWalletID, validation.Required),
		validation.Field(&req.DestinationWalletID, validation.Required, validation.By(func(value interface{}) error {
			if value.(string) == req.SourceWalletID {
				return errors.New("must differ from the source wallet")
			}
			return nil
		})),
		validation.Field(&req.Amount, validation.By(positiveAmount)),
	)
}

func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("invalid amount")
	}
	if !amount.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

// CreateWalletTransfer records a transfer between two wallets and queues it.
// A transfer scheduled in the future is queued with a delay and can be
// canceled until it runs. Replaying a request id returns the original
// transfer.
func (s *Settle) CreateWalletTransfer(ctx context.Context, req model.WalletTransferRequest) (*model.SagaOperation, error) {
	ctx, span := tracer.Start(ctx, "Creating wallet transfer")
	defer span.End()

	if err := validateWalletTransferRequest(&req); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	payload := model.WalletTransfer{
		SourceWalletID:      req.SourceWalletID,
		DestinationWalletID: req.DestinationWalletID,
		Amount:              req.Amount,
		Description:         req.Description,
	}
	return s.createSagaOperation(ctx, s.walletTransfer, req.RequestID, payload, req.ScheduledFor)
}

// GetWalletTransfer returns a wallet transfer operation with its step ledger.
func (s *Settle) GetWalletTransfer(ctx context.Context, operationID string) (*model.SagaOperation, error) {
	return s.getSagaOperation(ctx, model.SagaWalletTransfer, operationID)
}

// ProcessWalletTransfer runs the forward walk of a transfer.
func (s *Settle) ProcessWalletTransfer(ctx context.Context, operationID string) error {
	return s.executeSaga(ctx, s.walletTransfer, operationID)
}

// RevertWalletTransfer runs one reverse walk of a failed transfer.
func (s *Settle) RevertWalletTransfer(ctx context.Context, operationID string) error {
	return s.revertSaga(ctx, s.walletTransfer, operationID)
}

// CancelScheduledTransfer cancels a transfer that has not started yet.
func (s *Settle) CancelScheduledTransfer(ctx context.Context, operationID string) (*model.SagaOperation, error) {
	op, err := s.datasource.TransitionSagaStatus(ctx, operationID,
		[]model.SagaStatus{model.SagaScheduled}, model.SagaCanceled)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("transfer %s is not scheduled: %w", operationID, ErrInvalidPreState)
		}
		return nil, err
	}
	sagaLogger(op).Info("scheduled transfer canceled")
	s.sendWebhook(ctx, getEventFromOutcome(model.SagaWalletTransfer, outcomeCanceled), op)
	return op, nil
}

func decodeTransfer(op *model.SagaOperation) (*model.WalletTransfer, error) {
	var transfer model.WalletTransfer
	if err := op.DecodePayload(&transfer); err != nil {
		return nil, fmt.Errorf("decode wallet transfer payload: %w", err)
	}
	return &transfer, nil
}

func (s *Settle) instantiateWallet(_ context.Context, op *model.SagaOperation) error {
	transfer, err := decodeTransfer(op)
	if err != nil {
		return err
	}
	if transfer.SourceWalletID == "" || transfer.DestinationWalletID == "" {
		return errors.New("transfer is missing a wallet")
	}
	if transfer.SourceWalletID == transfer.DestinationWalletID {
		return errors.New("source and destination wallets are the same")
	}
	if !transfer.Amount.IsPositive() {
		return fmt.Errorf("invalid transfer amount %s", transfer.Amount)
	}
	return nil
}

func (s *Settle) freezeAmount(ctx context.Context, op *model.SagaOperation) error {
	transfer, err := decodeTransfer(op)
	if err != nil {
		return err
	}
	frozenID, err := s.ledger.Freeze(ctx, transfer.SourceWalletID, transfer.Amount,
		model.StepRequestID(op.RequestID, model.StepFreezeAmount))
	if err != nil {
		return err
	}
	transfer.FrozenAmountID = frozenID
	return op.EncodePayload(transfer)
}

func (s *Settle) takeMoney(ctx context.Context, op *model.SagaOperation) error {
	transfer, err := decodeTransfer(op)
	if err != nil {
		return err
	}
	return s.ledger.TakeMoney(ctx, transfer.SourceWalletID, transfer.Amount,
		model.StepRequestID(op.RequestID, model.StepTakeMoney))
}

// putMoney is the only call that credits the destination.
func (s *Settle) putMoney(ctx context.Context, op *model.SagaOperation) error {
	transfer, err := decodeTransfer(op)
	if err != nil {
		return err
	}
	return s.ledger.PutMoney(ctx, transfer.DestinationWalletID, transfer.Amount,
		model.StepRequestID(op.RequestID, model.StepPutMoney))
}

func (s *Settle) takeMoneyBack(ctx context.Context, op *model.SagaOperation) error {
	transfer, err := decodeTransfer(op)
	if err != nil {
		return err
	}
	return s.ledger.PutMoney(ctx, transfer.SourceWalletID, transfer.Amount,
		model.StepRequestID(op.RequestID, model.StepTakeMoneyBack))
}

// unfreezeAmount releases the reservation made by freezeAmount. Nothing is
// frozen when freezeAmount never returned an id.
func (s *Settle) unfreezeAmount(ctx context.Context, op *model.SagaOperation) error {
	transfer, err := decodeTransfer(op)
	if err != nil {
		return err
	}
	if transfer.FrozenAmountID == "" {
		return nil
	}
	return s.ledger.Unfreeze(ctx, transfer.SourceWalletID, transfer.FrozenAmountID,
		model.StepRequestID(op.RequestID, model.StepUnfreezeAmount), true)
}
