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

	"github.com/blnkfinance/settle/cip"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
)

func (s *Settle) anticipationSaga() *SagaDefinition {
	fullChain := []string{model.StepTakeMoneyBack, model.StepRestorePayables, model.StepCancelAuthorization, model.StepFinishRevert}
	restoreChain := []string{model.StepRestorePayables, model.StepCancelAuthorization, model.StepFinishRevert}
	cancelChain := []string{model.StepCancelAuthorization, model.StepFinishRevert}

	return &SagaDefinition{
		Class:     model.SagaAnticipation,
		Steps:     model.AnticipationSteps,
		FinalStep: model.StepFinishAnticipation,
		Forward: map[string]StepFunc{
			model.StepInstantiateAnticipation: s.instantiateAnticipation,
			model.StepAuthorizeReceivables:    s.authorizeReceivables,
			model.StepLinkPayables:            s.linkPayables,
			model.StepPutMoney:                s.creditMerchant,
			model.StepFinishAnticipation:      func(context.Context, *model.SagaOperation) error { return nil },
		},
		Compensations: map[string]StepFunc{
			model.StepTakeMoneyBack:       s.debitMerchant,
			model.StepRestorePayables:     s.restorePayables,
			model.StepCancelAuthorization: s.cancelAuthorization,
			model.StepFinishRevert:        finishRevert,
		},
		Plans: map[string][]string{
			model.StepInstantiateAnticipation: {model.StepFinishRevert},
			model.StepAuthorizeReceivables:    cancelChain,
			model.StepCancelAuthorization:     cancelChain,
			model.StepLinkPayables:            restoreChain,
			model.StepRestorePayables:         restoreChain,
			model.StepPutMoney:                restoreChain,
			model.StepTakeMoneyBack:           fullChain,
			model.StepFinishRevert:            {model.StepFinishRevert},
		},
		FullCompensation: restoreChain,
		ProcessChannel:   ProcessAnticipationQueue,
		RevertChannel:    RevertAnticipationQueue,
		Config:           s.config.Sagas.Anticipation,
	}
}

func validateAnticipationRequest(req *model.AnticipationRequest) error {
	return validation.ValidateStruct(req,
		validation.Field(&req.RequestID, validation.Required),
		validation.Field(&req.MerchantWalletID, validation.Required),
		validation.Field(&req.Amount, validation.By(positiveAmount)),
		validation.Field(&req.PayableIDs, validation.Required),
	)
}

// CreateAnticipation records an anticipation of a merchant's payables and
// queues it. New payables get their ids here so that relinking them on a
// retried step does not duplicate them.
func (s *Settle) CreateAnticipation(ctx context.Context, req model.AnticipationRequest) (*model.SagaOperation, error) {
	ctx, span := tracer.Start(ctx, "Creating anticipation")
	defer span.End()

	if err := validateAnticipationRequest(&req); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	for _, p := range req.NewPayables {
		if p.PayableID == "" {
			p.PayableID = model.GenerateUUIDWithSuffix("payable")
		}
		if p.MerchantWalletID == "" {
			p.MerchantWalletID = req.MerchantWalletID
		}
		if p.Status == "" {
			p.Status = model.PayableWaitingFunds
		}
		p.Backup = nil
	}

	payload := model.Anticipation{
		MerchantWalletID: req.MerchantWalletID,
		Amount:           req.Amount,
		PayableIDs:       req.PayableIDs,
		NewPayables:      req.NewPayables,
	}
	return s.createSagaOperation(ctx, s.anticipation, req.RequestID, payload, nil)
}

func (s *Settle) GetAnticipation(ctx context.Context, operationID string) (*model.SagaOperation, error) {
	return s.getSagaOperation(ctx, model.SagaAnticipation, operationID)
}

// ProcessAnticipation runs the forward walk of an anticipation.
func (s *Settle) ProcessAnticipation(ctx context.Context, operationID string) error {
	return s.executeSaga(ctx, s.anticipation, operationID)
}

// RevertAnticipation runs one reverse walk of a failed anticipation.
func (s *Settle) RevertAnticipation(ctx context.Context, operationID string) error {
	return s.revertSaga(ctx, s.anticipation, operationID)
}

func decodeAnticipation(op *model.SagaOperation) (*model.Anticipation, error) {
	var anticipation model.Anticipation
	if err := op.DecodePayload(&anticipation); err != nil {
		return nil, fmt.Errorf("decode anticipation payload: %w", err)
	}
	return &anticipation, nil
}

func (s *Settle) instantiateAnticipation(_ context.Context, op *model.SagaOperation) error {
	anticipation, err := decodeAnticipation(op)
	if err != nil {
		return err
	}
	if anticipation.MerchantWalletID == "" {
		return errors.New("anticipation is missing the merchant wallet")
	}
	if len(anticipation.PayableIDs) == 0 {
		return errors.New("anticipation has no payables")
	}
	if !anticipation.Amount.IsPositive() {
		return fmt.Errorf("invalid anticipation amount %s", anticipation.Amount)
	}
	return nil
}

func (s *Settle) authorizeReceivables(ctx context.Context, op *model.SagaOperation) error {
	anticipation, err := decodeAnticipation(op)
	if err != nil {
		return err
	}
	authorizationID, err := s.cip.Authorize(ctx, cip.AuthorizationRequest{
		RequestID:        model.StepRequestID(op.RequestID, model.StepAuthorizeReceivables),
		MerchantWalletID: anticipation.MerchantWalletID,
		Amount:           anticipation.Amount,
		PayableIDs:       anticipation.PayableIDs,
	})
	if err != nil {
		return err
	}
	anticipation.AuthorizationID = authorizationID
	return op.EncodePayload(anticipation)
}

// linkPayables backs up every existing payable before pointing it at the
// anticipation, and inserts the payables the anticipation creates without a
// backup. Both happen in one transaction.
func (s *Settle) linkPayables(ctx context.Context, op *model.SagaOperation) error {
	anticipation, err := decodeAnticipation(op)
	if err != nil {
		return err
	}

	payables, err := s.datasource.GetPayables(ctx, anticipation.PayableIDs)
	if err != nil {
		return err
	}
	if len(payables) != len(anticipation.PayableIDs) {
		return fmt.Errorf("found %d of %d payables", len(payables), len(anticipation.PayableIDs))
	}

	anticipationID := op.OperationID
	for _, p := range payables {
		if p.MerchantWalletID != anticipation.MerchantWalletID {
			return fmt.Errorf("payable %s belongs to another merchant", p.PayableID)
		}
		if p.AnticipationID != nil && *p.AnticipationID != anticipationID {
			return fmt.Errorf("payable %s is already anticipated by %s", p.PayableID, *p.AnticipationID)
		}
		if p.Backup == nil {
			p.Backup = p.Snapshot()
		}
		p.AnticipationID = &anticipationID
		p.Status = model.PayableAnticipated
	}

	created := make([]*model.Payable, 0, len(anticipation.NewPayables))
	for _, p := range anticipation.NewPayables {
		np := *p
		np.AnticipationID = &anticipationID
		np.Backup = nil
		created = append(created, &np)
	}

	return s.datasource.LinkPayables(ctx, anticipationID, payables, created)
}

func (s *Settle) creditMerchant(ctx context.Context, op *model.SagaOperation) error {
	anticipation, err := decodeAnticipation(op)
	if err != nil {
		return err
	}
	return s.ledger.PutMoney(ctx, anticipation.MerchantWalletID, anticipation.Amount,
		model.StepRequestID(op.RequestID, model.StepPutMoney))
}

func (s *Settle) debitMerchant(ctx context.Context, op *model.SagaOperation) error {
	anticipation, err := decodeAnticipation(op)
	if err != nil {
		return err
	}
	return s.ledger.TakeMoney(ctx, anticipation.MerchantWalletID, anticipation.Amount,
		model.StepRequestID(op.RequestID, model.StepTakeMoneyBack))
}

// restorePayables puts backed-up payables back to their pre-anticipation
// state and deletes the ones the anticipation created.
func (s *Settle) restorePayables(ctx context.Context, op *model.SagaOperation) error {
	restored, deleted, err := s.datasource.RestorePayables(ctx, op.OperationID)
	if err != nil {
		return err
	}
	sagaLogger(op).WithFields(logrus.Fields{"restored": restored, "deleted": deleted}).Info("payables restored")
	return nil
}

func (s *Settle) cancelAuthorization(ctx context.Context, op *model.SagaOperation) error {
	anticipation, err := decodeAnticipation(op)
	if err != nil {
		return err
	}
	return s.cip.CancelAuthorization(ctx, anticipation.AuthorizationID,
		model.StepRequestID(op.RequestID, model.StepCancelAuthorization))
}
