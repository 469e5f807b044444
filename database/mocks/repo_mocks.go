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
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

var _ database.IDataSource = (*MockDataSource)(nil)

// Triggered event methods

func (m *MockDataSource) CreateTriggeredEvent(ctx context.Context, event *model.TriggeredEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDataSource) GetTriggeredEvent(ctx context.Context, id string) (*model.TriggeredEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TriggeredEvent), args.Error(1)
}

func (m *MockDataSource) TransitionTriggeredEvent(ctx context.Context, id string, transition database.EventTransition) (*model.TriggeredEvent, error) {
	args := m.Called(ctx, id, transition)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TriggeredEvent), args.Error(1)
}

func (m *MockDataSource) GetStaleTriggeredEvents(ctx context.Context, status model.EventStatus, before time.Time, limit int) ([]*model.TriggeredEvent, error) {
	args := m.Called(ctx, status, before, limit)
	return args.Get(0).([]*model.TriggeredEvent), args.Error(1)
}

// Saga operation methods

func (m *MockDataSource) CreateSagaOperation(ctx context.Context, op *model.SagaOperation) error {
	args := m.Called(ctx, op)
	return args.Error(0)
}

func (m *MockDataSource) GetSagaOperation(ctx context.Context, id string) (*model.SagaOperation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SagaOperation), args.Error(1)
}

func (m *MockDataSource) GetSagaOperationByRequestID(ctx context.Context, class model.SagaClass, requestID string) (*model.SagaOperation, error) {
	args := m.Called(ctx, class, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SagaOperation), args.Error(1)
}

func (m *MockDataSource) TransitionSagaStatus(ctx context.Context, id string, from []model.SagaStatus, to model.SagaStatus) (*model.SagaOperation, error) {
	args := m.Called(ctx, id, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SagaOperation), args.Error(1)
}

func (m *MockDataSource) SaveSagaProgress(ctx context.Context, op *model.SagaOperation) error {
	args := m.Called(ctx, op)
	return args.Error(0)
}

func (m *MockDataSource) MarkSagaDeadLettered(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetStaleSagaOperations(ctx context.Context, class model.SagaClass, status model.SagaStatus, before time.Time, limit int) ([]*model.SagaOperation, error) {
	args := m.Called(ctx, class, status, before, limit)
	return args.Get(0).([]*model.SagaOperation), args.Error(1)
}

// Payable methods

func (m *MockDataSource) CreatePayable(ctx context.Context, p *model.Payable) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockDataSource) GetPayables(ctx context.Context, ids []string) ([]*model.Payable, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).([]*model.Payable), args.Error(1)
}

func (m *MockDataSource) GetPayablesByAnticipation(ctx context.Context, anticipationID string) ([]*model.Payable, error) {
	args := m.Called(ctx, anticipationID)
	return args.Get(0).([]*model.Payable), args.Error(1)
}

func (m *MockDataSource) LinkPayables(ctx context.Context, anticipationID string, linked, created []*model.Payable) error {
	args := m.Called(ctx, anticipationID, linked, created)
	return args.Error(0)
}

func (m *MockDataSource) RestorePayables(ctx context.Context, anticipationID string) (int64, int64, error) {
	args := m.Called(ctx, anticipationID)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}
