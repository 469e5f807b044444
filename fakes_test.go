package settle

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/settle/cip"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memDataSource is an in-memory IDataSource with the same compare-and-swap
// semantics as the Postgres implementation.
type memDataSource struct {
	mu       sync.Mutex
	events   map[string]*model.TriggeredEvent
	sagas    map[string]*model.SagaOperation
	payables map[string]*model.Payable

	failTransition error
}

var _ database.IDataSource = (*memDataSource)(nil)

func newMemDataSource() *memDataSource {
	return &memDataSource{
		events:   map[string]*model.TriggeredEvent{},
		sagas:    map[string]*model.SagaOperation{},
		payables: map[string]*model.Payable{},
	}
}

func notFound(msg string) error {
	return apierror.APIError{Code: apierror.ErrNotFound, Message: msg}
}

func copyEvent(e *model.TriggeredEvent) *model.TriggeredEvent {
	c := *e
	c.StatusHistory = append([]model.EventStatus(nil), e.StatusHistory...)
	c.Args = append(json.RawMessage(nil), e.Args...)
	return &c
}

func copySaga(op *model.SagaOperation) *model.SagaOperation {
	c := *op
	c.StepsDefined = append([]string(nil), op.StepsDefined...)
	c.SuccessAt = append([]string(nil), op.SuccessAt...)
	c.ErrorAt = append([]string(nil), op.ErrorAt...)
	c.CapturedErrors = append([]string(nil), op.CapturedErrors...)
	c.Payload = append(json.RawMessage(nil), op.Payload...)
	return &c
}

func copyPayable(p *model.Payable) *model.Payable {
	c := *p
	if p.AnticipationID != nil {
		id := *p.AnticipationID
		c.AnticipationID = &id
	}
	if p.Backup != nil {
		b := *p.Backup
		c.Backup = &b
	}
	return &c
}

func (m *memDataSource) CreateTriggeredEvent(_ context.Context, event *model.TriggeredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.EventID]; ok {
		return apierror.APIError{Code: apierror.ErrConflict, Message: "event exists"}
	}
	if event.Status == "" {
		event.Status = model.EventTriggered
	}
	if len(event.StatusHistory) == 0 {
		event.StatusHistory = []model.EventStatus{event.Status}
	}
	event.CreatedAt = time.Now()
	event.UpdatedAt = event.CreatedAt
	m.events[event.EventID] = copyEvent(event)
	return nil
}

func (m *memDataSource) GetTriggeredEvent(_ context.Context, id string) (*model.TriggeredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, notFound("event not found")
	}
	return copyEvent(e), nil
}

func (m *memDataSource) TransitionTriggeredEvent(_ context.Context, id string, t database.EventTransition) (*model.TriggeredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTransition != nil {
		return nil, m.failTransition
	}
	e, ok := m.events[id]
	if !ok || e.Status != t.From {
		return nil, notFound("event not in expected status")
	}
	e.Status = t.To
	e.StatusHistory = append(e.StatusHistory, t.To)
	switch {
	case t.ResetAttempts:
		e.RetryAttempts = 0
	case t.IncrementAttempts:
		e.RetryAttempts++
	}
	if t.LastError != "" {
		e.LastError = t.LastError
	}
	e.UpdatedAt = time.Now()
	return copyEvent(e), nil
}

func (m *memDataSource) GetStaleTriggeredEvents(_ context.Context, status model.EventStatus, before time.Time, limit int) ([]*model.TriggeredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.TriggeredEvent{}
	for _, e := range m.events {
		if e.Status == status && e.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

// age moves an entity's updated_at into the past so the recovery sweep sees it.
func (m *memDataSource) age(id string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok {
		e.UpdatedAt = e.UpdatedAt.Add(-by)
	}
	if op, ok := m.sagas[id]; ok {
		op.UpdatedAt = op.UpdatedAt.Add(-by)
	}
}

func (m *memDataSource) CreateSagaOperation(_ context.Context, op *model.SagaOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sagas {
		if existing.Class == op.Class && existing.RequestID == op.RequestID {
			return apierror.APIError{Code: apierror.ErrConflict, Message: "request id reused"}
		}
	}
	if op.OperationID == "" {
		op.OperationID = model.GenerateUUIDWithSuffix(string(op.Class))
	}
	op.CreatedAt = time.Now()
	op.UpdatedAt = op.CreatedAt
	m.sagas[op.OperationID] = copySaga(op)
	return nil
}

func (m *memDataSource) GetSagaOperation(_ context.Context, id string) (*model.SagaOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.sagas[id]
	if !ok {
		return nil, notFound("operation not found")
	}
	return copySaga(op), nil
}

func (m *memDataSource) GetSagaOperationByRequestID(_ context.Context, class model.SagaClass, requestID string) (*model.SagaOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.sagas {
		if op.Class == class && op.RequestID == requestID {
			return copySaga(op), nil
		}
	}
	return nil, notFound("operation not found")
}

func (m *memDataSource) TransitionSagaStatus(_ context.Context, id string, from []model.SagaStatus, to model.SagaStatus) (*model.SagaOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.sagas[id]
	if !ok {
		return nil, notFound("operation not found")
	}
	for _, s := range from {
		if op.Status == s {
			op.Status = to
			op.UpdatedAt = time.Now()
			return copySaga(op), nil
		}
	}
	return nil, notFound("operation not in expected status")
}

func (m *memDataSource) SaveSagaProgress(_ context.Context, op *model.SagaOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sagas[op.OperationID]
	if !ok {
		return notFound("operation not found")
	}
	deadLettered := stored.DeadLettered
	saved := copySaga(op)
	saved.DeadLettered = deadLettered
	saved.UpdatedAt = time.Now()
	m.sagas[op.OperationID] = saved
	return nil
}

func (m *memDataSource) MarkSagaDeadLettered(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.sagas[id]
	if !ok || op.DeadLettered {
		return false, nil
	}
	op.DeadLettered = true
	return true, nil
}

func (m *memDataSource) GetStaleSagaOperations(_ context.Context, class model.SagaClass, status model.SagaStatus, before time.Time, limit int) ([]*model.SagaOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.SagaOperation{}
	for _, op := range m.sagas {
		if op.Class == class && op.Status == status && !op.Reverted && !op.DeadLettered &&
			op.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, copySaga(op))
		}
	}
	return out, nil
}

func (m *memDataSource) CreatePayable(_ context.Context, p *model.Payable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.PayableID == "" {
		p.PayableID = model.GenerateUUIDWithSuffix("payable")
	}
	p.CreatedAt = time.Now()
	m.payables[p.PayableID] = copyPayable(p)
	return nil
}

func (m *memDataSource) GetPayables(_ context.Context, ids []string) ([]*model.Payable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Payable{}
	for _, id := range ids {
		if p, ok := m.payables[id]; ok {
			out = append(out, copyPayable(p))
		}
	}
	return out, nil
}

func (m *memDataSource) GetPayablesByAnticipation(_ context.Context, anticipationID string) ([]*model.Payable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Payable{}
	for _, p := range m.payables {
		if p.AnticipationID != nil && *p.AnticipationID == anticipationID {
			out = append(out, copyPayable(p))
		}
	}
	return out, nil
}

func (m *memDataSource) LinkPayables(_ context.Context, anticipationID string, linked, created []*model.Payable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range linked {
		stored, ok := m.payables[p.PayableID]
		if !ok || (stored.AnticipationID != nil && *stored.AnticipationID != anticipationID) {
			return apierror.APIError{Code: apierror.ErrConflict, Message: "payable unavailable"}
		}
	}
	for _, p := range linked {
		stored := m.payables[p.PayableID]
		next := copyPayable(p)
		if stored.Backup != nil {
			next.Backup = stored.Backup
		}
		m.payables[p.PayableID] = next
	}
	for _, p := range created {
		if _, ok := m.payables[p.PayableID]; ok {
			continue
		}
		np := copyPayable(p)
		np.AnticipationID = &anticipationID
		np.Backup = nil
		m.payables[p.PayableID] = np
	}
	return nil
}

func (m *memDataSource) RestorePayables(_ context.Context, anticipationID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var restored, deleted int64
	for id, p := range m.payables {
		if p.AnticipationID == nil || *p.AnticipationID != anticipationID {
			continue
		}
		if p.Backup == nil {
			delete(m.payables, id)
			deleted++
			continue
		}
		p.Restore()
		restored++
	}
	return restored, deleted, nil
}

type publishedMessage struct {
	Channel string
	Payload json.RawMessage
	Delay   time.Duration
}

// recordingPublisher records every message instead of enqueueing it. failOn
// makes publishes to a channel fail.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	failOn   map[string]error
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{failOn: map[string]error{}}
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, payload interface{}, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failOn[channel]; err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, publishedMessage{Channel: channel, Payload: data, Delay: delay})
	return nil
}

func (p *recordingPublisher) fail(channel string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failOn, channel)
		return
	}
	p.failOn[channel] = err
}

func (p *recordingPublisher) on(channel string) []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMessage
	for _, m := range p.messages {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Freeze(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (string, error) {
	args := m.Called(ctx, walletID, amount, requestID)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) Unfreeze(ctx context.Context, walletID, frozenAmountID, requestID string, atomic bool) error {
	args := m.Called(ctx, walletID, frozenAmountID, requestID, atomic)
	return args.Error(0)
}

func (m *mockLedger) TakeMoney(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) error {
	args := m.Called(ctx, walletID, amount, requestID)
	return args.Error(0)
}

func (m *mockLedger) PutMoney(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) error {
	args := m.Called(ctx, walletID, amount, requestID)
	return args.Error(0)
}

type mockCIP struct {
	mock.Mock
}

func (m *mockCIP) Authorize(ctx context.Context, req cip.AuthorizationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockCIP) CancelAuthorization(ctx context.Context, authorizationID, requestID string) error {
	args := m.Called(ctx, authorizationID, requestID)
	return args.Error(0)
}

type testSettle struct {
	*Settle
	ds     *memDataSource
	queue  *recordingPublisher
	ledger *mockLedger
	cip    *mockCIP
	redis  *miniredis.Miniredis
}

func newTestSettle(t *testing.T, tweak ...func(*config.Configuration)) *testSettle {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.Lock.WaitMs = 200
	for _, fn := range tweak {
		fn(cfg)
	}

	ts := &testSettle{
		ds:     newMemDataSource(),
		queue:  newRecordingPublisher(),
		ledger: &mockLedger{},
		cip:    &mockCIP{},
		redis:  mr,
	}
	ts.Settle, err = NewSettle(cfg, ts.ds, client, ts.queue, WithLedgerClient(ts.ledger), WithCIPClient(ts.cip))
	require.NoError(t, err)
	return ts
}

func decodeMessage(t *testing.T, m publishedMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(m.Payload, v))
}

var errDownstream = errors.New("downstream unavailable")
