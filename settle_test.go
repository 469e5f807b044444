package settle

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSettleRequiresCollaborators(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := config.Default()
	ds := newMemDataSource()
	queue := newRecordingPublisher()

	_, err := NewSettle(nil, ds, client, queue)
	assert.Error(t, err)
	_, err = NewSettle(cfg, nil, client, queue)
	assert.Error(t, err)
	_, err = NewSettle(cfg, ds, nil, queue)
	assert.Error(t, err)
	_, err = NewSettle(cfg, ds, client, nil)
	assert.Error(t, err)

	s, err := NewSettle(cfg, ds, client, queue)
	require.NoError(t, err)
	assert.NotNil(t, s.Handlers())
	assert.Same(t, cfg, s.Config())
}

func TestSagaPlans(t *testing.T) {
	ts := newTestSettle(t)
	tests := []struct {
		name      string
		def       *SagaDefinition
		succeeded []string
		errorAt   []string
		want      []string
		completed bool
	}{
		{
			name:    "transfer failing at takeMoney",
			def:     ts.walletTransfer,
			errorAt: []string{model.StepTakeMoney},
			want:    []string{model.StepTakeMoneyBack, model.StepUnfreezeAmount, model.StepFinishRevert},
		},
		{
			name:    "transfer resuming after a failed unfreeze",
			def:     ts.walletTransfer,
			errorAt: []string{model.StepPutMoney, model.StepUnfreezeAmount},
			want:    []string{model.StepUnfreezeAmount, model.StepFinishRevert},
		},
		{
			name:    "transfer failing at instantiate",
			def:     ts.walletTransfer,
			errorAt: []string{model.StepInstantiateWallet},
			want:    []string{model.StepFinishRevert},
		},
		{
			name:      "transfer that finished",
			def:       ts.walletTransfer,
			succeeded: model.WalletTransferSteps,
			completed: true,
		},
		{
			name: "anticipation with no recorded failure point",
			def:  ts.anticipation,
			want: []string{model.StepRestorePayables, model.StepCancelAuthorization, model.StepFinishRevert},
		},
		{
			name:    "anticipation failing at putMoney never debits the merchant",
			def:     ts.anticipation,
			errorAt: []string{model.StepPutMoney},
			want:    []string{model.StepRestorePayables, model.StepCancelAuthorization, model.StepFinishRevert},
		},
		{
			name:    "anticipation resuming after a failed takeMoneyBack",
			def:     ts.anticipation,
			errorAt: []string{model.StepPutMoney, model.StepTakeMoneyBack},
			want:    []string{model.StepTakeMoneyBack, model.StepRestorePayables, model.StepCancelAuthorization, model.StepFinishRevert},
		},
		{
			name:    "anticipation failing at linkPayables",
			def:     ts.anticipation,
			errorAt: []string{model.StepLinkPayables},
			want:    []string{model.StepRestorePayables, model.StepCancelAuthorization, model.StepFinishRevert},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &model.SagaOperation{SuccessAt: tt.succeeded, ErrorAt: tt.errorAt}
			steps, completed := tt.def.plan(op)
			assert.Equal(t, tt.completed, completed)
			assert.Equal(t, tt.want, steps)
		})
	}
}
