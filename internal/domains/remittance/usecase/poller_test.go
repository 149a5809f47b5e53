package usecase

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"
	"remit-sync/go-backend/internal/ledger/mockledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type pollerFixture struct {
	ledger  *mockledger.Ledger
	store   *EntityStore
	tracker *IntentTracker
	poller  *ConfirmationPoller
	metrics *Metrics
}

func newPollerFixture(t *testing.T, timeout time.Duration) *pollerFixture {
	t.Helper()
	ledger := mockledger.New()
	ledger.Fund(account, big.NewInt(1000))
	metrics := NewMetrics(nil)
	store := NewEntityStore(WithStoreLogger(quietLogger()), WithStoreMetrics(metrics))
	tracker := NewIntentTracker(ledger, store, quietLogger())
	poller := NewConfirmationPoller(ledger, tracker, 5*time.Millisecond, timeout, quietLogger(), metrics)
	return &pollerFixture{ledger: ledger, store: store, tracker: tracker, poller: poller, metrics: metrics}
}

// submitAdd begins and sends an add the way the service does.
func (f *pollerFixture) submitAdd(t *testing.T) (common.Hash, common.Hash) {
	t.Helper()
	ctx := context.Background()
	id, err := f.tracker.BeginSubmission(ctx, model.IntentAdd, BeginParams{
		AgentCode:     mustCode(t, "01"),
		ReceiverCode:  mustCode(t, "02"),
		Sender:        account,
		Value:         big.NewInt(100),
		BlockDeadline: 20,
	})
	require.NoError(t, err)
	txRef, err := f.ledger.SubmitAdd(ctx, ports.AddParams{ID: id, BlockDeadline: 20}, ports.TxOptions{From: account, Value: big.NewInt(100)})
	require.NoError(t, err)
	require.NoError(t, f.tracker.Attach(id, model.IntentAdd, txRef))
	return id, txRef
}

func TestAwaitConfirmationFindsReceipt(t *testing.T) {
	f := newPollerFixture(t, time.Second)
	f.ledger.HoldReceipts(true)
	_, txRef := f.submitAdd(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.ledger.ReleaseReceipts()
	}()
	receipt, err := f.poller.AwaitConfirmation(context.Background(), txRef, 0)
	require.NoError(t, err)
	require.True(t, receipt.Succeeded)
	require.Equal(t, txRef, receipt.TxRef)
}

func TestAwaitConfirmationTimesOut(t *testing.T) {
	f := newPollerFixture(t, time.Second)
	_, err := f.poller.AwaitConfirmation(context.Background(), common.Hash{9}, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
}

func TestAwaitConfirmationHonoursCancellation(t *testing.T) {
	f := newPollerFixture(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.poller.AwaitConfirmation(ctx, common.Hash{9}, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAwaitConfirmationKeepsPollingThroughQueryErrors(t *testing.T) {
	f := newPollerFixture(t, time.Second)
	_, txRef := f.submitAdd(t)
	f.ledger.SetReceiptError(errors.New("node unavailable"))
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.ledger.SetReceiptError(nil)
	}()
	receipt, err := f.poller.AwaitConfirmation(context.Background(), txRef, 0)
	require.NoError(t, err)
	require.True(t, receipt.Succeeded)
}

func TestTrackConfirmedClearsAwaiting(t *testing.T) {
	f := newPollerFixture(t, time.Second)
	refreshed := make(chan struct{}, 1)
	f.poller.OnConfirmed(func(context.Context) { refreshed <- struct{}{} })
	id, txRef := f.submitAdd(t)

	_, err := f.poller.Track(context.Background(), id, model.IntentAdd, txRef)
	require.NoError(t, err)
	rec, ok := f.store.Get(id)
	require.True(t, ok)
	require.Equal(t, model.StatusAdding, rec.Status, "status only moves on ledger events")
	require.False(t, rec.AwaitingConfirmation)
	<-refreshed
}

func TestTrackRejectedRemovesProvisionalRecord(t *testing.T) {
	f := newPollerFixture(t, time.Second)
	f.ledger.RevertNext()
	id, txRef := f.submitAdd(t)

	receipt, err := f.poller.Track(context.Background(), id, model.IntentAdd, txRef)
	require.ErrorIs(t, err, ErrSubmissionRejected)
	require.False(t, receipt.Succeeded)
	_, ok := f.store.Get(id)
	require.False(t, ok)
}

func TestTrackTimeoutLeavesWarning(t *testing.T) {
	f := newPollerFixture(t, 30*time.Millisecond)
	f.ledger.HoldReceipts(true)
	id, txRef := f.submitAdd(t)

	_, err := f.poller.Track(context.Background(), id, model.IntentAdd, txRef)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	rec, ok := f.store.Get(id)
	require.True(t, ok)
	require.Equal(t, model.StatusAdding, rec.Status)
	require.NotEmpty(t, rec.Warning)
	require.False(t, rec.AwaitingConfirmation)
}
