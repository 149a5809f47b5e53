package usecase

import (
	"sync"
	"testing"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestStoreMergePublishesChanges(t *testing.T) {
	store := NewEntityStore(WithStoreLogger(quietLogger()))
	id := common.Hash{1}
	replay, ch, cancel := store.Feed().Subscribe(0)
	defer cancel()
	require.Empty(t, replay)

	res, err := store.Merge(addedEvent(id, 5))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCreated, res.Outcome)

	res, err = store.Merge(addedEvent(id, 5))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDuplicate, res.Outcome)

	change := <-ch
	require.Equal(t, int64(1), change.Seq)
	require.Equal(t, id, change.Record.ID)
	require.Equal(t, "event", change.Source)
	select {
	case extra := <-ch:
		t.Fatalf("duplicate merge published change %d", extra.Seq)
	default:
	}
	require.Equal(t, int64(1), store.Feed().LastSeq())
}

func TestStoreRemovalPublishesTombstone(t *testing.T) {
	store := NewEntityStore(WithStoreLogger(quietLogger()))
	id := common.Hash{2}
	_, err := store.Merge(model.Intent{Kind: model.IntentReturn, ID: id})
	require.NoError(t, err)
	_, err = store.Merge(model.Rejection{Kind: model.IntentReturn, ID: id})
	require.NoError(t, err)

	_, ok := store.Get(id)
	require.False(t, ok)
	require.Equal(t, 0, store.Len())

	replay, _, cancel := store.Feed().Subscribe(0)
	defer cancel()
	require.Len(t, replay, 2)
	require.True(t, replay[1].Removed)
	require.Equal(t, id, replay[1].Record.ID)
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	store := NewEntityStore(WithStoreLogger(quietLogger()), WithStoreMetrics(metrics))

	_, err := store.Merge(model.Event{Kind: model.EventAdded})
	require.ErrorIs(t, err, model.ErrInvalidRemittanceID)
	_, err = store.Merge(model.Event{Kind: model.EventAdded, ID: common.Hash{3}})
	require.ErrorIs(t, err, model.ErrInvalidEventPayload)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.invalidInputs.WithLabelValues("event")))
	require.Equal(t, 0, store.Len())
}

func TestStoreConcurrentMergesSerialisePerID(t *testing.T) {
	store := NewEntityStore(WithStoreLogger(quietLogger()))
	ids := []common.Hash{{1}, {2}, {3}, {4}}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, id := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Merge(addedEvent(id, 5)); err != nil {
					t.Error(err)
				}
			}()
		}
	}
	wg.Wait()

	snapshot := store.Snapshot()
	require.Len(t, snapshot, len(ids))
	for _, rec := range snapshot {
		require.Equal(t, uint64(1), rec.Version)
		require.Equal(t, model.StatusAdded, rec.Status)
	}
	require.Equal(t, int64(len(ids)), store.Feed().LastSeq())
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	store := NewEntityStore(WithStoreLogger(quietLogger()))
	id := common.Hash{5}
	_, err := store.Merge(addedEvent(id, 5))
	require.NoError(t, err)

	snapshot := store.Snapshot()
	rec := snapshot[id]
	rec.Value.SetInt64(999)

	stored, ok := store.Get(id)
	require.True(t, ok)
	require.Equal(t, int64(10), stored.Value.Int64())
}

func TestStoreListOrdersByUpdate(t *testing.T) {
	clock := time.Unix(1000, 0)
	store := NewEntityStore(WithStoreLogger(quietLogger()), WithStoreClock(func() time.Time { return clock }))
	for i, id := range []common.Hash{{1}, {2}, {3}} {
		clock = time.Unix(int64(1000+i), 0)
		_, err := store.Merge(addedEvent(id, 5))
		require.NoError(t, err)
	}
	list := store.List()
	require.Len(t, list, 3)
	require.Equal(t, common.Hash{3}, list[0].ID)
	require.Equal(t, common.Hash{1}, list[2].ID)
}

func TestStoreGaugeTracksStatus(t *testing.T) {
	metrics := NewMetrics(nil)
	store := NewEntityStore(WithStoreLogger(quietLogger()), WithStoreMetrics(metrics))
	id := common.Hash{6}
	_, err := store.Merge(addedEvent(id, 5))
	require.NoError(t, err)
	_, err = store.Merge(model.Event{Kind: model.EventReturned, ID: id, BlockNumber: 9})
	require.NoError(t, err)

	require.Equal(t, 0.0, testutil.ToFloat64(metrics.records.WithLabelValues("Added")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.records.WithLabelValues("Returned")))
}
