package natsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/usecase"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *fakeConn) decoded(t *testing.T, i int) message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var m message
	require.NoError(t, json.Unmarshal(c.payloads[i], &m))
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addedEvent(id byte, block uint64) model.Event {
	return model.Event{
		Kind:          model.EventAdded,
		ID:            common.BytesToHash([]byte{id}),
		Sender:        common.HexToAddress("0x0b0b"),
		Value:         big.NewInt(2_500_000_000_000_000),
		Claim:         big.NewInt(0),
		BlockDeadline: 90,
		BlockNumber:   block,
	}
}

func runPublisher(t *testing.T, p *Publisher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("publisher did not stop")
		}
	})
	return cancel
}

func TestPublishesReplayAndLiveChanges(t *testing.T) {
	store := usecase.NewEntityStore(usecase.WithStoreLogger(quietLogger()))
	_, err := store.Merge(addedEvent(1, 10))
	require.NoError(t, err)

	conn := &fakeConn{}
	runPublisher(t, NewPublisher(conn, store.Feed(), "", quietLogger()))

	require.Eventually(t, func() bool { return conn.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err = store.Merge(addedEvent(2, 11))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	first := conn.decoded(t, 0)
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, "event", first.Source)
	require.Equal(t, string(model.OutcomeCreated), first.Outcome)
	require.Equal(t, "Added", first.Status)
	require.Equal(t, "2.5", first.ValueFinney.String())
	require.Equal(t, DefaultSubject, conn.subjects[0])
	require.Equal(t, int64(2), conn.decoded(t, 1).Seq)
}

func TestPublishFailureDoesNotStopPublisher(t *testing.T) {
	store := usecase.NewEntityStore(usecase.WithStoreLogger(quietLogger()))
	conn := &fakeConn{fail: errors.New("nats: connection closed")}
	p := NewPublisher(conn, store.Feed(), "remit.test", quietLogger())
	runPublisher(t, p)

	_, err := store.Merge(addedEvent(1, 10))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	conn.mu.Lock()
	conn.fail = nil
	conn.mu.Unlock()
	_, err = store.Merge(addedEvent(2, 11))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return conn.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), conn.decoded(t, 0).Seq)
	require.Equal(t, "remit.test", conn.subjects[0])
}

type droppingSource struct {
	feed  *usecase.ChangeFeed
	mu    sync.Mutex
	calls []int64
}

func (s *droppingSource) Subscribe(fromSeq int64) ([]usecase.Change, <-chan usecase.Change, func()) {
	s.mu.Lock()
	s.calls = append(s.calls, fromSeq)
	first := len(s.calls) == 1
	s.mu.Unlock()
	replay, ch, cancel := s.feed.Subscribe(fromSeq)
	if first {
		cancel()
	}
	return replay, ch, cancel
}

func TestResubscribesAfterDrop(t *testing.T) {
	feed := usecase.NewChangeFeed(16)
	feed.Publish(usecase.Change{Record: model.Record{ID: common.BytesToHash([]byte{1}), Status: model.StatusAdded}, Source: "event"})

	src := &droppingSource{feed: feed}
	conn := &fakeConn{}
	runPublisher(t, NewPublisher(conn, src, "", quietLogger()))

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.calls) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	src.mu.Lock()
	require.Equal(t, []int64{0, 1}, src.calls[:2])
	src.mu.Unlock()
	require.Equal(t, 1, conn.count())
}
