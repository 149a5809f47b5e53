package ethledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrMalformedLog = errors.New("malformed remittance log")

const maxPollBackoff = time.Minute

func eventName(kind model.EventKind) (string, error) {
	switch kind {
	case model.EventAdded:
		return eventAdded, nil
	case model.EventCollected:
		return eventCollected, nil
	case model.EventReturned:
		return eventReturned, nil
	default:
		return "", model.ErrInvalidEventKind
	}
}

// DecodeLog turns a contract log into a lifecycle event.
func (l *Ledger) DecodeLog(kind model.EventKind, lg types.Log) (model.Event, error) {
	name, err := eventName(kind)
	if err != nil {
		return model.Event{}, err
	}
	ev := model.Event{
		Kind:        kind,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != l.abi.Events[name].ID {
		return model.Event{}, fmt.Errorf("%w: topic does not match %s", ErrMalformedLog, name)
	}

	switch kind {
	case model.EventAdded:
		if len(lg.Topics) != 3 {
			return model.Event{}, fmt.Errorf("%w: %s has %d topics", ErrMalformedLog, name, len(lg.Topics))
		}
		out, err := l.abi.Unpack(name, lg.Data)
		if err != nil || len(out) != 3 {
			return model.Event{}, fmt.Errorf("%w: %s data: %v", ErrMalformedLog, name, err)
		}
		value, _ := out[0].(*big.Int)
		claim, _ := out[1].(*big.Int)
		deadline, _ := out[2].(*big.Int)
		if value == nil || claim == nil || deadline == nil || !deadline.IsUint64() {
			return model.Event{}, fmt.Errorf("%w: %s fields", ErrMalformedLog, name)
		}
		ev.Sender = common.BytesToAddress(lg.Topics[1].Bytes())
		ev.ID = lg.Topics[2]
		ev.Value = value
		ev.Claim = claim
		ev.BlockDeadline = deadline.Uint64()
	case model.EventCollected:
		if len(lg.Topics) != 4 {
			return model.Event{}, fmt.Errorf("%w: %s has %d topics", ErrMalformedLog, name, len(lg.Topics))
		}
		out, err := l.abi.Unpack(name, lg.Data)
		if err != nil || len(out) != 1 {
			return model.Event{}, fmt.Errorf("%w: %s data: %v", ErrMalformedLog, name, err)
		}
		hash, ok := out[0].([32]byte)
		if !ok {
			return model.Event{}, fmt.Errorf("%w: %s hash", ErrMalformedLog, name)
		}
		// Indexed bytes8 values are left-aligned in their topic.
		var agent, receiver model.Code
		copy(agent[:], lg.Topics[2][:8])
		copy(receiver[:], lg.Topics[3][:8])
		ev.Sender = common.BytesToAddress(lg.Topics[1].Bytes())
		ev.ID = common.Hash(hash)
		ev.AgentCode = &agent
		ev.ReceiverCode = &receiver
	case model.EventReturned:
		if len(lg.Topics) != 3 {
			return model.Event{}, fmt.Errorf("%w: %s has %d topics", ErrMalformedLog, name, len(lg.Topics))
		}
		ev.Sender = common.BytesToAddress(lg.Topics[1].Bytes())
		ev.ID = lg.Topics[2]
	}
	return ev, nil
}

type logSubscription struct {
	errCh chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *logSubscription) Err() <-chan error { return s.errCh }

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.quit) })
}

// Subscribe polls eth_getLogs from fromBlock in bounded windows. Poll and
// decode failures are reported on Err and the poll is retried with backoff
// from the first block not yet delivered.
func (l *Ledger) Subscribe(ctx context.Context, kind model.EventKind, fromBlock uint64, sink chan<- model.Event) (ports.Subscription, error) {
	name, err := eventName(kind)
	if err != nil {
		return nil, err
	}
	if _, err := l.backend.BlockNumber(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	sub := &logSubscription{errCh: make(chan error, 1), quit: make(chan struct{})}
	go l.pollLogs(ctx, kind, l.abi.Events[name].ID, fromBlock, sink, sub)
	return sub, nil
}

func (l *Ledger) pollLogs(ctx context.Context, kind model.EventKind, topic common.Hash, from uint64, sink chan<- model.Event, sub *logSubscription) {
	defer close(sub.errCh)

	report := func(err error) bool {
		select {
		case sub.errCh <- err:
			return true
		case <-sub.quit:
			return false
		case <-ctx.Done():
			return false
		}
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = l.poll
	retry.MaxInterval = maxPollBackoff
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		next, err := l.pollOnce(ctx, kind, topic, from, sink, sub.quit)
		from = next
		wait := l.poll
		if err != nil {
			if !report(err) {
				return
			}
			wait = retry.NextBackOff()
		} else {
			retry.Reset()
		}
		timer := time.NewTimer(wait)
		select {
		case <-sub.quit:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce delivers every log up to the current head and returns the next
// block to query.
func (l *Ledger) pollOnce(ctx context.Context, kind model.EventKind, topic common.Hash, from uint64, sink chan<- model.Event, quit <-chan struct{}) (uint64, error) {
	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return from, err
	}
	for from <= head {
		to := from + l.window - 1
		if to > head {
			to = head
		}
		logs, err := l.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{l.contract},
			Topics:    [][]common.Hash{{topic}},
		})
		if err != nil {
			return from, err
		}
		var decodeErr error
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			ev, err := l.DecodeLog(kind, lg)
			if err != nil {
				decodeErr = errors.Join(decodeErr, err)
				continue
			}
			select {
			case sink <- ev:
			case <-quit:
				return from, nil
			case <-ctx.Done():
				return from, nil
			}
		}
		from = to + 1
		if decodeErr != nil {
			return from, decodeErr
		}
	}
	return from, nil
}
