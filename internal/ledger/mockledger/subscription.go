package mockledger

import (
	"context"
	"sync"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"
)

type subscription struct {
	id      int
	kind    model.EventKind
	cursor  int
	from    uint64
	sink    chan<- model.Event
	errCh   chan error
	pending chan error
	quit    chan struct{}
	once    sync.Once
}

func (s *subscription) Err() <-chan error { return s.errCh }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { close(s.quit) })
}

// Subscribe replays matching events from fromBlock and then follows new ones.
func (l *Ledger) Subscribe(ctx context.Context, kind model.EventKind, fromBlock uint64, sink chan<- model.Event) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.subscribeErr) > 0 {
		err := l.subscribeErr[0]
		l.subscribeErr = l.subscribeErr[1:]
		return nil, err
	}
	l.nextSub++
	sub := &subscription{
		id:      l.nextSub,
		kind:    kind,
		from:    fromBlock,
		sink:    sink,
		errCh:   make(chan error, 1),
		pending: make(chan error, 16),
		quit:    make(chan struct{}),
	}
	l.subs[sub.id] = sub
	go l.run(ctx, sub)
	return sub, nil
}

// FailSubscriptions reports err on every live stream without ending them.
func (l *Ledger) FailSubscriptions(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		select {
		case sub.pending <- err:
		default:
		}
	}
}

// DropSubscriptions ends every live stream as a lost connection would.
func (l *Ledger) DropSubscriptions() {
	l.mu.Lock()
	subs := make([]*subscription, 0, len(l.subs))
	for _, sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Subscriptions reports how many streams are live.
func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// run is the only writer to sub.errCh and the only closer of it.
func (l *Ledger) run(ctx context.Context, sub *subscription) {
	defer func() {
		l.mu.Lock()
		delete(l.subs, sub.id)
		l.mu.Unlock()
		close(sub.errCh)
	}()

	for {
		l.mu.Lock()
		var batch []model.Event
		for ; sub.cursor < len(l.logs); sub.cursor++ {
			ev := l.logs[sub.cursor]
			if ev.Kind == sub.kind && ev.BlockNumber >= sub.from {
				batch = append(batch, ev)
			}
		}
		changed := l.changed
		l.mu.Unlock()

		for _, ev := range batch {
			select {
			case sub.sink <- ev:
			case <-sub.quit:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-changed:
		case err := <-sub.pending:
			select {
			case sub.errCh <- err:
			case <-sub.quit:
				return
			case <-ctx.Done():
				return
			}
		case <-sub.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}
