package usecase

import (
	"sync"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
)

// Change is one applied merge, published after the store slot is updated.
type Change struct {
	Seq       int64
	Record    model.Record
	Removed   bool
	Outcome   model.Outcome
	Source    string
	Timestamp time.Time
}

// ChangeFeed fans out store changes with a bounded replay history. A
// subscriber that cannot keep up is dropped and its channel closed.
type ChangeFeed struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Change
	subs    map[int]chan Change
	nextSub int
}

func NewChangeFeed(limit int) *ChangeFeed {
	if limit < 1 {
		limit = 1
	}
	return &ChangeFeed{
		limit: limit,
		subs:  make(map[int]chan Change),
	}
}

func (f *ChangeFeed) Publish(change Change) Change {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSeq++
	change.Seq = f.nextSeq
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now().UTC()
	}
	f.history = append(f.history, change)
	if len(f.history) > f.limit {
		f.history = append([]Change(nil), f.history[len(f.history)-f.limit:]...)
	}

	for id, ch := range f.subs {
		select {
		case ch <- change:
		default:
			close(ch)
			delete(f.subs, id)
		}
	}
	return change
}

// Subscribe returns retained changes after fromSeq and a channel of new ones.
func (f *ChangeFeed) Subscribe(fromSeq int64) ([]Change, <-chan Change, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	replay := make([]Change, 0)
	for _, change := range f.history {
		if change.Seq > fromSeq {
			replay = append(replay, change)
		}
	}

	id := f.nextSub
	f.nextSub++
	ch := make(chan Change, 128)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			close(sub)
			delete(f.subs, id)
		}
	}
	return replay, ch, cancel
}

func (f *ChangeFeed) LastSeq() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSeq
}
