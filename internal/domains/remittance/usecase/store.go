package usecase

import (
	"bytes"
	"log/slog"
	"sort"
	"sync"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"

	"github.com/ethereum/go-ethereum/common"
)

const defaultFeedHistory = 1024

type slot struct {
	mu     sync.Mutex
	rec    model.Record
	exists bool
}

// EntityStore owns every reconciled record. Merges for one id run one at a
// time under that id's slot lock; merges for different ids do not contend.
type EntityStore struct {
	mu      sync.RWMutex
	slots   map[common.Hash]*slot
	feed    *ChangeFeed
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type StoreOption func(*EntityStore)

func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *EntityStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithStoreMetrics(metrics *Metrics) StoreOption {
	return func(s *EntityStore) { s.metrics = metrics }
}

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *EntityStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithFeedHistory(limit int) StoreOption {
	return func(s *EntityStore) { s.feed = NewChangeFeed(limit) }
}

func NewEntityStore(opts ...StoreOption) *EntityStore {
	s := &EntityStore{
		slots:  make(map[common.Hash]*slot),
		feed:   NewChangeFeed(defaultFeedHistory),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EntityStore) slotFor(id common.Hash) *slot {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if ok {
		return sl
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok = s.slots[id]; ok {
		return sl
	}
	sl = &slot{}
	s.slots[id] = sl
	return sl
}

// Merge applies one input to the record it addresses and publishes the
// change when the record moved. The returned record is a private copy.
func (s *EntityStore) Merge(in model.Input) (model.MergeResult, error) {
	if in == nil {
		return model.MergeResult{}, model.ErrInvalidInput
	}
	source := model.Source(in)
	id := in.RemittanceID()
	if id == (common.Hash{}) {
		s.metrics.observeInvalid(source)
		return model.MergeResult{}, model.ErrInvalidRemittanceID
	}

	sl := s.slotFor(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var existing *model.Record
	if sl.exists {
		existing = &sl.rec
	}
	prevStatus := model.StatusUnknown
	if existing != nil {
		prevStatus = existing.Status
	}

	res, err := model.Merge(existing, in, s.now())
	if err != nil {
		s.metrics.observeInvalid(source)
		s.logger.Warn("remittance merge refused input", "source", source, "remittance_id", id.Hex(), "error", err.Error())
		return model.MergeResult{}, err
	}

	if res.Outcome.Changed() {
		sl.rec = res.Record
		sl.exists = res.Exists
		nextStatus := model.StatusUnknown
		if res.Exists {
			nextStatus = res.Record.Status
		}
		s.metrics.moveRecord(prevStatus, nextStatus)

		published := res.Record.Clone()
		if !res.Exists {
			published = model.Record{ID: id}
		}
		s.feed.Publish(Change{
			Record:    published,
			Removed:   !res.Exists,
			Outcome:   res.Outcome,
			Source:    source,
			Timestamp: s.now(),
		})
	}
	s.metrics.observeMerge(source, res.Outcome, res.Conflict != nil)
	if res.Conflict != nil {
		s.logger.Warn("remittance merge conflict",
			"source", source,
			"remittance_id", id.Hex(),
			"status", res.Record.Status.String(),
			"conflict", res.Record.Conflict,
		)
	} else {
		s.logger.Debug("remittance merged",
			"source", source,
			"remittance_id", id.Hex(),
			"outcome", string(res.Outcome),
			"status", res.Record.Status.String(),
		)
	}

	res.Record = res.Record.Clone()
	return res, nil
}

func (s *EntityStore) Get(id common.Hash) (model.Record, bool) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return model.Record{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.exists {
		return model.Record{}, false
	}
	return sl.rec.Clone(), true
}

// Snapshot returns a copy of the whole mapping.
func (s *EntityStore) Snapshot() map[common.Hash]model.Record {
	s.mu.RLock()
	slots := make(map[common.Hash]*slot, len(s.slots))
	for id, sl := range s.slots {
		slots[id] = sl
	}
	s.mu.RUnlock()

	out := make(map[common.Hash]model.Record, len(slots))
	for id, sl := range slots {
		sl.mu.Lock()
		if sl.exists {
			out[id] = sl.rec.Clone()
		}
		sl.mu.Unlock()
	}
	return out
}

// List returns the snapshot ordered by most recent update, then id.
func (s *EntityStore) List() []model.Record {
	snapshot := s.Snapshot()
	out := make([]model.Record, 0, len(snapshot))
	for _, rec := range snapshot {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

func (s *EntityStore) Len() int {
	return len(s.Snapshot())
}

func (s *EntityStore) Feed() *ChangeFeed {
	return s.feed
}
