package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const defaultSubmissionHistory = 1024

// Config wires the synchronizer to one sending account and one origin block.
type Config struct {
	Account              common.Address
	Origin               uint64
	GasLimit             uint64
	ConfirmationInterval time.Duration
	ConfirmationTimeout  time.Duration
	FeedHistory          int
	SubmissionHistory    int
	RetryInitial         time.Duration
	RetryMax             time.Duration
}

type SendRequest struct {
	AgentCode     model.Code
	ReceiverCode  model.Code
	Value         *big.Int
	Claim         *big.Int
	BlockDeadline uint64
}

type CollectRequest struct {
	AgentCode    model.Code
	ReceiverCode model.Code
}

type ReturnRequest struct {
	ID common.Hash
}

// Service is the presentation-facing facade: the three user operations, the
// read-only snapshot and the change feed.
type Service struct {
	cfg        Config
	ledger     ports.Ledger
	store      *EntityStore
	tracker    *IntentTracker
	poller     *ConfirmationPoller
	subscriber *EventSubscriber
	logger     *slog.Logger
	metrics    *Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	mu          sync.RWMutex
	submissions map[string]*Submission
	order       []string

	balance atomic.Pointer[big.Int]
	head    atomic.Uint64
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

func NewService(ledger ports.Ledger, cfg Config, opts ...Option) *Service {
	if cfg.SubmissionHistory <= 0 {
		cfg.SubmissionHistory = defaultSubmissionHistory
	}
	if cfg.FeedHistory <= 0 {
		cfg.FeedHistory = defaultFeedHistory
	}
	s := &Service{
		cfg:         cfg,
		ledger:      ledger,
		logger:      slog.Default(),
		submissions: make(map[string]*Submission),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.store = NewEntityStore(
		WithStoreLogger(s.logger),
		WithStoreMetrics(s.metrics),
		WithFeedHistory(cfg.FeedHistory),
	)
	s.tracker = NewIntentTracker(ledger, s.store, s.logger)
	s.poller = NewConfirmationPoller(ledger, s.tracker, cfg.ConfirmationInterval, cfg.ConfirmationTimeout, s.logger, s.metrics)
	s.poller.OnConfirmed(s.Refresh)
	s.subscriber = NewEventSubscriber(ledger, s.store, SubscriberConfig{
		Origin:       cfg.Origin,
		RetryInitial: cfg.RetryInitial,
		RetryMax:     cfg.RetryMax,
	}, s.logger, s.metrics)
	return s
}

// Start launches the event streams and loads balance and chain head once.
func (s *Service) Start(ctx context.Context) error {
	if s.baseCtx.Err() != nil {
		return ErrServiceStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.subscriber.Run(s.baseCtx); err != nil {
			s.logger.Error("event subscriber stopped", "error", err.Error())
		}
	}()
	s.Refresh(ctx)
	s.logger.Info("remittance synchronizer started", "origin_block", s.cfg.Origin, "account", s.cfg.Account.Hex())
	return nil
}

// Stop cancels the streams and in-flight pollers and waits for them.
func (s *Service) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Send(ctx context.Context, req SendRequest) (*Submission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if req.Value == nil || req.Value.Sign() < 0 {
		return nil, fmt.Errorf("%w: value is required", ErrInvalidParameters)
	}
	if req.Claim == nil {
		req.Claim = new(big.Int)
	}
	id, res, err := s.tracker.begin(ctx, model.IntentAdd, BeginParams{
		AgentCode:     req.AgentCode,
		ReceiverCode:  req.ReceiverCode,
		Sender:        s.cfg.Account,
		Value:         req.Value,
		Claim:         req.Claim,
		BlockDeadline: req.BlockDeadline,
	})
	if err != nil {
		s.metrics.observeSubmission(model.IntentAdd, "invalid")
		return nil, err
	}
	txRef, err := s.ledger.SubmitAdd(ctx, ports.AddParams{
		ID:            id,
		Claim:         req.Claim,
		BlockDeadline: req.BlockDeadline,
	}, s.txOptions(req.Value))
	if err != nil {
		return nil, s.abandon(id, model.IntentAdd, res, err)
	}
	return s.track(id, model.IntentAdd, txRef), nil
}

func (s *Service) Collect(ctx context.Context, req CollectRequest) (*Submission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, res, err := s.tracker.begin(ctx, model.IntentCollect, BeginParams{
		AgentCode:    req.AgentCode,
		ReceiverCode: req.ReceiverCode,
	})
	if err != nil {
		s.metrics.observeSubmission(model.IntentCollect, "invalid")
		return nil, err
	}
	txRef, err := s.ledger.SubmitCollect(ctx, ports.CollectParams{
		AgentCode:    req.AgentCode,
		ReceiverCode: req.ReceiverCode,
	}, s.txOptions(nil))
	if err != nil {
		return nil, s.abandon(id, model.IntentCollect, res, err)
	}
	return s.track(id, model.IntentCollect, txRef), nil
}

func (s *Service) Return(ctx context.Context, req ReturnRequest) (*Submission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, res, err := s.tracker.begin(ctx, model.IntentReturn, BeginParams{ID: req.ID})
	if err != nil {
		s.metrics.observeSubmission(model.IntentReturn, "invalid")
		return nil, err
	}
	txRef, err := s.ledger.SubmitReturn(ctx, ports.ReturnParams{ID: id}, s.txOptions(nil))
	if err != nil {
		return nil, s.abandon(id, model.IntentReturn, res, err)
	}
	return s.track(id, model.IntentReturn, txRef), nil
}

func (s *Service) ready() error {
	if s.baseCtx.Err() != nil {
		return ErrServiceStopped
	}
	if s.cfg.Account == (common.Address{}) {
		return ErrAccountNotConfigured
	}
	return nil
}

func (s *Service) txOptions(value *big.Int) ports.TxOptions {
	return ports.TxOptions{From: s.cfg.Account, Value: value, GasLimit: s.cfg.GasLimit}
}

// abandon undoes the optimistic write of a submission that never produced a
// transaction, unless the intent was a no-op on an existing record.
func (s *Service) abandon(id common.Hash, kind model.IntentKind, begun model.MergeResult, cause error) error {
	if begun.Outcome.Changed() {
		_ = s.tracker.Reject(id, kind, common.Hash{})
	}
	result := "failed"
	switch {
	case errors.Is(cause, ports.ErrInvalidSubmission):
		result = "refused"
	case errors.Is(cause, ports.ErrLedgerUnavailable):
		result = "unavailable"
	}
	s.metrics.observeSubmission(kind, result)
	s.logger.Warn("remittance submission not sent", "kind", string(kind), "remittance_id", id.Hex(), "error", cause.Error())
	return cause
}

func (s *Service) track(id common.Hash, kind model.IntentKind, txRef common.Hash) *Submission {
	sub := newSubmission(uuid.NewString(), id, kind, txRef, time.Now().UTC())
	_ = s.tracker.Attach(id, kind, txRef)
	s.remember(sub)
	s.metrics.observeSubmission(kind, "sent")
	s.logger.Info("remittance transaction sent", "kind", string(kind), "remittance_id", id.Hex(), "tx_ref", txRef.Hex(), "submission_id", sub.ID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		receipt, err := s.poller.Track(s.baseCtx, id, kind, txRef)
		if err != nil && s.baseCtx.Err() != nil && errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", ErrServiceStopped, err)
		}
		sub.resolve(receipt, err)
	}()
	return sub
}

func (s *Service) remember(sub *Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.ID] = sub
	s.order = append(s.order, sub.ID)
	if len(s.order) <= s.cfg.SubmissionHistory {
		return
	}
	kept := s.order[:0]
	excess := len(s.order) - s.cfg.SubmissionHistory
	for _, id := range s.order {
		if excess > 0 && s.submissions[id].State() != SubmissionPending {
			delete(s.submissions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *Service) Submission(id string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return sub, nil
}

// Anonymize previews the id a pair of codes maps to.
func (s *Service) Anonymize(ctx context.Context, agent, receiver model.Code) (common.Hash, error) {
	id, err := s.ledger.Anonymize(ctx, agent, receiver)
	if err != nil {
		return common.Hash{}, anonymizeError(err)
	}
	return id, nil
}

// SuggestDeadline is the furthest block deadline the ledger accepts right now.
func (s *Service) SuggestDeadline(ctx context.Context) (uint64, error) {
	head, err := s.ledger.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	s.head.Store(head)
	maxFuture, err := s.ledger.MaxBlocksInFuture(ctx)
	if err != nil {
		return 0, err
	}
	return head + maxFuture, nil
}

// Refresh reloads the account balance and chain head. Failures are logged only.
func (s *Service) Refresh(ctx context.Context) {
	if head, err := s.ledger.BlockNumber(ctx); err != nil {
		s.logger.Warn("block number refresh failed", "error", err.Error())
	} else {
		s.head.Store(head)
	}
	if s.cfg.Account == (common.Address{}) {
		return
	}
	balance, err := s.ledger.BalanceAt(ctx, s.cfg.Account)
	if err != nil {
		s.logger.Warn("balance refresh failed", "error", err.Error())
		return
	}
	s.balance.Store(balance)
}

func (s *Service) Balance() *big.Int {
	balance := s.balance.Load()
	if balance == nil {
		return nil
	}
	return new(big.Int).Set(balance)
}

func (s *Service) CurrentBlock() uint64 {
	return s.head.Load()
}

func (s *Service) Account() common.Address {
	return s.cfg.Account
}

func (s *Service) Get(id common.Hash) (model.Record, error) {
	rec, ok := s.store.Get(id)
	if !ok {
		return model.Record{}, ErrRemittanceNotFound
	}
	return rec, nil
}

func (s *Service) Snapshot() map[common.Hash]model.Record {
	return s.store.Snapshot()
}

func (s *Service) List() []model.Record {
	return s.store.List()
}

func (s *Service) SubscribeChanges(fromSeq int64) ([]Change, <-chan Change, func()) {
	return s.store.Feed().Subscribe(fromSeq)
}

// Store exposes the entity store for components that merge directly.
func (s *Service) Store() *EntityStore {
	return s.store
}

func (s *Service) Tracker() *IntentTracker {
	return s.tracker
}

func (s *Service) Poller() *ConfirmationPoller {
	return s.poller
}
