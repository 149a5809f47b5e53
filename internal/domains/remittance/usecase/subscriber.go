package usecase

import (
	"context"
	"log/slog"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSubscriptionBuffer = 64
	defaultRetryInitial       = 500 * time.Millisecond
	defaultRetryMax           = 30 * time.Second
)

// SubscriberConfig tunes the event streams.
type SubscriberConfig struct {
	// Origin is the block every stream starts from, so history emitted
	// before the process started is still merged.
	Origin       uint64
	Buffer       int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// EventSubscriber follows the Added, Collected and Returned streams and
// merges each event into the store in delivery order.
type EventSubscriber struct {
	ledger  ports.Ledger
	store   *EntityStore
	cfg     SubscriberConfig
	logger  *slog.Logger
	metrics *Metrics
}

func NewEventSubscriber(ledger ports.Ledger, store *EntityStore, cfg SubscriberConfig, logger *slog.Logger, metrics *Metrics) *EventSubscriber {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultSubscriptionBuffer
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaultRetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = defaultRetryMax
		if cfg.RetryMax < cfg.RetryInitial {
			cfg.RetryMax = cfg.RetryInitial
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSubscriber{ledger: ledger, store: store, cfg: cfg, logger: logger, metrics: metrics}
}

// Run blocks until ctx is cancelled. Stream failures never end it.
func (s *EventSubscriber) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range model.EventKinds {
		g.Go(func() error {
			return s.follow(gctx, kind)
		})
	}
	return g.Wait()
}

func (s *EventSubscriber) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxInterval = s.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *EventSubscriber) follow(ctx context.Context, kind model.EventKind) error {
	from := s.cfg.Origin
	retry := s.newBackOff()
	logger := s.logger.With("stream", string(kind))

	for attempt := 0; ; attempt++ {
		sink := make(chan model.Event, s.cfg.Buffer)
		var sub ports.Subscription
		err := backoff.RetryNotify(func() error {
			var err error
			sub, err = s.ledger.Subscribe(ctx, kind, from, sink)
			return err
		}, backoff.WithContext(retry, ctx), func(err error, wait time.Duration) {
			s.metrics.observeSubscriptionError(kind)
			logger.Warn("ledger subscription failed; retrying", "from_block", from, "retry_in", wait.String(), "error", err.Error())
		})
		if err != nil {
			// Only cancellation ends the retry loop.
			return nil
		}
		if attempt > 0 {
			s.metrics.observeResubscribe(kind)
		}
		logger.Info("ledger subscription started", "from_block", from)
		retry.Reset()

		last, delivered := s.consume(ctx, kind, sub, sink, logger)
		sub.Unsubscribe()
		if delivered && last > from {
			from = last
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := retry.NextBackOff()
		logger.Warn("ledger subscription closed; resubscribing", "from_block", from, "retry_in", wait.String())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// consume merges events until the subscription closes or ctx ends. It
// returns the block of the last merged event, the resume point.
func (s *EventSubscriber) consume(ctx context.Context, kind model.EventKind, sub ports.Subscription, sink <-chan model.Event, logger *slog.Logger) (uint64, bool) {
	var (
		last      uint64
		delivered bool
	)
	errs := sub.Err()
	for {
		select {
		case <-ctx.Done():
			return last, delivered
		case ev := <-sink:
			if ev.Kind != kind {
				logger.Warn("ledger event delivered on wrong stream", "event_kind", string(ev.Kind), "remittance_id", ev.ID.Hex())
			}
			if _, err := s.store.Merge(ev); err != nil {
				logger.Warn("ledger event dropped", "remittance_id", ev.ID.Hex(), "block", ev.BlockNumber, "error", err.Error())
			}
			last = ev.BlockNumber
			delivered = true
		case err, ok := <-errs:
			if !ok {
				return last, delivered
			}
			if err != nil {
				s.metrics.observeSubscriptionError(kind)
				logger.Warn("ledger subscription delivery error", "error", err.Error())
			}
		}
	}
}
