package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultConfirmationInterval = 1 * time.Second
	DefaultConfirmationTimeout  = 5 * time.Minute
)

// ConfirmationPoller waits for receipts of submitted transactions. It never
// changes a record's status; it only resolves the submission flags.
type ConfirmationPoller struct {
	ledger   ports.Ledger
	tracker  *IntentTracker
	refresh  func(context.Context)
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

func NewConfirmationPoller(ledger ports.Ledger, tracker *IntentTracker, interval, timeout time.Duration, logger *slog.Logger, metrics *Metrics) *ConfirmationPoller {
	if interval <= 0 {
		interval = DefaultConfirmationInterval
	}
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfirmationPoller{
		ledger:   ledger,
		tracker:  tracker,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// OnConfirmed sets the hook run after a receipt is found, used to refresh
// balance and chain head.
func (p *ConfirmationPoller) OnConfirmed(refresh func(context.Context)) {
	p.refresh = refresh
}

// AwaitConfirmation queries for the receipt of txRef every interval until it
// is found or timeout elapses. A zero timeout uses the poller default.
func (p *ConfirmationPoller) AwaitConfirmation(ctx context.Context, txRef common.Hash, timeout time.Duration) (*ports.Receipt, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		receipt, err := p.ledger.Receipt(pollCtx, txRef)
		switch {
		case err != nil:
			if pollCtx.Err() == nil {
				p.logger.Debug("receipt query failed", "tx_ref", txRef.Hex(), "error", err.Error())
			}
		case receipt != nil:
			if !receipt.Succeeded {
				return receipt, ErrSubmissionRejected
			}
			return receipt, nil
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrConfirmationTimeout
		case <-ticker.C:
		}
	}
}

// Track waits for txRef and reports the outcome for the remittance it carries.
func (p *ConfirmationPoller) Track(ctx context.Context, id common.Hash, kind model.IntentKind, txRef common.Hash) (*ports.Receipt, error) {
	receipt, err := p.AwaitConfirmation(ctx, txRef, 0)
	switch {
	case err == nil:
		p.metrics.observeConfirmation("confirmed")
		_ = p.tracker.Resolve(id, txRef)
		p.logger.Info("remittance transaction confirmed", "kind", string(kind), "remittance_id", id.Hex(), "tx_ref", txRef.Hex(), "block", receipt.BlockNumber)
		p.runRefresh(ctx)
	case errors.Is(err, ErrSubmissionRejected):
		p.metrics.observeConfirmation("rejected")
		_ = p.tracker.Reject(id, kind, txRef)
		p.logger.Warn("remittance transaction reverted", "kind", string(kind), "remittance_id", id.Hex(), "tx_ref", txRef.Hex())
		p.runRefresh(ctx)
	case errors.Is(err, ErrConfirmationTimeout):
		p.metrics.observeConfirmation("timeout")
		_ = p.tracker.TimedOut(id, txRef)
		p.logger.Warn("remittance confirmation timed out", "kind", string(kind), "remittance_id", id.Hex(), "tx_ref", txRef.Hex(), "timeout", p.timeout.String())
	default:
		p.metrics.observeConfirmation("cancelled")
	}
	return receipt, err
}

func (p *ConfirmationPoller) runRefresh(ctx context.Context) {
	if p.refresh == nil || ctx.Err() != nil {
		return
	}
	p.refresh(ctx)
}
