package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"

	"github.com/ethereum/go-ethereum/common"
)

// BeginParams carries what a submission of a given kind needs. Add and
// Collect identify the remittance by its codes, Return by its id.
type BeginParams struct {
	AgentCode     model.Code
	ReceiverCode  model.Code
	ID            common.Hash
	Sender        common.Address
	Value         *big.Int
	Claim         *big.Int
	BlockDeadline uint64
}

// IntentTracker records local submissions as provisional store entries.
type IntentTracker struct {
	ledger ports.Ledger
	store  *EntityStore
	logger *slog.Logger
}

func NewIntentTracker(ledger ports.Ledger, store *EntityStore, logger *slog.Logger) *IntentTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentTracker{ledger: ledger, store: store, logger: logger}
}

// BeginSubmission derives the remittance id, writes the optimistic record for
// kind and returns without waiting on the ledger.
func (t *IntentTracker) BeginSubmission(ctx context.Context, kind model.IntentKind, params BeginParams) (common.Hash, error) {
	id, _, err := t.begin(ctx, kind, params)
	return id, err
}

func (t *IntentTracker) begin(ctx context.Context, kind model.IntentKind, params BeginParams) (common.Hash, model.MergeResult, error) {
	if !kind.Valid() {
		return common.Hash{}, model.MergeResult{}, fmt.Errorf("%w: %v", ErrInvalidParameters, model.ErrInvalidIntentKind)
	}
	id, err := t.resolveID(ctx, kind, params)
	if err != nil {
		return common.Hash{}, model.MergeResult{}, err
	}
	intent := model.Intent{Kind: kind, ID: id}
	if kind == model.IntentAdd {
		if params.Value == nil || params.Value.Sign() < 0 {
			return common.Hash{}, model.MergeResult{}, fmt.Errorf("%w: value is required", ErrInvalidParameters)
		}
		if params.Claim == nil {
			params.Claim = new(big.Int)
		}
		intent.Sender = params.Sender
		intent.Value = params.Value
		intent.Claim = params.Claim
		intent.BlockDeadline = params.BlockDeadline
	}

	res, err := t.store.Merge(intent)
	if err != nil {
		return common.Hash{}, model.MergeResult{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if res.Conflict != nil {
		return id, res, fmt.Errorf("%w: %s", res.Conflict, res.Record.Conflict)
	}
	t.logger.Info("remittance submission begun",
		"kind", string(kind),
		"remittance_id", id.Hex(),
		"outcome", string(res.Outcome),
	)
	return id, res, nil
}

func (t *IntentTracker) resolveID(ctx context.Context, kind model.IntentKind, params BeginParams) (common.Hash, error) {
	if kind == model.IntentReturn {
		if params.ID == (common.Hash{}) {
			return common.Hash{}, fmt.Errorf("%w: remittance id is required", ErrInvalidParameters)
		}
		return params.ID, nil
	}
	if params.AgentCode.IsZero() || params.ReceiverCode.IsZero() {
		return common.Hash{}, fmt.Errorf("%w: agent and receiver codes are required", ErrInvalidParameters)
	}
	id, err := t.ledger.Anonymize(ctx, params.AgentCode, params.ReceiverCode)
	if err != nil {
		return common.Hash{}, anonymizeError(err)
	}
	if id == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("%w: oracle returned an empty id", ErrInvalidParameters)
	}
	return id, nil
}

// Attach records the transaction that carries a begun submission.
func (t *IntentTracker) Attach(id common.Hash, kind model.IntentKind, txRef common.Hash) error {
	_, err := t.store.Merge(model.Submission{Kind: kind, ID: id, TxRef: txRef})
	return err
}

// Resolve clears the awaiting-confirmation flag once a receipt is found.
func (t *IntentTracker) Resolve(id, txRef common.Hash) error {
	_, err := t.store.Merge(model.Confirmation{ID: id, TxRef: txRef})
	return err
}

// TimedOut leaves the provisional record in place with a warning.
func (t *IntentTracker) TimedOut(id, txRef common.Hash) error {
	_, err := t.store.Merge(model.Confirmation{ID: id, TxRef: txRef, TimedOut: true})
	return err
}

// Reject rolls the optimistic status back. A zero txRef addresses a
// submission that never reached the ledger.
func (t *IntentTracker) Reject(id common.Hash, kind model.IntentKind, txRef common.Hash) error {
	res, err := t.store.Merge(model.Rejection{Kind: kind, ID: id, TxRef: txRef})
	if err != nil {
		return err
	}
	if res.Outcome.Changed() {
		t.logger.Warn("remittance submission rolled back",
			"kind", string(kind),
			"remittance_id", id.Hex(),
			"outcome", string(res.Outcome),
		)
	}
	return nil
}

// anonymizeError reports an oracle refusal as invalid parameters and passes
// any other failure through unchanged.
func anonymizeError(err error) error {
	if errors.Is(err, ports.ErrOracleRejected) {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return fmt.Errorf("anonymise: %w", err)
}
