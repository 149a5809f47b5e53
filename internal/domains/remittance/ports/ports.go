// Package ports declares the boundary between the remittance synchronizer and
// the ledger binding that executes contract calls and streams contract logs.
package ports

import (
	"context"
	"errors"
	"math/big"

	"remit-sync/go-backend/internal/domains/remittance/model"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidSubmission is returned when the dry-run call refuses the
	// submission; no transaction is sent in that case.
	ErrInvalidSubmission = errors.New("ledger refused submission in dry run")
	// ErrOracleRejected is returned when the anonymise oracle rejects its input.
	ErrOracleRejected = errors.New("ledger oracle rejected input")
	ErrNoSigner       = errors.New("ledger binding has no signer")
	// ErrLedgerUnavailable wraps failures to reach the ledger node at all.
	// The call may succeed when retried.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// TxOptions carries per-transaction settings explicitly.
type TxOptions struct {
	From     common.Address
	Value    *big.Int
	GasLimit uint64
}

type AddParams struct {
	ID            common.Hash
	Claim         *big.Int
	BlockDeadline uint64
}

type CollectParams struct {
	AgentCode    model.Code
	ReceiverCode model.Code
}

type ReturnParams struct {
	ID common.Hash
}

// Receipt is the ledger's record of a processed transaction.
type Receipt struct {
	TxRef       common.Hash
	Succeeded   bool
	BlockNumber uint64
	GasUsed     uint64
}

// Subscription is a live event stream. Err delivers non-fatal transport
// errors while the stream keeps running; it is closed once the stream ends.
// The method set matches go-ethereum's ethereum.Subscription.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Ledger is the typed call surface of the remittance contract.
type Ledger interface {
	Anonymize(ctx context.Context, agent, receiver model.Code) (common.Hash, error)
	SubmitAdd(ctx context.Context, params AddParams, opts TxOptions) (common.Hash, error)
	SubmitCollect(ctx context.Context, params CollectParams, opts TxOptions) (common.Hash, error)
	SubmitReturn(ctx context.Context, params ReturnParams, opts TxOptions) (common.Hash, error)
	// Subscribe streams events of one kind emitted at or after fromBlock, in
	// ledger order, into sink. Delivery is at-least-once.
	Subscribe(ctx context.Context, kind model.EventKind, fromBlock uint64, sink chan<- model.Event) (Subscription, error)
	// Receipt returns nil, nil while the transaction is not yet mined.
	Receipt(ctx context.Context, txRef common.Hash) (*Receipt, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	MaxBlocksInFuture(ctx context.Context) (uint64, error)
}
