// Package mockledger is an in-memory remittance contract used by the mock
// transport and by tests. It follows the contract's observable behaviour:
// keccak anonymise, dry-run checks, per-block event logs and receipts.
package mockledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const DefaultMaxBlocksInFuture = 100

var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	errDryRunRefused      = fmt.Errorf("%w: call returned false", ports.ErrInvalidSubmission)
)

type remittance struct {
	sender   common.Address
	value    *big.Int
	claim    *big.Int
	deadline uint64
	settled  bool
}

type Ledger struct {
	mu sync.Mutex

	block       uint64
	maxFuture   uint64
	txCount     uint64
	remittances map[common.Hash]*remittance
	balances    map[common.Address]*big.Int

	logs    []model.Event
	held    []model.Event
	changed chan struct{}

	receipts     map[common.Hash]*ports.Receipt
	heldReceipts map[common.Hash]*ports.Receipt

	holdEvents   bool
	holdReceipts bool
	revertNext   bool
	oracleErr    error
	callErr      error
	receiptErr   error
	subscribeErr []error

	subs    map[int]*subscription
	nextSub int
}

type Option func(*Ledger)

func WithStartBlock(block uint64) Option {
	return func(l *Ledger) { l.block = block }
}

func WithMaxBlocksInFuture(blocks uint64) Option {
	return func(l *Ledger) { l.maxFuture = blocks }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		maxFuture:    DefaultMaxBlocksInFuture,
		remittances:  make(map[common.Hash]*remittance),
		balances:     make(map[common.Address]*big.Int),
		changed:      make(chan struct{}),
		receipts:     make(map[common.Hash]*ports.Receipt),
		heldReceipts: make(map[common.Hash]*ports.Receipt),
		subs:         make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fund credits an account so it can send remittances.
func (l *Ledger) Fund(account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceLocked(account).Add(l.balanceLocked(account), amount)
}

func (l *Ledger) balanceLocked(account common.Address) *big.Int {
	bal, ok := l.balances[account]
	if !ok {
		bal = new(big.Int)
		l.balances[account] = bal
	}
	return bal
}

func (l *Ledger) AdvanceBlocks(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block += n
}

// HoldEvents buffers emitted events until ReleaseEvents.
func (l *Ledger) HoldEvents(hold bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdEvents = hold
}

func (l *Ledger) ReleaseEvents() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdEvents = false
	if len(l.held) == 0 {
		return
	}
	l.logs = append(l.logs, l.held...)
	l.held = nil
	l.broadcastLocked()
}

// HoldReceipts hides receipts of mined transactions until ReleaseReceipts.
func (l *Ledger) HoldReceipts(hold bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdReceipts = hold
}

func (l *Ledger) ReleaseReceipts() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdReceipts = false
	for ref, receipt := range l.heldReceipts {
		l.receipts[ref] = receipt
	}
	l.heldReceipts = make(map[common.Hash]*ports.Receipt)
}

// RevertNext makes the next transaction pass its dry run and then revert.
func (l *Ledger) RevertNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revertNext = true
}

func (l *Ledger) SetOracleError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.oracleErr = err
}

// SetCallError makes anonymise and every dry run fail as if the node could
// not be reached. A nil err restores normal calls.
func (l *Ledger) SetCallError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callErr = err
}

func (l *Ledger) unreachableLocked() error {
	if l.callErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ports.ErrLedgerUnavailable, l.callErr)
}

func (l *Ledger) SetReceiptError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiptErr = err
}

// FailSubscribe makes the next len(errs) Subscribe calls fail in order.
func (l *Ledger) FailSubscribe(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribeErr = append(l.subscribeErr, errs...)
}

// Emit appends an event to the log as if another client caused it. A zero
// block number mines a new block; a later one moves the head forward.
func (l *Ledger) Emit(ev model.Event) model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case ev.BlockNumber == 0:
		l.block++
		ev.BlockNumber = l.block
	case ev.BlockNumber > l.block:
		l.block = ev.BlockNumber
	}
	return l.emitLocked(ev)
}

func (l *Ledger) emitLocked(ev model.Event) model.Event {
	if l.holdEvents {
		l.held = append(l.held, ev)
		return ev
	}
	l.logs = append(l.logs, ev)
	l.broadcastLocked()
	return ev
}

func (l *Ledger) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Events returns every released event in emission order.
func (l *Ledger) Events() []model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Event(nil), l.logs...)
}

// AnonymizeCodes is the contract's anonymise: keccak256 over both packed codes.
func AnonymizeCodes(agent, receiver model.Code) common.Hash {
	return crypto.Keccak256Hash(agent[:], receiver[:])
}

func (l *Ledger) Anonymize(ctx context.Context, agent, receiver model.Code) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	oracleErr := l.oracleErr
	unreachable := l.unreachableLocked()
	l.mu.Unlock()
	if unreachable != nil {
		return common.Hash{}, unreachable
	}
	if oracleErr != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ports.ErrOracleRejected, oracleErr)
	}
	return AnonymizeCodes(agent, receiver), nil
}

func (l *Ledger) SubmitAdd(ctx context.Context, params ports.AddParams, opts ports.TxOptions) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.unreachableLocked(); err != nil {
		return common.Hash{}, err
	}

	value := new(big.Int)
	if opts.Value != nil {
		value.Set(opts.Value)
	}
	if !l.canAddLocked(params, opts.From, value) {
		return common.Hash{}, errDryRunRefused
	}
	return l.mineLocked(func() {
		l.balanceLocked(opts.From).Sub(l.balanceLocked(opts.From), value)
		claim := new(big.Int)
		if params.Claim != nil {
			claim.Set(params.Claim)
		}
		l.remittances[params.ID] = &remittance{
			sender:   opts.From,
			value:    value,
			claim:    claim,
			deadline: params.BlockDeadline,
		}
		l.emitLocked(model.Event{
			Kind:          model.EventAdded,
			ID:            params.ID,
			Sender:        opts.From,
			Value:         new(big.Int).Set(value),
			Claim:         new(big.Int).Set(claim),
			BlockDeadline: params.BlockDeadline,
			BlockNumber:   l.block,
		})
	}), nil
}

func (l *Ledger) canAddLocked(params ports.AddParams, from common.Address, value *big.Int) bool {
	if params.ID == (common.Hash{}) || value.Sign() <= 0 {
		return false
	}
	if _, exists := l.remittances[params.ID]; exists {
		return false
	}
	if params.BlockDeadline <= l.block || params.BlockDeadline > l.block+l.maxFuture {
		return false
	}
	return l.balanceLocked(from).Cmp(value) >= 0
}

func (l *Ledger) SubmitCollect(ctx context.Context, params ports.CollectParams, opts ports.TxOptions) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.unreachableLocked(); err != nil {
		return common.Hash{}, err
	}

	id := AnonymizeCodes(params.AgentCode, params.ReceiverCode)
	rem, ok := l.remittances[id]
	if !ok || rem.settled || l.block > rem.deadline {
		return common.Hash{}, errDryRunRefused
	}
	return l.mineLocked(func() {
		rem.settled = true
		l.balanceLocked(opts.From).Add(l.balanceLocked(opts.From), rem.value)
		agent, receiver := params.AgentCode, params.ReceiverCode
		l.emitLocked(model.Event{
			Kind:         model.EventCollected,
			ID:           id,
			Sender:       rem.sender,
			AgentCode:    &agent,
			ReceiverCode: &receiver,
			BlockNumber:  l.block,
		})
	}), nil
}

func (l *Ledger) SubmitReturn(ctx context.Context, params ports.ReturnParams, opts ports.TxOptions) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.unreachableLocked(); err != nil {
		return common.Hash{}, err
	}

	rem, ok := l.remittances[params.ID]
	if !ok || rem.settled || rem.sender != opts.From || l.block <= rem.deadline {
		return common.Hash{}, errDryRunRefused
	}
	return l.mineLocked(func() {
		rem.settled = true
		l.balanceLocked(rem.sender).Add(l.balanceLocked(rem.sender), rem.value)
		l.emitLocked(model.Event{
			Kind:        model.EventReturned,
			ID:          params.ID,
			Sender:      rem.sender,
			BlockNumber: l.block,
		})
	}), nil
}

// mineLocked includes one transaction in a new block. A forced revert skips
// apply and produces a failed receipt.
func (l *Ledger) mineLocked(apply func()) common.Hash {
	l.txCount++
	l.block++
	txRef := crypto.Keccak256Hash([]byte(fmt.Sprintf("mockledger-tx-%d", l.txCount)))
	succeeded := !l.revertNext
	l.revertNext = false
	if succeeded {
		apply()
	}
	receipt := &ports.Receipt{TxRef: txRef, Succeeded: succeeded, BlockNumber: l.block, GasUsed: 21000}
	if l.holdReceipts {
		l.heldReceipts[txRef] = receipt
	} else {
		l.receipts[txRef] = receipt
	}
	return txRef
}

func (l *Ledger) Receipt(ctx context.Context, txRef common.Hash) (*ports.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.receiptErr != nil {
		return nil, l.receiptErr
	}
	receipt, ok := l.receipts[txRef]
	if !ok {
		return nil, nil
	}
	out := *receipt
	return &out, nil
}

func (l *Ledger) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(account)), nil
}

func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block, nil
}

func (l *Ledger) MaxBlocksInFuture(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxFuture, nil
}
