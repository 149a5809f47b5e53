// Package ethledger binds the remittance contract over an Ethereum JSON-RPC
// endpoint. Calls are dry-run before a signed transaction is sent, and
// contract logs are followed by polling eth_getLogs.
package ethledger

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/ports"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

//go:embed remittances.abi.json
var remittancesABI []byte

const (
	methodAnonymise  = "anonymise"
	methodSendTo     = "sendTo"
	methodCollect    = "collect"
	methodReturn     = "returnToSender"
	methodMaxFuture  = "maxNumberOfBlocksInFuture"
	eventAdded       = "LogRemittanceAdded"
	eventCollected   = "LogRemittanceCollected"
	eventReturned    = "LogRemittanceReturned"
	defaultPoll      = 2 * time.Second
	defaultLogWindow = 5000
)

var (
	ErrNoContract     = errors.New("contract address is required")
	ErrSignerMismatch = errors.New("transaction sender does not match signer")

	errUnexpectedOutput = errors.New("unexpected call output")
)

// chainBackend is the subset of *ethclient.Client the binding uses.
type chainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type Config struct {
	Contract common.Address
	// Key signs transactions. Without it the binding is read-only.
	Key          *ecdsa.PrivateKey
	PollInterval time.Duration
	LogWindow    uint64
	Logger       *slog.Logger
}

type Ledger struct {
	backend  chainBackend
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	signer   common.Address
	poll     time.Duration
	window   uint64
	logger   *slog.Logger

	// sendMu serialises nonce selection.
	sendMu  sync.Mutex
	chainMu sync.Mutex
	chainID *big.Int
}

// Dial connects to endpoint and binds the contract.
func Dial(ctx context.Context, endpoint string, cfg Config) (*Ledger, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ledger endpoint: %w", err)
	}
	l, err := New(client, cfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return l, client, nil
}

func New(backend chainBackend, cfg Config) (*Ledger, error) {
	if cfg.Contract == (common.Address{}) {
		return nil, ErrNoContract
	}
	parsed, err := abi.JSON(bytes.NewReader(remittancesABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}
	if cfg.LogWindow == 0 {
		cfg.LogWindow = defaultLogWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Ledger{
		backend:  backend,
		contract: cfg.Contract,
		abi:      parsed,
		key:      cfg.Key,
		poll:     cfg.PollInterval,
		window:   cfg.LogWindow,
		logger:   cfg.Logger.With("component", "ethledger"),
	}
	if cfg.Key != nil {
		l.signer = crypto.PubkeyToAddress(cfg.Key.PublicKey)
	}
	return l, nil
}

// Signer returns the address transactions are sent from.
func (l *Ledger) Signer() common.Address { return l.signer }

func (l *Ledger) call(ctx context.Context, msg ethereum.CallMsg, method string, args ...any) ([]any, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	msg.To = &l.contract
	msg.Data = data
	out, err := l.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	values, err := l.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnexpectedOutput, err)
	}
	return values, nil
}

// classifyCall keeps an answer from the node (a revert, or output the ABI
// cannot decode) apart from a failure to get any answer.
func classifyCall(err error, refused error, method string) error {
	if executionRefused(err) {
		return fmt.Errorf("%w: %s: %v", refused, method, err)
	}
	return fmt.Errorf("%w: %s: %w", ports.ErrLedgerUnavailable, method, err)
}

func executionRefused(err error) bool {
	if errors.Is(err, errUnexpectedOutput) {
		return true
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid opcode")
}

func (l *Ledger) Anonymize(ctx context.Context, agent, receiver model.Code) (common.Hash, error) {
	out, err := l.call(ctx, ethereum.CallMsg{}, methodAnonymise, [8]byte(agent), [8]byte(receiver))
	if err != nil {
		return common.Hash{}, classifyCall(err, ports.ErrOracleRejected, methodAnonymise)
	}
	hash, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: unexpected anonymise result %T", ports.ErrOracleRejected, out[0])
	}
	return common.Hash(hash), nil
}

func (l *Ledger) SubmitAdd(ctx context.Context, params ports.AddParams, opts ports.TxOptions) (common.Hash, error) {
	claim := params.Claim
	if claim == nil {
		claim = new(big.Int)
	}
	deadline := new(big.Int).SetUint64(params.BlockDeadline)
	return l.submit(ctx, opts, methodSendTo, [32]byte(params.ID), claim, deadline)
}

func (l *Ledger) SubmitCollect(ctx context.Context, params ports.CollectParams, opts ports.TxOptions) (common.Hash, error) {
	return l.submit(ctx, opts, methodCollect, [8]byte(params.AgentCode), [8]byte(params.ReceiverCode))
}

func (l *Ledger) SubmitReturn(ctx context.Context, params ports.ReturnParams, opts ports.TxOptions) (common.Hash, error) {
	return l.submit(ctx, opts, methodReturn, [32]byte(params.ID))
}

// submit dry-runs method and sends it only if the call reports success.
func (l *Ledger) submit(ctx context.Context, opts ports.TxOptions, method string, args ...any) (common.Hash, error) {
	if l.key == nil {
		return common.Hash{}, ports.ErrNoSigner
	}
	from := opts.From
	if from == (common.Address{}) {
		from = l.signer
	}
	if from != l.signer {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrSignerMismatch, from.Hex())
	}
	value := opts.Value
	if value == nil {
		value = new(big.Int)
	}

	msg := ethereum.CallMsg{From: from, Value: value}
	out, err := l.call(ctx, msg, method, args...)
	if err != nil {
		return common.Hash{}, classifyCall(err, ports.ErrInvalidSubmission, method)
	}
	if ok, _ := out[0].(bool); !ok {
		return common.Hash{}, fmt.Errorf("%w: %s returned false", ports.ErrInvalidSubmission, method)
	}

	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, err
	}
	chainID, err := l.chain(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gas := opts.GasLimit
	if gas == 0 {
		gas, err = l.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &l.contract, Value: value, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &l.contract,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), l.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	l.logger.Info("transaction sent", "method", method, "tx", signed.Hash().Hex(), "nonce", nonce, "gas", gas)
	return signed.Hash(), nil
}

func (l *Ledger) chain(ctx context.Context) (*big.Int, error) {
	l.chainMu.Lock()
	defer l.chainMu.Unlock()
	if l.chainID != nil {
		return l.chainID, nil
	}
	id, err := l.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	l.chainID = id
	return id, nil
}

func (l *Ledger) Receipt(ctx context.Context, txRef common.Hash) (*ports.Receipt, error) {
	receipt, err := l.backend.TransactionReceipt(ctx, txRef)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := &ports.Receipt{
		TxRef:     txRef,
		Succeeded: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed:   receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func (l *Ledger) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return l.backend.BalanceAt(ctx, account, nil)
}

func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	return l.backend.BlockNumber(ctx)
}

func (l *Ledger) MaxBlocksInFuture(ctx context.Context) (uint64, error) {
	out, err := l.call(ctx, ethereum.CallMsg{}, methodMaxFuture)
	if err != nil {
		return 0, err
	}
	limit, ok := out[0].(*big.Int)
	if !ok || !limit.IsUint64() {
		return 0, fmt.Errorf("unexpected %s result %v", methodMaxFuture, out[0])
	}
	return limit.Uint64(), nil
}
