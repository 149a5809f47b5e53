package model

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Input is anything the merge engine can reduce into a record.
type Input interface {
	RemittanceID() common.Hash
	source() string
}

// IntentKind is the kind of local user action.
type IntentKind string

const (
	IntentAdd     IntentKind = "add"
	IntentCollect IntentKind = "collect"
	IntentReturn  IntentKind = "return"
)

var ErrInvalidIntentKind = errors.New("invalid remittance intent kind")

func (k IntentKind) Valid() bool {
	switch k {
	case IntentAdd, IntentCollect, IntentReturn:
		return true
	default:
		return false
	}
}

// Status is the optimistic status a submission of this kind produces.
func (k IntentKind) Status() Status {
	switch k {
	case IntentAdd:
		return StatusAdding
	case IntentCollect:
		return StatusCollecting
	case IntentReturn:
		return StatusReturning
	default:
		return StatusUnknown
	}
}

func ParseIntentKind(raw string) (IntentKind, error) {
	kind := IntentKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", ErrInvalidIntentKind
	}
	return kind, nil
}

// Intent is a local submission that has not been observed on the ledger.
type Intent struct {
	Kind          IntentKind
	ID            common.Hash
	Sender        common.Address
	Value         *big.Int
	Claim         *big.Int
	BlockDeadline uint64
}

// Submission attaches the transaction reference of a sent intent.
type Submission struct {
	Kind  IntentKind
	ID    common.Hash
	TxRef common.Hash
}

// Confirmation reports the outcome of waiting for a receipt.
type Confirmation struct {
	ID       common.Hash
	TxRef    common.Hash
	TimedOut bool
}

// Rejection reports that the ledger reverted a submitted transaction.
type Rejection struct {
	Kind  IntentKind
	ID    common.Hash
	TxRef common.Hash
}

func (e Event) RemittanceID() common.Hash        { return e.ID }
func (i Intent) RemittanceID() common.Hash       { return i.ID }
func (s Submission) RemittanceID() common.Hash   { return s.ID }
func (c Confirmation) RemittanceID() common.Hash { return c.ID }
func (r Rejection) RemittanceID() common.Hash    { return r.ID }

func (Event) source() string        { return "event" }
func (Intent) source() string       { return "intent" }
func (Submission) source() string   { return "submission" }
func (Confirmation) source() string { return "confirmation" }
func (Rejection) source() string    { return "rejection" }

// Source labels the input family for logs and metrics.
func Source(in Input) string {
	if in == nil {
		return "unknown"
	}
	return in.source()
}
