package model

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names one of the three lifecycle events emitted by the ledger.
type EventKind string

const (
	EventAdded     EventKind = "added"
	EventCollected EventKind = "collected"
	EventReturned  EventKind = "returned"
)

// EventKinds is the fixed set of streams the subscriber follows.
var EventKinds = []EventKind{EventAdded, EventCollected, EventReturned}

var (
	ErrInvalidEventKind    = errors.New("invalid remittance event kind")
	ErrInvalidEventID      = errors.New("invalid remittance event id")
	ErrInvalidEventPayload = errors.New("invalid remittance event payload")
)

func (k EventKind) Valid() bool {
	switch k {
	case EventAdded, EventCollected, EventReturned:
		return true
	default:
		return false
	}
}

// Status is the authoritative status the event establishes.
func (k EventKind) Status() Status {
	switch k {
	case EventAdded:
		return StatusAdded
	case EventCollected:
		return StatusCollected
	case EventReturned:
		return StatusReturned
	default:
		return StatusUnknown
	}
}

func ParseEventKind(raw string) (EventKind, error) {
	kind := EventKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", ErrInvalidEventKind
	}
	return kind, nil
}

// Event is a decoded ledger log. Fields not carried by Kind are left zero.
type Event struct {
	Kind   EventKind
	ID     common.Hash
	Sender common.Address

	// LogRemittanceAdded
	Value         *big.Int
	Claim         *big.Int
	BlockDeadline uint64

	// LogRemittanceCollected
	AgentCode    *Code
	ReceiverCode *Code

	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

func ValidateEvent(ev Event) error {
	if !ev.Kind.Valid() {
		return ErrInvalidEventKind
	}
	if ev.ID == (common.Hash{}) {
		return ErrInvalidEventID
	}
	switch ev.Kind {
	case EventAdded:
		if ev.Value == nil || ev.Claim == nil {
			return ErrInvalidEventPayload
		}
	case EventCollected:
		if ev.AgentCode == nil || ev.ReceiverCode == nil {
			return ErrInvalidEventPayload
		}
	}
	return nil
}
