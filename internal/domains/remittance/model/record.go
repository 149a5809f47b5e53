package model

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Code is one of the two bytes8 secrets whose combination hashes to a remittance id.
type Code [8]byte

var ErrInvalidCode = errors.New("invalid remittance code")

// ParseCode accepts up to 8 bytes of hex, with or without 0x prefix. Shorter
// values are left-aligned like a solidity bytes8 literal.
func ParseCode(raw string) (Code, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if trimmed == "" || len(trimmed) > 16 {
		return Code{}, ErrInvalidCode
	}
	if len(trimmed)%2 == 1 {
		trimmed = "0" + trimmed
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return Code{}, ErrInvalidCode
	}
	var out Code
	copy(out[:], decoded)
	return out, nil
}

// NewCode draws a fresh random code for a new remittance.
func NewCode() (Code, error) {
	var out Code
	if _, err := rand.Read(out[:]); err != nil {
		return Code{}, err
	}
	return out, nil
}

func (c Code) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

func (c Code) IsZero() bool {
	return c == Code{}
}

// Record is the locally reconciled view of one remittance.
type Record struct {
	ID            common.Hash
	Sender        common.Address
	Value         *big.Int
	Claim         *big.Int
	BlockDeadline uint64
	Status        Status
	AgentCode     *Code
	ReceiverCode  *Code

	// Observed is the furthest status confirmed by a ledger event; zero while
	// the record only exists because of a local submission.
	Observed             Status
	// TermsObserved is set once an Added event has supplied sender, value,
	// claim and deadline. Until then those fields may be provisional.
	TermsObserved        bool
	AwaitingConfirmation bool
	TxRef                common.Hash
	Warning              string
	Conflict             string
	Version              uint64
	UpdatedAt            time.Time
}

func (r Record) Authoritative() bool {
	return r.Observed != StatusUnknown
}

// Clone returns a deep copy so callers can never alias store-owned big.Ints or codes.
func (r Record) Clone() Record {
	out := r
	if r.Value != nil {
		out.Value = new(big.Int).Set(r.Value)
	}
	if r.Claim != nil {
		out.Claim = new(big.Int).Set(r.Claim)
	}
	if r.AgentCode != nil {
		code := *r.AgentCode
		out.AgentCode = &code
	}
	if r.ReceiverCode != nil {
		code := *r.ReceiverCode
		out.ReceiverCode = &code
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneCode(c *Code) *Code {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

func equalInt(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}

func equalCode(a, b *Code) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
