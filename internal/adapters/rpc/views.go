package rpc

import (
	"errors"
	"math/big"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/usecase"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// One finney is 10^15 wei.
const finneyExp = 15

var errNotWholeWei = errors.New("amount has more precision than one wei")

type remittanceView struct {
	ID                   string          `json:"id"`
	Status               string          `json:"status"`
	Sender               string          `json:"sender,omitempty"`
	Value                string          `json:"value,omitempty"`
	ValueFinney          decimal.Decimal `json:"valueFinney"`
	Claim                string          `json:"claim,omitempty"`
	ClaimFinney          decimal.Decimal `json:"claimFinney"`
	BlockDeadline        uint64          `json:"blockDeadline,omitempty"`
	AgentCode            string          `json:"agentCode,omitempty"`
	ReceiverCode         string          `json:"receiverCode,omitempty"`
	Observed             string          `json:"observed,omitempty"`
	AwaitingConfirmation bool            `json:"awaitingConfirmation"`
	TxRef                string          `json:"txRef,omitempty"`
	Warning              string          `json:"warning,omitempty"`
	Conflict             string          `json:"conflict,omitempty"`
	Version              uint64          `json:"version"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

func newRemittanceView(rec model.Record) remittanceView {
	view := remittanceView{
		ID:                   rec.ID.Hex(),
		Status:               rec.Status.String(),
		ValueFinney:          toFinney(rec.Value),
		ClaimFinney:          toFinney(rec.Claim),
		BlockDeadline:        rec.BlockDeadline,
		AwaitingConfirmation: rec.AwaitingConfirmation,
		Warning:              rec.Warning,
		Conflict:             rec.Conflict,
		Version:              rec.Version,
		UpdatedAt:            rec.UpdatedAt,
	}
	if rec.Sender != (common.Address{}) {
		view.Sender = rec.Sender.Hex()
	}
	if rec.Value != nil {
		view.Value = rec.Value.String()
	}
	if rec.Claim != nil {
		view.Claim = rec.Claim.String()
	}
	if rec.AgentCode != nil {
		view.AgentCode = rec.AgentCode.String()
	}
	if rec.ReceiverCode != nil {
		view.ReceiverCode = rec.ReceiverCode.String()
	}
	if rec.Observed != model.StatusUnknown {
		view.Observed = rec.Observed.String()
	}
	if rec.TxRef != (common.Hash{}) {
		view.TxRef = rec.TxRef.Hex()
	}
	return view
}

type receiptView struct {
	Succeeded   bool   `json:"succeeded"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

type submissionView struct {
	SubmissionID string       `json:"submissionId"`
	RemittanceID string       `json:"remittanceId"`
	Kind         string       `json:"kind"`
	TxRef        string       `json:"txRef"`
	State        string       `json:"state"`
	CreatedAt    time.Time    `json:"createdAt"`
	Receipt      *receiptView `json:"receipt,omitempty"`
	Error        string       `json:"error,omitempty"`
}

func newSubmissionView(sub *usecase.Submission) submissionView {
	view := submissionView{
		SubmissionID: sub.ID,
		RemittanceID: sub.RemittanceID.Hex(),
		Kind:         string(sub.Kind),
		TxRef:        sub.TxRef.Hex(),
		State:        string(sub.State()),
		CreatedAt:    sub.CreatedAt,
	}
	receipt, err := sub.Result()
	if receipt != nil {
		view.Receipt = &receiptView{
			Succeeded:   receipt.Succeeded,
			BlockNumber: receipt.BlockNumber,
			GasUsed:     receipt.GasUsed,
		}
	}
	if err != nil {
		view.Error = err.Error()
	}
	return view
}

type changeView struct {
	Record  remittanceView `json:"record"`
	Removed bool           `json:"removed"`
	Outcome string         `json:"outcome"`
	Source  string         `json:"source"`
}

func newChangeView(change usecase.Change) changeView {
	return changeView{
		Record:  newRemittanceView(change.Record),
		Removed: change.Removed,
		Outcome: string(change.Outcome),
		Source:  change.Source,
	}
}

func toFinney(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -finneyExp)
}

// fromFinney converts a decimal finney amount to wei. Amounts below one wei
// are refused rather than rounded.
func fromFinney(raw string) (*big.Int, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	wei := d.Shift(finneyExp)
	if !wei.IsInteger() {
		return nil, errNotWholeWei
	}
	return wei.BigInt(), nil
}
