package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/usecase"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type waitParams struct {
	enabled bool
	timeout time.Duration
}

type codePair struct {
	agent    model.Code
	receiver model.Code
}

type sendParams struct {
	req  usecase.SendRequest
	wait waitParams
}

type collectParams struct {
	codePair
	wait waitParams
}

type returnParams struct {
	id   common.Hash
	wait waitParams
}

type submissionParams struct {
	id   string
	wait waitParams
}

type rawWait struct {
	Wait      bool  `json:"wait"`
	TimeoutMs int64 `json:"timeoutMs"`
}

func (r rawWait) parse() (waitParams, error) {
	if r.TimeoutMs < 0 {
		return waitParams{}, errInvalidParams
	}
	out := waitParams{enabled: r.Wait, timeout: defaultWaitTimeout}
	if r.TimeoutMs > 0 {
		out.timeout = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	if out.timeout > maxWaitTimeout {
		out.timeout = maxWaitTimeout
	}
	return out, nil
}

func isEmptyParams(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeObject unmarshals an object param, or a one-element array holding one.
func decodeObject(raw json.RawMessage, out any) error {
	if isEmptyParams(raw) {
		return errInvalidParams
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 1 {
			return errInvalidParams
		}
		raw = arr[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errInvalidParams
	}
	return nil
}

func decodeListParams(raw json.RawMessage) (model.Status, error) {
	if isEmptyParams(raw) {
		return model.StatusUnknown, nil
	}
	var p struct {
		Status string `json:"status"`
	}
	if err := decodeObject(raw, &p); err != nil {
		return model.StatusUnknown, err
	}
	if strings.TrimSpace(p.Status) == "" {
		return model.StatusUnknown, nil
	}
	status, err := model.ParseStatus(p.Status)
	if err != nil {
		return model.StatusUnknown, errInvalidParams
	}
	return status, nil
}

func parseRemittanceID(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
		return common.Hash{}, errInvalidParams
	}
	id := common.HexToHash(raw)
	if id == (common.Hash{}) || !strings.EqualFold(id.Hex(), raw) {
		return common.Hash{}, errInvalidParams
	}
	return id, nil
}

func decodeIDParams(raw json.RawMessage) (common.Hash, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeObject(raw, &p); err != nil {
		return common.Hash{}, err
	}
	return parseRemittanceID(p.ID)
}

func parseCodePair(agent, receiver string) (codePair, error) {
	a, err := model.ParseCode(agent)
	if err != nil {
		return codePair{}, errInvalidParams
	}
	r, err := model.ParseCode(receiver)
	if err != nil {
		return codePair{}, errInvalidParams
	}
	return codePair{agent: a, receiver: r}, nil
}

func decodeCodePairParams(raw json.RawMessage) (codePair, error) {
	var p struct {
		AgentCode    string `json:"agentCode"`
		ReceiverCode string `json:"receiverCode"`
	}
	if err := decodeObject(raw, &p); err != nil {
		return codePair{}, err
	}
	return parseCodePair(p.AgentCode, p.ReceiverCode)
}

// parseAmount accepts either a wei integer string or a decimal finney string.
// Exactly one of the two must be set unless optional is true.
func parseAmount(wei, finney string, optional bool) (*big.Int, error) {
	wei, finney = strings.TrimSpace(wei), strings.TrimSpace(finney)
	switch {
	case wei != "" && finney != "":
		return nil, errInvalidParams
	case wei != "":
		v, ok := new(big.Int).SetString(wei, 10)
		if !ok || v.Sign() < 0 {
			return nil, errInvalidParams
		}
		return v, nil
	case finney != "":
		v, err := fromFinney(finney)
		if err != nil || v.Sign() < 0 {
			return nil, errInvalidParams
		}
		return v, nil
	case optional:
		return new(big.Int), nil
	default:
		return nil, errInvalidParams
	}
}

func decodeSendParams(raw json.RawMessage) (sendParams, error) {
	var p struct {
		AgentCode     string `json:"agentCode"`
		ReceiverCode  string `json:"receiverCode"`
		Value         string `json:"value"`
		ValueFinney   string `json:"valueFinney"`
		Claim         string `json:"claim"`
		ClaimFinney   string `json:"claimFinney"`
		BlockDeadline uint64 `json:"blockDeadline"`
		rawWait
	}
	if err := decodeObject(raw, &p); err != nil {
		return sendParams{}, err
	}
	codes, err := parseCodePair(p.AgentCode, p.ReceiverCode)
	if err != nil {
		return sendParams{}, err
	}
	value, err := parseAmount(p.Value, p.ValueFinney, false)
	if err != nil {
		return sendParams{}, err
	}
	claim, err := parseAmount(p.Claim, p.ClaimFinney, true)
	if err != nil {
		return sendParams{}, err
	}
	wait, err := p.rawWait.parse()
	if err != nil {
		return sendParams{}, err
	}
	return sendParams{
		req: usecase.SendRequest{
			AgentCode:     codes.agent,
			ReceiverCode:  codes.receiver,
			Value:         value,
			Claim:         claim,
			BlockDeadline: p.BlockDeadline,
		},
		wait: wait,
	}, nil
}

func decodeCollectParams(raw json.RawMessage) (collectParams, error) {
	var p struct {
		AgentCode    string `json:"agentCode"`
		ReceiverCode string `json:"receiverCode"`
		rawWait
	}
	if err := decodeObject(raw, &p); err != nil {
		return collectParams{}, err
	}
	codes, err := parseCodePair(p.AgentCode, p.ReceiverCode)
	if err != nil {
		return collectParams{}, err
	}
	wait, err := p.rawWait.parse()
	if err != nil {
		return collectParams{}, err
	}
	return collectParams{codePair: codes, wait: wait}, nil
}

func decodeReturnParams(raw json.RawMessage) (returnParams, error) {
	var p struct {
		ID string `json:"id"`
		rawWait
	}
	if err := decodeObject(raw, &p); err != nil {
		return returnParams{}, err
	}
	id, err := parseRemittanceID(p.ID)
	if err != nil {
		return returnParams{}, err
	}
	wait, err := p.rawWait.parse()
	if err != nil {
		return returnParams{}, err
	}
	return returnParams{id: id, wait: wait}, nil
}

func decodeSubmissionParams(raw json.RawMessage) (submissionParams, error) {
	var p struct {
		ID string `json:"id"`
		rawWait
	}
	if err := decodeObject(raw, &p); err != nil {
		return submissionParams{}, err
	}
	if _, err := uuid.Parse(strings.TrimSpace(p.ID)); err != nil {
		return submissionParams{}, errInvalidParams
	}
	wait, err := p.rawWait.parse()
	if err != nil {
		return submissionParams{}, err
	}
	return submissionParams{id: strings.TrimSpace(p.ID), wait: wait}, nil
}
