package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/usecase"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if !s.limiter.Allow(rpcRateLimitKey(r, s.extractRPCToken(r)), s.now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if s.service == nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32099, Message: "service is not initialized"},
		})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	reqID := "rpc_" + uuid.NewString()
	started := time.Now()
	s.logger.Info("rpc request", "request_id", reqID, "method", req.Method)

	result, rpcErr := s.dispatchRPC(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Warn("rpc failed", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.logger.Info("rpc response", "request_id", reqID, "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	})
}

func (s *Server) dispatchRPC(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "remittance.list":
		return s.rpcList(raw)
	case "remittance.get":
		id, err := decodeIDParams(raw)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		rec, err := s.service.Get(id)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return newRemittanceView(rec), nil
	case "remittance.anonymise":
		p, err := decodeCodePairParams(raw)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		id, err := s.service.Anonymize(ctx, p.agent, p.receiver)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]string{"id": id.Hex()}, nil
	case "remittance.newCodes":
		return s.rpcNewCodes(ctx)
	case "remittance.send":
		return s.rpcSend(ctx, raw)
	case "remittance.collect":
		p, err := decodeCollectParams(raw)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		sub, err := s.service.Collect(ctx, usecase.CollectRequest{AgentCode: p.agent, ReceiverCode: p.receiver})
		if err != nil {
			return nil, mapServiceError(err)
		}
		return s.awaitSubmission(ctx, sub, p.wait)
	case "remittance.return":
		p, err := decodeReturnParams(raw)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		sub, err := s.service.Return(ctx, usecase.ReturnRequest{ID: p.id})
		if err != nil {
			return nil, mapServiceError(err)
		}
		return s.awaitSubmission(ctx, sub, p.wait)
	case "remittance.submission":
		p, err := decodeSubmissionParams(raw)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		sub, err := s.service.Submission(p.id)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return s.awaitSubmission(ctx, sub, p.wait)
	case "ledger.status":
		return s.rpcLedgerStatus(ctx)
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	}
}

func (s *Server) rpcList(raw json.RawMessage) (any, *rpcError) {
	filter, err := decodeListParams(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	records := s.service.List()
	out := make([]remittanceView, 0, len(records))
	for _, rec := range records {
		if filter != model.StatusUnknown && rec.Status != filter {
			continue
		}
		out = append(out, newRemittanceView(rec))
	}
	return out, nil
}

func (s *Server) rpcSend(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	p, err := decodeSendParams(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	if p.req.BlockDeadline == 0 {
		deadline, err := s.service.SuggestDeadline(ctx)
		if err != nil {
			return nil, mapServiceError(err)
		}
		p.req.BlockDeadline = deadline
	}
	sub, err := s.service.Send(ctx, p.req)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return s.awaitSubmission(ctx, sub, p.wait)
}

func (s *Server) rpcLedgerStatus(ctx context.Context) (any, *rpcError) {
	status := map[string]any{
		"account":      s.service.Account().Hex(),
		"currentBlock": s.service.CurrentBlock(),
	}
	if balance := s.service.Balance(); balance != nil {
		status["balance"] = balance.String()
		status["balanceFinney"] = toFinney(balance)
	}
	if deadline, err := s.service.SuggestDeadline(ctx); err == nil {
		status["suggestedDeadline"] = deadline
	} else {
		s.logger.Warn("deadline suggestion failed", "error", err.Error())
	}
	return status, nil
}

// rpcNewCodes draws a fresh random agent/receiver pair for a new
// remittance along with the id it anonymises to.
func (s *Server) rpcNewCodes(ctx context.Context) (any, *rpcError) {
	agent, err := model.NewCode()
	if err != nil {
		return nil, rpcServiceError(-32000, err)
	}
	receiver, err := model.NewCode()
	if err != nil {
		return nil, rpcServiceError(-32000, err)
	}
	id, err := s.service.Anonymize(ctx, agent, receiver)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return map[string]string{
		"agentCode":    agent.String(),
		"receiverCode": receiver.String(),
		"id":           id.Hex(),
	}, nil
}

// awaitSubmission returns the submission as is, or blocks for its outcome
// when the caller asked to wait. A wait that runs out reports the pending view.
func (s *Server) awaitSubmission(ctx context.Context, sub *usecase.Submission, wait waitParams) (any, *rpcError) {
	if !wait.enabled {
		return newSubmissionView(sub), nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait.timeout)
	defer cancel()
	_, err := sub.Wait(waitCtx)
	if err != nil && waitCtx.Err() != nil {
		select {
		case <-sub.Done():
			_, err = sub.Result()
		default:
			return newSubmissionView(sub), nil
		}
	}
	view := newSubmissionView(sub)
	if err == nil {
		return view, nil
	}
	rpcErr := mapServiceError(err)
	rpcErr.Data = view
	return nil, rpcErr
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
