package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/usecase"
	"remit-sync/go-backend/internal/ledger/mockledger"
	"remit-sync/go-backend/internal/testutil/fsperm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var testAccount = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

type rpcResult struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, ledger *mockledger.Ledger, registry *prometheus.Registry) *usecase.Service {
	t.Helper()
	opts := []usecase.Option{usecase.WithLogger(quietLogger())}
	if registry != nil {
		opts = append(opts, usecase.WithMetrics(usecase.NewMetrics(registry)))
	}
	svc := usecase.NewService(ledger, usecase.Config{
		Account:              testAccount,
		ConfirmationInterval: 5 * time.Millisecond,
		ConfirmationTimeout:  time.Second,
		RetryInitial:         5 * time.Millisecond,
		RetryMax:             20 * time.Millisecond,
	}, opts...)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, svc.Stop(ctx))
	})
	return svc
}

func newTestServer(t *testing.T, opts Options) (*Server, *mockledger.Ledger) {
	t.Helper()
	ledger := mockledger.New()
	ledger.Fund(testAccount, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	opts.Logger = quietLogger()
	srv := NewServer(newTestService(t, ledger, nil), opts)
	require.NoError(t, srv.Err())
	return srv, ledger
}

func call(t *testing.T, h http.Handler, method string, params any, header http.Header) rpcResult {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(raw))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out rpcResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func requireRPCCode(t *testing.T, res rpcResult, code int) {
	t.Helper()
	require.NotNil(t, res.Error, string(res.Result))
	require.Equal(t, code, res.Error.Code, res.Error.Message)
}

func TestHealthDoesNotRequireToken(t *testing.T) {
	srv, _ := newTestServer(t, Options{Token: "secret"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRPCTokenAuth(t *testing.T) {
	srv, _ := newTestServer(t, Options{Token: "secret"})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"health_check"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	res := call(t, h, "health_check", nil, http.Header{"Authorization": {"Bearer secret"}})
	require.Nil(t, res.Error)
	res = call(t, h, "health_check", nil, http.Header{tokenHeader: {"secret"}})
	require.Nil(t, res.Error)
}

func TestNonLoopbackListenerRequiresToken(t *testing.T) {
	srv := NewServer(nil, Options{Addr: "0.0.0.0:8787", Logger: quietLogger()})
	require.ErrorIs(t, srv.Err(), ErrTokenRequired)
	require.ErrorIs(t, srv.Run(context.Background()), ErrTokenRequired)

	srv = NewServer(nil, Options{Addr: "0.0.0.0:8787", Token: "secret", Logger: quietLogger()})
	require.NoError(t, srv.Err())
}

func TestAutoTokenIsWrittenToFile(t *testing.T) {
	path := t.TempDir() + "/rpc.token"
	srv := NewServer(nil, Options{Token: "auto", TokenFile: path, Logger: quietLogger()})
	require.NoError(t, srv.Err())
	require.True(t, strings.HasPrefix(srv.rpcToken, "rpc_"))
	fsperm.AssertPrivateFilePerm(t, path)
}

func TestRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestEnvelopeErrors(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{")))
	var res rpcResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	requireRPCCode(t, res, -32700)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"1.0","id":1,"method":"x"}`)))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	requireRPCCode(t, res, -32600)

	requireRPCCode(t, call(t, h, "remittance.unknown", nil, nil), -32601)
}

func TestSendWaitsForConfirmation(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	res := call(t, h, "remittance.send", map[string]any{
		"agentCode":    "0xa1",
		"receiverCode": "0xb2",
		"valueFinney":  "1.5",
		"claim":        "7",
		"wait":         true,
	}, nil)
	require.Nil(t, res.Error)
	var sub submissionView
	require.NoError(t, json.Unmarshal(res.Result, &sub))
	require.Equal(t, string(usecase.SubmissionConfirmed), sub.State)
	require.Equal(t, string(model.IntentAdd), sub.Kind)
	require.NotNil(t, sub.Receipt)
	require.True(t, sub.Receipt.Succeeded)

	agent, _ := model.ParseCode("a1")
	receiver, _ := model.ParseCode("b2")
	require.Equal(t, mockledger.AnonymizeCodes(agent, receiver).Hex(), sub.RemittanceID)

	var view remittanceView
	require.Eventually(t, func() bool {
		res := call(t, h, "remittance.get", map[string]any{"id": sub.RemittanceID}, nil)
		if res.Error != nil || json.Unmarshal(res.Result, &view) != nil {
			return false
		}
		return view.Status == model.StatusAdded.String() && !view.AwaitingConfirmation
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "1500000000000000", view.Value)
	require.Equal(t, "1.5", view.ValueFinney.String())
	require.Equal(t, "7", view.Claim)
	require.Equal(t, uint64(mockledger.DefaultMaxBlocksInFuture), view.BlockDeadline)
	require.Equal(t, testAccount.Hex(), view.Sender)

	submission := call(t, h, "remittance.submission", map[string]any{"id": sub.SubmissionID}, nil)
	require.Nil(t, submission.Error)

	var added []remittanceView
	require.NoError(t, json.Unmarshal(call(t, h, "remittance.list", map[string]any{"status": "Added"}, nil).Result, &added))
	require.Len(t, added, 1)
	var collected []remittanceView
	require.NoError(t, json.Unmarshal(call(t, h, "remittance.list", map[string]any{"status": "Collected"}, nil).Result, &collected))
	require.Empty(t, collected)
}

func TestCollectThroughRPC(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	res := call(t, h, "remittance.send", map[string]any{
		"agentCode": "0x01", "receiverCode": "0x02", "value": "100", "wait": true,
	}, nil)
	require.Nil(t, res.Error)

	res = call(t, h, "remittance.collect", map[string]any{
		"agentCode": "0x01", "receiverCode": "0x02", "wait": true, "timeoutMs": 2000,
	}, nil)
	require.Nil(t, res.Error)
	var sub submissionView
	require.NoError(t, json.Unmarshal(res.Result, &sub))
	require.Equal(t, string(usecase.SubmissionConfirmed), sub.State)

	require.Eventually(t, func() bool {
		var view remittanceView
		res := call(t, h, "remittance.get", map[string]any{"id": sub.RemittanceID}, nil)
		return res.Error == nil && json.Unmarshal(res.Result, &view) == nil && view.Status == model.StatusCollected.String()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServiceErrorsMapToCodes(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})
	h := srv.Handler()

	requireRPCCode(t, call(t, h, "remittance.send", map[string]any{
		"agentCode": "0x01", "receiverCode": "0x02", "value": "1000000000000000000000",
	}, nil), -32011)

	requireRPCCode(t, call(t, h, "remittance.send", map[string]any{
		"agentCode": "0x01", "receiverCode": "0x02", "value": "1", "valueFinney": "1",
	}, nil), -32602)
	requireRPCCode(t, call(t, h, "remittance.send", map[string]any{
		"agentCode": "0x01", "receiverCode": "0x02", "valueFinney": "0.0000000000000001",
	}, nil), -32602)
	requireRPCCode(t, call(t, h, "remittance.send", map[string]any{
		"agentCode": "nothex", "receiverCode": "0x02", "value": "1",
	}, nil), -32602)
	requireRPCCode(t, call(t, h, "remittance.get", map[string]any{"id": "0x1234"}, nil), -32602)
	requireRPCCode(t, call(t, h, "remittance.get", map[string]any{"id": common.HexToHash("0x99").Hex(), "extra": 1}, nil), -32602)

	requireRPCCode(t, call(t, h, "remittance.get", map[string]any{"id": common.HexToHash("0x99").Hex()}, nil), -32014)
	requireRPCCode(t, call(t, h, "remittance.submission", map[string]any{"id": "2b1f6a47-35a6-4c1e-9d1b-1c1f8a3f9c10"}, nil), -32015)
	requireRPCCode(t, call(t, h, "remittance.return", map[string]any{"id": common.HexToHash("0x99").Hex()}, nil), -32011)

	ledger.SetOracleError(mockledger.ErrUnknownTransaction)
	requireRPCCode(t, call(t, h, "remittance.anonymise", map[string]any{"agentCode": "0x01", "receiverCode": "0x02"}, nil), -32010)

	ledger.SetOracleError(nil)
	ledger.SetCallError(errors.New("connection refused"))
	requireRPCCode(t, call(t, h, "remittance.anonymise", map[string]any{"agentCode": "0x01", "receiverCode": "0x02"}, nil), -32019)
	requireRPCCode(t, call(t, h, "remittance.send", map[string]any{
		"agentCode": "0x01", "receiverCode": "0x02", "valueFinney": "1",
	}, nil), -32019)
}

func TestWaitReportsPendingOnlyWhenCallerWaitEnds(t *testing.T) {
	ledger := mockledger.New()
	ledger.Fund(testAccount, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	ledger.HoldReceipts(true)
	svc := newTestService(t, ledger, nil)
	h := NewServer(svc, Options{Logger: quietLogger()}).Handler()

	res := call(t, h, "remittance.send", map[string]any{
		"agentCode": "0xa1", "receiverCode": "0xb2", "valueFinney": "1", "wait": true, "timeoutMs": 20,
	}, nil)
	require.Nil(t, res.Error)
	var pending submissionView
	require.NoError(t, json.Unmarshal(res.Result, &pending))
	require.Equal(t, string(usecase.SubmissionPending), pending.State)

	sub, err := svc.Submission(pending.SubmissionID)
	require.NoError(t, err)
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))
	require.Equal(t, usecase.SubmissionCancelled, sub.State())

	view, rpcErr := NewServer(svc, Options{Logger: quietLogger()}).awaitSubmission(context.Background(), sub, waitParams{enabled: true, timeout: time.Second})
	require.Nil(t, view)
	require.NotNil(t, rpcErr)
	require.Equal(t, -32018, rpcErr.Code)
	require.Equal(t, string(usecase.SubmissionCancelled), rpcErr.Data.(submissionView).State)
}

func TestRevertedSubmissionCarriesView(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})
	ledger.RevertNext()

	res := call(t, srv.Handler(), "remittance.send", map[string]any{
		"agentCode": "0x01", "receiverCode": "0x02", "value": "5", "wait": true,
	}, nil)
	requireRPCCode(t, res, -32012)
	var sub submissionView
	require.NoError(t, json.Unmarshal(res.Error.Data, &sub))
	require.Equal(t, string(usecase.SubmissionRejected), sub.State)
}

func TestAnonymiseAndLedgerStatus(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	res := call(t, h, "remittance.anonymise", []map[string]any{{"agentCode": "0x0a", "receiverCode": "0x0b"}}, nil)
	require.Nil(t, res.Error)
	agent, _ := model.ParseCode("0a")
	receiver, _ := model.ParseCode("0b")
	require.JSONEq(t, `{"id":"`+mockledger.AnonymizeCodes(agent, receiver).Hex()+`"}`, string(res.Result))

	res = call(t, h, "remittance.newCodes", nil, nil)
	require.Nil(t, res.Error)
	var codes map[string]string
	require.NoError(t, json.Unmarshal(res.Result, &codes))
	newAgent, err := model.ParseCode(codes["agentCode"])
	require.NoError(t, err)
	newReceiver, err := model.ParseCode(codes["receiverCode"])
	require.NoError(t, err)
	require.NotEqual(t, newAgent, newReceiver)
	require.Equal(t, mockledger.AnonymizeCodes(newAgent, newReceiver).Hex(), codes["id"])

	res = call(t, h, "ledger.status", nil, nil)
	require.Nil(t, res.Error)
	var status map[string]any
	require.NoError(t, json.Unmarshal(res.Result, &status))
	require.Equal(t, testAccount.Hex(), status["account"])
	require.Equal(t, "1000000000000000000", status["balance"])
	require.Equal(t, "1000", status["balanceFinney"])
	require.EqualValues(t, mockledger.DefaultMaxBlocksInFuture, status["suggestedDeadline"])
}

func TestRateLimitPerClient(t *testing.T) {
	srv, _ := newTestServer(t, Options{RateLimit: 0.001, Burst: 1})
	h := srv.Handler()

	call(t, h, "health_check", nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"health_check"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	ledger := mockledger.New()
	srv := NewServer(newTestService(t, ledger, registry), Options{Token: "secret", Gatherer: registry, Logger: quietLogger()})
	h := srv.Handler()
	auth := http.Header{"Authorization": {"Bearer secret"}}

	requireRPCCode(t, call(t, h, "remittance.send", map[string]any{
		"agentCode": "0x01", "receiverCode": "0x02", "value": "5",
	}, auth), -32011)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `remittance_submissions_total{kind="add",result="refused"} 1`)
}

func TestStreamReplaysChangesFromCursor(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()
	res := call(t, h, "remittance.send", map[string]any{
		"agentCode": "0x01", "receiverCode": "0x02", "value": "5", "wait": true,
	}, nil)
	require.Nil(t, res.Error)

	ts := httptest.NewServer(h)
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/rpc/stream?cursor=0", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var first map[string]any
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &first))
		break
	}
	require.Equal(t, changeNotificationMethod, first["method"])
	params := first["params"].(map[string]any)
	require.EqualValues(t, 1, params["seq"])
	payload := params["payload"].(map[string]any)
	require.Equal(t, "intent", payload["source"])
	require.Equal(t, string(model.OutcomeCreated), payload["outcome"])
}

func TestStreamRejectsBadCursor(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc/stream?cursor=-1", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
