package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/usecase"
	"remit-sync/go-backend/internal/platform/ratelimiter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultRPCAddr = "127.0.0.1:8787"
	tokenHeader    = "X-Remit-RPC-Token"
)

var ErrTokenRequired = errors.New("rpc token is required when listening on a non-loopback address")

// Service is the synchronizer surface the RPC layer presents.
type Service interface {
	List() []model.Record
	Get(id common.Hash) (model.Record, error)
	Anonymize(ctx context.Context, agent, receiver model.Code) (common.Hash, error)
	Send(ctx context.Context, req usecase.SendRequest) (*usecase.Submission, error)
	Collect(ctx context.Context, req usecase.CollectRequest) (*usecase.Submission, error)
	Return(ctx context.Context, req usecase.ReturnRequest) (*usecase.Submission, error)
	Submission(id string) (*usecase.Submission, error)
	SuggestDeadline(ctx context.Context) (uint64, error)
	Balance() *big.Int
	CurrentBlock() uint64
	Account() common.Address
	SubscribeChanges(fromSeq int64) ([]usecase.Change, <-chan usecase.Change, func())
}

type Options struct {
	Addr string
	// Token guards every endpoint but /healthz. "auto" generates one at
	// start and writes it to TokenFile when set.
	Token              string
	TokenFile          string
	RateLimit          float64
	Burst              int
	StreamMaxGlobal    int
	StreamMaxPerClient int
	Gatherer           prometheus.Gatherer
	Logger             *slog.Logger
}

type Server struct {
	httpServer *http.Server
	service    Service
	initErr    error
	rpcToken   string
	limiter    *ratelimiter.MapLimiter
	streams    *rpcStreamLimiter
	logger     *slog.Logger
	now        func() time.Time
}

func NewServer(svc Service, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultRPCAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	token, err := resolveRPCToken(opts.Token, opts.TokenFile)
	if err != nil {
		return &Server{initErr: err}
	}
	if token == "" && !isLoopbackAddr(opts.Addr) {
		return &Server{initErr: ErrTokenRequired}
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:  svc,
		rpcToken: token,
		limiter:  ratelimiter.New(opts.RateLimit, opts.Burst, 10*time.Minute),
		streams:  newRPCStreamLimiter(opts.StreamMaxGlobal, opts.StreamMaxPerClient),
		logger:   opts.Logger.With("component", "rpc"),
		now:      time.Now,
	}
	if s.rpcToken == "" {
		s.logger.Warn("rpc token is not set; auth disabled on loopback listener", "addr", opts.Addr)
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleRPCStream)
	if opts.Gatherer != nil {
		mux.Handle("/metrics", s.guard(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

func (s *Server) Err() error { return s.initErr }

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler {
	if s.httpServer == nil {
		return http.NotFoundHandler()
	}
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("rpc listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizeRPC(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+tokenHeader)
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" {
		return true
	}
	if s.extractRPCToken(r) != s.rpcToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get(tokenHeader))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isAllowedOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func resolveRPCToken(token, tokenFile string) (string, error) {
	token = strings.TrimSpace(token)
	if !strings.EqualFold(token, "auto") {
		return token, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token = "rpc_" + hex.EncodeToString(buf)
	if tokenFile = strings.TrimSpace(tokenFile); tokenFile != "" {
		if err := os.MkdirAll(filepath.Dir(tokenFile), 0o700); err != nil {
			return "", err
		}
		if err := os.WriteFile(tokenFile, []byte(token), 0o600); err != nil {
			return "", err
		}
	}
	return token, nil
}
