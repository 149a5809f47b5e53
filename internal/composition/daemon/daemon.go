// Package daemon assembles the remittance synchronizer process from config:
// ledger binding, signer, service, RPC server and the optional NATS mirror.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"remit-sync/go-backend/internal/adapters/natsfeed"
	"remit-sync/go-backend/internal/adapters/rpc"
	"remit-sync/go-backend/internal/bootstrap/ledgerconfig"
	"remit-sync/go-backend/internal/domains/remittance/ports"
	"remit-sync/go-backend/internal/domains/remittance/usecase"
	"remit-sync/go-backend/internal/ledger/ethledger"
	"remit-sync/go-backend/internal/ledger/mockledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 10 * time.Second

// DevAccount sends mock-ledger remittances when no account is configured.
var DevAccount = common.HexToAddress("0x00000000000000000000000000000000000de7a1")

var devFunds = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))

var ErrAccountMismatch = errors.New("configured account does not match signer key")

type Daemon struct {
	cfg       ledgerconfig.Config
	logger    *slog.Logger
	service   *usecase.Service
	server    *rpc.Server
	publisher *natsfeed.Publisher
	mock      *mockledger.Ledger
	closers   []func()
}

// Build wires every component but starts nothing.
func Build(ctx context.Context, cfg ledgerconfig.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := enforceTransportPolicy(cfg.Ledger.Transport); err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg, logger: logger}

	ledger, account, err := d.buildLedger(ctx)
	if err != nil {
		d.close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	origin := cfg.Ledger.OriginBlock
	if d.mock != nil {
		origin = 0
	}
	d.service = usecase.NewService(ledger, usecase.Config{
		Account:              account,
		Origin:               origin,
		GasLimit:             cfg.Ledger.GasLimit,
		ConfirmationInterval: cfg.Sync.ConfirmationInterval,
		ConfirmationTimeout:  cfg.Sync.ConfirmationTimeout,
		FeedHistory:          cfg.Sync.FeedHistory,
		SubmissionHistory:    cfg.Sync.SubmissionHistory,
		RetryInitial:         cfg.Sync.RetryInitial,
		RetryMax:             cfg.Sync.RetryMax,
	}, usecase.WithLogger(logger), usecase.WithMetrics(usecase.NewMetrics(registry)))

	if url := strings.TrimSpace(cfg.Feed.NatsURL); url != "" {
		conn, err := natsfeed.Dial(natsfeed.ConnConfig{URL: url, Name: "remitd"}, logger)
		if err != nil {
			d.close()
			return nil, err
		}
		d.closers = append(d.closers, conn.Close)
		d.publisher = natsfeed.NewPublisher(conn, d.service.Store().Feed(), cfg.Feed.Subject, logger)
	}

	d.server = rpc.NewServer(d.service, rpc.Options{
		Addr:      cfg.RPC.Addr,
		Token:     cfg.RPC.Token,
		RateLimit: cfg.RPC.RateLimit,
		Burst:     cfg.RPC.Burst,
		Gatherer:  registry,
		Logger:    logger,
	})
	if err := d.server.Err(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) buildLedger(ctx context.Context) (ports.Ledger, common.Address, error) {
	lc := d.cfg.Ledger
	var account common.Address
	if lc.Account != "" {
		account = common.HexToAddress(lc.Account)
	}

	if lc.Transport == ledgerconfig.TransportMock {
		d.mock = mockledger.New(mockledger.WithMaxBlocksInFuture(lc.MockMaxFuture))
		if account == (common.Address{}) {
			account = DevAccount
		}
		d.mock.Fund(account, devFunds)
		d.logger.Warn("using in-memory mock ledger", "account", account.Hex())
		return d.mock, account, nil
	}

	key, err := LoadSigner(lc)
	if err != nil {
		return nil, common.Address{}, err
	}
	if key != nil {
		keyAccount := crypto.PubkeyToAddress(key.PublicKey)
		if account != (common.Address{}) && account != keyAccount {
			return nil, common.Address{}, fmt.Errorf("%w: %s vs %s", ErrAccountMismatch, account.Hex(), keyAccount.Hex())
		}
		account = keyAccount
	}
	ledger, client, err := ethledger.Dial(ctx, lc.Endpoint, ethledger.Config{
		Contract:     common.HexToAddress(lc.Contract),
		Key:          key,
		PollInterval: lc.PollInterval,
		LogWindow:    lc.LogWindow,
		Logger:       d.logger,
	})
	if err != nil {
		return nil, common.Address{}, err
	}
	d.closers = append(d.closers, client.Close)
	if key == nil {
		d.logger.Warn("no signer key configured; submissions are disabled")
	}
	return ledger, account, nil
}

func (d *Daemon) Service() *usecase.Service { return d.service }

// Handler serves the RPC routes without a listener.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Run starts the synchronizer and serves until ctx ends or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()
	if err := d.service.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Run(gctx) })
	if d.publisher != nil {
		g.Go(func() error { return d.publisher.Run(gctx) })
	}
	if d.mock != nil {
		g.Go(func() error {
			mineBlocks(gctx, d.mock, d.cfg.Ledger.PollInterval)
			return nil
		})
	}
	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := d.service.Stop(stopCtx); err != nil {
		d.logger.Error("service stop failed", "error", err.Error())
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func (d *Daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// mineBlocks advances the mock chain so block deadlines expire in dev runs.
func mineBlocks(ctx context.Context, ledger *mockledger.Ledger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ledger.AdvanceBlocks(1)
		}
	}
}
