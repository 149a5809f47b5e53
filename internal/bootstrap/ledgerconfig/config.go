package ledgerconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	TransportEthereum = "ethereum"
	TransportMock     = "mock"
)

var ErrInvalidConfig = errors.New("invalid remittance daemon config")

type Config struct {
	Ledger  LedgerConfig
	Sync    SyncConfig
	RPC     RPCConfig
	Feed    FeedConfig
	Logging LoggingConfig
}

type LedgerConfig struct {
	Transport     string
	Endpoint      string
	Contract      string
	Account       string
	SignerKeyFile string
	// OriginBlock is where history replay starts: the contract's deployment block.
	OriginBlock   uint64
	GasLimit      uint64
	PollInterval  time.Duration
	LogWindow     uint64
	MockMaxFuture uint64
}

type SyncConfig struct {
	ConfirmationInterval time.Duration
	ConfirmationTimeout  time.Duration
	RetryInitial         time.Duration
	RetryMax             time.Duration
	FeedHistory          int
	SubmissionHistory    int
}

type RPCConfig struct {
	Addr      string
	Token     string
	RateLimit float64
	Burst     int
}

type FeedConfig struct {
	NatsURL string
	Subject string
}

type LoggingConfig struct {
	Level string
}

func DefaultConfig() Config {
	return Config{
		Ledger: LedgerConfig{
			Transport:     TransportEthereum,
			Endpoint:      "http://localhost:8545",
			OriginBlock:   389343,
			GasLimit:      300000,
			PollInterval:  2 * time.Second,
			LogWindow:     5000,
			MockMaxFuture: 100,
		},
		Sync: SyncConfig{
			ConfirmationInterval: time.Second,
			ConfirmationTimeout:  5 * time.Minute,
			RetryInitial:         500 * time.Millisecond,
			RetryMax:             30 * time.Second,
			FeedHistory:          1024,
			SubmissionHistory:    1024,
		},
		RPC: RPCConfig{
			Addr:      "127.0.0.1:8787",
			RateLimit: 20,
			Burst:     40,
		},
		Feed: FeedConfig{
			Subject: "remittance.changes",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

type DaemonConfig struct {
	Ledger  DaemonLedgerConfig  `yaml:"ledger"`
	Sync    DaemonSyncConfig    `yaml:"sync"`
	RPC     DaemonRPCConfig     `yaml:"rpc"`
	Feed    DaemonFeedConfig    `yaml:"feed"`
	Logging DaemonLoggingConfig `yaml:"logging"`
}

type DaemonLedgerConfig struct {
	Transport     string        `yaml:"transport"`
	Endpoint      string        `yaml:"endpoint"`
	Contract      string        `yaml:"contract"`
	Account       string        `yaml:"account"`
	SignerKeyFile string        `yaml:"signerKeyFile"`
	OriginBlock   *uint64       `yaml:"originBlock"`
	GasLimit      uint64        `yaml:"gasLimit"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	LogWindow     uint64        `yaml:"logWindow"`
	MockMaxFuture uint64        `yaml:"mockMaxBlocksInFuture"`
}

type DaemonSyncConfig struct {
	ConfirmationInterval time.Duration `yaml:"confirmationInterval"`
	ConfirmationTimeout  time.Duration `yaml:"confirmationTimeout"`
	RetryInitial         time.Duration `yaml:"retryInitial"`
	RetryMax             time.Duration `yaml:"retryMax"`
	FeedHistory          int           `yaml:"feedHistory"`
	SubmissionHistory    int           `yaml:"submissionHistory"`
}

type DaemonRPCConfig struct {
	Addr      string  `yaml:"addr"`
	Token     string  `yaml:"token"`
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`
}

type DaemonFeedConfig struct {
	NatsURL string `yaml:"natsUrl"`
	Subject string `yaml:"subject"`
}

type DaemonLoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadFromPath reads configPath, or the first default location that parses,
// and applies env overrides on top. An explicit path that cannot be read is
// an error; missing default files are not.
func LoadFromPath(configPath string) (Config, error) {
	cfg := DefaultConfig()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{
			"go-backend/configs/config.yaml",
			"configs/config.yaml",
		}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}

		var parsed DaemonConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			continue
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := Normalize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src DaemonConfig) {
	if src.Ledger.Transport != "" {
		dst.Ledger.Transport = src.Ledger.Transport
	}
	if src.Ledger.Endpoint != "" {
		dst.Ledger.Endpoint = src.Ledger.Endpoint
	}
	if src.Ledger.Contract != "" {
		dst.Ledger.Contract = src.Ledger.Contract
	}
	if src.Ledger.Account != "" {
		dst.Ledger.Account = src.Ledger.Account
	}
	if src.Ledger.SignerKeyFile != "" {
		dst.Ledger.SignerKeyFile = src.Ledger.SignerKeyFile
	}
	if src.Ledger.OriginBlock != nil {
		dst.Ledger.OriginBlock = *src.Ledger.OriginBlock
	}
	if src.Ledger.GasLimit != 0 {
		dst.Ledger.GasLimit = src.Ledger.GasLimit
	}
	if src.Ledger.PollInterval != 0 {
		dst.Ledger.PollInterval = src.Ledger.PollInterval
	}
	if src.Ledger.LogWindow != 0 {
		dst.Ledger.LogWindow = src.Ledger.LogWindow
	}
	if src.Ledger.MockMaxFuture != 0 {
		dst.Ledger.MockMaxFuture = src.Ledger.MockMaxFuture
	}

	if src.Sync.ConfirmationInterval != 0 {
		dst.Sync.ConfirmationInterval = src.Sync.ConfirmationInterval
	}
	if src.Sync.ConfirmationTimeout != 0 {
		dst.Sync.ConfirmationTimeout = src.Sync.ConfirmationTimeout
	}
	if src.Sync.RetryInitial != 0 {
		dst.Sync.RetryInitial = src.Sync.RetryInitial
	}
	if src.Sync.RetryMax != 0 {
		dst.Sync.RetryMax = src.Sync.RetryMax
	}
	if src.Sync.FeedHistory != 0 {
		dst.Sync.FeedHistory = src.Sync.FeedHistory
	}
	if src.Sync.SubmissionHistory != 0 {
		dst.Sync.SubmissionHistory = src.Sync.SubmissionHistory
	}

	if src.RPC.Addr != "" {
		dst.RPC.Addr = src.RPC.Addr
	}
	if src.RPC.Token != "" {
		dst.RPC.Token = src.RPC.Token
	}
	if src.RPC.RateLimit != 0 {
		dst.RPC.RateLimit = src.RPC.RateLimit
	}
	if src.RPC.Burst != 0 {
		dst.RPC.Burst = src.RPC.Burst
	}

	if src.Feed.NatsURL != "" {
		dst.Feed.NatsURL = src.Feed.NatsURL
	}
	if src.Feed.Subject != "" {
		dst.Feed.Subject = src.Feed.Subject
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
}

func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("REMIT_LEDGER_TRANSPORT", &cfg.Ledger.Transport)
	setString("REMIT_LEDGER_ENDPOINT", &cfg.Ledger.Endpoint)
	setString("REMIT_CONTRACT", &cfg.Ledger.Contract)
	setString("REMIT_ACCOUNT", &cfg.Ledger.Account)
	setString("REMIT_SIGNER_KEY_FILE", &cfg.Ledger.SignerKeyFile)
	setString("REMIT_RPC_ADDR", &cfg.RPC.Addr)
	setString("REMIT_RPC_TOKEN", &cfg.RPC.Token)
	setString("REMIT_NATS_URL", &cfg.Feed.NatsURL)
	setString("REMIT_LOG_LEVEL", &cfg.Logging.Level)

	raw := strings.TrimSpace(os.Getenv("REMIT_ORIGIN_BLOCK"))
	if raw == "" {
		return
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return
	}
	cfg.Ledger.OriginBlock = v
}

// Normalize lower-cases enums, restores defaults for non-positive values and
// checks that the ledger section is usable for its transport.
func Normalize(cfg *Config) error {
	defaults := DefaultConfig()
	cfg.Ledger.Transport = strings.ToLower(strings.TrimSpace(cfg.Ledger.Transport))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))

	switch cfg.Ledger.Transport {
	case TransportMock:
	case TransportEthereum:
		if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
			return fmt.Errorf("%w: ledger.endpoint is required", ErrInvalidConfig)
		}
		if !common.IsHexAddress(cfg.Ledger.Contract) {
			return fmt.Errorf("%w: ledger.contract must be a hex address", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown ledger.transport %q", ErrInvalidConfig, cfg.Ledger.Transport)
	}
	if cfg.Ledger.Account != "" && !common.IsHexAddress(cfg.Ledger.Account) {
		return fmt.Errorf("%w: ledger.account must be a hex address", ErrInvalidConfig)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		cfg.Logging.Level = defaults.Logging.Level
	}

	if cfg.Ledger.PollInterval <= 0 {
		cfg.Ledger.PollInterval = defaults.Ledger.PollInterval
	}
	if cfg.Ledger.LogWindow == 0 {
		cfg.Ledger.LogWindow = defaults.Ledger.LogWindow
	}
	if cfg.Sync.ConfirmationInterval <= 0 {
		cfg.Sync.ConfirmationInterval = defaults.Sync.ConfirmationInterval
	}
	if cfg.Sync.ConfirmationTimeout <= 0 {
		cfg.Sync.ConfirmationTimeout = defaults.Sync.ConfirmationTimeout
	}
	if cfg.Sync.RetryInitial <= 0 {
		cfg.Sync.RetryInitial = defaults.Sync.RetryInitial
	}
	if cfg.Sync.RetryMax < cfg.Sync.RetryInitial {
		cfg.Sync.RetryMax = cfg.Sync.RetryInitial
	}
	if cfg.Sync.FeedHistory <= 0 {
		cfg.Sync.FeedHistory = defaults.Sync.FeedHistory
	}
	if cfg.Sync.SubmissionHistory <= 0 {
		cfg.Sync.SubmissionHistory = defaults.Sync.SubmissionHistory
	}
	if cfg.RPC.RateLimit <= 0 {
		cfg.RPC.RateLimit = defaults.RPC.RateLimit
	}
	if cfg.RPC.Burst <= 0 {
		cfg.RPC.Burst = defaults.RPC.Burst
	}
	if strings.TrimSpace(cfg.Feed.Subject) == "" {
		cfg.Feed.Subject = defaults.Feed.Subject
	}
	return nil
}
