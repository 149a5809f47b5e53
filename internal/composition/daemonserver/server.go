package daemonserver

import (
	"context"
	"log/slog"
	"os"

	"remit-sync/go-backend/internal/bootstrap/ledgerconfig"
	"remit-sync/go-backend/internal/composition/daemon"
	"remit-sync/go-backend/internal/platform/privacylog"
)

// NewDaemon loads config, installs the sanitizing JSON logger as default and
// wires the daemon.
func NewDaemon(ctx context.Context, configPath string) (*daemon.Daemon, error) {
	cfg, err := ledgerconfig.LoadFromPath(configPath)
	if err != nil {
		return nil, err
	}
	logger := privacylog.NewLogger(os.Stderr, cfg.Logging.Level)
	slog.SetDefault(logger)
	return daemon.Build(ctx, cfg, logger)
}
