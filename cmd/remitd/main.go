package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"remit-sync/go-backend/internal/composition/daemonserver"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address (overrides config)")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	transport := flag.String("transport", "", "Ledger transport override: ethereum | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("remitd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *rpcAddr != "" {
		_ = os.Setenv("REMIT_RPC_ADDR", *rpcAddr)
	}
	if *transport != "" {
		_ = os.Setenv("REMIT_LEDGER_TRANSPORT", *transport)
	}

	d, err := daemonserver.NewDaemon(ctx, *configPath)
	if err != nil {
		log.Fatalf("remitd failed to initialize: %v", err)
	}

	log.Println("remitd starting")
	if err := d.Run(ctx); err != nil {
		log.Fatalf("remitd failed: %v", err)
	}
	log.Println("remitd stopped")
}
