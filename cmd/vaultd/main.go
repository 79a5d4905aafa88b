package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"keyfold/go-vault/internal/composition/daemonserver"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to keyfold.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for vault data (optional)")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address override (optional)")
	rpcToken := flag.String("rpc-token", "", "Bearer token required on RPC calls (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("vaultd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *rpcAddr != "" {
		_ = os.Setenv("KEYFOLD_RPC_ADDR", *rpcAddr)
	}
	if *rpcToken != "" {
		_ = os.Setenv("KEYFOLD_RPC_TOKEN", *rpcToken)
	}

	daemon, err := daemonserver.New(*configPath, *dataDir)
	if err != nil {
		log.Fatalf("vaultd failed to initialize: %v", err)
	}

	daemon.Logger().Info("vaultd starting", "version", version)
	if err := daemon.Run(ctx); err != nil {
		log.Fatalf("vaultd failed: %v", err)
	}
	daemon.Logger().Info("vaultd stopped")
}
