// TLedger simulator - a local stand-in for the TLedger payment API
package main

import (
	"context"
	"os"

	"github.com/tledger/tpay-go/internal/config"
	"github.com/tledger/tpay-go/internal/ledgersim"
	"github.com/tledger/tpay-go/internal/logging"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting tledger-sim",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"confirm_after_polls", cfg.ConfirmAfterPolls,
		"challenge_ttl", cfg.ChallengeTTL,
	)

	srv, err := ledgersim.NewServer(cfg, ledgersim.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
