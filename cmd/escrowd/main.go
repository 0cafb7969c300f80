package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/explorer"
	"escrowd/native/arbitrator"
	"escrowd/native/escrow"
	"escrowd/observability"
	"escrowd/observability/logging"
	"escrowd/rpc"
	"escrowd/state"
	"escrowd/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("escrowd", env, logging.ParseLevel(cfg.LogLevel))

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	archive, err := explorer.OpenArchive(filepath.Join(cfg.DataDir, "events.db"), nil)
	if err != nil {
		logger.Error("Failed to open event archive", slog.Any("error", err))
		os.Exit(1)
	}
	defer archive.Close()

	keeper := state.NewKeeper(db)

	arb := arbitrator.NewCentralized(cfg.ArbitrationCostAmount(), cfg.AppealFeeAmount(), cfg.AppealWindowSeconds)

	engine := escrow.NewEngine()
	engine.SetState(keeper)
	engine.SetArbitrator(arb)
	engine.SetFeeTimeout(cfg.FeeTimeoutSeconds)
	engine.SetStakeMultipliers(cfg.SharedStakeBps, cfg.WinnerStakeBps, cfg.LoserStakeBps)
	engine.SetEmitter(events.Fanout{archive, observability.Events()})
	arb.SetRuler(engine)

	token := config.RPCToken()
	if token == "" {
		logger.Warn("RPC token not configured; mutating methods are disabled", slog.String("env", config.RPCTokenEnv))
	}

	server := rpc.NewServer(engine, keeper, arb, archive, token, logger)
	logger.Info("escrowd started",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("dataDir", cfg.DataDir),
		slog.Int64("feeTimeout", cfg.FeeTimeoutSeconds),
		slog.Int64("appealWindow", cfg.AppealWindowSeconds))
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
