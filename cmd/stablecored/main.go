package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"stablecore/config"
	"stablecore/crypto"
	"stablecore/engine"
	"stablecore/events"
	"stablecore/observability/logging"
	telemetry "stablecore/observability/otel"
	"stablecore/oracle"
	"stablecore/rpc"
	"stablecore/state"
	"stablecore/storage"
	"stablecore/token"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.toml", "path to stablecored config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("stablecored", cfg.Log.Environment, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "stablecored",
			Environment: cfg.Log.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			logger.Error("init telemetry", "error", err)
			os.Exit(1)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	manager := state.NewManager(db)
	ledger := engine.NewLedger(manager)

	feeds, err := buildFeeds(cfg)
	if err != nil {
		return fmt.Errorf("configure price feeds: %w", err)
	}

	vault, err := cfg.VaultAddress()
	if err != nil {
		return err
	}
	debt, err := token.New(cfg.Debt.Symbol, cfg.Debt.Decimals)
	if err != nil {
		return err
	}
	assets := make([]engine.CollateralAsset, 0, len(cfg.Collateral))
	for _, entry := range cfg.Collateral {
		assets = append(assets, engine.CollateralAsset{
			Symbol:       entry.Symbol,
			FeedID:       entry.Feed,
			Decimals:     entry.Decimals,
			FeedDecimals: entry.FeedDecimals,
		})
	}
	eng, err := engine.New(vault, debt, assets, feeds, engine.RiskParameters{
		LiquidationThresholdPct: cfg.Risk.LiquidationThresholdPct,
		LiquidationBonusPct:     cfg.Risk.LiquidationBonusPct,
		MinHealthFactor:         cfg.MinHealthFactor(),
		StaleTimeout:            cfg.StaleTimeout(),
	})
	if err != nil {
		return err
	}
	eng.SetLedger(ledger)

	journal, err := events.Open(cfg.Storage.EventsPath, logger)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	defer journal.Close()
	eng.SetEmitter(journal)

	if err := applyGenesis(cfg, eng, ledger, manager, logger); err != nil {
		return fmt.Errorf("apply genesis allocations: %w", err)
	}

	server := rpc.NewServer(rpc.Config{
		Listen:            cfg.Server.Listen,
		JWTSecret:         cfg.Auth.JWTSecret,
		AuthDisabled:      cfg.Auth.Disable,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	}, eng, journal, logger)

	logger.Info("stablecored listening",
		"addr", cfg.Server.Listen,
		"backend", cfg.Storage.Backend,
		"oracle", cfg.Oracle.Mode,
		"collateral", len(assets))
	return server.Run(ctx)
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	if cfg.Storage.Backend == "memory" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(filepath.Join(cfg.Storage.DataDir, "ledger"))
}

func buildFeeds(cfg *config.Config) (*oracle.Registry, error) {
	feeds := oracle.NewRegistry()
	for _, entry := range cfg.Collateral {
		switch cfg.Oracle.Mode {
		case config.ModeManual:
			price, ok := new(big.Int).SetString(strings.TrimSpace(entry.ManualPrice), 10)
			if !ok {
				return nil, fmt.Errorf("collateral %s: bad manual price", entry.Symbol)
			}
			feeds.Register(entry.Feed, oracle.NewManualFeed(entry.FeedDecimals, price))
		case config.ModeChainlink:
			feed, err := oracle.DialChainlinkFeed(cfg.Oracle.RPCURL, entry.FeedAddress, entry.FeedDecimals)
			if err != nil {
				return nil, fmt.Errorf("collateral %s: %w", entry.Symbol, err)
			}
			feeds.Register(entry.Feed, feed)
		}
	}
	return feeds, nil
}

var genesisAppliedKey = []byte("genesis/applied")

// applyGenesis seeds wallet balances exactly once per data directory.
func applyGenesis(cfg *config.Config, eng *engine.Engine, ledger engine.Ledger, manager *state.Manager, logger *slog.Logger) error {
	if len(cfg.Genesis) == 0 {
		return nil
	}
	var applied bool
	found, err := manager.KVGet(genesisAppliedKey, &applied)
	if err != nil {
		return err
	}
	if found && applied {
		return nil
	}
	for _, alloc := range cfg.Genesis {
		addr, err := crypto.DecodeAddress(alloc.Address)
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Amount), 10)
		if !ok {
			return fmt.Errorf("bad genesis amount %q", alloc.Amount)
		}
		handle, err := eng.CollateralToken(alloc.Symbol)
		if err != nil {
			return fmt.Errorf("genesis allocation for %s: %w", alloc.Symbol, err)
		}
		if err := handle.Mint(ledger, addr, amount); err != nil {
			return err
		}
		logger.Info("seeded genesis balance",
			logging.MaskField("account", alloc.Address),
			logging.MaskField("symbol", alloc.Symbol),
			logging.MaskField("amount", alloc.Amount))
	}
	return manager.KVPut(genesisAppliedKey, true)
}
