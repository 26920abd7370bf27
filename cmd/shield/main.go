package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/lvrshield/config"
	"github.com/alejandrodnm/lvrshield/internal/adapters/httpapi"
	"github.com/alejandrodnm/lvrshield/internal/adapters/notify"
	"github.com/alejandrodnm/lvrshield/internal/adapters/onchain"
	"github.com/alejandrodnm/lvrshield/internal/adapters/pricefeed"
	"github.com/alejandrodnm/lvrshield/internal/adapters/storage"
	"github.com/alejandrodnm/lvrshield/internal/adapters/stream"
	"github.com/alejandrodnm/lvrshield/internal/application/auction"
	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/alejandrodnm/lvrshield/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	paper := flag.Bool("paper", false, "journal payouts in SQLite instead of sending ERC-20 transfers")
	report := flag.Bool("report", false, "print auction history table and exit")
	reportDays := flag.Int("days", 7, "history window for -report")
	issueToken := flag.String("issue-token", "", "print a bearer token for role host|admin and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	if *issueToken != "" {
		token, err := httpapi.IssueToken(cfg.API.AdminSecret, "cli", *issueToken, 24*time.Hour)
		if err != nil {
			slog.Error("failed to issue token", "err", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	console := notify.NewConsole(domain.PriceDecimals, *verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *report {
		runReport(ctx, store, console, *reportDays)
		return
	}

	if err := run(ctx, cfg, store, console, *paper); err != nil {
		slog.Error("shield exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("lvrshield stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, console *notify.Console, paper bool) error {
	auctionCfg, err := cfg.AuctionConfig()
	if err != nil {
		return err
	}
	if cfg.Feed.BaseURL == "" {
		return errors.New("feed.base_url is required")
	}

	var client *ethclient.Client
	if cfg.Chain.RPCURL != "" {
		client, err = ethclient.Dial(cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		defer client.Close()
	}

	var registry ports.OperatorRegistry
	if cfg.Chain.RegistryAddress != "" {
		if client == nil {
			return errors.New("chain.registry_address requires chain.rpc_url")
		}
		registry = onchain.NewRegistry(client, common.HexToAddress(cfg.Chain.RegistryAddress), 0)
	}

	var transfer ports.AssetTransfer = store
	if !paper {
		payout, err := newPayout(ctx, cfg, client)
		if err != nil {
			return err
		}
		transfer = payout
	}

	sinks := auction.MultiSink{store, console}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := stream.NewProducer(stream.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return err
		}
		defer producer.Close()
		sinks = append(sinks, producer)
	}

	feed := pricefeed.NewClient(cfg.Feed.BaseURL,
		pricefeed.WithMaxAge(cfg.FeedMaxAge()),
		pricefeed.WithRate(cfg.Feed.RatePerSecond),
	)
	engine, err := auction.New(auctionCfg, feed, auction.NewAuthorizer(registry, cfg.OperatorAddresses()...), transfer, sinks)
	if err != nil {
		return err
	}

	slog.Info("lvrshield starting",
		"addr", cfg.API.Addr,
		"paper", paper,
		"threshold_bps", auctionCfg.Trigger.ThresholdBps,
		"duration", auctionCfg.Duration,
		"lp_mode", auctionCfg.LPMode,
		"operators", len(cfg.Shield.Operators),
		"registry", cfg.Chain.RegistryAddress != "",
		"kafka", len(cfg.Kafka.Brokers) > 0,
	)

	if cfg.API.AdminSecret == "" {
		slog.Warn("SHIELD_ADMIN_SECRET not set: host and admin routes are disabled")
	}
	api := httpapi.New(httpapi.Config{
		Addr:              cfg.API.Addr,
		JWTSecret:         cfg.API.AdminSecret,
		RequireSignatures: cfg.SignaturesRequired(),
	}, engine, store)
	return api.ListenAndServe(ctx)
}

func newPayout(ctx context.Context, cfg *config.Config, client *ethclient.Client) (*onchain.Payout, error) {
	if client == nil || cfg.Chain.PrivateKey == "" || !common.IsHexAddress(cfg.Chain.TokenAddress) {
		return nil, errors.New("live payouts need chain.rpc_url, chain.token_address and SHIELD_PRIVATE_KEY (or use -paper)")
	}
	payout, err := onchain.NewPayout(client, cfg.Chain.PrivateKey, common.HexToAddress(cfg.Chain.TokenAddress), cfg.Chain.ChainID)
	if err != nil {
		return nil, err
	}
	if bal, err := payout.BalanceOf(ctx); err != nil {
		slog.Warn("could not read treasury balance", "err", err)
	} else {
		slog.Info("treasury ready", "address", payout.Address().Hex(), "balance", domain.FormatUnits(bal, domain.PriceDecimals))
	}
	return payout, nil
}

func runReport(ctx context.Context, store ports.AuditReader, reporter ports.Reporter, days int) {
	to := time.Now()
	from := to.AddDate(0, 0, -days)
	auctions, err := store.GetAuctionHistory(ctx, from, to)
	if err != nil {
		slog.Error("history query failed", "err", err)
		os.Exit(1)
	}
	if err := reporter.Report(ctx, auctions); err != nil {
		slog.Warn("report error", "err", err)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
