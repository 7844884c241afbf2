package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/chaindata"
	"liqkeeper/internal/liquidator"
	"liqkeeper/internal/observability"
	"liqkeeper/internal/settler"
	"liqkeeper/internal/txclient"
)

// Config holds the settler process configuration, loaded from environment
// variables.
type Config struct {
	RPCURL         string
	WSURL          string
	ProgramID      string
	Group          string
	KeypairPath    string
	SettlerAccount string

	UpdateChanSize   int
	SnapshotInterval time.Duration
	SettleInterval   time.Duration
	MinPnlValue      int

	MetricsAddr string
}

func loadConfig() Config {
	return Config{
		RPCURL:         envOrDefault("LIQKEEPER_RPC_URL", "http://localhost:8899"),
		WSURL:          envOrDefault("LIQKEEPER_WS_URL", "ws://localhost:8900"),
		ProgramID:      os.Getenv("LIQKEEPER_PROGRAM_ID"),
		Group:          os.Getenv("LIQKEEPER_GROUP"),
		KeypairPath:    envOrDefault("LIQKEEPER_KEYPAIR", "keypair.json"),
		SettlerAccount: os.Getenv("LIQKEEPER_SETTLER_ACCOUNT"),

		UpdateChanSize:   envIntOrDefault("LIQKEEPER_UPDATE_CHAN_SIZE", 4096),
		SnapshotInterval: time.Duration(envIntOrDefault("LIQKEEPER_SNAPSHOT_INTERVAL_SEC", 300)) * time.Second,
		SettleInterval:   time.Duration(envIntOrDefault("LIQKEEPER_SETTLE_INTERVAL_SEC", 10)) * time.Second,
		MinPnlValue:      envIntOrDefault("LIQKEEPER_SETTLE_MIN_PNL", 1_000_000),

		MetricsAddr: envOrDefault("LIQKEEPER_METRICS_ADDR", ":9092"),
	}
}

func main() {
	log := observability.NewLogger("settler")
	log.Info().Msg("settler starting")

	cfg := loadConfig()

	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		log.Fatal().Err(err).Msg("LIQKEEPER_PROGRAM_ID is required")
	}
	group, err := solana.PublicKeyFromBase58(cfg.Group)
	if err != nil {
		log.Fatal().Err(err).Msg("LIQKEEPER_GROUP is required")
	}
	settlerAccount, err := solana.PublicKeyFromBase58(cfg.SettlerAccount)
	if err != nil {
		log.Fatal().Err(err).Msg("LIQKEEPER_SETTLER_ACCOUNT is required")
	}
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.KeypairPath).Msg("load keypair")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	rpcClient := rpc.New(cfg.RPCURL)
	cache := chaindata.NewCache()
	registry := chaindata.NewGroup()
	provider := &chaindata.Provider{Cache: cache, Group: registry}
	fetcher := chaindata.NewFetcher(rpcClient, observability.NewLogger("fetcher"))
	client := txclient.NewExchangeClient(rpcClient, programID, group, signer, settlerAccount, 30*time.Second, observability.NewLogger("txclient"))

	shared := liquidator.NewSharedState()

	updates := make(chan chaindata.AccountUpdate, cfg.UpdateChanSize)
	snapshots := make(chan chaindata.Snapshot, 1)

	wsSource := chaindata.NewWebsocketSource(cfg.WSURL, programID, observability.NewLogger("websocket"))
	go wsSource.Run(ctx, updates)

	oracleFeeds := func() []solana.PublicKey {
		var feeds []solana.PublicKey
		for _, ti := range registry.TokenIndexes() {
			bank, err := registry.Bank(ti)
			if err != nil {
				continue
			}
			feeds = append(feeds, bank.Oracle)
			if bank.HasFallbackOracle() {
				feeds = append(feeds, bank.FallbackOracle)
			}
		}
		for _, mi := range registry.PerpMarketIndexes() {
			market, err := registry.PerpMarket(mi)
			if err != nil {
				continue
			}
			feeds = append(feeds, market.Oracle)
		}
		return feeds
	}
	snapSource := chaindata.NewSnapshotSource(rpcClient, programID, oracleFeeds, cfg.SnapshotInterval, observability.NewLogger("snapshot"))
	go snapSource.Run(ctx, snapshots)

	feed := &liquidator.Feed{
		Cache:      cache,
		Group:      registry,
		Shared:     shared,
		Metrics:    metrics,
		Log:        observability.NewLogger("feed"),
		OnSnapshot: func() { healthChecker.SetReady(true) },
	}
	go feed.Run(ctx, updates, snapshots)

	settleCfg := settler.Config{
		Interval:    cfg.SettleInterval,
		MinPnlValue: decimal.NewFromInt(int64(cfg.MinPnlValue)),
	}
	accounts := func() []solana.PublicKey {
		if !shared.SnapshotDone() {
			return nil
		}
		return shared.Accounts()
	}
	s := settler.NewSettler(client, cache, provider, fetcher, accounts, settleCfg, metrics, observability.NewLogger("settle"))
	go s.Run(ctx)

	errChan := make(chan error, 2)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			server.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.Info().
		Str("program", programID.String()).
		Str("group", group.String()).
		Msg("settler running")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}
	cancel()
	time.Sleep(time.Second)
	log.Info().Msg("settler shutdown complete")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}
