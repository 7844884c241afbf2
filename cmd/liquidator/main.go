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
	"liqkeeper/internal/persistence"
	"liqkeeper/internal/publisher"
	"liqkeeper/internal/swap"
	"liqkeeper/internal/txclient"
)

// Config holds the liquidator process configuration, loaded from environment
// variables.
type Config struct {
	RPCURL       string
	WSURL        string
	ProgramID    string
	Group        string
	KeypairPath  string
	LiqorAccount string

	// Jupiter
	JupiterURL  string
	SlippageBps int

	// Optional sinks
	NATSURL     string
	PostgresDSN string

	// Feed
	UpdateChanSize   int
	SnapshotInterval time.Duration

	// Pipeline
	Workers               int
	ScanIntervalSec       int
	TargetHealthRatio     float64
	TcsMinVolume          int
	TcsMaxVolume          int
	TcsMode               string
	TcsMinBuyFraction     float64
	RebalanceMinThreshold int
	ComputeUnitPrice      int

	MetricsAddr string
}

func loadConfig() Config {
	return Config{
		RPCURL:       envOrDefault("LIQKEEPER_RPC_URL", "http://localhost:8899"),
		WSURL:        envOrDefault("LIQKEEPER_WS_URL", "ws://localhost:8900"),
		ProgramID:    os.Getenv("LIQKEEPER_PROGRAM_ID"),
		Group:        os.Getenv("LIQKEEPER_GROUP"),
		KeypairPath:  envOrDefault("LIQKEEPER_KEYPAIR", "keypair.json"),
		LiqorAccount: os.Getenv("LIQKEEPER_LIQOR_ACCOUNT"),

		JupiterURL:  envOrDefault("LIQKEEPER_JUPITER_URL", "https://quote-api.jup.ag/v6"),
		SlippageBps: envIntOrDefault("LIQKEEPER_SLIPPAGE_BPS", 100),

		NATSURL:     os.Getenv("LIQKEEPER_NATS_URL"),
		PostgresDSN: os.Getenv("LIQKEEPER_POSTGRES_DSN"),

		UpdateChanSize:   envIntOrDefault("LIQKEEPER_UPDATE_CHAN_SIZE", 4096),
		SnapshotInterval: time.Duration(envIntOrDefault("LIQKEEPER_SNAPSHOT_INTERVAL_SEC", 300)) * time.Second,

		Workers:               envIntOrDefault("LIQKEEPER_WORKERS", 2),
		ScanIntervalSec:       envIntOrDefault("LIQKEEPER_SCAN_INTERVAL_SEC", 10),
		TargetHealthRatio:     envFloatOrDefault("LIQKEEPER_TARGET_HEALTH_RATIO", 1),
		TcsMinVolume:          envIntOrDefault("LIQKEEPER_TCS_MIN_VOLUME", 1_000_000),
		TcsMaxVolume:          envIntOrDefault("LIQKEEPER_TCS_MAX_VOLUME", 1_000_000_000),
		TcsMode:               envOrDefault("LIQKEEPER_TCS_MODE", "swap-sell-into-buy"),
		TcsMinBuyFraction:     envFloatOrDefault("LIQKEEPER_TCS_MIN_BUY_FRACTION", 0.7),
		RebalanceMinThreshold: envIntOrDefault("LIQKEEPER_REBALANCE_MIN_THRESHOLD", 1_000_000),
		ComputeUnitPrice:      envIntOrDefault("LIQKEEPER_COMPUTE_UNIT_PRICE", 0),

		MetricsAddr: envOrDefault("LIQKEEPER_METRICS_ADDR", ":9091"),
	}
}

// multiSink fans one outcome out to every configured sink.
type multiSink []liquidator.OutcomeSink

func (m multiSink) RecordOutcome(ctx context.Context, o liquidator.Outcome) {
	for _, s := range m {
		s.RecordOutcome(ctx, o)
	}
}

func main() {
	log := observability.NewLogger("liquidator")
	log.Info().Msg("liquidator starting")

	cfg := loadConfig()

	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		log.Fatal().Err(err).Msg("LIQKEEPER_PROGRAM_ID is required")
	}
	group, err := solana.PublicKeyFromBase58(cfg.Group)
	if err != nil {
		log.Fatal().Err(err).Msg("LIQKEEPER_GROUP is required")
	}
	liqorAccount, err := solana.PublicKeyFromBase58(cfg.LiqorAccount)
	if err != nil {
		log.Fatal().Err(err).Msg("LIQKEEPER_LIQOR_ACCOUNT is required")
	}
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.KeypairPath).Msg("load keypair")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Chain data ---
	rpcClient := rpc.New(cfg.RPCURL)
	cache := chaindata.NewCache()
	registry := chaindata.NewGroup()
	provider := &chaindata.Provider{Cache: cache, Group: registry}
	fetcher := chaindata.NewFetcher(rpcClient, observability.NewLogger("fetcher"))

	// --- Execution ---
	liqCfg := liquidator.DefaultConfig()
	liqCfg.Workers = cfg.Workers
	liqCfg.ScanInterval = time.Duration(cfg.ScanIntervalSec) * time.Second
	liqCfg.TargetHealthRatio = decimal.NewFromFloat(cfg.TargetHealthRatio)
	liqCfg.TcsMinVolume = uint64(cfg.TcsMinVolume)
	liqCfg.TcsMaxVolume = uint64(cfg.TcsMaxVolume)
	liqCfg.TcsMinBuyFraction = decimal.NewFromFloat(cfg.TcsMinBuyFraction)
	liqCfg.TcsMode, err = liquidator.ParseTcsMode(cfg.TcsMode)
	if err != nil {
		log.Fatal().Err(err).Msg("LIQKEEPER_TCS_MODE")
	}
	liqCfg.RebalanceMinThreshold = uint64(cfg.RebalanceMinThreshold)
	liqCfg.ComputeUnitPriceMicroLamports = uint64(cfg.ComputeUnitPrice)

	client := txclient.NewExchangeClient(rpcClient, programID, group, signer, liqorAccount, liqCfg.RefreshTimeout, observability.NewLogger("txclient"))
	client.SetComputeUnitPrice(liqCfg.ComputeUnitPriceMicroLamports)

	swapClient, err := swap.NewClient(cfg.JupiterURL, cfg.SlippageBps, observability.NewLogger("swap"))
	if err != nil {
		log.Fatal().Err(err).Msg("jupiter client")
	}

	// --- Outcome sinks ---
	var sinks multiSink
	errChan := make(chan error, 8)

	if cfg.NATSURL != "" {
		nc, js, err := publisher.Connect(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		if err := publisher.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure outcome stream")
		}
		pub := publisher.NewPublisher(js, 4096, observability.NewLogger("publisher"))
		sinks = append(sinks, pub)
		go func() { errChan <- pub.Run(ctx) }()
		log.Info().Msg("nats outcome publisher enabled")
	}

	var dbWriter *persistence.Writer
	if cfg.PostgresDSN != "" {
		dbWriter, err = persistence.NewWriter(cfg.PostgresDSN, 50, time.Second, metrics, observability.NewLogger("persistence"))
		if err != nil {
			log.Fatal().Err(err).Msg("postgres open")
		}
		defer dbWriter.Close()
		sinks = append(sinks, dbWriter)
		go func() { errChan <- dbWriter.Run(ctx) }()
		log.Info().Msg("postgres outcome writer enabled")
	}

	var outcomes liquidator.OutcomeSink
	if len(sinks) > 0 {
		outcomes = sinks
	}

	swapInfos := liquidator.NewTokenSwapInfoUpdater(provider, swapClient, uint64(cfg.TcsMinVolume), time.Minute, observability.NewLogger("swapinfo"))
	go swapInfos.Run(ctx)

	executor := &liquidator.Executor{
		Client:    client,
		Cache:     cache,
		Provider:  provider,
		Fetcher:   fetcher,
		Swap:      swapClient,
		SwapInfos: swapInfos,
		Config:    liqCfg,
		Metrics:   metrics,
		Outcomes:  outcomes,
		Log:       observability.NewLogger("executor"),
	}

	// --- Pipeline state and signals ---
	shared := liquidator.NewSharedState()
	trackers := liquidator.NewTrackers(metrics, observability.NewLogger("trackers"))
	scanTrigger := make(chan struct{}, 1)
	workSignal := make(chan struct{}, 1)
	rebalanceSignal := make(chan struct{}, 1)

	// --- Feeds ---
	updates := make(chan chaindata.AccountUpdate, cfg.UpdateChanSize)
	snapshots := make(chan chaindata.Snapshot, 1)

	wsSource := chaindata.NewWebsocketSource(cfg.WSURL, programID, observability.NewLogger("websocket"))
	go wsSource.Run(ctx, updates)

	// Oracle feeds live outside the program, so the snapshot fetch pulls
	// them explicitly.
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
		Cache:       cache,
		Group:       registry,
		Shared:      shared,
		Metrics:     metrics,
		Log:         observability.NewLogger("feed"),
		ScanTrigger: scanTrigger,
		OnSnapshot:  func() { healthChecker.SetReady(true) },
	}
	go feed.Run(ctx, updates, snapshots)

	// --- Scanner, workers, rebalancer ---
	scanner := &liquidator.Scanner{
		Shared:     shared,
		Executor:   executor,
		Trackers:   trackers,
		Metrics:    metrics,
		Log:        observability.NewLogger("scanner"),
		WorkSignal: workSignal,
	}
	go scanner.Run(ctx, scanTrigger)

	pool := &liquidator.WorkerPool{
		Shared:          shared,
		Executor:        executor,
		Trackers:        trackers,
		Metrics:         metrics,
		Log:             observability.NewLogger("worker"),
		WorkSignal:      workSignal,
		RebalanceSignal: rebalanceSignal,
	}
	go func() { errChan <- pool.Run(ctx, liqCfg.Workers) }()

	rebalancer := &liquidator.Rebalancer{Executor: executor}
	go rebalancer.Run(ctx, rebalanceSignal)

	if dbWriter != nil {
		healthLogger := &liquidator.HealthLogger{
			Shared:   shared,
			Cache:    cache,
			Provider: provider,
			Interval: 5 * time.Minute,
			Log:      observability.NewLogger("healthlog"),
			Record: func(account string, maintRatio, initRatio float64, beingLiquidated bool, slot uint64) {
				dbWriter.RecordHealth(persistence.HealthRow{
					Account:          account,
					MaintHealthRatio: maintRatio,
					InitHealthRatio:  initRatio,
					BeingLiquidated:  beingLiquidated,
					Slot:             int64(slot),
					At:               time.Now(),
				})
			},
		}
		go healthLogger.Run(ctx)
	}

	// --- Metrics and health endpoints ---
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
		Str("liqor", liqorAccount.String()).
		Int("workers", liqCfg.Workers).
		Msg("liquidator running")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}
	cancel()

	// Give the sinks a moment to flush.
	time.Sleep(2 * time.Second)
	log.Info().Msg("liquidator shutdown complete")
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

func envFloatOrDefault(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%f", &f); err != nil {
		return defaultVal
	}
	return f
}
