// Command surveild is the process entrypoint for the market-quality
// surveillance pipeline: it loads the frozen configuration, wires every
// venue adapter and the metrics/z-score/detector/storage stages into a
// pipeline.Pipeline, and serves /healthz and /metrics while it runs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/detector"
	"github.com/omiiii21/crypto-market-microstructure/internal/metrics"
	"github.com/omiiii21/crypto-market-microstructure/internal/model"
	"github.com/omiiii21/crypto-market-microstructure/internal/notify"
	"github.com/omiiii21/crypto-market-microstructure/internal/pipeline"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/cold"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/hot"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
	"github.com/omiiii21/crypto-market-microstructure/internal/zscore"
)

const (
	appName = "surveild"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time market-quality surveillance pipeline",
		Version: version,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start ingestion, metrics, detection, and storage",
		RunE:  runServe,
	}
	runCmd.Flags().String("config-dir", "./config", "Directory holding venues.yaml, instruments.yaml, alerts.yaml, feature_flags.yaml")
	runCmd.Flags().String("listen", ":8090", "Address for /healthz and /metrics")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running instance's /healthz endpoint",
		RunE:  runHealthCheck,
	}
	healthCmd.Flags().String("addr", "http://localhost:8090/healthz", "Health endpoint URL")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, healthCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	resp, err := http.Get(addr)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	fmt.Println("ok")
	return nil
}

// runServe is exit-code-aware: 1 on config error, 2 on a fatal
// dependency unavailable at startup. Nothing in the program exits with
// code 3; storage failures after startup do not end the process.
func runServe(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	listenAddr, _ := cmd.Flags().GetString("listen")

	cfg, err := config.Load(
		configDir+"/venues.yaml",
		configDir+"/instruments.yaml",
		configDir+"/alerts.yaml",
		configDir+"/feature_flags.yaml",
	)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	registry := config.NewRegistry(cfg)

	redisClient := redis.NewClient(&redis.Options{Addr: envOr("SURVEILD_REDIS_ADDR", "localhost:6379")})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Error().Err(err).Msg("redis unavailable at startup")
		os.Exit(2)
	}
	hotStore := hot.New(redisClient, hot.DefaultConfig(), log.Logger)

	db, err := sqlx.Connect("postgres", envOr("SURVEILD_POSTGRES_DSN", "postgres://localhost/surveil?sslmode=disable"))
	if err != nil {
		log.Error().Err(err).Msg("postgres unavailable at startup")
		os.Exit(2)
	}
	db.SetMaxOpenConns(10)
	coldWriter, err := cold.New(db, cold.DefaultConfig(), log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("cold store init failed")
		os.Exit(2)
	}

	zsCfg, err := zscoreConfigFromFlags(cfg.Features)
	if err != nil {
		log.Error().Err(err).Msg("invalid feature flags")
		os.Exit(1)
	}
	zsEngine := zscore.NewEngine(zsCfg, log.Logger)

	metricsCfg := metricsConfigFromInstruments(cfg.Instruments)
	metricsCfg.ZTrackedMetrics = make(map[string]bool)
	for _, m := range cfg.Features.ZTrackedMetrics {
		metricsCfg.ZTrackedMetrics[m] = true
	}
	metricsEngine := metrics.NewEngine(metricsCfg, zsEngine, log.Logger)
	qualityGate := metrics.NewQualityGate(metrics.DefaultQualityConfig(), log.Logger)

	dispatcher := notify.NewDispatcher(log.Logger,
		notify.NewConsoleChannel(log.Logger),
		notify.NewSlackChannel(os.Getenv("SURVEILD_SLACK_WEBHOOK"), log.Logger),
	)

	var alertSink func(model.Alert)
	det := detector.New(detector.DefaultConfig(), registry, detector.SystemClock{}, log.Logger, func(a model.Alert) {
		if alertSink != nil {
			alertSink(a)
		}
	})

	adapters := buildAdapters(cfg, log.Logger)

	pipe := pipeline.New(cfg, registry, adapters, metricsEngine, zsEngine, qualityGate, det, hotStore, coldWriter, dispatcher, log.Logger)
	alertSink = pipe.OnAlert(context.Background(), []string{"console", "slack"})

	promReg := prometheus.NewRegistry()
	promMetrics := pipeline.NewPromMetrics(promReg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", pipe.HealthHandler())
	server := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health/metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go pollChannelDepths(ctx, pipe, promMetrics)

	go pipe.Run(ctx)

	<-sigCh
	log.Info().Msg("shutdown signal received, draining")
	cancel()
	pipe.Shutdown()
	_ = server.Close()
	return nil
}

func pollChannelDepths(ctx context.Context, pipe *pipeline.Pipeline, m *pipeline.PromMetrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pipe.ObserveChannelDepths(m)
		}
	}
}

func zscoreConfigFromFlags(f config.FeatureFlags) (zscore.Config, error) {
	cfg := zscore.DefaultConfig()
	if f.ZScoreWindowSize > 0 {
		cfg.WindowSize = f.ZScoreWindowSize
	}
	if f.ZScoreMinSamples > 0 {
		cfg.MinSamples = f.ZScoreMinSamples
	}
	if f.ZScoreMinStdDev != "" {
		v, err := decimal.NewFromString(f.ZScoreMinStdDev)
		if err != nil {
			return cfg, fmt.Errorf("zscore_min_std_dev: %w", err)
		}
		cfg.MinStdDev = v
	}
	if f.ZScoreWarmupLogSeconds > 0 {
		cfg.WarmupLogInterval = time.Duration(f.ZScoreWarmupLogSeconds) * time.Second
	}
	if f.ResetOnGapThresholdSeconds > 0 {
		cfg.ResetOnGapThreshold = time.Duration(f.ResetOnGapThresholdSeconds) * time.Second
	}
	return cfg, nil
}

// metricsConfigFromInstruments derives perp/spot basis pairs and
// cross-venue divergence pairs from instruments.yaml: a perp instrument
// naming its spot counterpart yields one basis pair, between one venue
// quoting the perp and one venue quoting the spot instrument; every
// instrument quoted on two or more venues yields one divergence pair
// between two of them. The venues are the first ones Go's map iteration
// yields, so which venues are paired is not fixed between runs.
func metricsConfigFromInstruments(instruments []config.InstrumentConfig) metrics.Config {
	const staleness = 5 * time.Second
	var basisPairs, divergencePairs []metrics.PairConfig

	bySpotID := make(map[string]config.InstrumentConfig, len(instruments))
	for _, inst := range instruments {
		bySpotID[inst.NormalizedID] = inst
	}

	for _, inst := range instruments {
		if inst.IsPerp && inst.SpotPairName != "" {
			if spot, ok := bySpotID[inst.SpotPairName]; ok {
				for perpVenue := range inst.VenueSymbols {
					for spotVenue := range spot.VenueSymbols {
						basisPairs = append(basisPairs, metrics.PairConfig{
							Name:           inst.NormalizedID + "_vs_" + spot.NormalizedID,
							VenueA:         perpVenue,
							VenueB:         spotVenue,
							Instrument:     inst.NormalizedID,
							StalenessBound: staleness,
						})
						break
					}
					break
				}
			}
		}

		venues := make([]string, 0, len(inst.VenueSymbols))
		for v := range inst.VenueSymbols {
			venues = append(venues, v)
		}
		if len(venues) >= 2 {
			divergencePairs = append(divergencePairs, metrics.PairConfig{
				Name:           inst.NormalizedID + "_cross_venue",
				VenueA:         venues[0],
				VenueB:         venues[1],
				Instrument:     inst.NormalizedID,
				StalenessBound: staleness,
			})
		}
	}

	return metrics.Config{BasisPairs: basisPairs, DivergencePairs: divergencePairs}
}

func buildAdapters(cfg *config.Config, log zerolog.Logger) map[string]pipeline.VenueAdapter {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	adapters := make(map[string]pipeline.VenueAdapter, len(cfg.Venues))

	for _, v := range cfg.Venues {
		vcfg := venue.Config{
			Venue:       v.Name,
			Instruments: v.Instruments,
			WSURL:       v.WSURL,
			Reconnect:   reconnectConfigFrom(v),
			Gap:         gapConfigFrom(v),
		}

		var parser venue.Parser
		var fetch venue.FetchFunc
		switch v.Name {
		case "binance":
			parser = venue.BinanceParser{}
			vcfg.Keepalive = venue.BinanceKeepalive()
			fetch = venue.BinanceTickerFetch(httpClient)
		case "okx":
			parser = venue.OKXParser{}
			vcfg.Keepalive = venue.OKXKeepalive()
			fetch = venue.OKXTickerFetch(httpClient)
		case "coinbase":
			parser = venue.CoinbaseParser{}
			vcfg.Keepalive = venue.CoinbaseKeepalive()
			fetch = venue.CoinbaseTickerFetch(httpClient)
		default:
			log.Warn().Str("venue", v.Name).Msg("unknown venue, skipping")
			continue
		}

		adapters[v.Name] = venue.New(vcfg, venue.DefaultDialer, parser, fetch, log.With().Str("venue", v.Name).Logger())
	}
	return adapters
}

func reconnectConfigFrom(v config.VenueConfig) venue.ReconnectConfig {
	rc := venue.DefaultReconnectConfig()
	if v.ReconnectInitialDelayMS > 0 {
		rc.InitialDelay = time.Duration(v.ReconnectInitialDelayMS) * time.Millisecond
	}
	if v.ReconnectMaxDelaySeconds > 0 {
		rc.MaxDelay = time.Duration(v.ReconnectMaxDelaySeconds) * time.Second
	}
	if v.ReconnectMultiplier > 0 {
		rc.Multiplier = v.ReconnectMultiplier
	}
	if v.ReconnectJitterFraction > 0 {
		rc.JitterFraction = v.ReconnectJitterFraction
	}
	if v.ReconnectMaxAttempts > 0 {
		rc.MaxAttempts = v.ReconnectMaxAttempts
	}
	return rc
}

func gapConfigFrom(v config.VenueConfig) venue.GapConfig {
	gc := venue.DefaultGapConfig()
	if v.GapSilenceSeconds > 0 {
		gc.SilenceThreshold = time.Duration(v.GapSilenceSeconds) * time.Second
	}
	if v.RESTPollIntervalSec > 0 {
		gc.RESTPollInterval = time.Duration(v.RESTPollIntervalSec) * time.Second
	}
	return gc
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
