// Command mmexec is the shadow execution engine demo: it wires the exchange
// adapter, order store, risk monitor and execution loop, runs N synthetic
// iterations and writes the canonical JSON report to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/internal/config"
	"github.com/quantor/mmexec/internal/engine"
	"github.com/quantor/mmexec/internal/exchange"
	"github.com/quantor/mmexec/internal/fees"
	"github.com/quantor/mmexec/internal/obs"
	"github.com/quantor/mmexec/internal/risk"
	"github.com/quantor/mmexec/internal/router"
	"github.com/quantor/mmexec/internal/store"
	"github.com/quantor/mmexec/pkg/bus"
	"github.com/quantor/mmexec/pkg/kv"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mmexec", flag.ContinueOnError)

	shadow := fs.Bool("shadow", false, "enable shadow mode (required gate)")
	exchangeName := fs.String("exchange", "fake", "exchange client: fake or bybit")
	mode := fs.String("mode", "shadow", "trading mode: shadow or dryrun")
	network := fs.Bool("network", false, "enable network calls")
	testnet := fs.Bool("testnet", false, "use testnet endpoints")
	live := fs.Bool("live", false, "live mode (network without testnet; requires MM_LIVE_ENABLE=1)")
	apiEnv := fs.String("api-env", "dev", "API environment: dev, shadow, soak or prod")

	makerOnly := fs.Bool("maker-only", true, "enable maker-only policy")
	noMakerOnly := fs.Bool("no-maker-only", false, "disable maker-only policy")
	postOnlyOffsetBps := fs.Float64("post-only-offset-bps", 1.5, "post-only price offset in bps")
	minQtyPad := fs.Float64("min-qty-pad", 1.1, "minimum quantity padding multiplier")

	symbolFilter := fs.String("symbol-filter", "", "comma-separated symbols (overrides -symbols)")
	symbolsFlag := fs.String("symbols", "BTCUSDT,ETHUSDT", "comma-separated symbols")
	iterations := fs.Int("iterations", 50, "number of iterations")
	maxInv := fs.Float64("max-inv", 10000, "max inventory USD per symbol")
	maxTotal := fs.Float64("max-total", 50000, "max total notional USD")
	edgeThreshold := fs.Float64("edge-threshold", 1.5, "edge freeze threshold in bps")

	fillRate := fs.Float64("fill-rate", 0.7, "simulated fill rate")
	rejectRate := fs.Float64("reject-rate", 0.05, "simulated reject rate")
	latencyMs := fs.Int("latency-ms", 100, "simulated latency in ms")

	durableState := fs.Bool("durable-state", false, "enable durable state (KV + disk journal)")
	stateDir := fs.String("state-dir", "artifacts/state", "directory for state snapshots")
	recoverState := fs.Bool("recover", false, "recover from previous snapshot on startup")
	reconIntervalS := fs.Int("recon-interval-s", 60, "reconciliation interval in seconds")

	feeMakerBps := fs.Float64("fee-maker-bps", 1.0, "maker fee in bps")
	feeTakerBps := fs.Float64("fee-taker-bps", 7.0, "taker fee in bps")
	rebateMakerBps := fs.Float64("rebate-maker-bps", 2.0, "maker rebate in bps (positive = income)")
	feeTier := fs.String("fee-tier", "", "VIP fee tier profile (e.g. VIP2, MM_Tier_A)")

	warmupFilters := fs.Bool("warmup-filters", false, "warm up symbol filters cache on startup")

	obsEnabled := fs.Bool("obs", false, "enable observability server")
	obsHost := fs.String("obs-host", "127.0.0.1", "observability bind host")
	obsPort := fs.Int("obs-port", 8080, "observability port")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if !*shadow {
		fmt.Fprintln(os.Stderr, "Error: -shadow flag is required")
		return 1
	}

	symbolList := *symbolsFlag
	if *symbolFilter != "" {
		symbolList = *symbolFilter
	}
	var symbols []string
	for _, s := range strings.Split(symbolList, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one symbol is required")
		return 1
	}

	if *live {
		*network = true
		*testnet = false
		fmt.Fprintln(os.Stderr, "[INFO] Live mode enabled (-live implies -network without -testnet)")
		fmt.Fprintln(os.Stderr, "[INFO] Kill-switch requires MM_LIVE_ENABLE=1")
	}
	if *noMakerOnly {
		*makerOnly = false
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	clock, err := cfg.Clock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := obs.NewLogger(cfg.LogLevel, os.Stderr)
	metrics := obs.NewMetrics()
	ctx := context.Background()

	// Exchange client
	var client exchange.Client
	switch *exchangeName {
	case "fake":
		client = exchange.NewFakeClient(exchange.FakeConfig{
			FillRate:   *fillRate,
			RejectRate: *rejectRate,
			Latency:    time.Duration(*latencyMs) * time.Millisecond,
			Seed:       42,
			Clock:      clock,
		})
	case "bybit":
		client = exchange.NewBybitDryRunClient(exchange.BybitConfig{
			APIKey:         cfg.APIKey,
			APISecret:      cfg.APISecret,
			NetworkEnabled: *network,
			Testnet:        *testnet,
			FillRate:       *fillRate,
			FillLatency:    time.Duration(*latencyMs) * time.Millisecond,
			Seed:           42,
			Clock:          clock,
		}, obs.Component(logger, "bybit"))
	default:
		fmt.Fprintf(os.Stderr, "Error: unsupported exchange: %s\n", *exchangeName)
		return 1
	}
	// Order store
	var orderStore store.OrderStore
	if *durableState {
		var kvStore kv.Store
		if cfg.RedisAddr != "" {
			redisStore := kv.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
			if err := redisStore.Ping(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error: redis unreachable at %s: %v\n", cfg.RedisAddr, err)
				return 1
			}
			kvStore = redisStore
		} else {
			kvStore = kv.NewMemoryStore(nil)
		}
		durable, err := store.NewDurableStore(kvStore, *stateDir, clock, obs.Component(logger, "order_store"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		orderStore = durable
	} else {
		orderStore = store.NewMemoryStore()
	}

	riskMonitor := risk.NewMonitor(risk.MonitorConfig{
		MaxInventoryUSDPerSymbol: decimal.NewFromFloat(*maxInv),
		MaxTotalNotionalUSD:      decimal.NewFromFloat(*maxTotal),
		EdgeFreezeThresholdBps:   decimal.NewFromFloat(*edgeThreshold),
	}, obs.Component(logger, "risk_monitor"), metrics)

	schedule := &fees.Schedule{
		MakerBps:       decimal.NewFromFloat(*feeMakerBps),
		TakerBps:       decimal.NewFromFloat(*feeTakerBps),
		MakerRebateBps: decimal.NewFromFloat(*rebateMakerBps),
	}
	var profiles map[string]fees.Profile
	if *feeTier != "" {
		profiles, err = fees.BuildProfileMap(*feeTier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	// Event bus (optional)
	var publisher bus.Publisher = bus.NopPublisher{}
	if cfg.NATSURL != "" {
		natsPub, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			obs.Component(logger, "bus").WithError(err).Warn("nats_unavailable")
		} else {
			publisher = natsPub
			defer natsPub.Close()
		}
	}

	orderRouter := router.New(client, router.DefaultConfig(), obs.Component(logger, "router"), metrics)

	loop, err := engine.NewLoop(engine.LoopConfig{
		MakerOnly:         *makerOnly,
		PostOnlyOffsetBps: decimal.NewFromFloat(*postOnlyOffsetBps),
		MinQtyPad:         decimal.NewFromFloat(*minQtyPad),
		ReconInterval:     time.Duration(*reconIntervalS) * time.Second,
		NetworkEnabled:    *network,
		Testnet:           *testnet,
		Schedule:          schedule,
		Profiles:          profiles,
		LiveEnableEnv:     cfg.LiveEnable,
	}, engine.LoopDeps{
		Router:    orderRouter,
		Store:     orderStore,
		Risk:      riskMonitor,
		Clock:     clock,
		Log:       obs.Component(logger, "execution_loop"),
		Metrics:   metrics,
		Publisher: publisher,
	})
	if err != nil {
		// Kill-switch refusal is the one fatal startup path.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "[INFO] Mode: %s (%s, api-env=%s, secret-env=%s)\n",
		exchange.ModeDescription(*network, *testnet), *mode, *apiEnv, cfg.SecretEnv())

	if *warmupFilters {
		for _, symbol := range symbols {
			if _, err := client.GetSymbolFilters(ctx, symbol); err != nil {
				obs.Component(logger, "filters").WithError(err).WithField("symbol", symbol).Warn("filters_warmup_failed")
			}
		}
	}

	if *recoverState {
		summary := loop.RecoverFromRestart(ctx)
		obs.Component(logger, "execution_loop").WithField("summary", summary).Info("recovery_summary")
	}

	if *obsEnabled {
		health := obs.NewHealthServer(metrics, obs.Component(logger, "health"))
		health.RegisterProbe("state", func() error { return nil })
		health.RegisterProbe("risk", func() error {
			if riskMonitor.IsFrozen() {
				return errors.New("risk monitor frozen")
			}
			return nil
		})
		health.RegisterProbe("exchange", func() error {
			_, err := client.GetOpenOrders(ctx, "")
			return err
		})
		health.Start(fmt.Sprintf("%s:%d", *obsHost, *obsPort))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			health.Shutdown(shutdownCtx)
		}()
	}

	report := loop.RunShadow(ctx, engine.Params{
		Symbols:                  symbols,
		Iterations:               *iterations,
		MaxInventoryUSDPerSymbol: decimal.NewFromFloat(*maxInv),
		MaxTotalNotionalUSD:      decimal.NewFromFloat(*maxTotal),
		EdgeFreezeThresholdBps:   decimal.NewFromFloat(*edgeThreshold),
		BaseQty:                  decimal.RequireFromString("0.01"),
		SpreadBps:                decimal.NewFromInt(5),
	})

	if durable, ok := orderStore.(*store.DurableStore); ok {
		durable.SaveSnapshot(ctx)
	}

	out, err := engine.Render(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	os.Stdout.Write(out)
	return 0
}
