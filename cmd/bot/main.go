package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/admission"
	"signaltrader/internal/chainio"
	"signaltrader/internal/config"
	"signaltrader/internal/dashboard"
	"signaltrader/internal/domain"
	"signaltrader/internal/executor"
	"signaltrader/internal/metrics"
	"signaltrader/internal/orchestrator"
	"signaltrader/internal/paperledger"
	"signaltrader/internal/pricecache"
	"signaltrader/internal/pricemonitor"
	"signaltrader/internal/store"
	"signaltrader/internal/tui"
	"signaltrader/internal/watcher"
)

// quoteToken is this engine's fee/settlement asset; paper-ledger balances
// and realized PnL are all denominated in it.
const quoteToken domain.TokenId = "SOL"

const pidFilePath = "data/signaltrader.pid"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "stop":
		err = runStop()
	case "reset-paper-trading":
		err = runResetPaperTrading(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "panic-sell":
		err = runPanicSell(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: signaltrader <start|stop|reset-paper-trading|verify|panic-sell> [flags]")
}

// engine bundles every component initComponents wires together, so start
// and panic-sell share one construction path.
type engine struct {
	cfg    *config.Manager
	st     *store.Store
	cache  pricecache.Cache
	mx     *metrics.Registry
	ledger *paperledger.Ledger
	orch   *orchestrator.Orchestrator
	exec   *executor.Executor
	mon    *pricemonitor.Monitor
	watch  *watcher.Watcher
	dash   *dashboard.Server
}

func initComponents(configPath string) (*engine, error) {
	cfg, err := config.NewManager(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	st, err := store.New(cfg.Get().Store.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening position store: %w", err)
	}

	cache, err := pricecache.New(cfg.Get().Monitoring.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("constructing price cache: %w", err)
	}

	mx := metrics.New()

	sim := cfg.Get().Simulation.Enabled
	apiCfg := cfg.Get().API
	apiKey := cfg.GetAPIKey()

	var oracle chainio.PriceOracle
	var supply chainio.SupplyProvider
	var swap chainio.SwapBackend
	var prediction chainio.PredictionService
	var fees chainio.FeeSampler
	var ledger *paperledger.Ledger

	if sim {
		simOr := newSimOracle()
		oracle = simOr
		swap = newSimSwapBackend(simOr)
		prediction = chainio.NewFakePredictionService()
		fees = &chainio.FakeFeeSampler{Lamports: 200_000}
		ledger = paperledger.New(quoteToken, cfg.Get().Simulation.InitialBalance)
		log.Info().Float64("initialBalance", cfg.Get().Simulation.InitialBalance).Msg("simulation mode: paper trading enabled")
	} else {
		timeout := 10 * time.Second
		apiKeys := []string{apiKey}
		oracle = chainio.NewHTTPOracle(apiCfg.ServerURL, apiKeys, timeout)
		swap = chainio.NewHTTPSwapBackend(apiCfg.ServerURL, apiKeys, 100, timeout)
		prediction = chainio.NewHTTPPredictionClient(apiCfg.ServerURL, apiKey, timeout)
		fees = chainio.NewHTTPFeeSampler(apiCfg.ServerURL, cfg.GetTrading().PriorityFeeSamples, cfg.GetPriorityFeeCacheTTL(), timeout)
	}

	filterCfg := cfg.GetFilter()
	admissionFilterCfg := admission.FilterConfig{
		MinTradeVolume:     filterCfg.MinTradeVolume,
		MinConnectedActors: filterCfg.MinConnectedActors,
		MinInfluenceScore:  filterCfg.MinInfluenceScore,
		MinTotalTrades:     filterCfg.MinTotalTrades,
		MinViralVelocity:   filterCfg.MinViralVelocity,
		RequireSmartMoney:  filterCfg.RequireSmartMoney,
		MinConsensusScore:  filterCfg.MinConsensusScore,
		MinMarketCapQuote:  filterCfg.MinMarketCapQuote,
		MinLiquidityQuote:  filterCfg.MinLiquidityQuote,
	}
	if admissionFilterCfg.MinMarketCapQuote > 0 || admissionFilterCfg.MinLiquidityQuote > 0 {
		supply = chainio.NewFakeSupplyProvider()
		if !sim {
			log.Warn().Msg("market-cap/liquidity gate configured but no production SupplyProvider is wired; falling back to a zero-supply fake")
		}
	}
	filter := admission.NewFilterEngine(admissionFilterCfg, oracle, supply, mx)

	var predictionGate *admission.PredictionGate
	if filterCfg.PredictionMinConf > 0 {
		predictionGate = admission.NewPredictionGate(cache, prediction, filterCfg.PredictionMinConf, filterCfg.PredictionMaxRetry, mx)
	}

	exec := executor.New(st, cache, swap, fees, ledger, sim, quoteToken, cfg.GetTrading(), mx)

	orch := orchestrator.New(filter, predictionGate, exec, cache, cfg.GetTrading(), cfg.GetRisk())

	monCfg := cfg.GetMonitoring()
	var source pricemonitor.InterestSource
	if monCfg.Mode == config.MonitoringAll {
		source = orch
	} else {
		source = cacheInterestSource{cache}
	}
	mon := pricemonitor.New(cache, oracle, source, pricemonitor.Config{
		FastInterval: time.Duration(monCfg.FastLoopMs) * time.Millisecond,
		SlowInterval: time.Duration(monCfg.SlowLoopMs) * time.Millisecond,
		DiscoveryRPS: monCfg.DiscoveryRps,
	}, mx)

	watch := watcher.New(st, cache, exec, cfg.GetWatcherInterval(), mx)

	dashCfg := cfg.Get().Dashboard
	dash := dashboard.New(dashCfg.ListenHost, dashCfg.ListenPort, dashCfg.WSPort, orch, st, ledger, sim, mx, exec)

	return &engine{cfg: cfg, st: st, cache: cache, mx: mx, ledger: ledger, orch: orch, exec: exec, mon: mon, watch: watch, dash: dash}, nil
}

// cacheInterestSource adapts pricecache.Cache's ListInterest into
// pricemonitor.InterestSource for monitoring.mode=subscribed.
type cacheInterestSource struct {
	cache pricecache.Cache
}

func (c cacheInterestSource) Tokens(ctx context.Context) ([]domain.TokenId, error) {
	return c.cache.ListInterest(ctx)
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to config.yaml")
	headless := fs.Bool("headless", os.Getenv("HEADLESS") == "1", "run without the interactive status view")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *headless {
		setupConsoleLogger()
	} else {
		setupFileLogger("data/signaltrader.log")
	}

	eng, err := initComponents(*configPath)
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(eng.cfg.Get().Logging.Level); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		log.Warn().Err(err).Msg("failed to write pidfile; `stop` will not be able to find this process")
	}
	defer os.Remove(pidFilePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.mon.Start(ctx)
	eng.watch.Start(ctx)
	go eng.st.RunRetentionSweep(ctx)
	if err := eng.dash.Start(ctx); err != nil {
		return fmt.Errorf("starting dashboard: %w", err)
	}

	log.Info().
		Int("port", eng.cfg.Get().Dashboard.ListenPort).
		Int("wsPort", eng.cfg.Get().Dashboard.WSPort).
		Bool("simulation", eng.cfg.Get().Simulation.Enabled).
		Msg("signaltrader started")

	if *headless {
		waitForSignal()
	} else {
		runTUI(eng)
	}

	return shutdown(eng, cancel)
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func runTUI(eng *engine) {
	model := tui.New(eng.st, func() int {
		tokens, _ := eng.cache.ListInterest(context.Background())
		return len(tokens)
	}, func(paused bool) {
		eng.cfg.Update(func(c *config.Config) { c.Trading.AutoTradingEnabled = !paused })
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		p.Quit()
	}()
	if _, err := p.Run(); err != nil {
		log.Error().Err(err).Msg("tui exited with error")
	}
}

// shutdown tears the engine down within a 10s grace period; on exceeding
// it the remaining workers are abandoned and the servers force-closed.
func shutdown(eng *engine, cancel context.CancelFunc) error {
	log.Info().Msg("shutting down")
	cancel()

	done := make(chan struct{})
	go func() {
		eng.watch.Stop()
		eng.mon.Stop()
		close(done)
	}()

	ctx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("shutdown grace period exceeded; forcing remaining workers closed")
	}

	if err := eng.dash.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("dashboard shutdown error")
	}
	if err := eng.st.CloseDB(); err != nil {
		log.Warn().Err(err).Msg("store close error")
	}
	log.Info().Msg("goodbye")
	return nil
}

func runStop() error {
	data, err := os.ReadFile(pidFilePath)
	if err != nil {
		return fmt.Errorf("reading pidfile %s (is signaltrader running?): %w", pidFilePath, err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("parsing pidfile: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return nil
}

func runResetPaperTrading(args []string) error {
	fs := flag.NewFlagSet("reset-paper-trading", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	setupConsoleLogger()
	cfg, err := config.NewManager(*configPath)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.Get().Store.SQLitePath)
	if err != nil {
		return err
	}
	defer st.CloseDB()

	st.ClearAll()
	color.Green("paper positions cleared; ledger resets to %.4f %s on next start", cfg.Get().Simulation.InitialBalance, quoteToken)
	return nil
}

func runPanicSell(args []string) error {
	fs := flag.NewFlagSet("panic-sell", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	setupConsoleLogger()
	eng, err := initComponents(*configPath)
	if err != nil {
		return err
	}
	defer eng.st.CloseDB()

	positions := eng.st.ListOpen()
	if len(positions) == 0 {
		color.Yellow("no open positions")
		return nil
	}

	color.Red("panic-sell-all: force-closing %d open position(s)", len(positions))
	closed, failed := eng.exec.SellAll(context.Background(), positions)
	if failed > 0 {
		color.Yellow("closed %d, failed %d (see logs)", closed, failed)
	} else {
		color.Green("closed all %d positions", closed)
	}
	return nil
}

// runVerify sanity-checks that config loads, the store opens, and the
// price cache backend is reachable, mirroring cmd/verify-signal's
// colorized pass/fail checklist generalized to the whole engine instead
// of one parser call.
func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("----------------------------------------")
	fmt.Println("signaltrader verify")
	fmt.Println("----------------------------------------")

	cfg, err := config.NewManager(*configPath)
	if err != nil {
		color.Red("✗ config: %v", err)
		return err
	}
	color.Green("✓ config loaded from %s", *configPath)

	st, err := store.New(cfg.Get().Store.SQLitePath)
	if err != nil {
		color.Red("✗ position store: %v", err)
		return err
	}
	defer st.CloseDB()
	color.Green("✓ position store opened at %s (%d closed positions)", cfg.Get().Store.SQLitePath, st.Stats().ClosedCount)

	cache, err := pricecache.New(cfg.Get().Monitoring.RedisURL)
	if err != nil {
		color.Red("✗ price cache: %v", err)
		return err
	}
	if cfg.Get().Monitoring.RedisURL == "" {
		color.Green("✓ price cache: in-process fallback (no redis_url configured)")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, _, err := cache.GetPrice(ctx, "verify-probe"); err != nil {
			color.Red("✗ price cache: redis unreachable at %s: %v", cfg.Get().Monitoring.RedisURL, err)
			return err
		}
		color.Green("✓ price cache: redis reachable at %s", cfg.Get().Monitoring.RedisURL)
	}

	if cfg.Get().Simulation.Enabled {
		color.Green("✓ simulation mode enabled: production oracle/swap/prediction clients will not be exercised")
	} else if cfg.Get().API.ServerURL == "" {
		color.Yellow("! simulation mode disabled but api.server_url is empty; production chainio clients will fail to reach anything")
	} else {
		color.Green("✓ api.server_url configured: %s", cfg.Get().API.ServerURL)
	}

	fmt.Println("----------------------------------------")
	color.Green("all checks passed")
	return nil
}

func setupConsoleLogger() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// setupFileLogger redirects logs to path so they don't corrupt the TUI.
func setupFileLogger(path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open log file %s: %v\n", path, err)
		log.Logger = zerolog.Nop()
		return
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
