package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aluiziolira/go-form-autofill/config"
	"github.com/aluiziolira/go-form-autofill/control"
	"github.com/aluiziolira/go-form-autofill/driver"
	"github.com/aluiziolira/go-form-autofill/locator"
	"github.com/aluiziolira/go-form-autofill/models"
	"github.com/aluiziolira/go-form-autofill/parser"
	"github.com/aluiziolira/go-form-autofill/progress"
	"github.com/aluiziolira/go-form-autofill/source"
	"github.com/aluiziolira/go-form-autofill/store"
)

// dateFlags collects repeated -date values.
type dateFlags []string

func (d *dateFlags) String() string {
	return strings.Join(*d, ",")
}

func (d *dateFlags) Set(value string) error {
	*d = append(*d, value)
	return nil
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	configDefault := "autofill.toml"
	if value, ok := config.EnvString("AUTOFILL_CONFIG"); ok {
		configDefault = value
	}

	var dates dateFlags
	configPath := flag.String("config", configDefault, "TOML configuration file")
	targetURL := flag.String("url", "", "Form URL to open (overrides config and profile)")
	profilePath := flag.String("profile", "", "TOML form profile")
	headless := flag.Bool("headless", false, "Run the browser without a window")
	install := flag.Bool("install", false, "Install the playwright driver and chromium before launching")
	listenAddr := flag.String("listen", "", "Control server listen address")
	statePath := flag.String("state", "", "SQLite state database")
	historyFile := flag.String("history", "", "Progress history file")
	historyFormat := flag.String("history-format", "", "History format: json, csv, dual, or none")
	delayMs := flag.Int("delay", -1, "Delay between form steps (milliseconds)")
	itemsPath := flag.String("items", "", "Item list file to start with (- for stdin)")
	itemsURL := flag.String("items-url", "", "URL of an item list to start with")
	flag.Var(&dates, "date", "Registration date YYYY-MM-DD[=goal]; repeat for several dates")
	once := flag.Bool("once", false, "Exit when the started run finishes instead of serving")
	checkSnapshot := flag.String("check-snapshot", "", "Report which form controls resolve in a saved page and exit")
	snapshotOut := flag.String("save-snapshot", "", "Save the loaded form page to this file for -check-snapshot")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := applyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["profile"] {
		cfg.ProfilePath = config.ExpandPath(*profilePath)
	}
	if set["headless"] {
		cfg.Headless = *headless
	}
	if set["listen"] {
		cfg.ListenAddr = *listenAddr
	}
	if set["state"] {
		cfg.StatePath = config.ExpandPath(*statePath)
	}
	if set["history"] {
		cfg.HistoryFile = config.ExpandPath(*historyFile)
	}
	if set["history-format"] {
		cfg.HistoryFormat = strings.ToLower(*historyFormat)
	}
	if set["delay"] {
		cfg.Delay = time.Duration(*delayMs) * time.Millisecond
	}
	if set["v"] {
		cfg.Verbose = *verbose
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	profile, err := locator.LoadProfile(cfg.ProfilePath)
	if err != nil {
		slog.Error("Loading profile failed", slog.Any("error", err))
		os.Exit(1)
	}
	switch {
	case set["url"]:
		cfg.TargetURL = *targetURL
	case cfg.ProfilePath != "" && profile.URL != "":
		cfg.TargetURL = profile.URL
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if *checkSnapshot != "" {
		os.Exit(runSnapshotCheck(*checkSnapshot, profile, cfg.LocatorCacheSize, os.Stdout))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, profile, startRequest{
		itemsPath: *itemsPath,
		itemsURL:  *itemsURL,
		dates:     dates,
		install:   *install,
		once:      *once,
		snapshot:  *snapshotOut,
	}); err != nil {
		slog.Error("Autofill failed", slog.Any("error", err))
		os.Exit(1)
	}
}

type startRequest struct {
	itemsPath string
	itemsURL  string
	dates     []string
	install   bool
	once      bool
	snapshot  string
}

func run(ctx context.Context, cfg *config.Config, profile locator.Profile, req startRequest) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	driverMetrics := driver.NewMetricsWith(registry)
	loader := source.NewLoader(cfg, source.NewMetricsWith(registry))

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Closing state failed", slog.Any("error", err))
		}
	}()

	// Resolve the starting list before the browser opens so bad input fails fast.
	var startCfg *models.RunConfig
	if req.itemsPath != "" || req.itemsURL != "" || len(req.dates) > 0 {
		startCfg, err = buildStartConfig(ctx, cfg, st, loader, req)
		if err != nil {
			return err
		}
	} else if req.once {
		return errors.New("-once needs -items or -items-url and at least one -date")
	}

	hub := progress.NewHub()
	go hub.Run(ctx)
	defer hub.Close()
	defer rememberProgress(st, hub)

	history, err := progress.NewHistorySink(cfg.HistoryFormat, cfg.HistoryFile)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	reporter := progress.NewReporter(
		progress.NewMultiSink(history, progress.NewLogSink(slog.Default()), hub, store.NewSink(st, 5*time.Second)),
		cfg.ReporterBuffer,
		cfg.ReporterBatch,
	)
	reporter.Start()
	defer func() {
		if err := reporter.Close(); err != nil {
			slog.Error("Progress reporter shutdown failed", slog.Any("error", err))
		}
		if cfg.Verbose {
			slog.Debug("Progress reporter metrics", slog.Any("metrics", reporter.GetMetrics()))
		}
	}()

	session, err := locator.OpenSession(cfg.TargetURL, locator.SessionOptions{
		Headless: cfg.Headless,
		Timeout:  cfg.BrowserTimeout,
		Install:  req.install,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Error("Closing browser failed", slog.Any("error", err))
		}
	}()

	if req.snapshot != "" {
		if err := saveSnapshot(session, req.snapshot); err != nil {
			slog.Warn("Saving page snapshot failed", slog.Any("error", err))
		}
	}

	if cfg.NavigateWait > 0 {
		slog.Info("Waiting before first interaction", slog.Duration("wait", cfg.NavigateWait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.NavigateWait):
		}
	}

	fields, err := locator.New(session.Backend(), profile, cfg.LocatorCacheSize)
	if err != nil {
		return err
	}
	drv, err := driver.New(fields, locator.NewDismisser(session.Backend(), profile), reporter, driver.Options{
		Finalize: profile.Finalize,
		Timings: driver.Timings{
			Settle:       cfg.SettleDelay,
			DialogSettle: cfg.DialogSettle,
			DateSettle:   cfg.DateSettle,
		},
		Metrics: driverMetrics,
		Ledger:  st,
	})
	if err != nil {
		return err
	}

	var server *control.Server
	if !req.once && cfg.ListenAddr != "" {
		server = control.NewServer(ctx, cfg.ListenAddr, control.Options{
			Runner:  drv,
			Store:   st,
			Loader:  loader,
			Events:  hub,
			Metrics: registry,
		})
		go func() {
			if err := server.ListenAndServe(); err != nil {
				slog.Error("Control server failed", slog.Any("error", err))
			}
		}()
	}

	startTime := time.Now()
	if startCfg != nil {
		if err := drv.Start(ctx, *startCfg); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
	}

	if req.once {
		<-drv.Done()
	} else {
		<-ctx.Done()
		slog.Info("Shutdown signal received, stopping run")
		drv.Stop()
		select {
		case <-drv.Done():
		case <-time.After(10 * time.Second):
			slog.Warn("Run did not stop in time")
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Control server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if result := drv.Result(); result != nil {
		printSummary(result, time.Since(startTime), cfg.HistoryFile)
	}
	return nil
}

// rememberProgress stores the last progress event with the host settings so the
// host UI can show where the previous session ended.
func rememberProgress(st *store.Store, hub *progress.Hub) {
	last, ok := hub.Last()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	settings, err := st.LoadSettings(ctx)
	if err != nil {
		slog.Warn("Loading settings failed", slog.Any("error", err))
		return
	}
	settings.LastProgress = &last
	if err := st.SaveSettings(ctx, settings); err != nil {
		slog.Warn("Saving last progress failed", slog.Any("error", err))
	}
}

func saveSnapshot(session *locator.Session, path string) error {
	html, err := session.Snapshot()
	if err != nil {
		return err
	}
	path = config.ExpandPath(path)
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	slog.Info("Page snapshot saved", slog.String("path", path))
	return nil
}

func buildStartConfig(ctx context.Context, cfg *config.Config, st *store.Store, loader *source.Loader, req startRequest) (*models.RunConfig, error) {
	var items []string
	switch {
	case req.itemsPath != "":
		text, err := readItems(req.itemsPath)
		if err != nil {
			return nil, err
		}
		items = parser.ParseItems(text)
	case req.itemsURL != "":
		result, err := loader.Load(ctx, req.itemsURL)
		if err != nil {
			return nil, err
		}
		items = result.Items
	default:
		return nil, errors.New("-date needs -items or -items-url")
	}
	if len(req.dates) == 0 {
		return nil, errors.New("at least one -date is required to start a run")
	}

	dateGoals, err := parser.ParseDateGoals(req.dates, len(items))
	if err != nil {
		return nil, err
	}
	processed, err := st.ProcessedItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load processed items: %w", err)
	}

	slog.Info("Starting run from command line",
		slog.Int("items", len(items)),
		slog.Int("dates", len(dateGoals)),
		slog.Int("previously_processed", len(processed)),
	)
	return &models.RunConfig{
		Items:               items,
		Dates:               dateGoals,
		Delay:               cfg.Delay,
		PreviouslyProcessed: processed,
	}, nil
}

func readItems(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read items from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(config.ExpandPath(path))
	if err != nil {
		return "", fmt.Errorf("read items: %w", err)
	}
	return string(data), nil
}

func applyEnv(cfg *config.Config) error {
	if value, ok := config.EnvString("AUTOFILL_URL"); ok {
		cfg.TargetURL = value
	}
	if value, ok := config.EnvString("AUTOFILL_PROFILE"); ok {
		cfg.ProfilePath = config.ExpandPath(value)
	}
	if value, ok, err := config.EnvBool("AUTOFILL_HEADLESS"); err != nil {
		return err
	} else if ok {
		cfg.Headless = value
	}
	if value, ok := config.EnvString("AUTOFILL_LISTEN_ADDR"); ok {
		cfg.ListenAddr = value
	}
	if value, ok := config.EnvString("AUTOFILL_STATE"); ok {
		cfg.StatePath = config.ExpandPath(value)
	}
	if value, ok, err := config.EnvMillis("AUTOFILL_DELAY_MS"); err != nil {
		return err
	} else if ok {
		cfg.Delay = value
	}
	if value, ok, err := config.EnvInt("AUTOFILL_MAX_RETRIES"); err != nil {
		return err
	} else if ok {
		cfg.MaxRetries = value
	}
	return nil
}

func printSummary(result *models.RunResult, elapsed time.Duration, historyFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Run %s\n", result.Phase)

	total := result.SuccessCount + result.ErrorCount
	successRate := 0.0
	if total > 0 {
		successRate = float64(result.SuccessCount) / float64(total) * 100
	}
	fmt.Printf("  Run ID:        %s\n", result.RunID)
	fmt.Printf("  Registered:    %d\n", result.SuccessCount)
	fmt.Printf("  Failed:        %d\n", result.ErrorCount)
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Printf("  Duration:      %v\n", result.Duration())
	fmt.Printf("  Uptime:        %v\n", elapsed.Round(time.Second))
	fmt.Printf("  History file:  %s\n", historyFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
