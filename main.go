package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/IliaW/resource-scanner/config"
	"github.com/IliaW/resource-scanner/internal/aws_s3"
	"github.com/IliaW/resource-scanner/internal/broker"
	"github.com/IliaW/resource-scanner/internal/browser"
	"github.com/IliaW/resource-scanner/internal/capture"
	"github.com/IliaW/resource-scanner/internal/checkpoint"
	"github.com/IliaW/resource-scanner/internal/classifier"
	"github.com/IliaW/resource-scanner/internal/input"
	"github.com/IliaW/resource-scanner/internal/lifecycle"
	"github.com/IliaW/resource-scanner/internal/model"
	"github.com/IliaW/resource-scanner/internal/output"
	"github.com/IliaW/resource-scanner/internal/persistence"
	"github.com/IliaW/resource-scanner/internal/telemetry"
	"github.com/IliaW/resource-scanner/internal/worker"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/natefinch/lumberjack.v2"
	_ "modernc.org/sqlite"
)

var (
	cfgFile  string
	exitCode = lifecycle.ExitOK
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == lifecycle.ExitOK {
			exitCode = lifecycle.ExitConfig
		}
	}
	os.Exit(exitCode)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource-scanner [domain | file | -]",
		Short: "Visit domains in a real browser and record every resource they load.",
		Long: "Visits each domain with a pooled headless browser, records the scripts, stylesheets and other " +
			"resources the page loads, optionally classifies them into first, third and fourth party " +
			"dependencies and writes the results to a database, kafka or a JSON/CSV/text report.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runScan(args)
			exitCode = code
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	flags.Int("concurrency", 0, "parallel page visits")
	flags.Int("pool-size", 0, "browser contexts kept alive")
	flags.Int("max-retries", 0, "scan attempts per domain")
	flags.StringSlice("types", nil, "resource types to capture (empty captures every type)")
	flags.StringSlice("block", nil, "resource types to block at the browser")
	flags.Bool("external-only", false, "keep only resources served from another host")
	flags.String("wait-until", "", "navigation completion: domcontentloaded, load or networkidle")
	flags.Duration("timeout", 0, "navigation timeout")
	flags.Bool("screenshot", false, "capture a screenshot of every page")
	flags.Bool("sri", false, "audit subresource integrity of scripts and stylesheets")
	flags.Bool("dependencies", false, "build the first/third/fourth party dependency tree")
	flags.StringP("output", "o", "", "sink: store, kafka, json, csv or text")
	flags.String("out", "", "report file for json, csv and text sinks (default stdout)")
	flags.Bool("resume", false, "skip domains recorded in the checkpoint")
	flags.Float64("rate", 0, "maximum domains dispatched per second")

	bindings := map[string]string{
		"concurrency":   "worker.concurrency",
		"pool-size":     "pool.size",
		"max-retries":   "worker.max_retries",
		"types":         "scan.capture_types",
		"block":         "scan.block_types",
		"external-only": "scan.external_only",
		"wait-until":    "scan.wait_until",
		"timeout":       "scan.navigation_timeout",
		"screenshot":    "scan.screenshot.enabled",
		"sri":           "scan.sri",
		"dependencies":  "scan.dependencies",
		"output":        "output.sink",
		"out":           "output.path",
		"resume":        "worker.resume",
		"rate":          "worker.domains_per_second",
	}
	for flag, key := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatalf("failed to bind flag %s: %v", flag, err)
		}
	}

	return cmd
}

func runScan(args []string) (int, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return lifecycle.ExitConfig, err
	}
	closeLog := setupLogger(cfg)
	defer closeLog()

	var domains []string
	if !cfg.KafkaSettings.Consumer.Enabled {
		if len(args) == 0 {
			return lifecycle.ExitConfig, &config.ConfigurationError{Err: errors.New("no domain or domain list given")}
		}
		domains, err = input.Load(args[0], os.Stdin)
		if err != nil {
			return lifecycle.ExitConfig, &config.ConfigurationError{Err: err}
		}
	}

	process := lifecycle.New(context.Background())
	runID := uuid.NewString()
	slog.Info("starting resource scanner.", slog.String("env", cfg.Env), slog.String("version", cfg.Version),
		slog.String("run_id", runID), slog.String("sink", cfg.OutputSettings.Sink))

	runErr := execute(process, cfg, domains)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run failed.", slog.String("run_id", runID), slog.String("err", runErr.Error()))
	}
	if err = process.Shutdown(cfg.WorkerSettings.ShutdownTimeout); err != nil {
		slog.Error("shutdown finished with errors.", slog.String("err", err.Error()))
	}
	code := process.ExitCode(runErr)
	slog.Info("resource scanner stopped.", slog.String("run_id", runID), slog.Int("exit_code", code))

	return code, nil
}

// execute builds the pipeline. Every component registers its cleanup with process, so the hooks run in
// reverse order: sink, checkpoint, database, browser pool, telemetry.
func execute(process *lifecycle.Process, cfg *config.Config, domains []string) error {
	ctx := process.Context()

	metrics, err := telemetry.SetupMetrics(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	process.OnShutdown("telemetry", func(ctx context.Context) error {
		metrics.Close(ctx)
		return nil
	})

	pool, err := setupPool(ctx, cfg, metrics.PoolMetrics)
	if err != nil {
		return err
	}
	process.OnShutdown("browser pool", func(context.Context) error {
		return pool.Close()
	})

	shots, err := setupScreenshots(ctx, cfg)
	if err != nil {
		return err
	}
	heuristics := cfg.ScanSettings.Heuristics
	cls := classifier.New(classifier.Options{
		WindowMin:      heuristics.WindowMin,
		WindowMax:      heuristics.WindowMax,
		ParentTypes:    model.ParseResourceTypes(heuristics.ParentTypes),
		LeafExtensions: heuristics.LeafExtensions,
	})
	scanner := capture.NewScanner(pool, cls, shots, capture.ScreenshotOptions{
		FullPage: cfg.ScanSettings.Screenshot.FullPage,
		Quality:  cfg.ScanSettings.Screenshot.Quality,
	})

	sink, err := setupSink(process, cfg)
	if err != nil {
		return err
	}
	var tracker *checkpoint.Tracker
	if sink.Durable() {
		tracker, err = setupCheckpoint(process, cfg)
		if err != nil {
			return err
		}
	}
	process.OnShutdown("sink", func(context.Context) error {
		return sink.Close()
	})

	orchestrator := worker.NewOrchestrator(scanner, sink, tracker, metrics.ScanMetrics, worker.Options{
		Concurrency:      cfg.WorkerSettings.Concurrency,
		MaxRetries:       cfg.WorkerSettings.MaxRetries,
		RetryDelay:       cfg.WorkerSettings.RetryDelay,
		DomainsPerSecond: cfg.WorkerSettings.DomainsPerSecond,
		Resume:           cfg.WorkerSettings.Resume,
		Task:             taskTemplate(cfg.ScanSettings),
	})

	feedCtx, stopFeed := context.WithCancel(ctx)
	domainChan := make(chan string, cfg.WorkerSettings.Concurrency*2)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if cfg.KafkaSettings.Consumer.Enabled {
			broker.NewKafkaConsumer(cfg.KafkaSettings.Consumer).Run(feedCtx, domainChan)
			return
		}
		input.Feed(feedCtx, domains, domainChan)
	}()

	_, runErr := orchestrator.Run(ctx, domainChan)
	stopFeed()
	<-feedDone
	slog.Info("browser pool state.", slog.Int("live", pool.Live()), slog.Int("idle", pool.Idle()))

	return runErr
}

func setupPool(ctx context.Context, cfg *config.Config, metrics *telemetry.PoolMetrics) (*browser.Pool, error) {
	ps := cfg.PoolSettings
	engine, err := browser.NewChromeEngine(browser.ChromeOptions{
		Headless:        ps.Headless,
		UserAgent:       ps.UserAgent,
		ViewportWidth:   ps.ViewportWidth,
		ViewportHeight:  ps.ViewportHeight,
		IgnoreTLSErrors: ps.IgnoreTLSErrors,
		ExecPath:        ps.ExecPath,
		Args:            ps.Args,
		BlockTypes:      model.ParseResourceTypes(cfg.ScanSettings.BlockTypes),
	})
	if err != nil {
		return nil, err
	}
	pool, err := browser.NewPool(ctx, engine, browser.PoolOptions{
		Size:           ps.Size,
		MaxUses:        ps.MaxUses,
		CreateAttempts: ps.CreateAttempts,
		CreateDelay:    ps.CreateDelay,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser pool: %w", err)
	}

	return pool, nil
}

func setupScreenshots(ctx context.Context, cfg *config.Config) (capture.ScreenshotStore, error) {
	sc := cfg.ScanSettings.Screenshot
	if !sc.Enabled {
		return nil, nil
	}
	if sc.UseS3 {
		client, err := aws_s3.NewS3BucketClient(ctx, cfg.Env, cfg.S3Settings)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to s3: %w", err)
		}
		return client, nil
	}
	return &capture.DirScreenshotStore{Dir: sc.Dir}, nil
}

func setupSink(process *lifecycle.Process, cfg *config.Config) (output.Sink, error) {
	switch cfg.OutputSettings.Sink {
	case "store":
		db, dialect, err := persistence.Open(process.Context(), cfg.DbSettings)
		if err != nil {
			return nil, err
		}
		process.OnShutdown("database", func(context.Context) error {
			persistence.Close(db)
			return nil
		})
		return output.NewStoreSink(persistence.NewScanRepository(db, dialect)), nil
	case "kafka":
		return broker.NewKafkaProducer(cfg.KafkaSettings.Producer), nil
	}

	w, err := output.OpenWriter(cfg.OutputSettings.Path)
	if err != nil {
		return nil, err
	}
	switch cfg.OutputSettings.Sink {
	case "csv":
		return output.NewCSVSink(w), nil
	case "text":
		return output.NewTextSink(w), nil
	default:
		return output.NewJSONSink(w), nil
	}
}

func setupCheckpoint(process *lifecycle.Process, cfg *config.Config) (*checkpoint.Tracker, error) {
	cs := cfg.CheckpointSettings
	var store checkpoint.Store
	if cs.Backend == "memcached" {
		mc, err := checkpoint.NewMemcachedStore(cs)
		if err != nil {
			return nil, err
		}
		process.OnShutdown("checkpoint", func(context.Context) error {
			mc.Close()
			return nil
		})
		store = mc
	} else {
		store = checkpoint.NewFileStore(cs.Path)
	}

	return checkpoint.NewTracker(store, cfg.WorkerSettings.FlushEvery), nil
}

func taskTemplate(sc *config.ScanConfig) model.ScanTask {
	return model.ScanTask{
		CaptureTypes: model.ParseResourceTypes(sc.CaptureTypes),
		ExternalOnly: sc.ExternalOnly,
		WaitUntil:    model.WaitPolicy(sc.WaitUntil),
		Timeout:      sc.NavigationTimeout,
		DomResources: sc.DomResources,
		Screenshot:   sc.Screenshot.Enabled,
		SRI:          sc.SRI,
		Dependencies: sc.Dependencies,
	}
}

// setupLogger installs the default slog logger and returns a func that closes the log file, if any.
func setupLogger(cfg *config.Config) func() {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.LogFile.Path != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile.Path,
			MaxSize:    cfg.LogFile.MaxSize,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxAge,
			Compress:   cfg.LogFile.Compress,
		}
		out = io.MultiWriter(os.Stderr, rotating)
		closeLog = func() { _ = rotating.Close() }
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(out, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor:     cfg.Env != "local" || cfg.LogFile.Path != ""}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return closeLog
}
