package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/classify"
	"github.com/Sriram-PR/gallery-archiver/pkg/config"
	"github.com/Sriram-PR/gallery-archiver/pkg/discover"
	"github.com/Sriram-PR/gallery-archiver/pkg/fetch"
	applog "github.com/Sriram-PR/gallery-archiver/pkg/log"
	"github.com/Sriram-PR/gallery-archiver/pkg/pipeline"
	"github.com/Sriram-PR/gallery-archiver/pkg/state"
	"github.com/Sriram-PR/gallery-archiver/pkg/storage"
	"github.com/Sriram-PR/gallery-archiver/pkg/watch"
)

const journalGCInterval = 10 * time.Minute

type options struct {
	Config     string `short:"c" long:"config" default:"config.yaml" description:"Path to YAML config file (a missing file means defaults)"`
	LogLevel   string `long:"log-level" description:"Log level (debug, info, warn, error); overrides log_level in the config"`
	EnvFile    string `long:"env-file" default:".env" description:"Optional .env file with ARCHIVER_* variables"`
	JournalLog string `long:"write-journal-log" description:"After the run, dump the attempt journal as TSV to this path"`
	Watch      string `long:"watch" value-name:"INTERVAL" description:"Keep running and start a run every INTERVAL (e.g. 6h, 1d)"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "archiver"
	parser.LongDescription = "Ingest catalog galleries into the deduplicated, classified image archive."
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		// Restore default handling so a second signal kills the process
		<-ctx.Done()
		stop()
	}()

	code := run(ctx, opts, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}

// run executes one archiver invocation and returns the process exit code
func run(ctx context.Context, opts options, out io.Writer, lookupEnv func(string) (string, bool)) int {
	logger := applog.NewWithOutput(opts.LogLevel, "", out)

	var watchInterval time.Duration
	if opts.Watch != "" {
		var err error
		if watchInterval, err = watch.ParseInterval(opts.Watch); err != nil {
			logger.Errorf("Invalid --watch interval: %v", err)
			return 1
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warnf("Could not load env file '%s': %v", opts.EnvFile, err)
		}
	}

	cfg, err := loadConfig(opts.Config, lookupEnv, logger)
	if err != nil {
		logger.Errorf("Configuration error: %v", err)
		return 1
	}
	level := cfg.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	applog.Reconfigure(logger, level, cfg.LogFormat)
	logAppConfig(cfg, logger)

	entry := logrus.NewEntry(logger)

	journal, err := storage.OpenJournal(cfg.JournalDir, entry)
	if err != nil {
		logger.Errorf("Failed to open attempt journal: %v", err)
		return 1
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Warnf("Closing attempt journal: %v", err)
		}
	}()
	gcCtx, stopGC := context.WithCancel(ctx)
	defer stopGC()
	go journal.RunGC(gcCtx, journalGCInterval)

	runOnce := func(ctx context.Context) (pipeline.RunResult, error) {
		return runPipeline(ctx, cfg, journal, entry)
	}

	var runErr error
	if watchInterval > 0 {
		runErr = watch.NewScheduler(cfg.StateDir, watchInterval, runOnce, entry).Run(ctx)
	} else {
		_, runErr = runOnce(ctx)
	}

	if opts.JournalLog != "" {
		if err := journal.WriteLog(opts.JournalLog); err != nil {
			logger.Errorf("Writing journal log: %v", err)
		}
	}
	return exitCode(runErr, logger)
}

// runPipeline performs one run: it re-reads the catalog and state, so each scheduled run sees current files
func runPipeline(ctx context.Context, cfg *config.AppConfig, journal storage.Journal, log *logrus.Entry) (pipeline.RunResult, error) {
	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return pipeline.RunResult{}, fmt.Errorf("catalog: %w", err)
	}

	if cfg.GlobalTimeout > 0 {
		log.Infof("Setting global timeout: %v", cfg.GlobalTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.GlobalTimeout)
		defer cancel()
	}

	p, err := buildPipeline(ctx, cfg, journal, log)
	if err != nil {
		return pipeline.RunResult{}, fmt.Errorf("initialize pipeline: %w", err)
	}

	result, runErr := p.Run(ctx, catalog)
	log.WithFields(logrus.Fields{
		"run_id":          result.RunID,
		"galleries":       len(result.Galleries),
		"stored":          result.Stored(),
		"exhausted":       result.Exhausted,
		"journal_entries": journal.Count(),
	}).Info("Run finished")

	if cfg.MetricsTextfile != "" {
		if err := p.Metrics().WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.Errorf("Writing metrics textfile: %v", err)
		}
	}
	return result, runErr
}

// exitCode maps the run error to the process exit code. Cancellation by signal is a clean exit.
func exitCode(err error, log *logrus.Logger) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		log.Warn("Run cancelled gracefully.")
		return 0
	case errors.Is(err, context.DeadlineExceeded):
		log.Error("Run timed out (global timeout).")
		return 1
	default:
		log.Errorf("Run finished with error: %v", err)
		return 1
	}
}

// loadConfig reads the YAML file, overlays the environment and validates
func loadConfig(path string, lookupEnv func(string) (string, bool), log *logrus.Logger) (*config.AppConfig, error) {
	cfg, err := config.Load(path, true)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.ApplyEnv(lookupEnv) {
		log.Warn(w)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	return cfg, nil
}

// buildPipeline wires fetch, discovery, state and the configured sink
func buildPipeline(ctx context.Context, cfg *config.AppConfig, journal storage.Journal, log *logrus.Entry) (*pipeline.Pipeline, error) {
	httpClient := fetch.NewClient(cfg.HTTPClientSettings, log)
	fetcher := fetch.NewFetcher(httpClient, fetch.RetryPolicyFromConfig(cfg), log)
	rateLimiter := fetch.NewRateLimiter(cfg.DelayPerHost, log)

	var robots *fetch.RobotsChecker
	if cfg.RespectRobots {
		robots = fetch.NewRobotsChecker(fetcher, rateLimiter, cfg.DefaultUserAgent, log)
	}

	discoverer := discover.New(fetcher, rateLimiter, robots, discover.Options{
		MarkerAttribute: cfg.MarkerAttribute,
		UserAgent:       cfg.DefaultUserAgent,
		Timeout:         cfg.DiscoveryTimeout,
		DelayPerHost:    cfg.DelayPerHost,
	}, log)
	downloader := fetch.NewDownloader(fetcher, rateLimiter, fetch.NewHostLimiter(cfg.MaxRequestsPerHost, log), fetch.DownloaderOptions{
		UserAgent:    cfg.DefaultUserAgent,
		DelayPerHost: cfg.DelayPerHost,
		Timeout:      cfg.DownloadTimeout,
		MaxBytes:     cfg.MaxImageSizeBytes,
	}, log)

	snapshots, sink, err := openTarget(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	progress, err := state.LoadProgress(ctx, snapshots, log)
	if err != nil {
		return nil, err
	}
	registry, err := state.LoadRegistry(ctx, snapshots, log)
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.OptionsFromConfig(cfg), pipeline.Deps{
		Discoverer: discoverer,
		Downloader: downloader,
		Classifier: classify.Classifier{Threshold: config.GetEffectiveBrightnessThreshold(cfg)},
		Progress:   progress,
		Registry:   registry,
		Sink:       sink,
		Journal:    journal,
	}, log)
}

// openTarget returns the snapshot store holding progress and registry, and the sink images go to
func openTarget(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry) (state.SnapshotStore, storage.Sink, error) {
	if !cfg.IsRemote() {
		sink, err := storage.NewLocalSink(cfg.ArchiveDir, cfg.Serve.CountFileName, log)
		if err != nil {
			return nil, nil, err
		}
		return state.NewFileSnapshotStore(cfg.StateDir), sink, nil
	}

	client, err := storage.NewMinioClient(ctx, cfg.Remote, log)
	if err != nil {
		return nil, nil, err
	}
	snapshots := state.NewObjectSnapshotStore(client, cfg.Remote.StatePrefix)
	manifest, err := state.LoadManifest(ctx, snapshots, cfg.Remote.ManifestName, log)
	if err != nil {
		return nil, nil, fmt.Errorf("load manifest: %w", err)
	}
	return snapshots, storage.NewRemoteSink(client, manifest, log), nil
}

// logAppConfig logs the effective configuration
func logAppConfig(cfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Target:%s, RunMode:%s, Catalog:%s, BatchSize:%d, CapPolicy:%s",
		cfg.Target, cfg.RunMode, cfg.CatalogFile, cfg.BatchSize, cfg.BatchCapPolicy)
	log.Infof("Config Paths: StateDir:%s, ArchiveDir:%s, ScratchDir:%s, JournalDir:%q",
		cfg.StateDir, cfg.ArchiveDir, cfg.ScratchDir, cfg.JournalDir)
	log.Infof("Config Fetch: Workers:%d, MaxReqPerHost:%d, Delay:%v, Robots:%t, MaxImageBytes:%d",
		cfg.DownloadWorkers, cfg.MaxRequestsPerHost, cfg.DelayPerHost, cfg.RespectRobots, cfg.MaxImageSizeBytes)
	log.Infof("Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		cfg.MaxRetries, cfg.InitialRetryDelay, cfg.MaxRetryDelay)
	if cfg.IsRemote() {
		log.Infof("Config Remote: Endpoint:%s, Bucket:%s, SSL:%t, StatePrefix:%s",
			cfg.Remote.Endpoint, cfg.Remote.Bucket, config.GetEffectiveUseSSL(cfg.Remote), cfg.Remote.StatePrefix)
	}
}
