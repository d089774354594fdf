package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/config"
	applog "github.com/Sriram-PR/gallery-archiver/pkg/log"
	"github.com/Sriram-PR/gallery-archiver/pkg/serve"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	Config   string `short:"c" long:"config" default:"config.yaml" description:"Path to YAML config file (a missing file means defaults)"`
	Listen   string `long:"listen" description:"Listen address; defaults to serve.listen (:8080)"`
	LogLevel string `long:"log-level" description:"Log level (debug, info, warn, error)"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "picserver"
	parser.LongDescription = "Serve a random archived image per orientation, plus the archive itself."
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	srv, logger, err := newHTTPServer(opts, os.Stderr, os.LookupEnv)
	if err != nil {
		logger.Errorf("Configuration error: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Serving random images on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Server failed: %v", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Warn("Received signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Graceful shutdown failed: %v", err)
			os.Exit(1)
		}
	}
	logger.Info("Server stopped.")
}

// newHTTPServer loads the configuration and builds the http.Server. The logger is always usable.
func newHTTPServer(opts options, out io.Writer, lookupEnv func(string) (string, bool)) (*http.Server, *logrus.Logger, error) {
	logger := applog.NewWithOutput(opts.LogLevel, "", out)

	cfg, err := config.Load(opts.Config, true)
	if err != nil {
		return nil, logger, err
	}
	for _, w := range cfg.ApplyEnv(lookupEnv) {
		logger.Warn(w)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, logger, err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}
	level := cfg.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	applog.Reconfigure(logger, level, cfg.LogFormat)
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	addr := cfg.Serve.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	server := serve.NewServer(cfg.Serve, cfg.ArchiveDir, logrus.NewEntry(logger))
	return &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}, logger, nil
}
