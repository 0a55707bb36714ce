package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/odvcencio/bigtest/pkg/logging"
	"github.com/odvcencio/bigtest/pkg/orchestrator"
)

func runServerCommand(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (default: ~/.bigtest and ./.bigtest)")
	addr := fs.String("addr", "", "address to listen on (overrides config)")
	manifestPath := fs.String("manifest", "", "manifest file to serve (overrides config)")
	noWatch := fs.Bool("no-watch", false, "do not reload the manifest when it changes")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *manifestPath != "" {
		cfg.Manifest.Path = *manifestPath
	}
	if *noWatch {
		cfg.Manifest.Watch = false
	}
	if err := cfg.Validate(); err != nil {
		return withExitCode(err, exitUsage)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: logging.Format(cfg.Logging.Format),
		Output: os.Stderr,
	})
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	for _, warning := range cfg.ValidationWarnings() {
		logger.Warn("configuration warning", "warning", warning)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	o, err := orchestrator.New(ctx, orchestrator.Options{
		Config:      cfg,
		Logger:      logger,
		TraceOutput: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer o.Close()

	return o.ListenAndServe()
}
