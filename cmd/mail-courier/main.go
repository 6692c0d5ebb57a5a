package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/mail-courier/internal/app"
	"github.com/bissquit/mail-courier/internal/config"
	"github.com/bissquit/mail-courier/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mail-courier %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	summary, runErr := a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	if summary.Total > 0 && summary.Sent == 0 {
		return fmt.Errorf("no messages sent: %d failed, %d skipped", summary.Failed, summary.Skipped)
	}
	return nil
}
