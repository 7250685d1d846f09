// Command duesoon runs one due-soon notification sweep and exits. It is
// meant to be invoked by an external scheduler such as cron.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"libralend/internal/bootstrap"
	"libralend/internal/config"
	"libralend/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	days := flag.Int("days", -1, "look-ahead in days (default: configured due_soon_days)")
	timeout := flag.Duration("timeout", 5*time.Minute, "sweep deadline")
	flag.Parse()

	if err := run(*configPath, *days, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "duesoon: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, days int, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == config.DriverMemory {
		return errors.New("a sweep against the memory store has nothing to notify")
	}
	if days < 0 {
		days = cfg.Loan.DueSoonDays
	}
	logger := bootstrap.NewLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.WithoutCancel(ctx))

	backend, err := bootstrap.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc, dispatcher := bootstrap.NewService(cfg, backend, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := dispatcher.Close(ctx); err != nil {
			logger.Warn("notification queue not drained", "error", err)
		}
	}()
	start := time.Now()
	n, err := svc.NotifyDueSoon(ctx, days)
	if err != nil {
		return err
	}
	logger.Info("due-soon sweep finished", "days", days, "notified", n, "duration", time.Since(start))
	return nil
}
