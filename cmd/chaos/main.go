// Command chaos runs the consistency experiments against the configured
// store and exits non-zero when a hypothesis does not hold.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"libralend/internal/bootstrap"
	"libralend/internal/chaos"
	"libralend/internal/config"
	"libralend/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	pause := flag.Duration("pause", 0, "wait between experiments")
	report := flag.String("report", "", "write the JSON results to this file")
	flag.Parse()

	if err := run(*configPath, *pause, *report); err != nil {
		fmt.Fprintf(os.Stderr, "chaos: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, pause time.Duration, reportPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := bootstrap.NewLogger(cfg)
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	defer shutdownTracing(ctx)

	backend, err := bootstrap.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc, dispatcher := bootstrap.NewService(cfg, backend, logger)
	defer dispatcher.Close(ctx)
	engine := chaos.NewEngine(chaos.WithLogger(logger))
	engine.RegisterDefaults(svc, backend.Store)

	results, runErr := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "lending consistency",
		Scenarios: engine.Experiments(),
		Pause:     pause,
	})

	if reportPath != "" {
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(reportPath, data, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return runErr
}
