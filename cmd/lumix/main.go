// cmd/lumix/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lumix-ai/cil/internal/config"
	"github.com/lumix-ai/cil/internal/monitoring"
	"github.com/lumix-ai/cil/internal/storage"
	"github.com/lumix-ai/cil/internal/stream"
)

var (
	configFile  string
	gpu         int
	dataset     string
	taskNum     int
	verbose     bool
	metricsAddr string

	rootCmd = &cobra.Command{
		Use:   "lumix",
		Short: "Class-incremental training with a teacher retrained every task",
		Long: `lumix trains a student network over a stream of class-incremental tasks,
distilling from a teacher that is retrained on every task, and reports
per-task accuracy, forgetting and the accuracy matrix.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "configs/der_t.yaml", "Configuration file path")
	rootCmd.Flags().IntVar(&gpu, "gpu_", 0, "Device id overriding the configured device list")
	rootCmd.Flags().StringVar(&dataset, "dataset_", "", "Dataset overriding the configured one")
	rootCmd.Flags().IntVar(&taskNum, "task_num_", 0, "Split total_classes into this many equal tasks")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
}

func main() {
	setupLogger()
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Run failed")
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	log.Logger = log.Output(output)
}

func run(cmd *cobra.Command, _ []string) error {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	overrides := config.Overrides{Dataset: dataset, TaskNum: taskNum}
	if cmd.Flags().Changed("gpu_") {
		overrides.GPU = &gpu
	}
	if cfg, err = cfg.Apply(overrides); err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	log.Info().
		Str("run", cfg.RunName()).
		Str("model", cfg.ModelName).
		Int("init_cls", cfg.InitCls).
		Int("increment", cfg.Increment).
		Strs("device", cfg.Device).
		Msg("Starting lumix")

	sink, err := setupSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close artifact sinks")
		}
	}()

	var ckpt *storage.CheckpointStore
	if cfg.CheckpointDir != "" {
		if ckpt, err = storage.NewCheckpointStore(cfg.CheckpointDir); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	monitor := monitoring.NewMonitor(reg)
	go monitor.SampleRuntime(ctx, 10*time.Second)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := monitoring.Serve(ctx, cfg.Metrics.Addr, reg, log.Logger); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	res, err := stream.Run(ctx, cfg, stream.Deps{
		Sink:        sink,
		Monitor:     monitor,
		Checkpoints: ckpt,
		Out:         os.Stdout,
		Logger:      log.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", cfg.RunName(), err)
	}
	log.Info().Msgf("Average accuracy of last seed: %.2f", res.AverageAccuracy())
	return nil
}

func setupSinks(ctx context.Context, cfg *config.Config) (storage.Sink, error) {
	sinks := storage.MultiSink{storage.NewLogSink(log.Logger)}
	if cfg.Artifacts.SQLitePath != "" {
		db, err := storage.NewSQLiteSink(ctx, cfg.Artifacts.SQLitePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, db)
	}
	return sinks, nil
}

func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()

		time.Sleep(5 * time.Second)
		log.Error().Msg("Force shutdown after timeout")
		os.Exit(1)
	}()
}
