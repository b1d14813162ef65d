package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/broker"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - message-passing broker with pluggable service modules",
	Long: `Burrow is a distributed resource-manager runtime built around a
message-passing broker. Service modules are loaded into the broker
process, each on its own worker thread with a private message
endpoint bridged to the broker's reactor.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a broker node",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("config", "", "Path to broker configuration file")
	startCmd.Flags().String("metrics-addr", "", "Address to serve prometheus metrics on (disabled if empty)")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	b := broker.New(cfg)
	logger := log.WithComponent("main")

	// Metrics are fed from the lifecycle event bus
	metrics.Register(nil)
	collector := metrics.NewCollector(b.Bus())
	collector.Start()
	defer collector.Stop()

	if metricsAddr != "" {
		go func() {
			logger.Info().Str("addr", metricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(metricsAddr, metrics.Handler()); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	// Log lifecycle events as they happen
	sub := b.Bus().Subscribe()
	go func() {
		for event := range sub {
			logger.Info().Str("type", string(event.Type)).Msg(event.Message)
		}
	}()

	// Load configured modules once the reactor is dispatching
	if err := b.Submit(func() {
		for _, mc := range cfg.Modules {
			if _, err := b.LoadModule(mc.Name, mc.Path, mc.Args); err != nil {
				logger.Error().Err(err).Str("path", mc.Path).Msg("failed to load module")
			}
		}
	}); err != nil {
		return err
	}

	// Shut down on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		if err := b.Submit(b.Shutdown); err != nil {
			logger.Error().Err(err).Msg("failed to submit shutdown")
		}
	}()

	logger.Info().Int("rank", b.Rank()).Str("uuid", b.UUID()).Msg("broker started")
	b.Run()
	logger.Info().Msg("broker stopped")
	return nil
}
