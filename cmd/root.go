package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/testbay/internal/adapters/out/docker"
	"github.com/bnema/testbay/internal/adapters/out/telemetry"
	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/config"
	"github.com/bnema/testbay/internal/logging"
	"github.com/bnema/testbay/pkg/version"
)

var (
	cfgFile string
	cfg     *config.Config
)

// newEngine connects to the container engine. Tests replace it.
var newEngine = func(c config.EngineConfig) (out.Engine, error) {
	return docker.NewEngine(docker.Options{Host: c.Host, APIVersion: c.APIVersion})
}

var rootCmd = &cobra.Command{
	Use:   "testbay",
	Short: "testbay - disposable containers for integration tests",
	Long: `testbay starts throwaway containers, networks and volumes for tests and
makes sure they are removed when the test process goes away.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logger := logging.SetupWithWriter(cfg.Log, cmd.ErrOrStderr())
		cmd.SetContext(logging.WithCtx(cmd.Context(), logger))
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./testbay.yaml)")
}

// setupTelemetry starts OTLP export when configured and returns the metrics
// sink plus a flush function to defer.
func setupTelemetry(ctx context.Context) (out.Metrics, func(), error) {
	_, shutdown, err := telemetry.NewProvider(ctx, cfg.Telemetry, "testbay", version.Version())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	flush := func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log := logging.FromCtx(ctx)
			log.Warn().Err(err).Msg("telemetry flush failed")
		}
	}

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		flush()
		return nil, nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return metrics, flush, nil
}
