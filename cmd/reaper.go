package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/testbay/internal/adapters/out/ledger"
	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/logging"
	"github.com/bnema/testbay/internal/usecase/reaper"
)

var reaperFlags struct {
	listen         string
	grace          time.Duration
	connectTimeout time.Duration
	ledger         string
}

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Run the reaper agent",
	Long: `Run the reaper agent. Test processes connect, register label filters and
keep the connection open. Once the last client has been gone for the grace
period, every resource matching a registered filter is removed.`,
	Args: cobra.NoArgs,
	RunE: runReaper,
}

func init() {
	rootCmd.AddCommand(reaperCmd)
	reaperCmd.Flags().StringVar(&reaperFlags.listen, "listen", ":8080", "address to accept clients on")
	reaperCmd.Flags().DurationVar(&reaperFlags.grace, "grace", 10*time.Second, "delay between the last disconnect and the sweep")
	reaperCmd.Flags().DurationVar(&reaperFlags.connectTimeout, "connect-timeout", 60*time.Second, "how long to wait for the first client")
	reaperCmd.Flags().StringVar(&reaperFlags.ledger, "ledger", "", "bolt file persisting registered filters (default: reaper.ledger_path)")
}

func runReaper(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:  "cmd",
		logging.FieldAction: "reaper",
	})
	log := logging.FromCtx(ctx)

	grace := reaperFlags.grace
	if !cmd.Flags().Changed("grace") {
		grace = cfg.Reaper.GracePeriod
	}
	connectTimeout := reaperFlags.connectTimeout
	if !cmd.Flags().Changed("connect-timeout") {
		connectTimeout = cfg.Reaper.ConnectTimeout
	}
	ledgerPath := reaperFlags.ledger
	if ledgerPath == "" {
		ledgerPath = cfg.Reaper.LedgerPath
	}

	metrics, flush, err := setupTelemetry(ctx)
	if err != nil {
		return err
	}
	defer flush()

	engine, err := newEngine(cfg.Engine)
	if err != nil {
		return log.WrapErr(err, "failed to connect to engine")
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		return err
	}

	var store out.LedgerStore
	if ledgerPath != "" {
		bolt, err := ledger.NewBoltStore(ledgerPath)
		if err != nil {
			return log.WrapErr(err, "failed to open ledger")
		}
		defer bolt.Close()
		store = bolt
	}

	ln, err := net.Listen("tcp", reaperFlags.listen)
	if err != nil {
		return log.WrapErr(err, "failed to listen")
	}

	agent := reaper.NewAgent(engine, store, reaper.AgentOptions{
		GracePeriod:    grace,
		ConnectTimeout: connectTimeout,
		Sweep:          reaper.SweepOptions{Metrics: metrics},
	})
	log.Info().
		Str("listen", ln.Addr().String()).
		Dur("grace", grace).
		Dur("connect_timeout", connectTimeout).
		Str("ledger", ledgerPath).
		Msg("reaper agent started")

	report, err := agent.Serve(ctx, ln)
	if err != nil && ctx.Err() != nil {
		log.Info().Msg("reaper agent interrupted, registrations kept")
		return nil
	}
	printReport(cmd, report)
	return err
}

func printReport(cmd *cobra.Command, r reaper.Report) {
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d containers, %d networks, %d volumes, %d images\n",
		r.Containers, r.Networks, r.Volumes, r.Images)
}
