package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
	"github.com/bnema/testbay/internal/usecase/reaper"
)

var pruneFlags struct {
	sessions []string
	all      bool
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove resources left behind by test sessions",
	Long: `Remove every container, network, volume and image labeled with one of the
given sessions, in that order, without going through a reaper agent. With
--all every resource managed by testbay is removed.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().StringSliceVar(&pruneFlags.sessions, "session", nil, "session id to prune (repeatable)")
	pruneCmd.Flags().BoolVar(&pruneFlags.all, "all", false, "prune every managed resource")
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := logging.CtxWithFields(cmd.Context(), map[string]any{
		logging.FieldLayer:  "cmd",
		logging.FieldAction: "prune",
	})
	log := logging.FromCtx(ctx)

	var filters []domain.Filters
	switch {
	case pruneFlags.all:
		filters = append(filters, domain.LabelFilter(domain.LabelManaged, "true"))
	case len(pruneFlags.sessions) > 0:
		for _, id := range pruneFlags.sessions {
			filters = append(filters, domain.LabelFilter(domain.LabelSessionID, id))
		}
	default:
		return errors.New("either --session or --all is required")
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

	report, err := reaper.Sweep(ctx, engine, filters, reaper.SweepOptions{Metrics: metrics})
	printReport(cmd, report)
	if err != nil {
		return log.WrapErr(err, "prune incomplete")
	}
	log.Debug().Int("removed", report.Total()).Msg("prune finished")
	return nil
}
