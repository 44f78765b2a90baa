package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petrijr/evalflow"
	"github.com/petrijr/evalflow/internal/config"
	"github.com/petrijr/evalflow/pkg/api"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "evalflow",
		Short:         "Operate the evalflow evaluation tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.NewLogger(cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default: ./evalflow.yaml or ./config/evalflow.yaml)")

	root.AddCommand(
		newMigrateCmd(a),
		newStatsCmd(a),
		newHistoryCmd(a),
		newReapCmd(a),
		newPurgeCmd(a),
		newMetricsCmd(a),
	)
	return root
}

var errNoServices = errors.New("external services are not available in the operations CLI")

// maintenanceServices satisfy the orchestrator without running any task.
// Maintenance commands only settle or inspect existing tasks.
func maintenanceServices() evalflow.Services {
	return evalflow.Services{
		QualityCheck: api.QualityCheckFunc(func(ctx context.Context, id string) (api.QualityReport, error) {
			return api.QualityReport{}, errNoServices
		}),
		Evaluation: api.EvaluationFunc(func(ctx context.Context, id string) (api.EvaluationReport, error) {
			return api.EvaluationReport{}, errNoServices
		}),
	}
}

func (a *app) openBackends(ctx context.Context) (*evalflow.Backends, error) {
	return evalflow.OpenBackends(ctx, a.cfg, a.logger)
}

func (a *app) openRuntime(ctx context.Context) (*evalflow.Runtime, error) {
	return evalflow.Open(ctx, a.cfg, maintenanceServices(),
		evalflow.WithLogger(a.logger),
		evalflow.WithOwner("evalflow-cli"),
	)
}
