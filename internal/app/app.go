package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/andyguoau/scamvax-api/internal/config"
	"github.com/andyguoau/scamvax-api/internal/logging"
)

// Run bootstraps the scamvax API and executes the command named in args.
func Run(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "scamvax",
		Short:         "Voice challenge share service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API and run the reconciliation scheduler",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := bootstrap(configFile)
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg, logger)
			},
		},
		&cobra.Command{
			Use:       "migrate [up|status]",
			Short:     "Apply or list database migrations",
			Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
			ValidArgs: []string{"up", "status"},
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := bootstrap(configFile)
				if err != nil {
					return err
				}
				command := "up"
				if len(args) > 0 {
					command = args[0]
				}
				return runMigrations(logging.WithLogger(cmd.Context(), logger), cfg, command, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one reconciliation sweep and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := bootstrap(configFile)
				if err != nil {
					return err
				}
				return sweepOnce(cmd, cfg, logger)
			},
		},
	)
	return root
}

func bootstrap(configFile string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := logging.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func sweepOnce(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) (err error) {
	ctx := logging.WithLogger(cmd.Context(), logger)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Destroyer.Timeout)
		defer cancel()
		if closeErr := rt.close(shutdownCtx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	report, err := rt.reconciler.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
