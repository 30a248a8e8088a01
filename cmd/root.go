// Package cmd defines the harvester's CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/app"
	"github.com/JakeFAU/release-harvester/internal/config"
	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/logging"
)

type appKeyType string

const appKey appKeyType = "app"

// Harvester is the application surface the commands use.
type Harvester interface {
	Serve(ctx context.Context) error
	Prepare(ctx context.Context) error
	Scan(ctx context.Context, titleID int) (harvest.TaskRun, error)
	Sync(ctx context.Context, season string, year int) (harvest.TaskRun, error)
	Repositories() harvest.Repositories
	Close()
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Harvester, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Tracks seasonal titles and acquires their episode releases.",
		Long: `harvester syncs the current season from the catalog, searches the
release tracker for every enabled profile, downloads new releases into the
profile's directory and optionally hands them to a qBittorrent client.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := cfgFile
			if path == "" {
				found, err := config.Discover()
				if err != nil {
					return err
				}
				path = found
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			if path != "" {
				logger.Info("using config file", zap.String("path", path))
			}

			instance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, instance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if instance, ok := cmd.Context().Value(appKey).(Harvester); ok && instance != nil {
				instance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./harvester.yaml)")

	cmd.AddCommand(newServeCmd(), newScanCmd(), newSyncCmd(), newHistoryCmd())
	return cmd
}

func resolveApp(ctx context.Context) (Harvester, error) {
	instance, ok := ctx.Value(appKey).(Harvester)
	if !ok || instance == nil {
		return nil, errors.New("application not initialized")
	}
	return instance, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
