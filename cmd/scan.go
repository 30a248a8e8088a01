package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	var titleID int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Runs one release scan and prints the task record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if titleID < 0 {
				return fmt.Errorf("--title-id must be positive")
			}
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := instance.Prepare(cmd.Context()); err != nil {
				return err
			}
			run, err := instance.Scan(cmd.Context(), titleID)
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			return printYAML(cmd.OutOrStdout(), toTaskView(run))
		},
	}
	cmd.Flags().IntVar(&titleID, "title-id", 0, "scan a single profile instead of every enabled one")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var (
		season string
		year   int
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronizes the season's releasing titles into the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := instance.Prepare(cmd.Context()); err != nil {
				return err
			}
			run, err := instance.Sync(cmd.Context(), season, year)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			return printYAML(cmd.OutOrStdout(), toTaskView(run))
		},
	}
	cmd.Flags().StringVar(&season, "season", "", "season to sync (WINTER, SPRING, SUMMER, FALL)")
	cmd.Flags().IntVar(&year, "year", 0, "season year; defaults to the configured or current year")
	return cmd
}
