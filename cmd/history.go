package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

type taskView struct {
	TaskID      string         `yaml:"task_id"`
	TaskType    string         `yaml:"task_type"`
	Trigger     string         `yaml:"trigger"`
	Status      string         `yaml:"status"`
	StartedAt   string         `yaml:"started_at"`
	CompletedAt string         `yaml:"completed_at,omitempty"`
	Duration    string         `yaml:"duration,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`
	Result      map[string]any `yaml:"result,omitempty"`
	Error       string         `yaml:"error,omitempty"`
	Processed   int            `yaml:"processed"`
	Succeeded   int            `yaml:"succeeded"`
	Failed      int            `yaml:"failed"`
}

func toTaskView(run harvest.TaskRun) taskView {
	view := taskView{
		TaskID:     run.TaskID,
		TaskType:   run.TaskType,
		Trigger:    string(run.Trigger),
		Status:     string(run.Status),
		StartedAt:  run.StartedAt.UTC().Format(time.RFC3339),
		Parameters: run.Parameters,
		Result:     run.Result,
		Error:      run.Error,
		Processed:  run.Counters.Processed,
		Succeeded:  run.Counters.Succeeded,
		Failed:     run.Counters.Failed,
	}
	if run.CompletedAt != nil {
		view.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
		view.Duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
	}
	return view
}

type statsView struct {
	Count          int `yaml:"count"`
	TotalProcessed int `yaml:"total_processed"`
	TotalSucceeded int `yaml:"total_succeeded"`
	TotalFailed    int `yaml:"total_failed"`
}

func newHistoryCmd() *cobra.Command {
	var (
		taskType string
		status   string
		titleID  int
		since    string
		limit    int
		stats    bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Prints recent task runs or per-status statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sinceTime *time.Time
			if since != "" {
				parsed, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must be RFC3339: %w", err)
				}
				sinceTime = &parsed
			}
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := instance.Prepare(cmd.Context()); err != nil {
				return err
			}
			repo := instance.Repositories().Tasks

			if stats {
				byStatus, err := repo.GetStatistics(cmd.Context(), sinceTime)
				if err != nil {
					return fmt.Errorf("task statistics: %w", err)
				}
				out := make(map[string]statsView, len(byStatus))
				for s, v := range byStatus {
					out[string(s)] = statsView(v)
				}
				return printYAML(cmd.OutOrStdout(), out)
			}

			filter := harvest.TaskFilter{
				TaskType: taskType,
				Status:   harvest.TaskStatus(strings.ToLower(status)),
				Since:    sinceTime,
				Limit:    limit,
			}
			if status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown --status %q", status)
			}
			if titleID > 0 {
				filter.TitleID = &titleID
			}
			runs, err := repo.ListRecent(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			views := make([]taskView, 0, len(runs))
			for _, run := range runs {
				views = append(views, toTaskView(run))
			}
			return printYAML(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "filter by task type (scan_nyaa, sync_anilist)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, completed, failed)")
	cmd.Flags().IntVar(&titleID, "title-id", 0, "filter by title parameter")
	cmd.Flags().StringVar(&since, "since", "", "only runs started at or after this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", harvest.DefaultTaskLimit, "maximum runs to print")
	cmd.Flags().BoolVar(&stats, "stats", false, "print per-status statistics instead of runs")
	return cmd
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}
