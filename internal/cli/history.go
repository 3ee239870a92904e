package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vietddude/healer/internal/core/config"
	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/infra/storage/postgres"
)

var (
	historyLimit int
	historySince time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history <pipeline>",
	Short: "Show recent runs and failure statistics of a pipeline",
	Args:  cobra.ExactArgs(1),
	Run:   runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	historyCmd.Flags().DurationVar(&historySince, "since", 24*time.Hour, "window of the failure statistics")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	pipelineID := args[0]
	cfg := loadConfig()
	if cfg.Storage.Backend != config.BackendPostgres {
		fmt.Fprintln(os.Stderr, "history needs the postgres backend, the memory backend lives in the server process")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	repo := postgres.NewRunRepo(db)
	runs, err := repo.ListRuns(ctx, pipelineID, historyLimit)
	if err != nil {
		slog.Error("Failed to list runs", "error", err)
		os.Exit(1)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Run", "Attempt", "Started", "Duration", "Outcome", "Category", "Message"})
	for _, r := range runs {
		duration := "-"
		if !r.EndedAt.IsZero() {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		category, message := "-", ""
		if r.Failure != nil {
			category, message = string(r.Failure.Category), r.Failure.Message
		}
		tw.AppendRow(table.Row{r.ID, r.Attempt, r.StartedAt.Format(time.RFC3339), duration, r.Outcome, category, message})
	}
	tw.Render()

	stats, err := repo.FailureStats(ctx, pipelineID, time.Now().Add(-historySince))
	if err != nil {
		slog.Error("Failed to load failure stats", "error", err)
		os.Exit(1)
	}
	fmt.Printf("\nLast %s: %d runs, %d failures\n", historySince, stats.TotalRuns, stats.TotalFailures)
	if len(stats.ByCategory) == 0 {
		return
	}
	categories := make([]string, 0, len(stats.ByCategory))
	for cat := range stats.ByCategory {
		categories = append(categories, string(cat))
	}
	sort.Strings(categories)

	st := table.NewWriter()
	st.SetOutputMirror(os.Stdout)
	st.AppendHeader(table.Row{"Category", "Failures"})
	for _, cat := range categories {
		st.AppendRow(table.Row{cat, stats.ByCategory[domain.FailureCategory(cat)]})
	}
	st.Render()
}
