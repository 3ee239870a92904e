package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/healer/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status [pipeline]",
	Short: "Show the current status of the supervised pipelines",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	var statuses []domain.PipelineStatus
	if len(args) == 1 {
		var st domain.PipelineStatus
		if err := call(ctx, "GET", "/pipelines/"+args[0], &st); err != nil {
			slog.Error("Failed to get status", "pipeline", args[0], "error", err)
			os.Exit(1)
		}
		statuses = append(statuses, st)
	} else if err := call(ctx, "GET", "/pipelines", &statuses); err != nil {
		slog.Error("Failed to list pipelines", "error", err)
		os.Exit(1)
	}

	printStatuses(statuses)
}

func printStatuses(statuses []domain.PipelineStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PIPELINE\tSTATE\tATTEMPT\tSCHEMA\tLAST FAILURE\tNEXT RETRY\tQUALITY\tREASON")

	for _, st := range statuses {
		next := "-"
		if !st.NextRetryAt.IsZero() {
			next = st.NextRetryAt.Format(time.RFC3339)
		}
		score := "-"
		if st.LastVerdict != nil && st.LastVerdict.Total > 0 {
			score = fmt.Sprintf("%.1f (%d/%d)", st.LastVerdict.Score, st.LastVerdict.Quarantined, st.LastVerdict.Total)
		}
		category := string(st.LastFailureCategory)
		if category == "" {
			category = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\tv%d\t%s\t%s\t%s\t%s\n",
			st.PipelineID, st.State, st.Attempt, st.SchemaVersion, category, next, score, st.EscalationReason)
	}
	_ = w.Flush()
}
