package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/healer/internal/core/domain"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [pipeline]",
	Short: "Start an attempt of a pipeline now",
	Args:  cobra.ExactArgs(1),
	Run:   operate("trigger"),
}

var stopCmd = &cobra.Command{
	Use:   "stop [pipeline]",
	Short: "Pause the schedule of a pipeline and abort its running attempt",
	Args:  cobra.ExactArgs(1),
	Run:   operate("stop"),
}

var resumeCmd = &cobra.Command{
	Use:   "resume [pipeline]",
	Short: "Clear the escalation of a pipeline and return it to idle",
	Args:  cobra.ExactArgs(1),
	Run:   operate("resume"),
}

func init() {
	rootCmd.AddCommand(triggerCmd, stopCmd, resumeCmd)
}

func operate(action string) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		var st domain.PipelineStatus
		if err := call(context.Background(), "POST", "/pipelines/"+args[0]+"/"+action, &st); err != nil {
			slog.Error("Request failed", "action", action, "pipeline", args[0], "error", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %s (state %s)\n", st.PipelineID, action, st.State)
	}
}
