package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"meeting-pipeline-go/internal/dataset"
	"meeting-pipeline-go/internal/processor"
	"meeting-pipeline-go/internal/types"
)

var (
	processTitle string
	retrySpeaker int
	importRun    bool
)

var processCmd = &cobra.Command{
	Use:   "process <audio> [speaker2-audio]",
	Short: "Import a recording and run it through the pipeline",
	Long:  `Import one mixed recording, or two files as a separated dual-track recording (local speaker first), then run the pipeline to completion.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := types.ModeMixed
		if len(args) == 2 {
			mode = types.ModeSeparated
		}
		task, err := svc.Import(processTitle, mode, args...)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", task.ID)
		return runJob(cmd, processor.Job{TaskID: task.ID, Action: processor.ActionStart})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := svc.List()
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
			return nil
		}
		return printTasks(cmd.OutOrStdout(), tasks)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := svc.Get(args[0])
		if err != nil {
			return err
		}
		printTask(cmd.OutOrStdout(), task)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Resume a task from its failed step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, processor.Job{TaskID: args[0], Action: processor.ActionRetry, Speaker: types.Speaker(retrySpeaker)})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <task-id>",
	Short: "Discard pipeline results and run from the beginning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, processor.Job{TaskID: args[0], Action: processor.ActionRestart})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <task-id>",
	Short: "Poll the remote task again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, processor.Job{TaskID: args[0], Action: processor.ActionCheck})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <manifest.xlsx>",
	Short: "Import recordings listed in a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := dataset.LoadManifest(args[0], nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		failed := 0
		for _, e := range entries {
			task, err := svc.Import(e.Title, e.Mode, e.Paths...)
			if err != nil {
				failed++
				fmt.Fprintf(out, "row %d: %v\n", e.Row, err)
				continue
			}
			fmt.Fprintf(out, "row %d: imported %s (%s)\n", e.Row, task.ID, task.Mode)
			if importRun {
				if err := runJob(cmd, processor.Job{TaskID: task.ID}); err != nil {
					fmt.Fprintf(out, "row %d: %v\n", e.Row, err)
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d rows failed to import", failed, len(entries))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <out.xlsx>",
	Short: "Write all tasks and a summary to a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := svc.List()
		if err != nil {
			return err
		}
		if err := dataset.ExportFile(args[0], tasks); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d tasks to %s\n", len(tasks), args[0])
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processTitle, "title", "", "Meeting title")
	retryCmd.Flags().IntVar(&retrySpeaker, "speaker", 0, "Speaker track to retry (1 or 2); 0 retries every failed track")
	importCmd.Flags().BoolVar(&importRun, "run", false, "Run each imported task")
}

// runJob runs a job in the foreground. Ctrl-C interrupts the current stage
// and leaves the task resumable.
func runJob(cmd *cobra.Command, job processor.Job) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := svc.Run(ctx, job)
	task, err := svc.Get(job.TaskID)
	if err != nil {
		return err
	}
	printTask(cmd.OutOrStdout(), task)
	if runErr != nil && ctx.Err() != nil {
		return fmt.Errorf("interrupted at %s; run retry to resume", task.Status)
	}
	return runErr
}

func printTasks(w io.Writer, tasks []types.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMODE\tSTATUS\tFAILED AT\tUPDATED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Title, t.Mode, t.Status, t.FailedStep, formatAge(t.UpdatedAt))
	}
	return tw.Flush()
}

func printTask(w io.Writer, t types.Task) {
	fmt.Fprintf(w, "%s  %s  [%s] %s\n", t.ID, t.Title, t.Mode, t.Status)
	if t.Mode == types.ModeSeparated {
		fmt.Fprintf(w, "  speaker1: %s %s\n", t.Speaker1.Status, t.Speaker1.FailedStep)
		fmt.Fprintf(w, "  speaker2: %s %s\n", t.Speaker2.Status, t.Speaker2.FailedStep)
	}
	if t.LastError != "" {
		fmt.Fprintf(w, "  error: %s\n", t.LastError)
	}
	if t.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", t.Summary)
	}
	if t.Transcript != "" {
		fmt.Fprintf(w, "\n%s\n", t.Transcript)
	}
}

// formatAge returns a human-readable relative time string.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}
