package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"student_insights/config"
	"student_insights/internal/app"
	"student_insights/internal/logger"
	"student_insights/internal/pipeline"
	"student_insights/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "insights",
	Short:         "insights - student performance insight pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with the configured schedule and input watcher",
	RunE:  runServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch over the input file and print the result",
	RunE:  runBatch,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs from the audit store",
	RunE:  runList,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill-memory",
	Short: "Rebuild missing student memory from the newest audited insights",
	RunE:  runBackfill,
}

var (
	inputFlag     string
	jsonFlag      bool
	workerFlag    int
	runsLimit     int
	backfillLimit int
)

func init() {
	runCmd.Flags().StringVarP(&inputFlag, "input", "i", "", "Input file (overrides INPUT_PATH)")
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the run summary as JSON")
	runCmd.Flags().IntVarP(&workerFlag, "workers", "w", 0, "Worker count (overrides WORKER_COUNT)")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to list")
	backfillCmd.Flags().IntVarP(&backfillLimit, "limit", "n", 0, "Maximum students to restore (0 = all)")
	rootCmd.AddCommand(serveCmd, runCmd, runsCmd, backfillCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*app.App, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if inputFlag != "" {
		cfg.InputPath = inputFlag
	}
	if workerFlag > 0 {
		cfg.WorkerCount = workerFlag
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, err
	}
	return a, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	a, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer a.Close()
	return a.Serve(ctx)
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	a, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer a.Close()

	summary, err := a.RunOnce(ctx)
	if err != nil {
		return err
	}
	if jsonFlag {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		printSummary(cmd.OutOrStdout(), summary)
	}
	switch summary.Status {
	case store.RunFailed, store.RunFailedInput:
		return fmt.Errorf("run %s finished with status %s", summary.RunID, summary.Status)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	a, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer a.Close()

	runs, err := a.Audit().ListRuns(ctx, runsLimit)
	if err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), runs)
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	a, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer a.Close()

	summary, err := a.Backfill(ctx, backfillLimit)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "backfill: %d candidates, %d already present, %d restored, %d failed\n",
		summary.TotalCandidates, summary.AlreadyPresent, summary.Restored, summary.Failed)
	return nil
}

func printSummary(w io.Writer, s pipeline.RunSummary) {
	fmt.Fprintf(w, "Run %s: %s\n", s.RunID, s.Status)
	fmt.Fprintf(w, "Records: %d received, %d valid, %d succeeded, %d failed, %d aborted, %d fallback\n",
		s.Total, s.Valid, s.Succeeded, s.Failed, s.Aborted, s.Fallbacks)
	if s.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", s.Error)
	}
	for _, msg := range s.ValidationErrors {
		fmt.Fprintf(w, "  rejected: %s\n", msg)
	}
	for _, item := range s.Items {
		fmt.Fprintln(w)
		if item.Rendered != "" {
			fmt.Fprintln(w, item.Rendered)
			continue
		}
		fmt.Fprintf(w, "Student: %s (%s) %s: %s\n", item.Name, item.ItemID, item.Status, item.Error)
	}
	if s.Group != nil {
		fmt.Fprintln(w)
		if s.Group.Rendered != "" {
			fmt.Fprintln(w, s.Group.Rendered)
		} else {
			fmt.Fprintf(w, "Group %s: %s\n", s.Group.Status, s.Group.Error)
		}
	}
}

func printRuns(w io.Writer, runs []store.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tTOTAL\tVALID")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", r.RunID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), r.TotalCount, r.ValidCount)
	}
	tw.Flush()
}
