package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/podflow"
)

// signalContext is cancelled on SIGINT or SIGTERM. Cancelling a run stops
// it at the next stage boundary and records it as failed.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var toStage string
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Generate a podcast for a request",
		Long: `Run the podcast pipeline for a natural-language request.

With --to, only the named stage and the stages it depends on are run. The
run stays resumable and can be finished later with "podflow resume".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := ctx.openApp(runCtx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			request := strings.Join(args, " ")
			var record *podflow.RunRecord
			if toStage != "" {
				record, err = a.engine.RunTo(runCtx, request, toStage)
			} else {
				record, err = a.engine.Run(runCtx, request)
			}
			return ctx.reportRun(cmd, record, err)
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "Stop after this stage and its dependencies")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	var fromStage string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a halted or failed run",
		Long: `Resume a run from its persisted record.

Without --from, a halted run continues with its pending stages and a failed
run restarts at the stage that failed. With --from, the named stage and
everything downstream of it are cleared and run again; upstream outputs are
reused unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := ctx.openApp(runCtx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			record, err := a.engine.Resume(runCtx, args[0], fromStage)
			return ctx.reportRun(cmd, record, err)
		},
	}
	cmd.Flags().StringVar(&fromStage, "from", "", "Rerun from this stage")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the stages, errors, and artifacts of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := ctx.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			record, err := a.engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, record)
			}
			printRecord(cmd.OutOrStdout(), record)
			return nil
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := ctx.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			summaries, err := a.engine.List(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs")
				return nil
			}
			printSummaries(cmd.OutOrStdout(), summaries)
			return nil
		},
	}
}

func newStagesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Show the pipeline stages with the configured policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := ctx.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			stages := a.engine.Pipeline().Order()
			if ctx.jsonOutput {
				return writeJSON(cmd, stages)
			}
			printStages(cmd.OutOrStdout(), stages)
			return nil
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <run-id>",
		Short: "Show every attempt of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := ctx.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			entries, err := a.history.GetAttemptHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No attempts recorded")
				return nil
			}
			printAttempts(cmd.OutOrStdout(), entries)
			return nil
		},
	}
}

// reportRun prints the outcome of a run or resume. The run error is
// returned so that a failed run exits non-zero.
func (c *commandContext) reportRun(cmd *cobra.Command, record *podflow.RunRecord, runErr error) error {
	if record == nil {
		return runErr
	}
	if c.jsonOutput {
		if err := writeJSON(cmd, record); err != nil {
			return err
		}
		return runErr
	}
	printRecord(cmd.OutOrStdout(), record)
	return runErr
}
