package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"doseaccum/internal/ledger"
	"doseaccum/internal/preflight"
	"doseaccum/internal/stages"
)

const shortIDLength = 8

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which artifacts exist for every session of the cohort",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			driver, err := stages.New(cfg, stages.WithLogger(logger))
			if err != nil {
				return err
			}
			status, err := driver.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(status) == 0 {
				fmt.Fprintf(out, "No sessions under %s\n", cfg.Paths.CohortDir)
				return nil
			}
			rows := make([][]string, 0, len(status))
			for _, st := range status {
				session := st.Unit.Session
				warp, jacobian := yesNo(st.Warp), yesNo(st.Jacobian)
				if st.Unit.Planning {
					session += " (planning)"
					warp, jacobian = "-", "-"
				}
				rows = append(rows, []string{
					st.Unit.Patient,
					session,
					yesNo(st.Scan),
					yesNo(st.Dose),
					yesNo(st.Struct),
					warp,
					jacobian,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Patient", "Session", "Scan", "Dose", "Struct", "Warp", "Jacobian"},
				rows))
			return nil
		},
	}
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded stage runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(func(store *ledger.Store) error {
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					rows = append(rows, []string{
						shortID(run.ID),
						run.Stage,
						run.StartedAt.Local().Format("2006-01-02 15:04:05"),
						runDuration(run),
						strconv.Itoa(run.Total),
						strconv.Itoa(run.Succeeded),
						strconv.Itoa(run.Skipped),
						strconv.Itoa(run.Failed),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Stage", "Started", "Duration", "Units", "OK", "Skipped", "Failed"},
					rows, 3, 4, 5, 6, 7,
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list (0 for all)")
	cmd.AddCommand(newRunsShowCommand(ctx))
	return cmd
}

func newRunsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show per-unit outcomes of one run (ID prefix accepted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(func(store *ledger.Store) error {
				run, err := store.GetRun(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					if errors.Is(err, ledger.ErrRunNotFound) {
						return fmt.Errorf("no run matches %q", args[0])
					}
					return err
				}
				outcomes, err := store.Outcomes(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader(stageLabel(run.Stage)+" run "+shortID(run.ID), colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderStatusLine("Root", statusInfo, run.Root, colorize))
				fmt.Fprintln(out, renderStatusLine("Started", statusInfo, run.StartedAt.Local().Format(time.RFC3339), colorize))
				fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, runDuration(*run), colorize))
				if len(outcomes) == 0 {
					fmt.Fprintln(out, "No units recorded")
					return nil
				}
				rows := make([][]string, 0, len(outcomes))
				for _, o := range outcomes {
					rows = append(rows, []string{
						o.Patient,
						o.Session,
						o.Status,
						o.Duration.Round(time.Millisecond).String(),
						truncate(firstLine(o.Error), maxErrorWidth),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Patient", "Session", "Outcome", "Duration", "Error"},
					rows, 3,
				))
				return nil
			})
		},
	}
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check directories, the run lock and the ANTs toolchain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results := preflight.RunAll(cmd.Context(), ctx.configValue())
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("Preflight", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, r := range results {
				kind := statusOK
				if !r.Passed {
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
			}
			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d of %d checks failed", len(failed), len(results))
			}
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}
	return id
}

func runDuration(run ledger.Run) string {
	if !run.Finished() {
		return "unfinished"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}
