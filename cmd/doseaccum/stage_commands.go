package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"doseaccum/internal/batch"
	"doseaccum/internal/deps"
	"doseaccum/internal/preflight"
	"doseaccum/internal/stages"
)

// stageFunc matches the method expressions of stages.Driver, so
// (*stages.Driver).Register can be passed directly.
type stageFunc func(*stages.Driver, context.Context) (batch.Summary, []batch.Result, error)

func newStageCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newConvertCommand(ctx),
		newRegisterCommand(ctx),
		newTransformCommand(ctx),
		newJacobianCommand(ctx),
		newMetricsCommand(ctx),
		newMutualInfoCommand(ctx),
		newSumDosesCommand(ctx),
	}
}

func newConvertCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "convert",
		Short: "Convert DICOM sessions into scan, dose and struct volumes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			if err := requireDirectory(preflight.CheckDirectoryReadable("DICOM directory", cfg.Paths.DicomDir)); err != nil {
				return err
			}
			return runStage(cmd, ctx, (*stages.Driver).Convert)
		},
	}
}

func newRegisterCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register every fraction scan onto its planning scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			if err := requireTool("ANTs registration", cfg.ANTs.RegistrationBinary); err != nil {
				return err
			}
			return runCohortStage(cmd, ctx, (*stages.Driver).Register)
		},
	}
}

func newTransformCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "transform <moving> <fixed>",
		Short: "Warp a fraction image into planning space",
		Long: "Applies each fraction's registration to the named moving image. The fixed image\n" +
			"name is read from the planning session and defines the output grid.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			if err := requireTool("ANTs apply transforms", cfg.ANTs.ApplyTransformsBinary); err != nil {
				return err
			}
			moving, fixed := args[0], args[1]
			return runCohortStage(cmd, ctx, func(d *stages.Driver, c context.Context) (batch.Summary, []batch.Result, error) {
				return d.Transform(c, moving, fixed)
			})
		},
	}
}

func newJacobianCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "jacobian",
		Short: "Compute the Jacobian determinant of every warp field",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			if err := requireTool("ANTs Jacobian", cfg.ANTs.JacobianBinary); err != nil {
				return err
			}
			return runCohortStage(cmd, ctx, (*stages.Driver).Jacobian)
		},
	}
}

func newMetricsCommand(ctx *commandContext) *cobra.Command {
	var fixedStruct, transformedStruct, outputCSV string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Compute Dice, HD95, precision and recall for transformed structs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			csvPath, err := filepath.Abs(outputCSV)
			if err != nil {
				return err
			}
			return runCohortStage(cmd, ctx, func(d *stages.Driver, c context.Context) (batch.Summary, []batch.Result, error) {
				return d.Metrics(c, fixedStruct, transformedStruct, csvPath)
			})
		},
	}
	cmd.Flags().StringVar(&fixedStruct, "fixed-struct", "", "Planning struct file name")
	cmd.Flags().StringVar(&transformedStruct, "transformed-struct", "", "Transformed fraction struct file name")
	cmd.Flags().StringVar(&outputCSV, "output-csv", "", "Destination CSV")
	for _, name := range []string{"fixed-struct", "transformed-struct", "output-csv"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newMutualInfoCommand(ctx *commandContext) *cobra.Command {
	var fixedScan, transformedScan, outputCSV string

	cmd := &cobra.Command{
		Use:   "mutual-info",
		Short: "Compute mutual information between planning and transformed scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			csvPath, err := filepath.Abs(outputCSV)
			if err != nil {
				return err
			}
			return runCohortStage(cmd, ctx, func(d *stages.Driver, c context.Context) (batch.Summary, []batch.Result, error) {
				return d.MutualInfo(c, fixedScan, transformedScan, csvPath)
			})
		},
	}
	cmd.Flags().StringVar(&fixedScan, "fixed-scan", "", "Planning scan file name")
	cmd.Flags().StringVar(&transformedScan, "transformed-scan", "", "Transformed fraction scan file name")
	cmd.Flags().StringVar(&outputCSV, "output-csv", "", "Destination CSV")
	for _, name := range []string{"fixed-scan", "transformed-scan", "output-csv"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newSumDosesCommand(ctx *commandContext) *cobra.Command {
	var outputName string

	cmd := &cobra.Command{
		Use:   "sum-doses <plan-dose> <transformed-dose>",
		Short: "Sum the planning dose and every transformed fraction dose per patient",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			planDose, transformedDose := args[0], args[1]
			return runCohortStage(cmd, ctx, func(d *stages.Driver, c context.Context) (batch.Summary, []batch.Result, error) {
				return d.SumDoses(c, planDose, transformedDose, outputName)
			})
		},
	}
	cmd.Flags().StringVar(&outputName, "output-name", "summed_dose.nii.gz", "Summed dose file name in the planning session")
	return cmd
}

// runCohortStage checks the cohort root before running a stage that reads it.
func runCohortStage(cmd *cobra.Command, ctx *commandContext, fn stageFunc) error {
	cfg := ctx.configValue()
	if err := requireDirectory(preflight.CheckDirectoryAccess("Cohort directory", cfg.Paths.CohortDir)); err != nil {
		return err
	}
	return runStage(cmd, ctx, fn)
}

func runStage(cmd *cobra.Command, ctx *commandContext, fn stageFunc) error {
	return ctx.withDriver(func(d *stages.Driver) error {
		summary, _, err := fn(d, cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprint(out, renderSummary(summary, shouldColorize(out)))
		return summary.Err()
	})
}

func requireDirectory(result preflight.Result) error {
	if !result.Passed {
		return fmt.Errorf("%s: %s", strings.ToLower(result.Name), result.Detail)
	}
	return nil
}

func requireTool(name, command string) error {
	status := deps.CheckBinaries([]deps.Requirement{{Name: name, Command: command}})[0]
	if !status.Available {
		return fmt.Errorf("%s: %s (run `doseaccum check`)", name, status.Detail)
	}
	return nil
}
