// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/lifecycle"
	"github.com/spf13/cobra"
)

// runView is what `run show` prints.
type runView struct {
	RunState         *domain.RunState        `json:"runState"`
	Metadata         *domain.Metadata        `json:"metadata"`
	ApplicationState domain.ApplicationState `json:"applicationState"`
	Progress         lifecycle.Progress      `json:"progress"`
}

func newRunCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create, inspect and advance workflow runs",
	}
	cmd.AddCommand(
		newRunInitCmd(opts),
		newRunShowCmd(opts),
		newRunStepCmd(opts),
		newRunCompleteCmd(opts),
	)
	return cmd
}

func newRunInitCmd(opts *options) *cobra.Command {
	var (
		runType    string
		totalSteps int
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a NEW run owned by --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.RunType(strings.ToUpper(strings.TrimSpace(runType)))
			if !kind.Valid() {
				return fmt.Errorf("%w: %q", domain.ErrUnknownRunType, runType)
			}

			ctl := opts.controller()
			runID, err := ctl.InitializeRun(opts.context(cmd.Context()), kind, opts.user, totalSteps)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"runId": runID})
		},
	}

	cmd.Flags().StringVar(&runType, "type", string(domain.RunTemplateBuilder), "run type (MERGER_CONTROL, SAAS_AGREEMENT, TEMPLATE_BUILDER)")
	cmd.Flags().IntVar(&totalSteps, "steps", 0, "total number of steps in the workflow")
	return cmd
}

func newRunShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a run with its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := loadRun(cmd, opts, args[0])
			if err != nil {
				return err
			}
			return printRun(cmd, ctl)
		},
	}
}

func newRunStepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "step <run-id> <step-id>",
		Short: "Mark a step completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := loadRun(cmd, opts, args[0])
			if err != nil {
				return err
			}
			if err := ctl.CompleteStep(opts.context(cmd.Context()), args[1]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ctl.Progress())
		},
	}
}

func newRunCompleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <run-id>",
		Short: "Mark a run COMPLETE, keeping its current application state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := loadRun(cmd, opts, args[0])
			if err != nil {
				return err
			}
			if err := ctl.CompleteRun(opts.context(cmd.Context()), ctl.Snapshot().ApplicationState); err != nil {
				return err
			}
			return printRun(cmd, ctl)
		},
	}
}

func loadRun(cmd *cobra.Command, opts *options, runID string) (*lifecycle.Controller, error) {
	ctl := opts.controller()
	if err := ctl.LoadRun(opts.context(cmd.Context()), runID); err != nil {
		if errors.Is(err, lifecycle.ErrRunNotFound) {
			return nil, fmt.Errorf("run %s does not exist", runID)
		}
		return nil, err
	}
	return ctl, nil
}

func printRun(cmd *cobra.Command, ctl *lifecycle.Controller) error {
	snap := ctl.Snapshot()
	return printJSON(cmd.OutOrStdout(), runView{
		RunState:         snap.Run,
		Metadata:         snap.Metadata,
		ApplicationState: snap.ApplicationState,
		Progress:         ctl.Progress(),
	})
}
