// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/adiadia/workflow-core/internal/conversion"
	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/lifecycle"
	"github.com/adiadia/workflow-core/internal/logging"
	"github.com/adiadia/workflow-core/internal/pipeline"
	"github.com/adiadia/workflow-core/internal/stage"
	"github.com/spf13/cobra"
)

func newTemplatesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the template registry for --env with readiness flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			templates, err := opts.conversionClient().Templates(opts.context(cmd.Context()))
			if err != nil {
				return err
			}
			return printTemplates(cmd.OutOrStdout(), templates)
		},
	}
}

func printTemplates(w io.Writer, templates []domain.TemplateDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFOUNDATION\tSOURCE\tCONVERTED")
	for _, t := range templates {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\n", t.ID, t.Name, t.Foundation, t.SourceFileExists, t.FileExists)
	}
	return tw.Flush()
}

func newConvertCmd(opts *options) *cobra.Command {
	var (
		runID     string
		format    string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "convert <template-id>",
		Short: "Select a template in a template builder run and convert it when required",
		Long: "Selects the template in a new (or the --run) template builder run, submits a\n" +
			"conversion when the template needs one and polls until the job is terminal.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := opts.context(cmd.Context())
			settings := domain.ConversionSettings{OutputFormat: format, Overwrite: overwrite}
			return runConvert(ctx, cmd.OutOrStdout(), opts, args[0], runID, settings)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "resume an existing template builder run")
	cmd.Flags().StringVar(&format, "format", "", "output format (default docx)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "convert again even if the output exists")
	return cmd
}

func runConvert(ctx context.Context, out io.Writer, opts *options, templateID, runID string, settings domain.ConversionSettings) error {
	client := opts.conversionClient()
	tmpl, err := findTemplate(ctx, client, templateID)
	if err != nil {
		return err
	}

	ctl := opts.controller()
	if runID == "" {
		if runID, err = ctl.InitializeRun(ctx, domain.RunTemplateBuilder, opts.user, 0); err != nil {
			return err
		}
	} else if err := ctl.LoadRun(ctx, runID); err != nil {
		return err
	}

	runner := conversion.NewRunner(client, opts.pollInterval, logging.Component(opts.log(), "runner"))
	defer runner.Close()

	p, err := pipeline.Resume(ctl, runner, logging.Component(opts.log(), "pipeline"), ctl.Snapshot().ApplicationState)
	if err != nil {
		return err
	}
	defer p.Close()

	if p.State().Stage == stage.ProgramSelection {
		decision, err := p.ConfirmSelection(ctx, tmpl)
		if err != nil {
			return err
		}
		if !decision.NeedsConversion {
			opts.log().Info("template needs no conversion", "run_id", runID, "template_id", tmpl.ID)
			return printConvertState(out, runID, ctl, p)
		}
	}

	st := p.State()
	if st.Stage != stage.TemplateConversion {
		return printConvertState(out, runID, ctl, p)
	}
	if st.Job == nil || st.Job.Status == domain.JobError {
		if _, err := p.StartConversion(ctx, settings); err != nil {
			return err
		}
	}

	job, err := p.AwaitConversion(ctx)
	for _, line := range job.Log {
		fmt.Fprintln(out, line)
	}
	if err != nil {
		return err
	}
	return printConvertState(out, runID, ctl, p)
}

func findTemplate(ctx context.Context, client *conversion.Client, id string) (domain.TemplateDescriptor, error) {
	templates, err := client.Templates(ctx)
	if err != nil {
		return domain.TemplateDescriptor{}, err
	}
	for _, t := range templates {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.TemplateDescriptor{}, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, id)
}

func printConvertState(out io.Writer, runID string, ctl *lifecycle.Controller, p *pipeline.Pipeline) error {
	st := p.State()
	return printJSON(out, map[string]any{
		"runId":            runID,
		"stage":            st.Stage,
		"needsConversion":  st.NeedsConversion,
		"progress":         st.Progress,
		"applicationState": ctl.Snapshot().ApplicationState,
	})
}
