// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/adiadia/workflow-core/internal/auth"
	"github.com/adiadia/workflow-core/internal/config"
	"github.com/adiadia/workflow-core/internal/conversion"
	"github.com/adiadia/workflow-core/internal/lifecycle"
	"github.com/adiadia/workflow-core/internal/logging"
	"github.com/adiadia/workflow-core/internal/runstore"
	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	apiURL       string
	environment  string
	user         string
	groups       string
	pollInterval time.Duration

	logger *slog.Logger
}

func main() {
	if err := newRootCmd(config.Load()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg config.Config) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Drive workflow runs and template conversions against the workflow API",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.logger = logging.NewStderrLogger(cfg.Env)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", cfg.APIBaseURL, "base URL of the workflow API")
	flags.StringVar(&opts.environment, "env", cfg.DeployEnv, "deployment environment for the template registry")
	flags.StringVar(&opts.user, "user", os.Getenv("WORKFLOW_USER"), "user id sent as gateway identity")
	flags.StringVar(&opts.groups, "groups", "", "comma separated groups sent with the user id")
	flags.DurationVar(&opts.pollInterval, "poll-interval", cfg.PollInterval, "conversion status poll interval")

	root.AddCommand(
		newValidateCmd(),
		newRunCmd(opts),
		newConvertCmd(opts),
		newTemplatesCmd(opts),
	)
	return root
}

// context attaches the caller identity, if any, to ctx.
func (o *options) context(ctx context.Context) context.Context {
	user := strings.TrimSpace(o.user)
	if user == "" {
		return ctx
	}
	return auth.WithIdentity(ctx, auth.Identity{
		UserID: user,
		Groups: auth.ParseGroups(o.groups),
	})
}

func (o *options) log() *slog.Logger {
	if o.logger == nil {
		return logging.Discard()
	}
	return o.logger
}

func (o *options) runStore() *runstore.Client {
	return runstore.New(o.apiURL, logging.Component(o.log(), "runstore"))
}

func (o *options) controller() *lifecycle.Controller {
	return lifecycle.New(lifecycle.Deps{
		Store:  o.runStore(),
		Logger: logging.Component(o.log(), "lifecycle"),
	})
}

func (o *options) conversionClient() *conversion.Client {
	return conversion.NewClient(o.apiURL, logging.Component(o.log(), "conversion"), conversion.WithEnvironment(o.environment))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
