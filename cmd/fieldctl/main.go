// Package main implements fieldctl, the operator and producer CLI for the
// goatfieldd admin API.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	server  string
	token   string
	output  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "fieldctl",
		Short: "CLI for the GOAT Field daemon",
		Long: `fieldctl talks to a running goatfieldd over its admin API.

Producers use it to record observations. Reviewers use it to list pending
proposals, approve or reject them, and read the compiled insights.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("GOATFIELD_SERVER", "http://127.0.0.1:7878"), "goatfieldd base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("GOATFIELD_ADMIN_TOKEN"), "admin bearer token (default $GOATFIELD_ADMIN_TOKEN)")
	flags.StringVarP(&opts.output, "output", "o", outputJSON, "output format: json or yaml")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newObserveCmd(opts),
		newHashInputsCmd(),
		newProposalsCmd(opts),
		newApproveCmd(opts),
		newRejectCmd(opts),
		newDecisionsCmd(opts),
		newInsightsCmd(opts),
		newHealthCmd(opts),
		newReflectCmd(opts),
		newCompactCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
