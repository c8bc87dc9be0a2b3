package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:3000"

// options are the persistent flags shared by every command
type options struct {
	apiURL  string
	userID  string
	output  string
	timeout time.Duration
}

func (o *options) client() *Client {
	return NewClient(o.apiURL, o.userID, o.timeout)
}

func (o *options) printer(cmd *cobra.Command) printer {
	return printer{out: cmd.OutOrStdout(), format: o.output}
}

// NewRootCommand builds the deployer command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "deployer",
		Short: "instance-deployer - deploy repositories onto cloud instances",
		Long: `deployer drives the instance-deployer API.

It submits repositories for deployment onto a fresh or existing cloud
instance, follows their progress and manages the instances they run on.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", envOr("DEPLOYER_API_URL", defaultAPIURL), "deployer API base URL")
	flags.StringVar(&opts.userID, "user", os.Getenv("DEPLOYER_USER"), "user id sent as X-User-ID")
	flags.StringVarP(&opts.output, "output", "o", FormatText, "output format: text, json or yaml")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP request timeout")

	rootCmd.AddCommand(
		newDeployCommand(opts),
		newRedeployCommand(opts),
		newEnvCommand(opts),
		newStatusCommand(opts),
		newResultCommand(opts),
		newListCommand(opts),
		newLogsCommand(opts),
		newInstancesCommand(opts),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
