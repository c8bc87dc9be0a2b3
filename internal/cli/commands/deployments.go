package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

func newDeployCommand(opts *options) *cobra.Command {
	var (
		branch, kind, region, instanceType string
		target, entryPoint, envFile       string
		subPath, accessKey, secretKey     string
		port                              int
		autoRedeploy                      bool
	)

	cmd := &cobra.Command{
		Use:   "deploy <repo-url>",
		Short: "Deploy a repository onto a new or existing instance",
		Long: `Deploy a repository. Without --target a new instance is provisioned
with the given cloud credentials; with --target the app is added to an
instance you already own.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &models.DeployRequest{
				RepoURL:      args[0],
				Branch:       branch,
				Region:       region,
				InstanceType: instanceType,
				Port:         models.Port(port),
				EntryPoint:   entryPoint,
				SubPath:      subPath,
				AutoRedeploy: autoRedeploy,
			}
			if kind != "" {
				k, err := models.ParseAppKind(kind)
				if err != nil {
					return err
				}
				req.AppKind = k
			}
			if target != "" {
				id, err := uuid.Parse(target)
				if err != nil {
					return fmt.Errorf("invalid --target: %w", err)
				}
				req.TargetInstanceID = &id
			} else {
				if accessKey == "" || secretKey == "" {
					return errors.New("cloud credentials are required without --target (set --access-key-id and --secret-access-key)")
				}
				req.Credentials = &models.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}
			}
			if envFile != "" {
				env, err := readEnvFile(cmd.InOrStdin(), envFile)
				if err != nil {
					return err
				}
				req.Env = env
			}

			accepted, err := opts.client().Deploy(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printAccepted(opts.printer(cmd), accepted)
		},
	}

	f := cmd.Flags()
	f.StringVar(&branch, "branch", "", "branch to deploy (default main)")
	f.StringVar(&kind, "kind", "", "app kind: node, react, python or static (default node)")
	f.StringVar(&region, "region", "", "cloud region for a new instance")
	f.StringVar(&instanceType, "instance-type", "", "instance type for a new instance")
	f.StringVar(&target, "target", "", "existing instance id to deploy onto")
	f.IntVar(&port, "port", 0, "port the app listens on")
	f.StringVar(&entryPoint, "entry-point", "", "entry point for node and python apps")
	f.StringVar(&envFile, "env-file", "", "dotenv file to install with the app (- for stdin)")
	f.StringVar(&subPath, "sub-path", "", "directory inside the repository to deploy")
	f.BoolVar(&autoRedeploy, "auto-redeploy", false, "redeploy on pushes to the branch")
	f.StringVar(&accessKey, "access-key-id", os.Getenv("AWS_ACCESS_KEY_ID"), "cloud access key id")
	f.StringVar(&secretKey, "secret-access-key", os.Getenv("AWS_SECRET_ACCESS_KEY"), "cloud secret access key")
	return cmd
}

func newRedeployCommand(opts *options) *cobra.Command {
	var (
		envFile, entryPoint string
		port                int
	)

	cmd := &cobra.Command{
		Use:   "redeploy <deployment-id>",
		Short: "Pull the latest commit and restart a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &models.RedeployRequest{}
			if envFile != "" {
				env, err := readEnvFile(cmd.InOrStdin(), envFile)
				if err != nil {
					return err
				}
				req.Env = &env
			}
			if cmd.Flags().Changed("port") {
				p := models.Port(port)
				req.Port = &p
			}
			if entryPoint != "" {
				req.EntryPoint = &entryPoint
			}

			accepted, err := opts.client().Redeploy(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printAccepted(opts.printer(cmd), accepted)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "replace the environment file (- for stdin)")
	cmd.Flags().IntVar(&port, "port", 0, "override the app port")
	cmd.Flags().StringVar(&entryPoint, "entry-point", "", "override the entry point")
	return cmd
}

func newEnvCommand(opts *options) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "env <deployment-id>",
		Short: "Replace a deployment's environment and restart it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := readEnvFile(cmd.InOrStdin(), envFile)
			if err != nil {
				return err
			}
			accepted, err := opts.client().UpdateEnv(cmd.Context(), args[0], env)
			if err != nil {
				return err
			}
			return printAccepted(opts.printer(cmd), accepted)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file to install (- for stdin)")
	_ = cmd.MarkFlagRequired("env-file")
	return cmd
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show a deployment's status and phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.printer(cmd).print(status, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "DEPLOYMENT\tSTATUS\tPHASE\tUPDATED")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", status.DeploymentID, status.Status,
					orDash(string(status.Phase)), status.UpdatedAt.Format(time.RFC3339))
			})
		},
	}
}

func newResultCommand(opts *options) *cobra.Command {
	var keyOut string

	cmd := &cobra.Command{
		Use:   "result <deployment-id>",
		Short: "Show a finished deployment's outcome",
		Long: `Show a finished deployment's outcome. The instance private key is only
returned once; use --key-out to save it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if keyOut != "" && result.PrivateKey != "" {
				if err := os.WriteFile(keyOut, []byte(result.PrivateKey), 0o600); err != nil {
					return fmt.Errorf("write private key: %w", err)
				}
			}
			return opts.printer(cmd).print(result, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Status:\t%s\n", result.Status)
				fmt.Fprintf(w, "Instance:\t%s\n", orDash(result.InstanceID))
				fmt.Fprintf(w, "Public IP:\t%s\n", orDash(result.PublicIP))
				fmt.Fprintf(w, "URL:\t%s\n", orDash(result.ExposedURL))
				if result.Message != "" {
					fmt.Fprintf(w, "Message:\t%s\n", result.Message)
				}
				switch {
				case keyOut != "" && result.PrivateKey != "":
					fmt.Fprintf(w, "Private key:\tsaved to %s\n", keyOut)
				case result.PrivateKey != "":
					fmt.Fprintln(w, "Private key:\treturned (rerun with -o json or --key-out to capture it)")
				}
			})
		},
	}

	cmd.Flags().StringVar(&keyOut, "key-out", "", "write the instance private key to this file")
	return cmd
}

func newListCommand(opts *options) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deployments, err := opts.client().ListDeployments(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return opts.printer(cmd).print(deployments, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tREPO\tBRANCH\tKIND\tSTATUS\tURL")
				for _, d := range deployments {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.RepoName, d.Branch, d.AppKind, d.Status, orDash(d.ExposedURL))
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newLogsCommand(opts *options) *cobra.Command {
	var (
		limit  int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Show a deployment's progress log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			client := opts.client()
			p := opts.printer(cmd)

			if follow {
				return client.StreamLogs(cmd.Context(), func(ev progress.Event) {
					if ev.DeploymentID != "" && ev.DeploymentID != id {
						return
					}
					_ = p.print(ev, func(w *tabwriter.Writer) {
						fmt.Fprintf(w, "%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Message)
					})
				})
			}

			entries, err := client.Logs(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			return p.print(entries, func(w *tabwriter.Writer) {
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), orDash(string(e.Phase)), e.Message)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new lines as they are published")
	return cmd
}

func printAccepted(p printer, accepted *models.JobAccepted) error {
	return p.print(accepted, func(w *tabwriter.Writer) {
		if accepted.DeploymentID != uuid.Nil {
			fmt.Fprintf(w, "Deployment:\t%s\n", accepted.DeploymentID)
		}
		if accepted.InstanceID != uuid.Nil {
			fmt.Fprintf(w, "Instance:\t%s\n", accepted.InstanceID)
		}
		if accepted.Slug != "" {
			fmt.Fprintf(w, "Slug:\t%s\n", accepted.Slug)
		}
		fmt.Fprintf(w, "Job:\t%s\n", accepted.JobID)
		if accepted.Status != "" {
			fmt.Fprintf(w, "Status:\t%s\n", accepted.Status)
		}
	})
}

func readEnvFile(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read env file: %w", err)
	}
	return string(data), nil
}
