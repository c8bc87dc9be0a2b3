package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newInstancesCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"instance"},
		Short:   "Manage your cloud instances",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := opts.client().ListInstances(cmd.Context())
			if err != nil {
				return err
			}
			return opts.printer(cmd).print(instances, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tCLOUD ID\tPUBLIC IP\tREGION\tTYPE")
				for _, i := range instances {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", i.ID, i.CloudInstanceID, orDash(i.PublicIP), i.Region, i.InstanceType)
				}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <instance-id>",
		Short: "Terminate an instance and its cloud resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accepted, err := opts.client().DeleteInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAccepted(opts.printer(cmd), accepted)
		},
	})

	return cmd
}
