package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

func newDevicesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices and their ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			backend, err := openBackend(cfg, true)
			if err != nil {
				return err
			}
			defer backend.Close()

			reports, err := rdma.Inventory(backend)
			if err != nil {
				return err
			}

			if len(reports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No RDMA devices found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tGUID\tFW\tMAX QP\tPORT\tSTATE\tLID\tMTU\tGID[0]")

			for _, r := range reports {
				for _, p := range r.Ports {
					fmt.Fprintf(w, "%s\t%016x\t%s\t%d\t%d\t%s\t%d\t%d\t%s\n",
						r.Info.Name,
						r.Info.GUID,
						r.Attr.FWVer,
						r.Attr.MaxQP,
						p.Port,
						p.Attr.State,
						p.Attr.LID,
						p.Attr.ActiveMTU.Bytes(),
						rdma.FormatGID(p.GID),
					)
				}
			}

			return w.Flush()
		},
	}
}
