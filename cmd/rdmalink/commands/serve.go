package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/health"
	"github.com/piwi3910/rdmalink/internal/link"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept one peer and run the server side of the exchange",
		Long: `Listen on the control port, negotiate a connection with the first client
and run the server script: send the greeting, read it back from the
client, wait for the client's reply and print the local buffer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			backend, err := openBackend(cfg, false)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			checker := health.NewChecker(backend)
			startMetrics(ctx, cfg, checker)

			connectCtx, cancel := withTimeout(ctx, cfg.ConnectTimeout)
			conn, err := link.NewServer(cfg.TCPPort, linkOptions(cfg, backend)).Connect(connectCtx)
			cancel()

			if err != nil {
				return err
			}
			defer conn.Close()

			checker.SetConnection(conn)

			opCtx, cancel := withTimeout(ctx, cfg.OpTimeout)
			defer cancel()

			msg, err := link.RunServerScript(opCtx, conn)
			fmt.Fprintf(cmd.OutOrStdout(), "buffer: %s\n", msg)

			return err
		},
	}
}
