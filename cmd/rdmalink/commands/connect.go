package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/health"
	"github.com/piwi3910/rdmalink/internal/link"
)

func newConnectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect [address]",
		Short: "Connect to a server and run the client side of the exchange",
		Long: `Dial the server's control port, negotiate a connection and run the client
script: receive the greeting, write the reply into the server's buffer and
read it back. The address defaults to server_address from the configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			address := cfg.ServerAddress
			if len(args) == 1 {
				address = args[0]
			}

			if address == "" {
				return errors.New("no server address: pass one or set server_address")
			}

			backend, err := openBackend(cfg, false)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			checker := health.NewChecker(backend)
			startMetrics(ctx, cfg, checker)

			connectCtx, cancel := withTimeout(ctx, cfg.ConnectTimeout)
			conn, err := link.NewClient(address, cfg.TCPPort, linkOptions(cfg, backend)).Connect(connectCtx)
			cancel()

			if err != nil {
				return err
			}
			defer conn.Close()

			checker.SetConnection(conn)

			opCtx, cancel := withTimeout(ctx, cfg.OpTimeout)
			defer cancel()

			if err := link.RunClientScript(opCtx, conn); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "buffer: %s\n", conn.Message())

			return nil
		},
	}
}
