package commands

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmalink/internal/health"
	"github.com/piwi3910/rdmalink/internal/link"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

func newSelftestCmd(opts *globalOptions) *cobra.Command {
	var listenPort string

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run server and client in one process over the simulated fabric",
		Long: `Negotiate a server and a client inside this process, over loopback TCP
and the simulated verbs backend, and run the full reference exchange.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			cfg.Backend = rdma.BackendSimulated

			backend, err := openBackend(cfg, true)
			if err != nil {
				return err
			}

			ctx, cancel := withTimeout(cmd.Context(), cfg.ConnectTimeout)
			defer cancel()

			checker := health.NewChecker(backend)
			startMetrics(ctx, cfg, checker)

			lopts := linkOptions(cfg, backend)
			addrCh := make(chan net.Addr, 1)

			server := &link.Negotiator{
				Opener: link.ListenOpener{
					Port:     listenPort,
					OnListen: func(a net.Addr) { addrCh <- a },
				},
				Backend:  lopts.Backend,
				Device:   lopts.Device,
				Endpoint: lopts.Endpoint,
			}

			var final string

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				conn, err := server.Connect(gctx)
				if err != nil {
					return err
				}
				defer conn.Close()

				checker.SetConnection(conn)

				final, err = link.RunServerScript(gctx, conn)

				return err
			})

			g.Go(func() error {
				var addr net.Addr
				select {
				case addr = <-addrCh:
				case <-gctx.Done():
					return gctx.Err()
				}

				_, port, err := net.SplitHostPort(addr.String())
				if err != nil {
					return err
				}

				conn, err := link.NewClient("127.0.0.1", port, lopts).Connect(gctx)
				if err != nil {
					return err
				}
				defer conn.Close()

				return link.RunClientScript(gctx, conn)
			})

			if err := g.Wait(); err != nil {
				return fmt.Errorf("selftest failed: %w", err)
			}

			log.Info().Interface("verbs", backend.GetMetrics()).Msg("Simulated fabric counters")
			fmt.Fprintf(cmd.OutOrStdout(), "buffer: %s\nselftest passed\n", final)

			return nil
		},
	}

	cmd.Flags().StringVar(&listenPort, "listen-port", "0", "Control port for the in-process server (0 picks a free port)")

	return cmd
}
