package commands

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/config"
	"github.com/piwi3910/rdmalink/internal/health"
	"github.com/piwi3910/rdmalink/internal/link"
	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

var errSimulatedPeer = errors.New("the simulated backend only connects peers inside one process; " +
	"use `rdmalink selftest` or build with -tags rdma_hw")

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath  string
	debug       bool
	logLevel    string
	backend     string
	device      string
	ibPort      int
	gidIndex    int
	bufferSize  int
	port        string
	metricsAddr string
}

// NewRootCmd creates the rdmalink command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "rdmalink",
		Short: "Point-to-point RDMA connections bootstrapped over TCP",
		Long: `rdmalink sets up a reliable RDMA connection between two hosts. The peers
swap queue pair attributes over a TCP control channel, move their queue
pairs to RTS and then read, write, send and receive over one registered
buffer.

Run the server first:
  rdmalink serve --port 23333

Then connect from the other host:
  rdmalink connect 192.168.1.11 --port 23333

Settings can also come from rdmalink.yaml or RDMALINK_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	f.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&opts.backend, "backend", "", "Verbs backend: auto, simulated or hardware")
	f.StringVar(&opts.device, "device", "", "RDMA device name (default: first device)")
	f.IntVar(&opts.ibPort, "ib-port", 0, "Physical port of the device (default 1)")
	f.IntVar(&opts.gidIndex, "gid-index", 0, "Local GID index")
	f.IntVar(&opts.bufferSize, "buffer-size", 0, "Registered buffer size in bytes (default 1024)")
	f.StringVar(&opts.port, "port", "", "TCP control port (default 23333)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newConnectCmd(opts))
	cmd.AddCommand(newDevicesCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newSelftestCmd(opts))

	return cmd
}

// load resolves the effective configuration and configures logging.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, error) {
	overrides := config.Options{
		Device:      o.device,
		IBPort:      o.ibPort,
		BufferSize:  o.bufferSize,
		TCPPort:     o.port,
		Backend:     o.backend,
		MetricsAddr: o.metricsAddr,
		LogLevel:    o.logLevel,
	}

	if cmd.Flags().Changed("gid-index") {
		overrides.GIDIndex = &o.gidIndex
	}

	cfg, err := config.Load(o.configPath, overrides)
	if err != nil {
		return nil, err
	}

	setupLogging(cfg.LogLevel, o.debug)

	return cfg, nil
}

func setupLogging(level string, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		return
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
}

// openBackend returns the configured verbs backend. A simulated backend has
// no fabric outside this process, so peers in other processes cannot use it.
func openBackend(cfg *config.Config, allowSimulated bool) (rdma.VerbsBackend, error) {
	backend, err := rdma.OpenBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	name := rdma.BackendName(backend)
	if name == rdma.BackendSimulated && !allowSimulated {
		return nil, errSimulatedPeer
	}

	metrics.Init(name)

	return backend, nil
}

// startMetrics serves the metrics and health endpoints when configured.
func startMetrics(ctx context.Context, cfg *config.Config, checker *health.Checker) {
	if cfg.MetricsAddr == "" {
		return
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr, checker); err != nil {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics endpoint failed")
		}
	}()
}

func linkOptions(cfg *config.Config, backend rdma.VerbsBackend) link.Options {
	return link.Options{
		Backend:       backend,
		Device:        cfg.Device,
		Endpoint:      cfg.EndpointConfig(),
		RetryInterval: cfg.DialRetry,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d)
}
