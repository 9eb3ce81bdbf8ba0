package link

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// DefaultPort is the control port the reference programs use.
const DefaultPort = "23333"

// Reference script messages.
const (
	Greeting = "hello world!!!"
	Reply    = "Hahhhh"
)

// Options are shared by both roles.
type Options struct {
	Backend       rdma.VerbsBackend
	Device        string
	Endpoint      rdma.EndpointConfig
	RetryInterval time.Duration
}

// NewServer returns a negotiator that listens on port.
func NewServer(port string, opts Options) *Negotiator {
	return &Negotiator{
		Opener:   ListenOpener{Port: port},
		Backend:  opts.Backend,
		Device:   opts.Device,
		Endpoint: opts.Endpoint,
	}
}

// NewClient returns a negotiator that dials address:port.
func NewClient(address, port string, opts Options) *Negotiator {
	return &Negotiator{
		Opener:   DialOpener{Address: address, Port: port, RetryInterval: opts.RetryInterval},
		Backend:  opts.Backend,
		Device:   opts.Device,
		Endpoint: opts.Endpoint,
	}
}

func expect(step, want, got string) error {
	if got != want {
		return fmt.Errorf("%w: %s returned %q, want %q", ErrScriptMismatch, step, got, want)
	}

	return nil
}

func barrier(ctx context.Context, c *Conn) error {
	ok, err := c.Sync(ctx)
	if err != nil {
		return err
	}

	if !ok {
		return ErrSyncMismatch
	}

	return nil
}

// RunServerScript plays the server half of the reference exchange: send the
// greeting, read it back from the client's buffer and wait for the client's
// reply to land in the local buffer. It returns the final buffer text.
func RunServerScript(ctx context.Context, c *Conn) (string, error) {
	if err := c.Send(ctx, Greeting); err != nil {
		return "", fmt.Errorf("send greeting: %w", err)
	}

	got, err := c.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("read back greeting: %w", err)
	}

	if err := expect("read", Greeting, got); err != nil {
		return "", err
	}

	if err := barrier(ctx, c); err != nil {
		return "", fmt.Errorf("sync after read: %w", err)
	}

	// The client writes between the two barriers.
	if err := barrier(ctx, c); err != nil {
		return "", fmt.Errorf("sync after reply: %w", err)
	}

	msg := c.Message()
	log.Info().Str("session", c.ID().String()).Str("buffer", msg).Msg("Server script finished")

	return msg, expect("buffer", Reply, msg)
}

// RunClientScript plays the client half: receive the greeting, then write
// the reply into the server's buffer and read it back.
func RunClientScript(ctx context.Context, c *Conn) error {
	got, err := c.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv greeting: %w", err)
	}

	if err := expect("recv", Greeting, got); err != nil {
		return err
	}

	if err := barrier(ctx, c); err != nil {
		return fmt.Errorf("sync after recv: %w", err)
	}

	if err := c.Write(ctx, Reply); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}

	got, err = c.Read(ctx)
	if err != nil {
		return fmt.Errorf("read back reply: %w", err)
	}

	if err := expect("read", Reply, got); err != nil {
		return err
	}

	if err := barrier(ctx, c); err != nil {
		return fmt.Errorf("sync after reply: %w", err)
	}

	log.Info().Str("session", c.ID().String()).Msg("Client script finished")

	return nil
}
