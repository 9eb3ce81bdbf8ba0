package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport/oob"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// Conn is an established connection: the endpoint in RTS and the control
// channel that negotiated it.
type Conn struct {
	id        uuid.UUID
	role      string
	ep        *rdma.Endpoint
	ch        *oob.Channel
	bufSize   int
	closeOnce sync.Once
	closeErr  error
}

func newConn(role string, ep *rdma.Endpoint, ch *oob.Channel) *Conn {
	return &Conn{
		id:      uuid.New(),
		role:    role,
		ep:      ep,
		ch:      ch,
		bufSize: len(ep.Buffer()),
	}
}

// ID identifies the connection in logs.
func (c *Conn) ID() uuid.UUID { return c.id }

// Role is "server" or "client".
func (c *Conn) Role() string { return c.role }

func (c *Conn) record(op string, start time.Time, err error) {
	metrics.RecordOperation(op, c.bufSize, time.Since(start), err)

	if err != nil {
		log.Debug().Err(err).Str("session", c.id.String()).Str("op", op).Msg("Data operation failed")
	}
}

// Read copies the peer's buffer into the local one.
func (c *Conn) Read(ctx context.Context) (string, error) {
	start := time.Now()
	data, err := c.ep.Read(ctx)
	c.record("read", start, err)

	return string(data), err
}

// Write places msg in the local buffer and writes it into the peer's buffer.
func (c *Conn) Write(ctx context.Context, msg string) error {
	start := time.Now()
	err := c.ep.Write(ctx, []byte(msg))
	c.record("write", start, err)

	return err
}

// Send delivers msg to the peer's pending Recv.
func (c *Conn) Send(ctx context.Context, msg string) error {
	start := time.Now()
	err := c.ep.Send(ctx, []byte(msg))
	c.record("send", start, err)

	return err
}

// Recv waits for the peer's Send.
func (c *Conn) Recv(ctx context.Context) (string, error) {
	start := time.Now()
	data, err := c.ep.Recv(ctx)
	c.record("recv", start, err)

	return string(data), err
}

// Sync blocks until the peer reaches the same barrier.
func (c *Conn) Sync(ctx context.Context) (bool, error) {
	ok, err := c.ch.Sync(ctx)
	metrics.RecordSync(ok, err)

	return ok, err
}

// Buffer returns a copy of the local registered buffer.
func (c *Conn) Buffer() []byte { return c.ep.Buffer() }

// Message returns the local buffer up to the first NUL.
func (c *Conn) Message() string { return c.ep.Message() }

func (c *Conn) LocalAttributes() rdma.ConnectionAttributes { return c.ep.LocalAttributes() }

func (c *Conn) RemoteAttributes() rdma.ConnectionAttributes {
	remote, _ := c.ep.RemoteAttributes()

	return remote
}

func (c *Conn) Phase() rdma.Phase { return c.ep.Phase() }

// Close releases the endpoint and then the control channel.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.ep.Close(), c.ch.Close())
		metrics.SetConnectionPhase(c.role, int(rdma.PhaseReset))

		log.Info().Str("session", c.id.String()).Str("role", c.role).Msg("RDMA connection closed")
	})

	return c.closeErr
}
