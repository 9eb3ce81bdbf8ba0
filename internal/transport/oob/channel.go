// Package oob implements the TCP control channel used to bootstrap an RDMA
// connection: a one-shot attribute exchange and a single byte sync barrier.
package oob

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	network = "tcp4"

	// firstSyncValue is the first byte a fresh channel sends on Sync.
	firstSyncValue uint8 = 1
)

// aLongTimeAgo is a deadline in the past used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// nextSyncValue advances the sync counter through 1..255, skipping 0.
func nextSyncValue(v uint8) uint8 {
	v++
	if v == 0 {
		v = 1
	}

	return v
}

// Channel is one side of the control link. A server channel is created by
// Listen and becomes usable after Accept; a client channel is connected by
// Dial.
type Channel struct {
	conn     net.Conn
	listener net.Listener
	opMu     sync.Mutex
	mu       sync.Mutex
	sendBuf  [1]byte
	recvBuf  [1]byte
	counter  uint8
	closed   bool
}

// Listen binds the control port on all IPv4 interfaces. Port "0" picks a
// free port; see Addr.
func Listen(ctx context.Context, port string) (*Channel, error) {
	lc := net.ListenConfig{Control: reuseAddr}

	ln, err := lc.Listen(ctx, network, net.JoinHostPort("", port))
	if err != nil {
		return nil, &IOError{Op: "listen", Err: err}
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("Control channel listening")

	return &Channel{listener: ln, counter: firstSyncValue}, nil
}

// Dial connects to a listening peer.
func Dial(ctx context.Context, address, port string) (*Channel, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, network, net.JoinHostPort(address, port))
	if err != nil {
		return nil, &IOError{Op: "dial", Err: err}
	}

	log.Info().
		Str("local", conn.LocalAddr().String()).
		Str("remote", conn.RemoteAddr().String()).
		Msg("Control channel connected")

	return &Channel{conn: conn, counter: firstSyncValue}, nil
}

// Addr returns the listening address of a server channel, or the local
// address of a connected one.
func (c *Channel) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listener != nil {
		return c.listener.Addr()
	}

	if c.conn != nil {
		return c.conn.LocalAddr()
	}

	return nil
}

// RemoteAddr returns the peer address once connected.
func (c *Channel) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	return c.conn.RemoteAddr()
}

// Accept waits for exactly one client and then stops listening.
func (c *Channel) Accept(ctx context.Context) error {
	c.mu.Lock()
	ln := c.listener
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}

	if ln == nil {
		return &IOError{Op: "accept", Err: errors.New("channel is not listening")}
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}

		return &IOError{Op: "accept", Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()

		return ErrClosed
	}

	c.conn = conn
	c.listener = nil
	c.mu.Unlock()

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn().Err(err).Msg("Failed to close control listener")
	}

	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Control channel accepted")

	return nil
}

// bind returns the connection and arranges for ctx to interrupt I/O on it.
// The returned function must be called when the I/O is done.
func (c *Channel) bind(ctx context.Context) (net.Conn, func(), error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return nil, nil, ErrClosed
	}

	if conn == nil {
		return nil, nil, ErrNotConnected
	}

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return nil, nil, &IOError{Op: "set deadline", Err: err}
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(aLongTimeAgo) })

	return conn, func() {
		stop()
		conn.SetDeadline(time.Time{})
	}, nil
}

func ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &IOError{Op: op, Err: errors.Join(ctxErr, err)}
	}

	return &IOError{Op: op, Err: err}
}

// ExchangeData writes all of send and then reads exactly len(recv) bytes.
// It returns the number of bytes received; on a premature end of stream the
// partial count is returned along with an error wrapping io.ErrUnexpectedEOF.
//
// Both peers call it at the same time: one side's write is the other's read.
func (c *Channel) ExchangeData(ctx context.Context, send, recv []byte) (int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	conn, done, err := c.bind(ctx)
	if err != nil {
		return 0, err
	}
	defer done()

	n, err := conn.Write(send)
	if err != nil {
		return 0, ioError(ctx, "write", err)
	}

	if n != len(send) {
		return 0, &IOError{Op: "write", Err: io.ErrShortWrite}
	}

	got, err := io.ReadFull(conn, recv)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return got, ioError(ctx, "read", err)
	}

	log.Debug().Int("sent", n).Int("received", got).Msg("Exchanged control data")

	return got, nil
}

// Sync writes the current counter byte, advances the counter and reports
// whether the peer sent the same value. Both peers must call Sync the same
// number of times; a mismatch is reported as false and is not recovered.
func (c *Channel) Sync(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	conn, done, err := c.bind(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	c.sendBuf[0] = c.counter
	c.counter = nextSyncValue(c.counter)

	if _, err := conn.Write(c.sendBuf[:]); err != nil {
		return false, ioError(ctx, "sync write", err)
	}

	if _, err := io.ReadFull(conn, c.recvBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return false, ioError(ctx, "sync read", err)
	}

	if c.recvBuf[0] != c.sendBuf[0] {
		log.Warn().
			Uint8("sent", c.sendBuf[0]).
			Uint8("received", c.recvBuf[0]).
			Msg("Control channel sync mismatch")

		return false, nil
	}

	return true, nil
}

// Counter returns the value the next Sync will send.
func (c *Channel) Counter() uint8 {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	return c.counter
}

// Close shuts the connection and any pending listener. It interrupts
// in-flight I/O and may be called more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	var errs []error

	if c.listener != nil {
		if err := c.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}

		c.listener = nil
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
