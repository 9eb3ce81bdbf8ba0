package link

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/transport/oob"
)

// Roles reported by the openers.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Opener establishes the control channel for one side of a connection.
type Opener interface {
	Open(ctx context.Context) (*oob.Channel, error)
	Role() string
}

// ListenOpener binds Port and waits for a single peer.
type ListenOpener struct {
	Port string

	// OnListen, when set, is called with the bound address before Accept.
	OnListen func(addr net.Addr)
}

func (o ListenOpener) Role() string { return RoleServer }

func (o ListenOpener) Open(ctx context.Context) (*oob.Channel, error) {
	ch, err := oob.Listen(ctx, o.Port)
	if err != nil {
		return nil, err
	}

	if o.OnListen != nil {
		o.OnListen(ch.Addr())
	}

	if err := ch.Accept(ctx); err != nil {
		ch.Close()

		return nil, err
	}

	return ch, nil
}

// DialOpener connects to Address:Port. With a non-zero RetryInterval a
// refused connection is retried until ctx is done.
type DialOpener struct {
	Address       string
	Port          string
	RetryInterval time.Duration
}

func (o DialOpener) Role() string { return RoleClient }

func (o DialOpener) Open(ctx context.Context) (*oob.Channel, error) {
	for attempt := 1; ; attempt++ {
		ch, err := oob.Dial(ctx, o.Address, o.Port)
		if err == nil {
			return ch, nil
		}

		if o.RetryInterval <= 0 || ctx.Err() != nil {
			return nil, err
		}

		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", o.RetryInterval).
			Msg("Control channel dial failed, retrying")

		t := time.NewTimer(o.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()

			return nil, errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}
