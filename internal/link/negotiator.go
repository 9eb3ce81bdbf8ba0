// Package link negotiates an RDMA reliable connection over a TCP control
// channel and exposes the result as a Conn.
//
// A negotiation opens the control channel, initializes the local endpoint,
// swaps connection attributes with the peer and walks the queue pair through
// INIT, RTR and RTS. Both sides run the same sequence; only the way the
// control channel is opened differs between the server and the client.
package link

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport/oob"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// Negotiator turns an Opener and a verbs backend into a connected Conn.
type Negotiator struct {
	Opener   Opener
	Backend  rdma.VerbsBackend
	Device   string
	Endpoint rdma.EndpointConfig
}

// Connect runs the whole negotiation. On failure every resource it created
// is released and a *NegotiationError naming the failed stage is returned.
func (n *Negotiator) Connect(ctx context.Context) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	role := n.Opener.Role()

	conn, err := n.connect(ctx, role)
	metrics.RecordNegotiation(role, time.Since(start), err)

	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session", conn.ID().String()).
		Str("role", role).
		Str("device", conn.ep.Device()).
		Dur("elapsed", time.Since(start)).
		Msg("RDMA connection established")

	return conn, nil
}

func (n *Negotiator) connect(ctx context.Context, role string) (*Conn, error) {
	var (
		ch *oob.Channel
		ep *rdma.Endpoint
	)

	fail := func(stage Stage, err error) error {
		metrics.RecordNegotiationStage(role, string(stage), err)

		var errs []error
		if ep != nil {
			errs = append(errs, ep.Close())
		}

		if ch != nil {
			errs = append(errs, ch.Close())
		}

		if closeErr := errors.Join(errs...); closeErr != nil {
			log.Warn().Err(closeErr).Str("role", role).Msg("Failed to tear down after negotiation failure")
		}

		log.Error().Err(err).Str("role", role).Str("stage", string(stage)).Msg("Negotiation failed")

		return &NegotiationError{Role: role, Stage: stage, Err: err}
	}

	pass := func(stage Stage) {
		metrics.RecordNegotiationStage(role, string(stage), nil)
	}

	ch, err := n.Opener.Open(ctx)
	if err != nil {
		return nil, fail(StageOpen, err)
	}
	pass(StageOpen)

	ep = rdma.NewEndpoint(n.Backend, n.Endpoint)

	local, err := ep.Init(n.Device)
	if err != nil {
		return nil, fail(StageInit, err)
	}
	pass(StageInit)

	sendBuf, err := local.MarshalBinary()
	if err != nil {
		return nil, fail(StageEncode, err)
	}

	recvBuf := make([]byte, rdma.ConnectionAttributesSize)

	got, err := ch.ExchangeData(ctx, sendBuf, recvBuf)
	if err != nil {
		return nil, fail(StageExchange, err)
	}
	pass(StageExchange)

	var remote rdma.ConnectionAttributes
	if err := remote.UnmarshalBinary(recvBuf[:got]); err != nil {
		return nil, fail(StageDecode, err)
	}

	if err := ep.SetRemoteAttributes(remote); err != nil {
		return nil, fail(StageRemote, err)
	}
	pass(StageRemote)

	transitions := []struct {
		stage Stage
		phase rdma.Phase
	}{
		{StageToInit, rdma.PhaseInit},
		{StageToRTR, rdma.PhaseRTR},
		{StageToRTS, rdma.PhaseRTS},
	}

	for _, tr := range transitions {
		if err := ep.Transition(tr.phase); err != nil {
			return nil, fail(tr.stage, err)
		}
		pass(tr.stage)
		metrics.SetConnectionPhase(role, int(tr.phase))
	}

	return newConn(role, ep, ch), nil
}
