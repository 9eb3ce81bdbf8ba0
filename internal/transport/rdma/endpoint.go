package rdma

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultBufferSize is the size of the single registered data buffer.
	DefaultBufferSize = 1024
	// DefaultIBPort is the first physical port of an HCA.
	DefaultIBPort = 1

	completionQueueDepth = 1
	bufferAccess         = MRAccessLocalWrite | MRAccessRemoteRead | MRAccessRemoteWrite
)

// Queue pair attribute values applied on each transition.
const (
	rtrPathMTU         = MTU256
	rtrMinRNRTimer     = 0x12
	rtrMaxDestRdAtomic = 1
	rtsTimeout         = 14
	rtsRetryCount      = 7
	rtsRNRRetry        = 7
	rtsMaxRdAtomic     = 1
	grhHopLimit        = 1
)

// Phase is the queue pair state as driven by the endpoint.
type Phase int

const (
	PhaseReset Phase = iota
	PhaseInit
	PhaseRTR
	PhaseRTS
)

func (p Phase) String() string {
	switch p {
	case PhaseReset:
		return "RESET"
	case PhaseInit:
		return "INIT"
	case PhaseRTR:
		return "RTR"
	case PhaseRTS:
		return "RTS"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) qpState() QPState {
	switch p {
	case PhaseInit:
		return QPStateInit
	case PhaseRTR:
		return QPStateRTR
	case PhaseRTS:
		return QPStateRTS
	default:
		return QPStateReset
	}
}

type lifecycle int

const (
	stateUninitialized lifecycle = iota
	stateReady
	stateFailed
	stateClosed
)

// EndpointConfig selects the port, GID and buffer size of an endpoint.
type EndpointConfig struct {
	IBPort     int
	GIDIndex   int
	BufferSize int
}

// DefaultEndpointConfig returns the reference configuration: port 1, GID
// index 0 and a 1 KiB buffer.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		IBPort:     DefaultIBPort,
		GIDIndex:   0,
		BufferSize: DefaultBufferSize,
	}
}

// resources is the verbs object bundle of one endpoint, in creation order.
type resources struct {
	mr  *MemoryRegion
	ctx VerbsContext
	pd  VerbsPD
	cq  VerbsCQ
	qp  VerbsQP
}

// release tears the bundle down in reverse creation order. Handles that were
// never created are skipped and released handles are cleared.
func (r *resources) release(backend VerbsBackend) error {
	var errs []error

	if r.qp != 0 {
		if err := backend.DestroyQP(r.qp); err != nil {
			errs = append(errs, fmt.Errorf("destroy qp: %w", err))
		} else {
			r.qp = 0
		}
	}

	if r.mr != nil {
		if err := backend.DeregMR(r.mr); err != nil {
			errs = append(errs, fmt.Errorf("deregister mr: %w", err))
		} else {
			r.mr = nil
		}
	}

	if r.cq != 0 {
		if err := backend.DestroyCQ(r.cq); err != nil {
			errs = append(errs, fmt.Errorf("destroy cq: %w", err))
		} else {
			r.cq = 0
		}
	}

	if r.pd != 0 {
		if err := backend.DeallocPD(r.pd); err != nil {
			errs = append(errs, fmt.Errorf("dealloc pd: %w", err))
		} else {
			r.pd = 0
		}
	}

	if r.ctx != 0 {
		if err := backend.CloseDevice(r.ctx); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		} else {
			r.ctx = 0
		}
	}

	return errors.Join(errs...)
}

// Endpoint owns one RC queue pair and the single buffer it reads and writes.
//
// Only one work request is ever outstanding: every data operation posts and
// then blocks until its completion is polled. opMu serializes data operations
// and is held across the poll; mu guards the fields and is never held while
// polling, so accessors and Close stay responsive.
type Endpoint struct {
	backend   VerbsBackend
	res       resources
	device    string
	local     ConnectionAttributes
	remote    ConnectionAttributes
	cfg       EndpointConfig
	requestID uint64
	state     lifecycle
	phase     Phase
	opMu      sync.Mutex
	mu        sync.Mutex
	closing   atomic.Bool
	remoteSet bool
}

// NewEndpoint creates an uninitialized endpoint. Zero config fields fall back
// to the defaults.
func NewEndpoint(backend VerbsBackend, cfg EndpointConfig) *Endpoint {
	if backend == nil {
		backend = NewBackend()
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	return &Endpoint{
		backend: backend,
		cfg:     cfg,
	}
}

func (e *Endpoint) stateErr() error {
	switch e.state {
	case stateUninitialized:
		return ErrNotInitialized
	case stateFailed:
		return ErrEndpointFailed
	case stateClosed:
		return ErrEndpointClosed
	default:
		return nil
	}
}

// Init opens the device and allocates every verbs resource. An empty device
// name selects the first device. On failure everything allocated so far is
// released and the endpoint cannot be used again.
func (e *Endpoint) Init(device string) (ConnectionAttributes, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateReady:
		return ConnectionAttributes{}, ErrAlreadyInitialized
	case stateFailed:
		return ConnectionAttributes{}, ErrEndpointFailed
	case stateClosed:
		return ConnectionAttributes{}, ErrEndpointClosed
	}

	if err := e.setup(device); err != nil {
		if relErr := e.res.release(e.backend); relErr != nil {
			log.Warn().Err(relErr).Msg("Failed to release partially initialized RDMA resources")
		}

		e.state = stateFailed

		return ConnectionAttributes{}, err
	}

	e.state = stateReady

	return e.local, nil
}

func (e *Endpoint) setup(device string) error {
	if err := e.backend.Init(); err != nil {
		return fmt.Errorf("%w: %w", ErrResourceAllocation, err)
	}

	devices, err := e.backend.GetDeviceList()
	if err != nil {
		return fmt.Errorf("%w: list devices: %w", ErrResourceAllocation, err)
	}

	if len(devices) == 0 {
		log.Error().Msg("No IB device")
		return fmt.Errorf("%w: no RDMA devices present", ErrDeviceNotFound)
	}

	var info *VerbsDeviceInfo

	for i := range devices {
		if device == "" || devices[i].Name == device {
			info = &devices[i]
			break
		}
	}

	if info == nil {
		log.Error().Str("device", device).Msg("Cannot find device")
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
	}

	e.device = info.Name

	if e.res.ctx, err = e.backend.OpenDevice(info.Name); err != nil {
		return fmt.Errorf("%w: open device %s: %w", ErrResourceAllocation, info.Name, err)
	}

	log.Info().Str("device", info.Name).Int("node_type", info.NodeType).Msg("Opened RDMA device")

	devAttr, err := e.backend.QueryDevice(e.res.ctx)
	if err != nil {
		return fmt.Errorf("%w: query device: %w", ErrResourceAllocation, err)
	}

	if e.cfg.IBPort < 1 || e.cfg.IBPort > devAttr.PhysPortCnt {
		log.Error().
			Str("device", info.Name).
			Int("ib_port", e.cfg.IBPort).
			Int("phys_port_cnt", devAttr.PhysPortCnt).
			Msg("Invalid IB port for device")

		return fmt.Errorf("%w: port %d, device %s has %d", ErrPortOutOfRange, e.cfg.IBPort, info.Name, devAttr.PhysPortCnt)
	}

	portAttr, err := e.backend.QueryPort(e.res.ctx, e.cfg.IBPort)
	if err != nil {
		return fmt.Errorf("%w: query port: %w", ErrResourceAllocation, err)
	}

	log.Info().
		Str("port_state", portAttr.State.String()).
		Uint16("lid", portAttr.LID).
		Msg("Queried IB port")

	if portAttr.State != PortActive {
		log.Warn().Str("port_state", portAttr.State.String()).Msg("IB port is not active")
	}

	gid, err := e.backend.QueryGID(e.res.ctx, e.cfg.IBPort, e.cfg.GIDIndex)
	if err != nil {
		return fmt.Errorf("%w: query gid %d: %w", ErrResourceAllocation, e.cfg.GIDIndex, err)
	}

	if e.res.pd, err = e.backend.AllocPD(e.res.ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrResourceAllocation, err)
	}

	if e.res.mr, err = e.backend.RegMR(e.res.pd, e.cfg.BufferSize, bufferAccess); err != nil {
		return fmt.Errorf("%w: %w", ErrResourceAllocation, err)
	}

	if e.res.cq, err = e.backend.CreateCQ(e.res.ctx, completionQueueDepth); err != nil {
		return fmt.Errorf("%w: %w", ErrResourceAllocation, err)
	}

	e.res.qp, err = e.backend.CreateQP(e.res.pd, &VerbsQPInitAttr{
		SendCQ: e.res.cq,
		RecvCQ: e.res.cq,
		QPType: QPTypeRC,
		SigAll: true,
		Cap: VerbsQPCap{
			MaxSendWR:  1,
			MaxRecvWR:  1,
			MaxSendSge: 1,
			MaxRecvSge: 1,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResourceAllocation, err)
	}

	qpAttr, err := e.backend.QueryQP(e.res.qp)
	if err != nil {
		return fmt.Errorf("%w: query qp: %w", ErrResourceAllocation, err)
	}

	e.local = ConnectionAttributes{
		Addr:      e.res.mr.Addr,
		RemoteKey: e.res.mr.RKey,
		QPNumber:  qpAttr.QPN,
		LinkID:    portAttr.LID,
		GlobalID:  gid,
	}

	logAttributes("Local", e.local)

	return nil
}

func logAttributes(side string, a ConnectionAttributes) {
	log.Info().
		Str("gid", a.GlobalIDString()).
		Uint64("addr", a.Addr).
		Uint32("rkey", a.RemoteKey).
		Uint16("lid", a.LinkID).
		Uint32("qpn", a.QPNumber).
		Msg(side + " connection attributes")
}

// SetRemoteAttributes records the peer's attributes. It may be called once.
func (e *Endpoint) SetRemoteAttributes(remote ConnectionAttributes) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.stateErr(); err != nil {
		return err
	}

	if e.remoteSet {
		return ErrRemoteAlreadySet
	}

	e.remote = remote
	e.remoteSet = true

	logAttributes("Remote", remote)

	return nil
}

// Transition moves the queue pair to the next phase. Phases must be taken in
// order INIT, RTR, RTS, and RTR requires the remote attributes.
func (e *Endpoint) Transition(phase Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.stateErr(); err != nil {
		return err
	}

	if phase != e.phase+1 || phase > PhaseRTS {
		return &StateError{From: e.phase, To: phase, Reason: "out of order"}
	}

	if phase == PhaseRTR && !e.remoteSet {
		return &StateError{From: e.phase, To: phase, Reason: "remote attributes not set"}
	}

	attr, mask := e.transitionAttributes(phase)

	if err := e.backend.ModifyQP(e.res.qp, attr, mask); err != nil {
		return &StateError{From: e.phase, To: phase, Err: err}
	}

	log.Info().Str("device", e.device).Msgf("Modify to %s", phase)
	e.phase = phase

	return nil
}

func (e *Endpoint) transitionAttributes(phase Phase) (*VerbsQPAttr, QPAttrMask) {
	attr := &VerbsQPAttr{State: phase.qpState()}

	switch phase {
	case PhaseInit:
		attr.PortNum = uint8(e.cfg.IBPort)
		attr.PKeyIndex = 0
		attr.QPAccessFlags = bufferAccess

		return attr, QPAttrState | QPAttrPKeyIndex | QPAttrPort | QPAttrAccessFlags

	case PhaseRTR:
		attr.PathMTU = rtrPathMTU
		attr.DestQPN = e.remote.QPNumber
		attr.RQPsn = 0
		attr.MaxDestRdAtomic = rtrMaxDestRdAtomic
		attr.MinRnrTimer = rtrMinRNRTimer
		attr.Path = VerbsAHAttr{
			DLID:        e.remote.LinkID,
			SL:          0,
			SrcPathBits: 0,
			PortNum:     uint8(e.cfg.IBPort),
			IsGlobal:    1,
			GRH: VerbsGlobalRoute{
				DGID:         e.remote.GlobalID,
				FlowLabel:    0,
				HopLimit:     grhHopLimit,
				SGIDIX:       uint8(e.cfg.GIDIndex),
				TrafficClass: 0,
			},
		}

		return attr, QPAttrState | QPAttrAV | QPAttrPathMTU | QPAttrDestQPN |
			QPAttrRQPSN | QPAttrMaxDestRdAtomic | QPAttrMinRNRTimer

	default:
		attr.SQPsn = 0
		attr.Timeout = rtsTimeout
		attr.RetryCnt = rtsRetryCount
		attr.RnrRetry = rtsRNRRetry
		attr.MaxRdAtomic = rtsMaxRdAtomic

		return attr, QPAttrState | QPAttrSQPSN | QPAttrTimeout | QPAttrRetryCnt |
			QPAttrRNRRetry | QPAttrMaxQPRdAtomic
	}
}

func (e *Endpoint) ready() error {
	if err := e.stateErr(); err != nil {
		return err
	}

	if e.phase != PhaseRTS {
		return fmt.Errorf("%w: queue pair is %s", ErrNotReady, e.phase)
	}

	return nil
}

func (e *Endpoint) nextRequestID() uint64 {
	id := e.requestID
	e.requestID++

	return id
}

// fill copies data into the buffer, NUL terminates it and zeroes the rest.
func (e *Endpoint) fill(data []byte) error {
	if len(data) > e.cfg.BufferSize-1 {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrMessageTooLarge, len(data), e.cfg.BufferSize-1)
	}

	buf := e.res.mr.Buf
	n := copy(buf, data)
	clear(buf[n:])

	return nil
}

func (e *Endpoint) message() []byte {
	buf := e.res.mr.Buf
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}

	return bytes.Clone(buf)
}

// Read fetches the peer's whole buffer into the local one and returns the
// text up to the first NUL.
func (e *Endpoint) Read(ctx context.Context) ([]byte, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	wrID, err := e.postSend(WROpRDMARead, nil)
	if err != nil {
		return nil, err
	}

	if err := e.pollCompletion(ctx, WROpRDMARead.String(), wrID); err != nil {
		return nil, err
	}

	return e.message(), nil
}

// Write places data in the local buffer and writes the whole buffer to the peer.
func (e *Endpoint) Write(ctx context.Context, data []byte) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	wrID, err := e.postSend(WROpRDMAWrite, data)
	if err != nil {
		return err
	}

	return e.pollCompletion(ctx, WROpRDMAWrite.String(), wrID)
}

// Send transmits data to the peer's posted receive.
func (e *Endpoint) Send(ctx context.Context, data []byte) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	wrID, err := e.postSend(WROpSend, data)
	if err != nil {
		return err
	}

	return e.pollCompletion(ctx, WROpSend.String(), wrID)
}

// Recv posts a receive for the whole buffer and waits for the peer's send.
func (e *Endpoint) Recv(ctx context.Context) ([]byte, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	wrID, err := e.postRecv()
	if err != nil {
		return nil, err
	}

	if err := e.pollCompletion(ctx, "RECV", wrID); err != nil {
		return nil, err
	}

	return e.message(), nil
}

func (e *Endpoint) wholeBuffer() VerbsSGE {
	return VerbsSGE{
		Addr:   e.res.mr.Addr,
		Length: uint32(e.res.mr.Length),
		LKey:   e.res.mr.LKey,
	}
}

// postSend stages data for WRITE and SEND, then posts the request. Reads
// ignore data.
func (e *Endpoint) postSend(op WROpcode, data []byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(); err != nil {
		return 0, err
	}

	if op != WROpRDMARead {
		if err := e.fill(data); err != nil {
			return 0, err
		}
	}

	wrID := e.nextRequestID()

	wr := &VerbsSendWR{
		WRID:      wrID,
		Opcode:    op,
		SendFlags: SendSignaled,
		SGList:    []VerbsSGE{e.wholeBuffer()},
	}

	if op == WROpRDMARead || op == WROpRDMAWrite {
		wr.RemoteAddr = e.remote.Addr
		wr.RKey = e.remote.RemoteKey
	}

	if err := e.backend.PostSend(e.res.qp, wr); err != nil {
		return 0, fmt.Errorf("post %s: %w", op, err)
	}

	log.Debug().Uint64("wr_id", wrID).Str("op", op.String()).Msg("Posted send request")

	return wrID, nil
}

func (e *Endpoint) postRecv() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(); err != nil {
		return 0, err
	}

	wrID := e.nextRequestID()

	err := e.backend.PostRecv(e.res.qp, &VerbsRecvWR{
		WRID:   wrID,
		SGList: []VerbsSGE{e.wholeBuffer()},
	})
	if err != nil {
		return 0, fmt.Errorf("post RECV: %w", err)
	}

	log.Debug().Uint64("wr_id", wrID).Msg("Posted RECV request")

	return wrID, nil
}

// pollCompletion spins until one completion arrives. The context and Close
// are only consulted between empty polls; a nil context never cancels. The
// caller holds opMu, which keeps the resources alive.
func (e *Endpoint) pollCompletion(ctx context.Context, op string, wrID uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		wcs, err := e.backend.PollCQ(e.res.cq, 1)
		if err != nil {
			return err
		}

		if len(wcs) == 1 {
			wc := wcs[0]

			if wc.Status != WCSuccess {
				log.Error().
					Str("op", op).
					Uint64("wr_id", wc.WRID).
					Str("status", wc.Status.String()).
					Msg("Work request failed")

				return &CompletionError{Op: op, WRID: wc.WRID, Status: wc.Status}
			}

			log.Debug().Str("op", op).Uint64("wr_id", wc.WRID).Msg("Finished work request")

			return nil
		}

		if e.closing.Load() {
			return fmt.Errorf("%w: %s wr_id %d abandoned", ErrEndpointClosed, op, wrID)
		}

		if err := ctx.Err(); err != nil {
			// The request is still owned by the HCA, so the buffer can no
			// longer be trusted.
			e.mu.Lock()
			e.state = stateFailed
			e.mu.Unlock()

			return fmt.Errorf("%w: %s wr_id %d: %w", ErrPollCancelled, op, wrID, err)
		}

		runtime.Gosched()
	}
}

// Close releases the queue pair, memory region, completion queue, protection
// domain and device, in that order. It is safe to call more than once.
// A data operation blocked in polling is abandoned with ErrEndpointClosed.
func (e *Endpoint) Close() error {
	e.closing.Store(true)

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateClosed {
		return nil
	}

	e.state = stateClosed
	e.phase = PhaseReset

	if err := e.res.release(e.backend); err != nil {
		return fmt.Errorf("release RDMA resources: %w", err)
	}

	return nil
}

// LocalAttributes returns the record derived at Init.
func (e *Endpoint) LocalAttributes() ConnectionAttributes {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.local
}

// RemoteAttributes returns the peer record and whether it has been set.
func (e *Endpoint) RemoteAttributes() (ConnectionAttributes, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.remote, e.remoteSet
}

// Phase returns the current queue pair phase.
func (e *Endpoint) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.phase
}

// Device returns the name of the opened device.
func (e *Endpoint) Device() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.device
}

// Buffer returns a copy of the whole registered buffer.
func (e *Endpoint) Buffer() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.res.mr == nil {
		return nil
	}

	return bytes.Clone(e.res.mr.Buf)
}

// Message returns the buffer contents up to the first NUL.
func (e *Endpoint) Message() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.res.mr == nil {
		return ""
	}

	return string(e.message())
}
