package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	simAddrBase   uint64 = 0x7f3a00000000
	simPageSize   uint64 = 4096
	simFirstQPN   uint32 = 0x11
	simGIDTableLn        = 4
	infiniteRetry uint8  = 7
)

// SimulatedVerbsBackend provides a simulated libibverbs implementation for testing.
//
// All queue pairs created on one backend share an in-process fabric: RDMA READ
// and WRITE copy between registered buffers, and SEND is matched against the
// receive queue of the destination QP. Several endpoints can therefore talk to
// each other as long as they use the same backend instance.
type SimulatedVerbsBackend struct {
	contexts    map[VerbsContext]*simulatedContext
	pds         map[VerbsPD]*simulatedPD
	cqs         map[VerbsCQ]*simulatedCQ
	qps         map[VerbsQP]*simulatedQP
	mrs         map[VerbsMR]*simulatedMR
	qpsByNum    map[uint32]*simulatedQP
	mrsByLKey   map[uint32]*simulatedMR
	mrsByRKey   map[uint32]*simulatedMR
	metrics     *verbsMetrics
	devices     []VerbsDeviceInfo
	nextHandle  uintptr
	nextAddr    uint64
	nextQPN     uint32
	mu          sync.RWMutex
	initialized bool
}

type simulatedContext struct {
	device *VerbsDeviceInfo
	index  int
}

type simulatedPD struct {
	ctx VerbsContext
}

type simulatedCQ struct {
	entries []simulatedCompletion
	ctx     VerbsContext
	size    int
	overrun bool
}

// simulatedCompletion remembers which work queue slot to release once the
// entry has been polled.
type simulatedCompletion struct {
	wc   VerbsWorkCompletion
	qp   VerbsQP
	recv bool
}

type simulatedQP struct {
	parked          []parkedSend
	waiting         []pendingWR
	recvQueue       []VerbsRecvWR
	attr            VerbsQPAttr
	handle          VerbsQP
	pd              VerbsPD
	sendCQ          VerbsCQ
	recvCQ          VerbsCQ
	qpType          QPType
	qpNum           uint32
	state           QPState
	cap             VerbsQPCap
	sigAll          bool
	outstandingSend uint32
	outstandingRecv uint32
}

// parkedSend is a SEND waiting for the destination to post a receive.
type parkedSend struct {
	data     []byte
	src      VerbsQP
	wrID     uint64
	signaled bool
}

// pendingWR is a request from src that is retrying because its destination
// has not reached RTR yet.
type pendingWR struct {
	wr       VerbsSendWR
	src      VerbsQP
	signaled bool
}

type simulatedMR struct {
	region *MemoryRegion
	pd     VerbsPD
}

type verbsMetrics struct {
	DevicesOpened int64
	PDsCreated    int64
	CQsCreated    int64
	QPsCreated    int64
	MRsRegistered int64
	SendsPosted   int64
	RecvsPosted   int64
	RDMAReads     int64
	RDMAWrites    int64
	Completions   int64
	Errors        int64
}

// NewSimulatedVerbsBackend creates a new simulated verbs backend.
func NewSimulatedVerbsBackend() *SimulatedVerbsBackend {
	b := &SimulatedVerbsBackend{metrics: &verbsMetrics{}}
	b.reset()

	return b
}

func (b *SimulatedVerbsBackend) reset() {
	b.contexts = make(map[VerbsContext]*simulatedContext)
	b.pds = make(map[VerbsPD]*simulatedPD)
	b.cqs = make(map[VerbsCQ]*simulatedCQ)
	b.qps = make(map[VerbsQP]*simulatedQP)
	b.mrs = make(map[VerbsMR]*simulatedMR)
	b.qpsByNum = make(map[uint32]*simulatedQP)
	b.mrsByLKey = make(map[uint32]*simulatedMR)
	b.mrsByRKey = make(map[uint32]*simulatedMR)
	b.nextAddr = simAddrBase
	b.nextQPN = simFirstQPN
}

func (b *SimulatedVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	// Create simulated RDMA devices
	b.devices = []VerbsDeviceInfo{
		{
			Name:         "mlx5_0",
			GUID:         0xDEADBEEF00000001,
			NodeType:     1,      // CA
			Transport:    1,      // InfiniBand
			VendorID:     0x15b3, // Mellanox
			VendorPartID: 0x1017, // ConnectX-5
			HWVer:        0,
			FWVer:        "16.35.2000",
			PhysPortCnt:  1,
		},
		{
			Name:         "mlx5_1",
			GUID:         0xDEADBEEF00000002,
			NodeType:     1,
			Transport:    1,
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			HWVer:        0,
			FWVer:        "16.35.2000",
			PhysPortCnt:  2,
		},
	}

	b.initialized = true

	return nil
}

func (b *SimulatedVerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
	b.initialized = false

	return nil
}

func (b *SimulatedVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]VerbsDeviceInfo, len(b.devices))
	copy(result, b.devices)

	return result, nil
}

func (b *SimulatedVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	for i := range b.devices {
		if b.devices[i].Name != name {
			continue
		}

		b.nextHandle++
		ctx := VerbsContext(b.nextHandle)
		b.contexts[ctx] = &simulatedContext{device: &b.devices[i], index: i}
		atomic.AddInt64(&b.metrics.DevicesOpened, 1)

		return ctx, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

func (b *SimulatedVerbsBackend) CloseDevice(ctx VerbsContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return fmt.Errorf("%w: context %d", ErrUnknownHandle, ctx)
	}

	for _, pd := range b.pds {
		if pd.ctx == ctx {
			return fmt.Errorf("%w: context %d has protection domains", ErrResourceBusy, ctx)
		}
	}

	for _, cq := range b.cqs {
		if cq.ctx == ctx {
			return fmt.Errorf("%w: context %d has completion queues", ErrResourceBusy, ctx)
		}
	}

	delete(b.contexts, ctx)

	return nil
}

func (b *SimulatedVerbsBackend) QueryDevice(ctx VerbsContext) (*VerbsDeviceAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, fmt.Errorf("%w: context %d", ErrQueryDevice, ctx)
	}

	return &VerbsDeviceAttr{
		FWVer:       c.device.FWVer,
		MaxQP:       131072,
		MaxQPWR:     32768,
		MaxCQ:       16777216,
		MaxCQE:      4194303,
		MaxMR:       16777216,
		MaxPD:       16777216,
		MaxSGE:      30,
		PhysPortCnt: c.device.PhysPortCnt,
	}, nil
}

func (b *SimulatedVerbsBackend) QueryPort(ctx VerbsContext, port int) (*VerbsPortAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.contexts[ctx]
	if !ok || port < 1 || port > c.device.PhysPortCnt {
		return nil, fmt.Errorf("%w: port %d", ErrQueryPort, port)
	}

	return &VerbsPortAttr{
		State:       PortActive,
		MaxMTU:      MTU4096,
		ActiveMTU:   MTU4096,
		GIDTableLen: simGIDTableLn,
		LID:         uint16(c.index*16 + port),
		LinkLayer:   1, // InfiniBand
	}, nil
}

// QueryGID returns a link-local GID built from the device GUID at index 0 and
// IPv4-mapped GIDs above it.
func (b *SimulatedVerbsBackend) QueryGID(ctx VerbsContext, port, index int) ([16]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var gid [16]byte

	c, ok := b.contexts[ctx]
	if !ok || port < 1 || port > c.device.PhysPortCnt || index < 0 || index >= simGIDTableLn {
		return gid, fmt.Errorf("%w: port %d index %d", ErrQueryGID, port, index)
	}

	if index == 0 {
		gid[0], gid[1] = 0xfe, 0x80
		guid := c.device.GUID
		for i := 15; i >= 8; i-- {
			gid[i] = byte(guid)
			guid >>= 8
		}

		return gid, nil
	}

	gid[10], gid[11] = 0xff, 0xff
	gid[12], gid[13], gid[14], gid[15] = 192, 168, byte(c.index*16+port), byte(index)

	return gid, nil
}

func (b *SimulatedVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrPDCreation
	}

	b.nextHandle++
	pd := VerbsPD(b.nextHandle)
	b.pds[pd] = &simulatedPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return fmt.Errorf("%w: pd %d", ErrUnknownHandle, pd)
	}

	for _, qp := range b.qps {
		if qp.pd == pd {
			return fmt.Errorf("%w: pd %d has queue pairs", ErrResourceBusy, pd)
		}
	}

	for _, mr := range b.mrs {
		if mr.pd == pd {
			return fmt.Errorf("%w: pd %d has memory regions", ErrResourceBusy, pd)
		}
	}

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedVerbsBackend) RegMR(pd VerbsPD, length int, access int) (*MemoryRegion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return nil, fmt.Errorf("%w: pd %d", ErrMRCreation, pd)
	}

	if length <= 0 {
		return nil, fmt.Errorf("%w: invalid length %d", ErrMRCreation, length)
	}

	// Remote write without local write is rejected by the kernel as well.
	if access&MRAccessRemoteWrite != 0 && access&MRAccessLocalWrite == 0 {
		return nil, fmt.Errorf("%w: remote write requires local write", ErrMRCreation)
	}

	b.nextHandle++
	handle := VerbsMR(b.nextHandle)
	key := uint32(handle) << 8

	region := &MemoryRegion{
		Buf:    make([]byte, length),
		Handle: handle,
		Addr:   b.nextAddr,
		Length: length,
		Access: access,
		LKey:   key | 0x01,
		RKey:   key | 0x02,
	}

	// Leave a guard page between regions so off-by-one accesses fault.
	pages := (uint64(length) + simPageSize - 1) / simPageSize
	b.nextAddr += (pages + 1) * simPageSize

	mr := &simulatedMR{region: region, pd: pd}
	b.mrs[handle] = mr
	b.mrsByLKey[region.LKey] = mr
	b.mrsByRKey[region.RKey] = mr
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return region, nil
}

func (b *SimulatedVerbsBackend) DeregMR(region *MemoryRegion) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if region == nil {
		return fmt.Errorf("%w: nil memory region", ErrUnknownHandle)
	}

	mr, ok := b.mrs[region.Handle]
	if !ok {
		return fmt.Errorf("%w: mr %d", ErrUnknownHandle, region.Handle)
	}

	delete(b.mrs, region.Handle)
	delete(b.mrsByLKey, mr.region.LKey)
	delete(b.mrsByRKey, mr.region.RKey)

	return nil
}

func (b *SimulatedVerbsBackend) CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrCQCreation
	}

	if cqe < 1 {
		return 0, fmt.Errorf("%w: invalid cqe %d", ErrCQCreation, cqe)
	}

	b.nextHandle++
	cq := VerbsCQ(b.nextHandle)
	b.cqs[cq] = &simulatedCQ{
		ctx:     ctx,
		size:    cqe,
		entries: make([]simulatedCompletion, 0, cqe),
	}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.cqs[cq]; !ok {
		return fmt.Errorf("%w: cq %d", ErrUnknownHandle, cq)
	}

	for _, qp := range b.qps {
		if qp.sendCQ == cq || qp.recvCQ == cq {
			return fmt.Errorf("%w: cq %d is attached to qp %d", ErrResourceBusy, cq, qp.qpNum)
		}
	}

	delete(b.cqs, cq)

	return nil
}

func (b *SimulatedVerbsBackend) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return nil, fmt.Errorf("%w: cq %d", ErrPollCQ, cq)
	}

	if simCQ.overrun {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return nil, fmt.Errorf("%w: cq %d overrun", ErrPollCQ, cq)
	}

	count := min(numEntries, len(simCQ.entries))
	if count <= 0 {
		return nil, nil
	}

	result := make([]VerbsWorkCompletion, count)

	for i, entry := range simCQ.entries[:count] {
		result[i] = entry.wc

		// Polling frees the work queue slot.
		if qp, ok := b.qps[entry.qp]; ok {
			if entry.recv {
				qp.outstandingRecv--
			} else {
				qp.outstandingSend--
			}
		}
	}

	simCQ.entries = append(simCQ.entries[:0], simCQ.entries[count:]...)
	atomic.AddInt64(&b.metrics.Completions, int64(count))

	return result, nil
}

func (b *SimulatedVerbsBackend) CreateQP(pd VerbsPD, initAttr *VerbsQPInitAttr) (VerbsQP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if initAttr == nil {
		return 0, fmt.Errorf("%w: missing init attributes", ErrQPCreation)
	}

	if _, ok := b.pds[pd]; !ok {
		return 0, fmt.Errorf("%w: pd %d", ErrQPCreation, pd)
	}

	if _, ok := b.cqs[initAttr.SendCQ]; !ok {
		return 0, fmt.Errorf("%w: send cq %d", ErrQPCreation, initAttr.SendCQ)
	}

	if _, ok := b.cqs[initAttr.RecvCQ]; !ok {
		return 0, fmt.Errorf("%w: recv cq %d", ErrQPCreation, initAttr.RecvCQ)
	}

	if initAttr.QPType != QPTypeRC {
		return 0, fmt.Errorf("%w: simulated fabric only supports RC", ErrQPCreation)
	}

	if initAttr.Cap.MaxSendWR == 0 || initAttr.Cap.MaxRecvWR == 0 || initAttr.Cap.MaxSendSge == 0 || initAttr.Cap.MaxRecvSge == 0 {
		return 0, fmt.Errorf("%w: zero capacity", ErrQPCreation)
	}

	b.nextHandle++
	handle := VerbsQP(b.nextHandle)
	qpNum := b.nextQPN
	b.nextQPN++

	simQP := &simulatedQP{
		handle: handle,
		pd:     pd,
		sendCQ: initAttr.SendCQ,
		recvCQ: initAttr.RecvCQ,
		qpType: initAttr.QPType,
		qpNum:  qpNum,
		state:  QPStateReset,
		cap:    initAttr.Cap,
		sigAll: initAttr.SigAll,
	}
	b.qps[handle] = simQP
	b.qpsByNum[qpNum] = simQP
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return handle, nil
}

func (b *SimulatedVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return fmt.Errorf("%w: qp %d", ErrUnknownHandle, qp)
	}

	b.abandon(simQP)
	b.forget(qp)

	delete(b.qps, qp)
	delete(b.qpsByNum, simQP.qpNum)

	return nil
}

var (
	initRequired = QPAttrState | QPAttrPKeyIndex | QPAttrPort | QPAttrAccessFlags
	rtrRequired  = QPAttrState | QPAttrAV | QPAttrPathMTU | QPAttrDestQPN |
		QPAttrRQPSN | QPAttrMaxDestRdAtomic | QPAttrMinRNRTimer
	rtsRequired = QPAttrState | QPAttrSQPSN | QPAttrTimeout | QPAttrRetryCnt |
		QPAttrRNRRetry | QPAttrMaxQPRdAtomic
)

func (b *SimulatedVerbsBackend) ModifyQP(qp VerbsQP, attr *VerbsQPAttr, mask QPAttrMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return fmt.Errorf("%w: %w: qp %d", ErrModifyQP, ErrUnknownHandle, qp)
	}

	if attr == nil {
		return fmt.Errorf("%w: missing attributes", ErrModifyQP)
	}

	from, to := simQP.state, simQP.state
	if mask.Has(QPAttrState) {
		to = attr.State
	}

	var required QPAttrMask

	switch {
	case to == QPStateReset || to == QPStateErr:
		required = QPAttrState
	case from == QPStateReset && to == QPStateInit:
		required = initRequired
	case from == QPStateInit && to == QPStateInit:
		required = 0
	case from == QPStateInit && to == QPStateRTR:
		required = rtrRequired
	case from == QPStateRTR && to == QPStateRTS:
		required = rtsRequired
	case from == QPStateRTS && to == QPStateRTS:
		required = 0
	default:
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrModifyQP, from, to)
	}

	if !mask.Has(required) {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: %s -> %s missing attributes (mask %#x, need %#x)",
			ErrModifyQP, from, to, int(mask), int(required))
	}

	if mask.Has(QPAttrPort) {
		pd := b.pds[simQP.pd]
		dev := b.contexts[pd.ctx].device

		if int(attr.PortNum) < 1 || int(attr.PortNum) > dev.PhysPortCnt {
			return fmt.Errorf("%w: port %d out of range", ErrModifyQP, attr.PortNum)
		}
	}

	if mask.Has(QPAttrDestQPN) {
		if _, ok := b.qpsByNum[attr.DestQPN]; !ok {
			return fmt.Errorf("%w: destination qp %#x does not exist", ErrModifyQP, attr.DestQPN)
		}
	}

	if mask.Has(QPAttrPathMTU) && attr.PathMTU.Bytes() == 0 {
		return fmt.Errorf("%w: invalid path mtu %d", ErrModifyQP, attr.PathMTU)
	}

	simQP.apply(attr, mask)
	simQP.state = to

	if to == QPStateReset {
		b.abandon(simQP)
		b.forget(qp)

		simQP.recvQueue = nil
		simQP.outstandingRecv = 0
		simQP.outstandingSend = 0
		simQP.attr = VerbsQPAttr{}
	}

	if (to == QPStateRTR || to == QPStateRTS) && len(simQP.waiting) > 0 {
		b.replay(simQP)
	}

	return nil
}

// abandon fails every request waiting on q. Their senders run out of retries.
func (b *SimulatedVerbsBackend) abandon(q *simulatedQP) {
	for _, p := range q.parked {
		b.completeSend(p.src, p.wrID, WCOpSend, 0, WCRetryExcErr, p.signaled)
	}

	for _, p := range q.waiting {
		b.completeSend(p.src, p.wr.WRID, wcOpcode(p.wr.Opcode), 0, WCRetryExcErr, p.signaled)
	}

	q.parked = nil
	q.waiting = nil
}

// forget drops requests that src has pending on other queue pairs.
func (b *SimulatedVerbsBackend) forget(src VerbsQP) {
	for _, other := range b.qps {
		parked := other.parked[:0]

		for _, p := range other.parked {
			if p.src != src {
				parked = append(parked, p)
			}
		}

		other.parked = parked

		waiting := other.waiting[:0]

		for _, p := range other.waiting {
			if p.src != src {
				waiting = append(waiting, p)
			}
		}

		other.waiting = waiting
	}
}

// replay runs the requests that were retrying against dst before it reached
// RTR, in posting order.
func (b *SimulatedVerbsBackend) replay(dst *simulatedQP) {
	waiting := dst.waiting
	dst.waiting = nil

	for i := range waiting {
		p := &waiting[i]

		src, ok := b.qps[p.src]
		if !ok || src.state != QPStateRTS {
			continue
		}

		b.exec(src, &p.wr, p.signaled)
	}
}

func (q *simulatedQP) apply(attr *VerbsQPAttr, mask QPAttrMask) {
	if mask.Has(QPAttrAccessFlags) {
		q.attr.QPAccessFlags = attr.QPAccessFlags
	}

	if mask.Has(QPAttrPKeyIndex) {
		q.attr.PKeyIndex = attr.PKeyIndex
	}

	if mask.Has(QPAttrPort) {
		q.attr.PortNum = attr.PortNum
	}

	if mask.Has(QPAttrAV) {
		q.attr.Path = attr.Path
	}

	if mask.Has(QPAttrPathMTU) {
		q.attr.PathMTU = attr.PathMTU
	}

	if mask.Has(QPAttrTimeout) {
		q.attr.Timeout = attr.Timeout
	}

	if mask.Has(QPAttrRetryCnt) {
		q.attr.RetryCnt = attr.RetryCnt
	}

	if mask.Has(QPAttrRNRRetry) {
		q.attr.RnrRetry = attr.RnrRetry
	}

	if mask.Has(QPAttrRQPSN) {
		q.attr.RQPsn = attr.RQPsn
	}

	if mask.Has(QPAttrMaxQPRdAtomic) {
		q.attr.MaxRdAtomic = attr.MaxRdAtomic
	}

	if mask.Has(QPAttrMinRNRTimer) {
		q.attr.MinRnrTimer = attr.MinRnrTimer
	}

	if mask.Has(QPAttrSQPSN) {
		q.attr.SQPsn = attr.SQPsn
	}

	if mask.Has(QPAttrMaxDestRdAtomic) {
		q.attr.MaxDestRdAtomic = attr.MaxDestRdAtomic
	}

	if mask.Has(QPAttrDestQPN) {
		q.attr.DestQPN = attr.DestQPN
	}
}

func (b *SimulatedVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return nil, fmt.Errorf("%w: qp %d", ErrUnknownHandle, qp)
	}

	attr := simQP.attr
	attr.State = simQP.state
	attr.CurState = simQP.state
	attr.QPN = simQP.qpNum
	attr.Cap = simQP.cap

	return &attr, nil
}

func (b *SimulatedVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return fmt.Errorf("%w: %w: qp %d", ErrPostSend, ErrUnknownHandle, qp)
	}

	if wr == nil {
		return fmt.Errorf("%w: missing work request", ErrPostSend)
	}

	if simQP.state != QPStateRTS {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: qp %#x is in state %s", ErrPostSend, simQP.qpNum, simQP.state)
	}

	if uint32(len(wr.SGList)) > simQP.cap.MaxSendSge {
		return fmt.Errorf("%w: %d SGEs exceed max %d", ErrPostSend, len(wr.SGList), simQP.cap.MaxSendSge)
	}

	if simQP.outstandingSend >= simQP.cap.MaxSendWR {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: send queue full", ErrPostSend)
	}

	switch wr.Opcode {
	case WROpRDMAWrite:
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)
	case WROpRDMARead:
		atomic.AddInt64(&b.metrics.RDMAReads, 1)
	case WROpSend:
		atomic.AddInt64(&b.metrics.SendsPosted, 1)
	default:
		return fmt.Errorf("%w: unsupported opcode %s", ErrPostSend, wr.Opcode)
	}

	simQP.outstandingSend++
	b.exec(simQP, wr, simQP.sigAll || wr.SendFlags&SendSignaled != 0)

	return nil
}

func (b *SimulatedVerbsBackend) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return fmt.Errorf("%w: %w: qp %d", ErrPostRecv, ErrUnknownHandle, qp)
	}

	if wr == nil {
		return fmt.Errorf("%w: missing work request", ErrPostRecv)
	}

	if simQP.state == QPStateReset {
		return fmt.Errorf("%w: qp %#x is in state %s", ErrPostRecv, simQP.qpNum, simQP.state)
	}

	if uint32(len(wr.SGList)) > simQP.cap.MaxRecvSge {
		return fmt.Errorf("%w: %d SGEs exceed max %d", ErrPostRecv, len(wr.SGList), simQP.cap.MaxRecvSge)
	}

	if simQP.outstandingRecv >= simQP.cap.MaxRecvWR {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: receive queue full", ErrPostRecv)
	}

	simQP.outstandingRecv++
	simQP.recvQueue = append(simQP.recvQueue, *wr)
	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	// A sender retrying on RNR gets through as soon as a buffer appears.
	if len(simQP.parked) > 0 {
		p := simQP.parked[0]
		simQP.parked = simQP.parked[1:]
		b.deliver(simQP, p)
	}

	return nil
}

func (b *SimulatedVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      true,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":   atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":   atomic.LoadInt64(&b.metrics.RecvsPosted),
		"rdma_reads":     atomic.LoadInt64(&b.metrics.RDMAReads),
		"rdma_writes":    atomic.LoadInt64(&b.metrics.RDMAWrites),
		"completions":    atomic.LoadInt64(&b.metrics.Completions),
		"errors":         atomic.LoadInt64(&b.metrics.Errors),
	}
}

func (b *SimulatedVerbsBackend) exec(q *simulatedQP, wr *VerbsSendWR, signaled bool) {
	switch wr.Opcode {
	case WROpRDMAWrite:
		b.execWrite(q, wr, signaled)
	case WROpRDMARead:
		b.execRead(q, wr, signaled)
	case WROpSend:
		b.execSend(q, wr, signaled)
	}
}

func wcOpcode(op WROpcode) WCOpcode {
	switch op {
	case WROpRDMARead:
		return WCOpRDMARead
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		return WCOpRDMAWrite
	default:
		return WCOpSend
	}
}

// peer resolves the connected QP. While the peer is still in RESET or INIT
// and q has transport retries, the request waits on the peer and is replayed
// once it reaches RTR. A missing or failed peer is a transport timeout. A nil
// result means the request has been taken care of.
func (b *SimulatedVerbsBackend) peer(q *simulatedQP, wr *VerbsSendWR, signaled bool) *simulatedQP {
	dst, ok := b.qpsByNum[q.attr.DestQPN]

	switch {
	case ok && (dst.state == QPStateRTR || dst.state == QPStateRTS):
		return dst
	case ok && q.attr.RetryCnt > 0 && (dst.state == QPStateReset || dst.state == QPStateInit):
		pending := pendingWR{wr: *wr, src: q.handle, signaled: signaled}
		pending.wr.SGList = append([]VerbsSGE(nil), wr.SGList...)
		dst.waiting = append(dst.waiting, pending)
	default:
		b.completeSend(q.handle, wr.WRID, wcOpcode(wr.Opcode), 0, WCRetryExcErr, signaled)
	}

	return nil
}

// remote resolves an rkey/address range on the peer, checking access rights.
func (b *SimulatedVerbsBackend) remote(dst *simulatedQP, addr uint64, rkey uint32, length int, access int) ([]byte, WCStatus) {
	mr, ok := b.mrsByRKey[rkey]
	if !ok || mr.pd != dst.pd || mr.region.Access&access != access {
		return nil, WCRemoteAccessErr
	}

	r := mr.region
	if addr < r.Addr || addr+uint64(length) > r.Addr+uint64(r.Length) {
		return nil, WCRemoteAccessErr
	}

	off := addr - r.Addr

	return r.Buf[off : off+uint64(length)], WCSuccess
}

// local resolves one scatter/gather entry against the QP's protection domain.
func (b *SimulatedVerbsBackend) local(q *simulatedQP, sge VerbsSGE, write bool) ([]byte, WCStatus) {
	mr, ok := b.mrsByLKey[sge.LKey]
	if !ok || mr.pd != q.pd {
		return nil, WCLocalProtErr
	}

	if write && mr.region.Access&MRAccessLocalWrite == 0 {
		return nil, WCLocalProtErr
	}

	r := mr.region
	if sge.Addr < r.Addr || sge.Addr+uint64(sge.Length) > r.Addr+uint64(r.Length) {
		return nil, WCLocalProtErr
	}

	off := sge.Addr - r.Addr

	return r.Buf[off : off+uint64(sge.Length)], WCSuccess
}

func (b *SimulatedVerbsBackend) gather(q *simulatedQP, sges []VerbsSGE) ([]byte, WCStatus) {
	var data []byte

	for _, sge := range sges {
		seg, status := b.local(q, sge, false)
		if status != WCSuccess {
			return nil, status
		}

		data = append(data, seg...)
	}

	return data, WCSuccess
}

func (b *SimulatedVerbsBackend) scatter(q *simulatedQP, sges []VerbsSGE, data []byte) WCStatus {
	var capacity int

	segs := make([][]byte, 0, len(sges))

	for _, sge := range sges {
		seg, status := b.local(q, sge, true)
		if status != WCSuccess {
			return status
		}

		segs = append(segs, seg)
		capacity += len(seg)
	}

	if capacity < len(data) {
		return WCLocalLenErr
	}

	for _, seg := range segs {
		n := copy(seg, data)
		data = data[n:]
	}

	return WCSuccess
}

func sgeLength(sges []VerbsSGE) int {
	var n int
	for _, sge := range sges {
		n += int(sge.Length)
	}

	return n
}

func (b *SimulatedVerbsBackend) execWrite(q *simulatedQP, wr *VerbsSendWR, signaled bool) {
	dst := b.peer(q, wr, signaled)
	if dst == nil {
		return
	}

	data, status := b.gather(q, wr.SGList)
	if status != WCSuccess {
		b.completeSend(q.handle, wr.WRID, WCOpRDMAWrite, 0, status, signaled)
		return
	}

	target, status := b.remote(dst, wr.RemoteAddr, wr.RKey, len(data), MRAccessRemoteWrite)
	if status != WCSuccess {
		b.completeSend(q.handle, wr.WRID, WCOpRDMAWrite, 0, status, signaled)
		return
	}

	copy(target, data)
	b.completeSend(q.handle, wr.WRID, WCOpRDMAWrite, uint32(len(data)), WCSuccess, signaled)
}

func (b *SimulatedVerbsBackend) execRead(q *simulatedQP, wr *VerbsSendWR, signaled bool) {
	dst := b.peer(q, wr, signaled)
	if dst == nil {
		return
	}

	length := sgeLength(wr.SGList)

	source, status := b.remote(dst, wr.RemoteAddr, wr.RKey, length, MRAccessRemoteRead)
	if status != WCSuccess {
		b.completeSend(q.handle, wr.WRID, WCOpRDMARead, 0, status, signaled)
		return
	}

	status = b.scatter(q, wr.SGList, source)
	b.completeSend(q.handle, wr.WRID, WCOpRDMARead, uint32(length), status, signaled)
}

func (b *SimulatedVerbsBackend) execSend(q *simulatedQP, wr *VerbsSendWR, signaled bool) {
	dst := b.peer(q, wr, signaled)
	if dst == nil {
		return
	}

	data, status := b.gather(q, wr.SGList)
	if status != WCSuccess {
		b.completeSend(q.handle, wr.WRID, WCOpSend, 0, status, signaled)
		return
	}

	p := parkedSend{data: data, src: q.handle, wrID: wr.WRID, signaled: signaled}

	if len(dst.recvQueue) > 0 {
		b.deliver(dst, p)
		return
	}

	if q.attr.RnrRetry == infiniteRetry {
		dst.parked = append(dst.parked, p)
		return
	}

	b.completeSend(q.handle, wr.WRID, WCOpSend, 0, WCRnrRetryExcErr, signaled)
	q.state = QPStateErr
}

// deliver consumes the head receive of dst for a SEND from p.src.
func (b *SimulatedVerbsBackend) deliver(dst *simulatedQP, p parkedSend) {
	recv := dst.recvQueue[0]
	dst.recvQueue = dst.recvQueue[1:]

	status := b.scatter(dst, recv.SGList, p.data)

	var srcNum uint32
	if src, ok := b.qps[p.src]; ok {
		srcNum = src.qpNum
	}

	b.push(dst.recvCQ, simulatedCompletion{
		wc: VerbsWorkCompletion{
			WRID:    recv.WRID,
			Status:  status,
			Opcode:  WCOpRecv,
			ByteLen: uint32(len(p.data)),
			QPN:     dst.qpNum,
			SrcQP:   srcNum,
		},
		qp:   dst.handle,
		recv: true,
	})

	sendStatus := WCSuccess
	if status != WCSuccess {
		sendStatus = WCRemoteInvalidReqErr
	}

	b.completeSend(p.src, p.wrID, WCOpSend, uint32(len(p.data)), sendStatus, p.signaled)
}

// completeSend reports a send queue completion. Unsignaled successes release
// their slot immediately; errors always generate an entry.
func (b *SimulatedVerbsBackend) completeSend(qp VerbsQP, wrID uint64, op WCOpcode, n uint32, status WCStatus, signaled bool) {
	q, ok := b.qps[qp]
	if !ok {
		return
	}

	if status != WCSuccess {
		atomic.AddInt64(&b.metrics.Errors, 1)
	}

	if !signaled && status == WCSuccess {
		q.outstandingSend--
		return
	}

	b.push(q.sendCQ, simulatedCompletion{
		wc: VerbsWorkCompletion{
			WRID:    wrID,
			Status:  status,
			Opcode:  op,
			ByteLen: n,
			QPN:     q.qpNum,
		},
		qp: qp,
	})
}

func (b *SimulatedVerbsBackend) push(cq VerbsCQ, entry simulatedCompletion) {
	simCQ, ok := b.cqs[cq]
	if !ok {
		return
	}

	if len(simCQ.entries) >= simCQ.size {
		simCQ.overrun = true
		return
	}

	simCQ.entries = append(simCQ.entries, entry)
}
