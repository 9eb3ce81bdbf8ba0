//go:build rdma_hw

package rdma

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

// ibv_query_port and ibv_reg_mr are macros in recent rdma-core headers.
static int rl_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}

static struct ibv_mr *rl_reg_mr(struct ibv_pd *pd, void *buf, size_t len, int access) {
	return ibv_reg_mr(pd, buf, len, access);
}

static void *rl_alloc(size_t len) {
	void *p = NULL;
	if (posix_memalign(&p, 4096, len) != 0) {
		return NULL;
	}
	memset(p, 0, len);
	return p;
}

// Work requests are built on the C stack so no Go pointer reaches the driver.
static int rl_post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode, int flags,
		uint64_t addr, uint32_t length, uint32_t lkey, uint64_t remote_addr, uint32_t rkey) {
	struct ibv_sge sge;
	struct ibv_send_wr wr;
	struct ibv_send_wr *bad_wr = NULL;

	memset(&sge, 0, sizeof(sge));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = opcode;
	wr.send_flags = flags;
	wr.wr.rdma.remote_addr = remote_addr;
	wr.wr.rdma.rkey = rkey;

	return ibv_post_send(qp, &wr, &bad_wr);
}

static int rl_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
	struct ibv_sge sge;
	struct ibv_recv_wr wr;
	struct ibv_recv_wr *bad_wr = NULL;

	memset(&sge, 0, sizeof(sge));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;

	return ibv_post_recv(qp, &wr, &bad_wr);
}
*/
import "C"

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// HardwareVerbsBackend drives a real HCA through libibverbs.
type HardwareVerbsBackend struct {
	contexts    map[VerbsContext]*C.struct_ibv_context
	pds         map[VerbsPD]*C.struct_ibv_pd
	cqs         map[VerbsCQ]*C.struct_ibv_cq
	qps         map[VerbsQP]*C.struct_ibv_qp
	mrs         map[VerbsMR]hwMR
	metrics     *verbsMetrics
	nextHandle  uintptr
	mu          sync.RWMutex
	initialized bool
}

type hwMR struct {
	mr  *C.struct_ibv_mr
	buf unsafe.Pointer
}

// NewHardwareVerbsBackend creates a libibverbs backed implementation.
func NewHardwareVerbsBackend() *HardwareVerbsBackend {
	return &HardwareVerbsBackend{
		contexts: make(map[VerbsContext]*C.struct_ibv_context),
		pds:      make(map[VerbsPD]*C.struct_ibv_pd),
		cqs:      make(map[VerbsCQ]*C.struct_ibv_cq),
		qps:      make(map[VerbsQP]*C.struct_ibv_qp),
		mrs:      make(map[VerbsMR]hwMR),
		metrics:  &verbsMetrics{},
	}
}

func errnoError(call string, ret C.int, err error) error {
	if ret > 0 {
		return os.NewSyscallError(call, syscall.Errno(ret))
	}

	if err != nil {
		return os.NewSyscallError(call, err)
	}

	return fmt.Errorf("%s: unknown error", call)
}

func (b *HardwareVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	if ret, err := C.ibv_fork_init(); ret != 0 {
		return fmt.Errorf("%w: %w", ErrVerbsNotInitialized, errnoError("ibv_fork_init", ret, err))
	}

	b.initialized = true

	return nil
}

func (b *HardwareVerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initialized = false

	return nil
}

func (b *HardwareVerbsBackend) deviceList() ([]*C.struct_ibv_device, func(), error) {
	var num C.int

	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDeviceNotFound, errnoError("ibv_get_device_list", 0, err))
	}

	devices := unsafe.Slice((**C.struct_ibv_device)(unsafe.Pointer(list)), int(num))

	return devices, func() { C.ibv_free_device_list(list) }, nil
}

func (b *HardwareVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	if !b.isInitialized() {
		return nil, ErrVerbsNotInitialized
	}

	devices, free, err := b.deviceList()
	if err != nil {
		return nil, err
	}
	defer free()

	result := make([]VerbsDeviceInfo, 0, len(devices))

	for _, dev := range devices {
		info := VerbsDeviceInfo{
			Name:      C.GoString(C.ibv_get_device_name(dev)),
			GUID:      uint64(C.ibv_get_device_guid(dev)),
			NodeType:  int(dev.node_type),
			Transport: int(dev.transport_type),
		}

		// Attributes are best effort: a device we cannot open is still listed.
		if ctx := C.ibv_open_device(dev); ctx != nil {
			var attr C.struct_ibv_device_attr
			if C.ibv_query_device(ctx, &attr) == 0 {
				info.FWVer = C.GoString(&attr.fw_ver[0])
				info.PhysPortCnt = int(attr.phys_port_cnt)
				info.VendorID = uint32(attr.vendor_id)
				info.VendorPartID = uint32(attr.vendor_part_id)
				info.HWVer = uint32(attr.hw_ver)
			}
			C.ibv_close_device(ctx)
		}

		result = append(result, info)
	}

	return result, nil
}

func (b *HardwareVerbsBackend) isInitialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.initialized
}

func (b *HardwareVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	if !b.isInitialized() {
		return 0, ErrVerbsNotInitialized
	}

	devices, free, err := b.deviceList()
	if err != nil {
		return 0, err
	}
	defer free()

	for _, dev := range devices {
		if C.GoString(C.ibv_get_device_name(dev)) != name {
			continue
		}

		ctx, err := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, fmt.Errorf("%w: %w", ErrContextCreation, errnoError("ibv_open_device", 0, err))
		}

		b.mu.Lock()
		b.nextHandle++
		handle := VerbsContext(b.nextHandle)
		b.contexts[handle] = ctx
		b.mu.Unlock()

		atomic.AddInt64(&b.metrics.DevicesOpened, 1)

		return handle, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

func (b *HardwareVerbsBackend) CloseDevice(ctx VerbsContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return fmt.Errorf("%w: context %d", ErrUnknownHandle, ctx)
	}

	if ret, err := C.ibv_close_device(c); ret != 0 {
		return errnoError("ibv_close_device", ret, err)
	}

	delete(b.contexts, ctx)

	return nil
}

func (b *HardwareVerbsBackend) context(ctx VerbsContext) (*C.struct_ibv_context, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.contexts[ctx]

	return c, ok
}

func (b *HardwareVerbsBackend) QueryDevice(ctx VerbsContext) (*VerbsDeviceAttr, error) {
	c, ok := b.context(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: context %d", ErrQueryDevice, ctx)
	}

	var attr C.struct_ibv_device_attr
	if ret, err := C.ibv_query_device(c, &attr); ret != 0 {
		return nil, fmt.Errorf("%w: %w", ErrQueryDevice, errnoError("ibv_query_device", ret, err))
	}

	return &VerbsDeviceAttr{
		FWVer:       C.GoString(&attr.fw_ver[0]),
		MaxQP:       int(attr.max_qp),
		MaxQPWR:     int(attr.max_qp_wr),
		MaxCQ:       int(attr.max_cq),
		MaxCQE:      int(attr.max_cqe),
		MaxMR:       int(attr.max_mr),
		MaxPD:       int(attr.max_pd),
		MaxSGE:      int(attr.max_sge),
		PhysPortCnt: int(attr.phys_port_cnt),
	}, nil
}

func (b *HardwareVerbsBackend) QueryPort(ctx VerbsContext, port int) (*VerbsPortAttr, error) {
	c, ok := b.context(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: context %d", ErrQueryPort, ctx)
	}

	var attr C.struct_ibv_port_attr
	if ret, err := C.rl_query_port(c, C.uint8_t(port), &attr); ret != 0 {
		return nil, fmt.Errorf("%w: %w", ErrQueryPort, errnoError("ibv_query_port", ret, err))
	}

	return &VerbsPortAttr{
		State:       PortState(attr.state),
		MaxMTU:      MTU(attr.max_mtu),
		ActiveMTU:   MTU(attr.active_mtu),
		GIDTableLen: int(attr.gid_tbl_len),
		LID:         uint16(attr.lid),
		LinkLayer:   uint8(attr.link_layer),
	}, nil
}

func (b *HardwareVerbsBackend) QueryGID(ctx VerbsContext, port, index int) ([16]byte, error) {
	var gid [16]byte

	c, ok := b.context(ctx)
	if !ok {
		return gid, fmt.Errorf("%w: context %d", ErrQueryGID, ctx)
	}

	var raw C.union_ibv_gid
	if ret, err := C.ibv_query_gid(c, C.uint8_t(port), C.int(index), &raw); ret != 0 {
		return gid, fmt.Errorf("%w: %w", ErrQueryGID, errnoError("ibv_query_gid", ret, err))
	}

	gid = *(*[16]byte)(unsafe.Pointer(&raw))

	return gid, nil
}

func (b *HardwareVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	c, ok := b.context(ctx)
	if !ok {
		return 0, fmt.Errorf("%w: context %d", ErrPDCreation, ctx)
	}

	pd, err := C.ibv_alloc_pd(c)
	if pd == nil {
		return 0, fmt.Errorf("%w: %w", ErrPDCreation, errnoError("ibv_alloc_pd", 0, err))
	}

	b.mu.Lock()
	b.nextHandle++
	handle := VerbsPD(b.nextHandle)
	b.pds[handle] = pd
	b.mu.Unlock()

	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return handle, nil
}

func (b *HardwareVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return fmt.Errorf("%w: pd %d", ErrUnknownHandle, pd)
	}

	if ret, err := C.ibv_dealloc_pd(p); ret != 0 {
		return errnoError("ibv_dealloc_pd", ret, err)
	}

	delete(b.pds, pd)

	return nil
}

func (b *HardwareVerbsBackend) RegMR(pd VerbsPD, length int, access int) (*MemoryRegion, error) {
	b.mu.RLock()
	p, ok := b.pds[pd]
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: pd %d", ErrMRCreation, pd)
	}

	if length <= 0 {
		return nil, fmt.Errorf("%w: invalid length %d", ErrMRCreation, length)
	}

	buf := C.rl_alloc(C.size_t(length))
	if buf == nil {
		return nil, fmt.Errorf("%w: cannot allocate %d bytes", ErrMRCreation, length)
	}

	mr, err := C.rl_reg_mr(p, buf, C.size_t(length), C.int(access))
	if mr == nil {
		C.free(buf)
		return nil, fmt.Errorf("%w: %w", ErrMRCreation, errnoError("ibv_reg_mr", 0, err))
	}

	b.mu.Lock()
	b.nextHandle++
	handle := VerbsMR(b.nextHandle)
	b.mrs[handle] = hwMR{mr: mr, buf: buf}
	b.mu.Unlock()

	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return &MemoryRegion{
		Buf:    unsafe.Slice((*byte)(buf), length),
		Handle: handle,
		Addr:   uint64(uintptr(mr.addr)),
		Length: length,
		Access: access,
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
	}, nil
}

func (b *HardwareVerbsBackend) DeregMR(region *MemoryRegion) error {
	if region == nil {
		return fmt.Errorf("%w: nil memory region", ErrUnknownHandle)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.mrs[region.Handle]
	if !ok {
		return fmt.Errorf("%w: mr %d", ErrUnknownHandle, region.Handle)
	}

	if ret, err := C.ibv_dereg_mr(m.mr); ret != 0 {
		return errnoError("ibv_dereg_mr", ret, err)
	}

	C.free(m.buf)
	delete(b.mrs, region.Handle)

	return nil
}

func (b *HardwareVerbsBackend) CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error) {
	c, ok := b.context(ctx)
	if !ok {
		return 0, fmt.Errorf("%w: context %d", ErrCQCreation, ctx)
	}

	cq, err := C.ibv_create_cq(c, C.int(cqe), nil, nil, 0)
	if cq == nil {
		return 0, fmt.Errorf("%w: %w", ErrCQCreation, errnoError("ibv_create_cq", 0, err))
	}

	b.mu.Lock()
	b.nextHandle++
	handle := VerbsCQ(b.nextHandle)
	b.cqs[handle] = cq
	b.mu.Unlock()

	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return handle, nil
}

func (b *HardwareVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cqs[cq]
	if !ok {
		return fmt.Errorf("%w: cq %d", ErrUnknownHandle, cq)
	}

	if ret, err := C.ibv_destroy_cq(c); ret != 0 {
		return errnoError("ibv_destroy_cq", ret, err)
	}

	delete(b.cqs, cq)

	return nil
}

func (b *HardwareVerbsBackend) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	b.mu.RLock()
	c, ok := b.cqs[cq]
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: cq %d", ErrPollCQ, cq)
	}

	if numEntries <= 0 {
		return nil, nil
	}

	wcs := make([]C.struct_ibv_wc, numEntries)

	n := C.ibv_poll_cq(c, C.int(numEntries), &wcs[0])
	if n < 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return nil, fmt.Errorf("%w: ibv_poll_cq returned %d", ErrPollCQ, int(n))
	}

	result := make([]VerbsWorkCompletion, int(n))
	for i := range result {
		wc := &wcs[i]
		result[i] = VerbsWorkCompletion{
			WRID:      uint64(wc.wr_id),
			Status:    WCStatus(wc.status),
			Opcode:    WCOpcode(wc.opcode),
			VendorErr: uint32(wc.vendor_err),
			ByteLen:   uint32(wc.byte_len),
			QPN:       uint32(wc.qp_num),
			SrcQP:     uint32(wc.src_qp),
			WCFlags:   int(wc.wc_flags),
			PkeyIndex: uint16(wc.pkey_index),
			SLID:      uint16(wc.slid),
			SL:        uint8(wc.sl),
			DLIDPath:  uint8(wc.dlid_path_bits),
		}
	}

	atomic.AddInt64(&b.metrics.Completions, int64(n))

	return result, nil
}

func (b *HardwareVerbsBackend) CreateQP(pd VerbsPD, initAttr *VerbsQPInitAttr) (VerbsQP, error) {
	if initAttr == nil {
		return 0, fmt.Errorf("%w: missing init attributes", ErrQPCreation)
	}

	b.mu.RLock()
	p, okPD := b.pds[pd]
	sendCQ, okSend := b.cqs[initAttr.SendCQ]
	recvCQ, okRecv := b.cqs[initAttr.RecvCQ]
	b.mu.RUnlock()

	if !okPD || !okSend || !okRecv {
		return 0, fmt.Errorf("%w: %w", ErrQPCreation, ErrUnknownHandle)
	}

	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = sendCQ
	attr.recv_cq = recvCQ
	attr.cap.max_send_wr = C.uint32_t(initAttr.Cap.MaxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(initAttr.Cap.MaxRecvWR)
	attr.cap.max_send_sge = C.uint32_t(initAttr.Cap.MaxSendSge)
	attr.cap.max_recv_sge = C.uint32_t(initAttr.Cap.MaxRecvSge)
	attr.cap.max_inline_data = C.uint32_t(initAttr.Cap.MaxInlineData)

	switch initAttr.QPType {
	case QPTypeRC:
		attr.qp_type = C.IBV_QPT_RC
	case QPTypeUC:
		attr.qp_type = C.IBV_QPT_UC
	case QPTypeUD:
		attr.qp_type = C.IBV_QPT_UD
	default:
		return 0, fmt.Errorf("%w: unsupported qp type %d", ErrQPCreation, initAttr.QPType)
	}

	if initAttr.SigAll {
		attr.sq_sig_all = 1
	}

	qp, err := C.ibv_create_qp(p, &attr)
	if qp == nil {
		return 0, fmt.Errorf("%w: %w", ErrQPCreation, errnoError("ibv_create_qp", 0, err))
	}

	b.mu.Lock()
	b.nextHandle++
	handle := VerbsQP(b.nextHandle)
	b.qps[handle] = qp
	b.mu.Unlock()

	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return handle, nil
}

func (b *HardwareVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.qps[qp]
	if !ok {
		return fmt.Errorf("%w: qp %d", ErrUnknownHandle, qp)
	}

	if ret, err := C.ibv_destroy_qp(q); ret != 0 {
		return errnoError("ibv_destroy_qp", ret, err)
	}

	delete(b.qps, qp)

	return nil
}

func (b *HardwareVerbsBackend) qp(qp VerbsQP) (*C.struct_ibv_qp, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.qps[qp]

	return q, ok
}

func (b *HardwareVerbsBackend) ModifyQP(qp VerbsQP, attr *VerbsQPAttr, mask QPAttrMask) error {
	q, ok := b.qp(qp)
	if !ok {
		return fmt.Errorf("%w: %w: qp %d", ErrModifyQP, ErrUnknownHandle, qp)
	}

	if attr == nil {
		return fmt.Errorf("%w: missing attributes", ErrModifyQP)
	}

	var c C.struct_ibv_qp_attr
	c.qp_state = C.enum_ibv_qp_state(attr.State)
	c.path_mtu = C.enum_ibv_mtu(attr.PathMTU)
	c.qp_access_flags = C.uint(attr.QPAccessFlags)
	c.pkey_index = C.uint16_t(attr.PKeyIndex)
	c.port_num = C.uint8_t(attr.PortNum)
	c.dest_qp_num = C.uint32_t(attr.DestQPN)
	c.rq_psn = C.uint32_t(attr.RQPsn)
	c.sq_psn = C.uint32_t(attr.SQPsn)
	c.max_dest_rd_atomic = C.uint8_t(attr.MaxDestRdAtomic)
	c.max_rd_atomic = C.uint8_t(attr.MaxRdAtomic)
	c.min_rnr_timer = C.uint8_t(attr.MinRnrTimer)
	c.timeout = C.uint8_t(attr.Timeout)
	c.retry_cnt = C.uint8_t(attr.RetryCnt)
	c.rnr_retry = C.uint8_t(attr.RnrRetry)

	ah := &attr.Path
	c.ah_attr.dlid = C.uint16_t(ah.DLID)
	c.ah_attr.sl = C.uint8_t(ah.SL)
	c.ah_attr.src_path_bits = C.uint8_t(ah.SrcPathBits)
	c.ah_attr.static_rate = C.uint8_t(ah.StaticRate)
	c.ah_attr.is_global = C.uint8_t(ah.IsGlobal)
	c.ah_attr.port_num = C.uint8_t(ah.PortNum)
	c.ah_attr.grh.flow_label = C.uint32_t(ah.GRH.FlowLabel)
	c.ah_attr.grh.sgid_index = C.uint8_t(ah.GRH.SGIDIX)
	c.ah_attr.grh.hop_limit = C.uint8_t(ah.GRH.HopLimit)
	c.ah_attr.grh.traffic_class = C.uint8_t(ah.GRH.TrafficClass)
	*(*[16]byte)(unsafe.Pointer(&c.ah_attr.grh.dgid)) = ah.GRH.DGID

	if ret, err := C.ibv_modify_qp(q, &c, C.int(mask)); ret != 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: %w", ErrModifyQP, errnoError("ibv_modify_qp", ret, err))
	}

	return nil
}

func (b *HardwareVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	q, ok := b.qp(qp)
	if !ok {
		return nil, fmt.Errorf("%w: qp %d", ErrUnknownHandle, qp)
	}

	var (
		c    C.struct_ibv_qp_attr
		initAttr C.struct_ibv_qp_init_attr
	)

	mask := QPAttrState | QPAttrPathMTU | QPAttrDestQPN | QPAttrRQPSN | QPAttrSQPSN |
		QPAttrPort | QPAttrAccessFlags | QPAttrTimeout | QPAttrRetryCnt | QPAttrRNRRetry |
		QPAttrCap | QPAttrAV

	if ret, err := C.ibv_query_qp(q, &c, C.int(mask), &initAttr); ret != 0 {
		return nil, errnoError("ibv_query_qp", ret, err)
	}

	attr := &VerbsQPAttr{
		State:         QPState(c.qp_state),
		CurState:      QPState(c.cur_qp_state),
		PathMTU:       MTU(c.path_mtu),
		QPN:           uint32(q.qp_num),
		DestQPN:       uint32(c.dest_qp_num),
		RQPsn:         uint32(c.rq_psn),
		SQPsn:         uint32(c.sq_psn),
		QPAccessFlags: int(c.qp_access_flags),
		PKeyIndex:     uint16(c.pkey_index),
		PortNum:       uint8(c.port_num),
		Timeout:       uint8(c.timeout),
		RetryCnt:      uint8(c.retry_cnt),
		RnrRetry:      uint8(c.rnr_retry),
		Cap: VerbsQPCap{
			MaxSendWR:     uint32(c.cap.max_send_wr),
			MaxRecvWR:     uint32(c.cap.max_recv_wr),
			MaxSendSge:    uint32(c.cap.max_send_sge),
			MaxRecvSge:    uint32(c.cap.max_recv_sge),
			MaxInlineData: uint32(c.cap.max_inline_data),
		},
	}
	attr.Path.DLID = uint16(c.ah_attr.dlid)
	attr.Path.IsGlobal = uint8(c.ah_attr.is_global)
	attr.Path.PortNum = uint8(c.ah_attr.port_num)
	attr.Path.GRH.DGID = *(*[16]byte)(unsafe.Pointer(&c.ah_attr.grh.dgid))

	return attr, nil
}

func (b *HardwareVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	q, ok := b.qp(qp)
	if !ok {
		return fmt.Errorf("%w: %w: qp %d", ErrPostSend, ErrUnknownHandle, qp)
	}

	if wr == nil || len(wr.SGList) != 1 {
		return fmt.Errorf("%w: exactly one SGE is supported", ErrPostSend)
	}

	sge := wr.SGList[0]

	ret := C.rl_post_send(q, C.uint64_t(wr.WRID), C.int(wr.Opcode), C.int(wr.SendFlags),
		C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey),
		C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey))
	if ret != 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: %w", ErrPostSend, errnoError("ibv_post_send", ret, nil))
	}

	switch wr.Opcode {
	case WROpRDMARead:
		atomic.AddInt64(&b.metrics.RDMAReads, 1)
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)
	default:
		atomic.AddInt64(&b.metrics.SendsPosted, 1)
	}

	return nil
}

func (b *HardwareVerbsBackend) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	q, ok := b.qp(qp)
	if !ok {
		return fmt.Errorf("%w: %w: qp %d", ErrPostRecv, ErrUnknownHandle, qp)
	}

	if wr == nil || len(wr.SGList) != 1 {
		return fmt.Errorf("%w: exactly one SGE is supported", ErrPostRecv)
	}

	sge := wr.SGList[0]

	ret := C.rl_post_recv(q, C.uint64_t(wr.WRID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey))
	if ret != 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: %w", ErrPostRecv, errnoError("ibv_post_recv", ret, nil))
	}

	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	return nil
}

func (b *HardwareVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      false,
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
