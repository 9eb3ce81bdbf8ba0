// Package rdma provides the libibverbs abstraction layer and the RC endpoint
// built on top of it.
//
// This file defines the interface between the endpoint and the underlying
// RDMA hardware. It provides:
// - Hardware abstraction for different RDMA implementations
// - CGo bindings for libibverbs (when built with hardware support)
// - Simulated mode for development and testing
//
// Build Tags:
// - Default: Uses simulated backend (no hardware required)
// - rdma_hw: Uses actual libibverbs bindings (requires RDMA hardware)
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package rdma

import (
	"errors"
	"fmt"
)

// Verbs errors.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrQueryDevice         = errors.New("failed to query device")
	ErrQueryPort           = errors.New("failed to query port")
	ErrQueryGID            = errors.New("failed to query GID")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrPostSend            = errors.New("failed to post send request")
	ErrPostRecv            = errors.New("failed to post receive request")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrResourceBusy        = errors.New("verbs resource still in use")
	ErrUnknownHandle       = errors.New("unknown verbs handle")
)

// VerbsBackend defines the interface for RDMA verbs operations.
// This abstraction allows switching between simulated and hardware backends.
type VerbsBackend interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]VerbsDeviceInfo, error)
	OpenDevice(name string) (VerbsContext, error)
	CloseDevice(ctx VerbsContext) error
	QueryDevice(ctx VerbsContext) (*VerbsDeviceAttr, error)
	QueryPort(ctx VerbsContext, port int) (*VerbsPortAttr, error)
	QueryGID(ctx VerbsContext, port, index int) ([16]byte, error)

	// Protection Domain
	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Memory Registration. The backend owns the buffer behind the region.
	RegMR(pd VerbsPD, length int, access int) (*MemoryRegion, error)
	DeregMR(mr *MemoryRegion) error

	// Completion Queue
	CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error)

	// Queue Pair
	CreateQP(pd VerbsPD, initAttr *VerbsQPInitAttr) (VerbsQP, error)
	DestroyQP(qp VerbsQP) error
	ModifyQP(qp VerbsQP, attr *VerbsQPAttr, mask QPAttrMask) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)

	// Work Requests
	PostSend(qp VerbsQP, wr *VerbsSendWR) error
	PostRecv(qp VerbsQP, wr *VerbsRecvWR) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsPD uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC  QPType = iota // Reliable Connection
	QPTypeUC                // Unreliable Connection
	QPTypeUD                // Unreliable Datagram
	QPTypeXRC               // Extended Reliable Connection
)

// QPState mirrors enum ibv_qp_state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// MTU mirrors enum ibv_mtu.
type MTU int

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU size in bytes.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}

	return 128 << int(m)
}

// PortState mirrors enum ibv_port_state.
type PortState int

const (
	PortNop PortState = iota
	PortDown
	PortInit
	PortArmed
	PortActive
	PortActiveDefer
)

func (s PortState) String() string {
	switch s {
	case PortNop:
		return "PORT_NOP"
	case PortDown:
		return "PORT_DOWN"
	case PortInit:
		return "PORT_INIT"
	case PortArmed:
		return "PORT_ARMED"
	case PortActive:
		return "PORT_ACTIVE"
	case PortActiveDefer:
		return "PORT_ACTIVE_DEFER"
	default:
		return fmt.Sprintf("PortState(%d)", int(s))
	}
}

// Memory region access flags.
const (
	MRAccessLocalWrite   = 1 << 0
	MRAccessRemoteWrite  = 1 << 1
	MRAccessRemoteRead   = 1 << 2
	MRAccessRemoteAtomic = 1 << 3
)

// QPAttrMask selects which VerbsQPAttr fields a ModifyQP call applies.
// Values match enum ibv_qp_attr_mask.
type QPAttrMask int

const (
	QPAttrState           QPAttrMask = 1 << 0
	QPAttrCurState        QPAttrMask = 1 << 1
	QPAttrEnSQDAsync      QPAttrMask = 1 << 2
	QPAttrAccessFlags     QPAttrMask = 1 << 3
	QPAttrPKeyIndex       QPAttrMask = 1 << 4
	QPAttrPort            QPAttrMask = 1 << 5
	QPAttrQKey            QPAttrMask = 1 << 6
	QPAttrAV              QPAttrMask = 1 << 7
	QPAttrPathMTU         QPAttrMask = 1 << 8
	QPAttrTimeout         QPAttrMask = 1 << 9
	QPAttrRetryCnt        QPAttrMask = 1 << 10
	QPAttrRNRRetry        QPAttrMask = 1 << 11
	QPAttrRQPSN           QPAttrMask = 1 << 12
	QPAttrMaxQPRdAtomic   QPAttrMask = 1 << 13
	QPAttrAltPath         QPAttrMask = 1 << 14
	QPAttrMinRNRTimer     QPAttrMask = 1 << 15
	QPAttrSQPSN           QPAttrMask = 1 << 16
	QPAttrMaxDestRdAtomic QPAttrMask = 1 << 17
	QPAttrPathMigState    QPAttrMask = 1 << 18
	QPAttrCap             QPAttrMask = 1 << 19
	QPAttrDestQPN         QPAttrMask = 1 << 20
)

// Has reports whether every bit of other is set in m.
func (m QPAttrMask) Has(other QPAttrMask) bool {
	return m&other == other
}

// Work request opcodes, matching enum ibv_wr_opcode.
type WROpcode int

const (
	WROpRDMAWrite WROpcode = iota
	WROpRDMAWriteWithImm
	WROpSend
	WROpSendWithImm
	WROpRDMARead
)

func (o WROpcode) String() string {
	switch o {
	case WROpRDMAWrite:
		return "RDMA_WRITE"
	case WROpRDMAWriteWithImm:
		return "RDMA_WRITE_WITH_IMM"
	case WROpSend:
		return "SEND"
	case WROpSendWithImm:
		return "SEND_WITH_IMM"
	case WROpRDMARead:
		return "RDMA_READ"
	default:
		return fmt.Sprintf("WROpcode(%d)", int(o))
	}
}

// Send flags, matching enum ibv_send_flags.
const (
	SendFenced    = 1 << 0
	SendSignaled  = 1 << 1
	SendSolicited = 1 << 2
	SendInline    = 1 << 3
)

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = [...]string{
	WCSuccess:               "success",
	WCLocalLenErr:           "local length error",
	WCLocalQPOpErr:          "local QP operation error",
	WCLocalEECOpErr:         "local EE context operation error",
	WCLocalProtErr:          "local protection error",
	WCWRFlushErr:            "Work Request Flushed Error",
	WCMWBindErr:             "memory management operation error",
	WCBadRespErr:            "bad response error",
	WCLocalAccessErr:        "local access error",
	WCRemoteInvalidReqErr:   "remote invalid request error",
	WCRemoteAccessErr:       "remote access error",
	WCRemoteOpErr:           "remote operation error",
	WCRetryExcErr:           "transport retry counter exceeded",
	WCRnrRetryExcErr:        "RNR retry counter exceeded",
	WCLocalRddViolErr:       "local RDD violation error",
	WCRemoteInvalidRdReqErr: "remote invalid RD request",
	WCRemoteAbortedErr:      "aborted error",
	WCInvEECNErr:            "invalid EE context number",
	WCInvEECStateErr:        "invalid EE context state",
	WCFatalErr:              "fatal error",
	WCRespTimeoutErr:        "response timeout error",
	WCGeneralErr:            "general error",
}

// String matches ibv_wc_status_str.
func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}

	return "unknown"
}

// Work completion opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpBindMW
	WCOpLocalInv
)

// Receive completions have the high bit set, as in enum ibv_wc_opcode.
const (
	WCOpRecv WCOpcode = 1<<7 + iota
	WCOpRecvRDMAWithImm
)

// VerbsDeviceInfo contains RDMA device information.
type VerbsDeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// VerbsDeviceAttr is the subset of ibv_device_attr the endpoint needs.
type VerbsDeviceAttr struct {
	FWVer       string
	MaxQP       int
	MaxQPWR     int
	MaxCQ       int
	MaxCQE      int
	MaxMR       int
	MaxPD       int
	MaxSGE      int
	PhysPortCnt int
}

// VerbsPortAttr is the subset of ibv_port_attr the endpoint needs.
type VerbsPortAttr struct {
	State       PortState
	MaxMTU      MTU
	ActiveMTU   MTU
	GIDTableLen int
	LID         uint16
	LinkLayer   uint8
}

// MemoryRegion is a registered buffer. Buf aliases the registered memory.
type MemoryRegion struct {
	Buf    []byte
	Handle VerbsMR
	Addr   uint64
	Length int
	Access int
	LKey   uint32
	RKey   uint32
}

// VerbsWorkCompletion represents a work completion entry.
type VerbsWorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	SrcQP     uint32
	WCFlags   int
	PkeyIndex uint16
	SLID      uint16
	SL        uint8
	DLIDPath  uint8
}

// VerbsQPInitAttr mirrors ibv_qp_init_attr.
type VerbsQPInitAttr struct {
	SendCQ VerbsCQ
	RecvCQ VerbsCQ
	Cap    VerbsQPCap
	QPType QPType
	SigAll bool
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State           QPState
	CurState        QPState
	PathMTU         MTU
	Path            VerbsAHAttr
	AltPath         VerbsAHAttr
	QPN             uint32
	DestQPN         uint32
	QKey            uint32
	RQPsn           uint32
	SQPsn           uint32
	DestQKey        uint32
	QPAccessFlags   int
	Cap             VerbsQPCap
	PKeyIndex       uint16
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RnrRetry        uint8
	AltPortNum      uint8
	AltTimeout      uint8
}

// VerbsAHAttr contains address handle attributes.
type VerbsAHAttr struct {
	GRH         VerbsGlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    uint8
	PortNum     uint8
}

// VerbsGlobalRoute contains global routing info.
type VerbsGlobalRoute struct {
	DGID         [16]byte
	FlowLabel    uint32
	SGIDIX       uint8
	HopLimit     uint8
	TrafficClass uint8
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// VerbsSendWR represents a send work request.
type VerbsSendWR struct {
	SGList     []VerbsSGE
	WRID       uint64
	Opcode     WROpcode
	SendFlags  int
	RemoteAddr uint64
	ImmData    uint32
	RKey       uint32
}

// VerbsRecvWR represents a receive work request.
type VerbsRecvWR struct {
	SGList []VerbsSGE
	WRID   uint64
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}
