package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSimulatedVerbsBackend(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NotNil(t, backend)

	err := backend.Init()
	require.NoError(t, err)

	defer backend.Close()
}

func TestSimulatedVerbsBackendDoubleInit(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	err := backend.Init()
	require.NoError(t, err)

	// Double init should be ok
	err = backend.Init()
	require.NoError(t, err)

	err = backend.Close()
	require.NoError(t, err)
}

func TestSimulatedVerbsBackendGetDeviceList(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	devices, err := backend.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, "mlx5_1", devices[1].Name)
	assert.Equal(t, uint32(0x15b3), devices[0].VendorID) // Mellanox
	assert.Equal(t, 1, devices[0].PhysPortCnt)
	assert.Equal(t, 2, devices[1].PhysPortCnt)
}

func TestSimulatedVerbsBackendNotInitialized(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	_, err := backend.GetDeviceList()
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)

	_, err = backend.OpenDevice("mlx5_0")
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)
}

func TestSimulatedVerbsBackendOpenDevice(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)
	assert.NotZero(t, ctx)

	err = backend.CloseDevice(ctx)
	assert.NoError(t, err)

	err = backend.CloseDevice(ctx)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestSimulatedVerbsBackendOpenDeviceNotFound(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	_, err := backend.OpenDevice("nonexistent")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSimulatedVerbsBackendQueryPortAndGID(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	ctx, err := backend.OpenDevice("mlx5_1")
	require.NoError(t, err)

	attr, err := backend.QueryDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, attr.PhysPortCnt)

	port, err := backend.QueryPort(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, PortActive, port.State)
	assert.NotZero(t, port.LID)

	_, err = backend.QueryPort(ctx, 3)
	assert.ErrorIs(t, err, ErrQueryPort)

	gid, err := backend.QueryGID(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xfe), gid[0])
	assert.Equal(t, byte(0x80), gid[1])
	assert.Equal(t, byte(0x02), gid[15])

	_, err = backend.QueryGID(ctx, 1, simGIDTableLn)
	assert.ErrorIs(t, err, ErrQueryGID)
}

func TestSimulatedVerbsBackendAllocPD(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	ctx, _ := backend.OpenDevice("mlx5_0")

	pd, err := backend.AllocPD(ctx)
	require.NoError(t, err)
	assert.NotZero(t, pd)

	err = backend.CloseDevice(ctx)
	assert.ErrorIs(t, err, ErrResourceBusy)

	err = backend.DeallocPD(pd)
	assert.NoError(t, err)

	err = backend.DeallocPD(pd)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestSimulatedVerbsBackendCreateCQ(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	ctx, _ := backend.OpenDevice("mlx5_0")

	cq, err := backend.CreateCQ(ctx, 256)
	require.NoError(t, err)
	assert.NotZero(t, cq)

	_, err = backend.CreateCQ(ctx, 0)
	assert.ErrorIs(t, err, ErrCQCreation)

	wcs, err := backend.PollCQ(cq, 1)
	require.NoError(t, err)
	assert.Empty(t, wcs)

	err = backend.DestroyCQ(cq)
	assert.NoError(t, err)
}

func TestSimulatedVerbsBackendCreateQP(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	ctx, _ := backend.OpenDevice("mlx5_0")
	pd, _ := backend.AllocPD(ctx)
	cq, _ := backend.CreateCQ(ctx, 256)

	qp, err := backend.CreateQP(pd, &VerbsQPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		QPType: QPTypeRC,
		Cap:    VerbsQPCap{MaxSendWR: 128, MaxRecvWR: 128, MaxSendSge: 4, MaxRecvSge: 4},
	})
	require.NoError(t, err)
	assert.NotZero(t, qp)

	attr, err := backend.QueryQP(qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateReset, attr.State)
	assert.Equal(t, simFirstQPN, attr.QPN)
	assert.Equal(t, uint32(128), attr.Cap.MaxSendWR)

	// The CQ and PD are pinned by the QP.
	assert.ErrorIs(t, backend.DestroyCQ(cq), ErrResourceBusy)
	assert.ErrorIs(t, backend.DeallocPD(pd), ErrResourceBusy)

	_, err = backend.CreateQP(pd, &VerbsQPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		QPType: QPTypeUD,
		Cap:    VerbsQPCap{MaxSendWR: 1, MaxRecvWR: 1, MaxSendSge: 1, MaxRecvSge: 1},
	})
	assert.ErrorIs(t, err, ErrQPCreation)

	err = backend.DestroyQP(qp)
	assert.NoError(t, err)
	assert.NoError(t, backend.DestroyCQ(cq))
	assert.NoError(t, backend.DeallocPD(pd))
}

func TestSimulatedVerbsBackendModifyQP(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a := newSimPeer(t, backend)
	b := newSimPeer(t, backend)

	// RTR straight from RESET is illegal.
	err := backend.ModifyQP(a.qp, &VerbsQPAttr{State: QPStateRTR}, QPAttrState)
	assert.ErrorIs(t, err, ErrModifyQP)

	// INIT without the port is rejected.
	err = backend.ModifyQP(a.qp, &VerbsQPAttr{State: QPStateInit}, QPAttrState)
	assert.ErrorIs(t, err, ErrModifyQP)

	a.connect(t, b)
	b.connect(t, a)

	attr, err := backend.QueryQP(a.qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateRTS, attr.State)
	assert.Equal(t, b.num, attr.DestQPN)
	assert.Equal(t, uint8(7), attr.RnrRetry)
	assert.Equal(t, MTU256, attr.PathMTU)

	// Any state may drop back to RESET.
	err = backend.ModifyQP(a.qp, &VerbsQPAttr{State: QPStateReset}, QPAttrState)
	require.NoError(t, err)

	attr, err = backend.QueryQP(a.qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateReset, attr.State)
}

func TestSimulatedVerbsBackendModifyQPUnknownDest(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a := newSimPeer(t, backend)
	a.toInit(t)

	err := backend.ModifyQP(a.qp, &VerbsQPAttr{State: QPStateRTR, PathMTU: MTU256, DestQPN: 0xffff}, rtrRequired)
	assert.ErrorIs(t, err, ErrModifyQP)
}

func TestSimulatedVerbsBackendRegMR(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	ctx, _ := backend.OpenDevice("mlx5_0")
	pd, _ := backend.AllocPD(ctx)

	mr, err := backend.RegMR(pd, 4096, MRAccessLocalWrite|MRAccessRemoteRead)
	require.NoError(t, err)
	require.NotNil(t, mr)
	assert.Len(t, mr.Buf, 4096)
	assert.NotZero(t, mr.Addr)
	assert.NotEqual(t, mr.LKey, mr.RKey)

	other, err := backend.RegMR(pd, 16, bufferAccess)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, other.Addr, mr.Addr+4096)

	_, err = backend.RegMR(pd, 16, MRAccessRemoteWrite)
	assert.ErrorIs(t, err, ErrMRCreation)

	assert.NoError(t, backend.DeregMR(mr))
	assert.ErrorIs(t, backend.DeregMR(mr), ErrUnknownHandle)
	assert.NoError(t, backend.DeregMR(other))
}

func TestSimulatedVerbsBackendPostSendRequiresRTS(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a := newSimPeer(t, backend)

	err := backend.PostSend(a.qp, &VerbsSendWR{Opcode: WROpSend, SGList: []VerbsSGE{a.sge()}})
	assert.ErrorIs(t, err, ErrPostSend)

	err = backend.PostRecv(a.qp, &VerbsRecvWR{SGList: []VerbsSGE{a.sge()}})
	assert.ErrorIs(t, err, ErrPostRecv)
}

func TestSimulatedVerbsBackendRDMAWriteRead(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a, b := connectedSimPeers(t, backend)

	copy(a.mr.Buf, "written by a")

	err := backend.PostSend(a.qp, &VerbsSendWR{
		WRID:       1,
		Opcode:     WROpRDMAWrite,
		SendFlags:  SendSignaled,
		SGList:     []VerbsSGE{a.sge()},
		RemoteAddr: b.mr.Addr,
		RKey:       b.mr.RKey,
	})
	require.NoError(t, err)

	wc := a.poll(t)
	assert.Equal(t, WCSuccess, wc.Status)
	assert.Equal(t, WCOpRDMAWrite, wc.Opcode)
	assert.Equal(t, uint64(1), wc.WRID)
	assert.Equal(t, "written by a", string(b.mr.Buf[:12]))

	copy(b.mr.Buf, "answer from b")

	err = backend.PostSend(a.qp, &VerbsSendWR{
		WRID:       2,
		Opcode:     WROpRDMARead,
		SendFlags:  SendSignaled,
		SGList:     []VerbsSGE{a.sge()},
		RemoteAddr: b.mr.Addr,
		RKey:       b.mr.RKey,
	})
	require.NoError(t, err)

	wc = a.poll(t)
	assert.Equal(t, WCSuccess, wc.Status)
	assert.Equal(t, WCOpRDMARead, wc.Opcode)
	assert.Equal(t, "answer from b", string(a.mr.Buf[:13]))
}

func TestSimulatedVerbsBackendRemoteAccessError(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a, b := connectedSimPeers(t, backend)

	tests := []struct {
		name string
		addr uint64
		rkey uint32
	}{
		{"bad rkey", b.mr.Addr, b.mr.RKey + 0x100},
		{"lkey instead of rkey", b.mr.Addr, b.mr.LKey},
		{"past the end", b.mr.Addr + 1, b.mr.RKey},
		{"before the start", b.mr.Addr - 1, b.mr.RKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := backend.PostSend(a.qp, &VerbsSendWR{
				Opcode:     WROpRDMAWrite,
				SGList:     []VerbsSGE{a.sge()},
				RemoteAddr: tt.addr,
				RKey:       tt.rkey,
			})
			require.NoError(t, err)

			wc := a.poll(t)
			assert.Equal(t, WCRemoteAccessErr, wc.Status)
		})
	}
}

func TestSimulatedVerbsBackendSendRecv(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a, b := connectedSimPeers(t, backend)

	err := backend.PostRecv(b.qp, &VerbsRecvWR{WRID: 7, SGList: []VerbsSGE{b.sge()}})
	require.NoError(t, err)

	// A second receive does not fit max_recv_wr = 1.
	err = backend.PostRecv(b.qp, &VerbsRecvWR{WRID: 8, SGList: []VerbsSGE{b.sge()}})
	assert.ErrorIs(t, err, ErrPostRecv)

	copy(a.mr.Buf, "ping")

	err = backend.PostSend(a.qp, &VerbsSendWR{WRID: 3, Opcode: WROpSend, SGList: []VerbsSGE{a.sge()}})
	require.NoError(t, err)

	wc := a.poll(t)
	assert.Equal(t, WCSuccess, wc.Status)
	assert.Equal(t, WCOpSend, wc.Opcode)

	wc = b.poll(t)
	assert.Equal(t, WCSuccess, wc.Status)
	assert.Equal(t, WCOpRecv, wc.Opcode)
	assert.Equal(t, uint64(7), wc.WRID)
	assert.Equal(t, a.num, wc.SrcQP)
	assert.Equal(t, "ping", string(b.mr.Buf[:4]))
}

func TestSimulatedVerbsBackendSendBeforeRecvWaitsOnInfiniteRNR(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a, b := connectedSimPeers(t, backend)

	copy(a.mr.Buf, "early")

	err := backend.PostSend(a.qp, &VerbsSendWR{WRID: 1, Opcode: WROpSend, SGList: []VerbsSGE{a.sge()}})
	require.NoError(t, err)

	wcs, err := backend.PollCQ(a.cq, 1)
	require.NoError(t, err)
	assert.Empty(t, wcs, "send must wait for a receive buffer")

	err = backend.PostRecv(b.qp, &VerbsRecvWR{WRID: 2, SGList: []VerbsSGE{b.sge()}})
	require.NoError(t, err)

	assert.Equal(t, WCSuccess, a.poll(t).Status)
	assert.Equal(t, WCSuccess, b.poll(t).Status)
	assert.Equal(t, "early", string(b.mr.Buf[:5]))
}

func TestSimulatedVerbsBackendSendWithoutRecvFailsOnFiniteRNR(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a := newSimPeer(t, backend)
	b := newSimPeer(t, backend)
	a.toInit(t)
	b.toInit(t)
	a.toRTR(t, b)
	b.toRTR(t, a)

	rts := &VerbsQPAttr{State: QPStateRTS, Timeout: 14, RetryCnt: 7, RnrRetry: 3, MaxRdAtomic: 1}
	require.NoError(t, backend.ModifyQP(a.qp, rts, rtsRequired))

	err := backend.PostSend(a.qp, &VerbsSendWR{Opcode: WROpSend, SGList: []VerbsSGE{a.sge()}})
	require.NoError(t, err)

	assert.Equal(t, WCRnrRetryExcErr, a.poll(t).Status)

	attr, err := backend.QueryQP(a.qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateErr, attr.State)
}

func TestSimulatedVerbsBackendSendQueueFull(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a, b := connectedSimPeers(t, backend)

	wr := &VerbsSendWR{
		Opcode:     WROpRDMAWrite,
		SendFlags:  SendSignaled,
		SGList:     []VerbsSGE{a.sge()},
		RemoteAddr: b.mr.Addr,
		RKey:       b.mr.RKey,
	}

	require.NoError(t, backend.PostSend(a.qp, wr))
	assert.ErrorIs(t, backend.PostSend(a.qp, wr), ErrPostSend)

	// Polling frees the slot.
	a.poll(t)
	assert.NoError(t, backend.PostSend(a.qp, wr))
}

func TestSimulatedVerbsBackendCQOverrun(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a, b := connectedSimPeers(t, backend)

	// The receive completion lands in b's single-entry CQ ...
	require.NoError(t, backend.PostRecv(b.qp, &VerbsRecvWR{SGList: []VerbsSGE{b.sge()}}))
	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{Opcode: WROpSend, SGList: []VerbsSGE{a.sge()}}))
	a.poll(t)

	// ... and b's own RDMA write completion has nowhere to go.
	err := backend.PostSend(b.qp, &VerbsSendWR{
		Opcode:     WROpRDMAWrite,
		SGList:     []VerbsSGE{b.sge()},
		RemoteAddr: a.mr.Addr,
		RKey:       a.mr.RKey,
	})
	require.NoError(t, err)

	_, err = backend.PollCQ(b.cq, 1)
	assert.ErrorIs(t, err, ErrPollCQ)
}

func TestSimulatedVerbsBackendDestroyQPFlushesParkedSend(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a, b := connectedSimPeers(t, backend)

	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{Opcode: WROpSend, SGList: []VerbsSGE{a.sge()}}))
	require.NoError(t, backend.DestroyQP(b.qp))

	assert.Equal(t, WCRetryExcErr, a.poll(t).Status)
}

func TestSimulatedVerbsBackendRequestsWaitForPeerRTR(t *testing.T) {
	tests := []struct {
		name   string
		opcode WROpcode
		check  func(t *testing.T, a, b *simPeer)
	}{
		{
			name:   "write",
			opcode: WROpRDMAWrite,
			check: func(t *testing.T, a, b *simPeer) {
				assert.Equal(t, "early", string(b.mr.Buf[:5]))
			},
		},
		{
			name:   "read",
			opcode: WROpRDMARead,
			check: func(t *testing.T, a, b *simPeer) {
				assert.Equal(t, "early", string(a.mr.Buf[:5]))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := NewSimulatedVerbsBackend()

			backend.Init()
			defer backend.Close()

			a := newSimPeer(t, backend)
			b := newSimPeer(t, backend)

			if tt.opcode == WROpRDMAWrite {
				copy(a.mr.Buf, "early")
			} else {
				copy(b.mr.Buf, "early")
			}

			// a is ready to send while b is still in RESET.
			a.connect(t, b)

			require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
				WRID:       3,
				Opcode:     tt.opcode,
				SGList:     []VerbsSGE{a.sge()},
				RemoteAddr: b.mr.Addr,
				RKey:       b.mr.RKey,
			}))

			wcs, err := backend.PollCQ(a.cq, 1)
			require.NoError(t, err)
			assert.Empty(t, wcs)

			b.toInit(t)

			wcs, err = backend.PollCQ(a.cq, 1)
			require.NoError(t, err)
			assert.Empty(t, wcs)

			b.toRTR(t, a)

			wc := a.poll(t)
			assert.Equal(t, WCSuccess, wc.Status)
			assert.Equal(t, uint64(3), wc.WRID)
			tt.check(t, a, b)
		})
	}
}

func TestSimulatedVerbsBackendSendWaitsForPeerRTRAndRecv(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a := newSimPeer(t, backend)
	b := newSimPeer(t, backend)

	copy(a.mr.Buf, "hello")
	a.connect(t, b)

	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{WRID: 1, Opcode: WROpSend, SGList: []VerbsSGE{a.sge()}}))

	// Reaching RTR lets the request through, then it waits for a receive.
	b.connect(t, a)

	wcs, err := backend.PollCQ(a.cq, 1)
	require.NoError(t, err)
	assert.Empty(t, wcs)

	require.NoError(t, backend.PostRecv(b.qp, &VerbsRecvWR{WRID: 2, SGList: []VerbsSGE{b.sge()}}))

	assert.Equal(t, WCSuccess, a.poll(t).Status)

	wc := b.poll(t)
	assert.Equal(t, WCSuccess, wc.Status)
	assert.Equal(t, WCOpRecv, wc.Opcode)
	assert.Equal(t, "hello", string(b.mr.Buf[:5]))
}

func TestSimulatedVerbsBackendPeerNotReadyWithoutRetries(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a := newSimPeer(t, backend)
	b := newSimPeer(t, backend)

	a.toInit(t)
	a.toRTR(t, b)

	attr := &VerbsQPAttr{State: QPStateRTS, Timeout: 14, RetryCnt: 0, RnrRetry: 7, MaxRdAtomic: 1}
	require.NoError(t, backend.ModifyQP(a.qp, attr, rtsRequired))

	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		Opcode:     WROpRDMAWrite,
		SGList:     []VerbsSGE{a.sge()},
		RemoteAddr: b.mr.Addr,
		RKey:       b.mr.RKey,
	}))

	assert.Equal(t, WCRetryExcErr, a.poll(t).Status)
}

func TestSimulatedVerbsBackendDestroyQPFailsWaitingRequest(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a := newSimPeer(t, backend)
	b := newSimPeer(t, backend)

	a.connect(t, b)

	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		Opcode:     WROpRDMARead,
		SGList:     []VerbsSGE{a.sge()},
		RemoteAddr: b.mr.Addr,
		RKey:       b.mr.RKey,
	}))
	require.NoError(t, backend.DestroyQP(b.qp))

	wc := a.poll(t)
	assert.Equal(t, WCRetryExcErr, wc.Status)
	assert.Equal(t, WCOpRDMARead, wc.Opcode)
}

func TestSimulatedVerbsBackendGetMetrics(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	a, b := connectedSimPeers(t, backend)

	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		Opcode:     WROpRDMAWrite,
		SGList:     []VerbsSGE{a.sge()},
		RemoteAddr: b.mr.Addr,
		RKey:       b.mr.RKey,
	}))
	a.poll(t)

	metrics := backend.GetMetrics()

	assert.Equal(t, true, metrics["simulated"])
	assert.Equal(t, int64(2), metrics["devices_opened"])
	assert.Equal(t, int64(2), metrics["pds_created"])
	assert.Equal(t, int64(2), metrics["cqs_created"])
	assert.Equal(t, int64(2), metrics["qps_created"])
	assert.Equal(t, int64(2), metrics["mrs_registered"])
	assert.Equal(t, int64(1), metrics["rdma_writes"])
	assert.Equal(t, int64(1), metrics["completions"])
}

func TestQPTypes(t *testing.T) {
	assert.Equal(t, QPTypeRC, QPType(0))
	assert.Equal(t, QPTypeUC, QPType(1))
	assert.Equal(t, QPTypeUD, QPType(2))
	assert.Equal(t, QPTypeXRC, QPType(3))
}

func TestMRAccessFlags(t *testing.T) {
	assert.Equal(t, 1, MRAccessLocalWrite)
	assert.Equal(t, 2, MRAccessRemoteWrite)
	assert.Equal(t, 4, MRAccessRemoteRead)
	assert.Equal(t, 8, MRAccessRemoteAtomic)
}

func TestQPAttrMaskMatchesIBVerbs(t *testing.T) {
	assert.Equal(t, 1, int(QPAttrState))
	assert.Equal(t, 8, int(QPAttrAccessFlags))
	assert.Equal(t, 128, int(QPAttrAV))
	assert.Equal(t, 1<<15, int(QPAttrMinRNRTimer))
	assert.Equal(t, 1<<20, int(QPAttrDestQPN))
}

func TestWCStatus(t *testing.T) {
	assert.Equal(t, WCSuccess, WCStatus(0))
	assert.Equal(t, WCRemoteAccessErr, WCStatus(10))
	assert.Equal(t, WCRnrRetryExcErr, WCStatus(13))
	assert.Equal(t, "remote access error", WCRemoteAccessErr.String())
	assert.Equal(t, "unknown", WCStatus(99).String())
}

func TestWCOpcode(t *testing.T) {
	assert.Equal(t, WCOpSend, WCOpcode(0))
	assert.Equal(t, WCOpRDMAWrite, WCOpcode(1))
	assert.Equal(t, WCOpRDMARead, WCOpcode(2))
	assert.Equal(t, WCOpRecv, WCOpcode(128))
}

func TestMTUBytes(t *testing.T) {
	assert.Equal(t, 256, MTU256.Bytes())
	assert.Equal(t, 4096, MTU4096.Bytes())
	assert.Equal(t, 0, MTU(0).Bytes())
}

// simPeer is a bare, fully signaled QP with a 64 byte buffer on the
// simulated fabric.
type simPeer struct {
	backend *SimulatedVerbsBackend
	mr      *MemoryRegion
	ctx     VerbsContext
	pd      VerbsPD
	cq      VerbsCQ
	qp      VerbsQP
	num     uint32
}

func newSimPeer(t *testing.T, backend *SimulatedVerbsBackend) *simPeer {
	t.Helper()

	p := &simPeer{backend: backend}

	var err error

	p.ctx, err = backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	p.pd, err = backend.AllocPD(p.ctx)
	require.NoError(t, err)

	p.mr, err = backend.RegMR(p.pd, 64, bufferAccess)
	require.NoError(t, err)

	p.cq, err = backend.CreateCQ(p.ctx, 1)
	require.NoError(t, err)

	p.qp, err = backend.CreateQP(p.pd, &VerbsQPInitAttr{
		SendCQ: p.cq,
		RecvCQ: p.cq,
		QPType: QPTypeRC,
		SigAll: true,
		Cap:    VerbsQPCap{MaxSendWR: 1, MaxRecvWR: 1, MaxSendSge: 1, MaxRecvSge: 1},
	})
	require.NoError(t, err)

	attr, err := backend.QueryQP(p.qp)
	require.NoError(t, err)

	p.num = attr.QPN

	return p
}

func (p *simPeer) sge() VerbsSGE {
	return VerbsSGE{Addr: p.mr.Addr, Length: uint32(p.mr.Length), LKey: p.mr.LKey}
}

func (p *simPeer) toInit(t *testing.T) {
	t.Helper()

	attr := &VerbsQPAttr{State: QPStateInit, PortNum: 1, QPAccessFlags: bufferAccess}
	require.NoError(t, p.backend.ModifyQP(p.qp, attr, initRequired))
}

func (p *simPeer) toRTR(t *testing.T, remote *simPeer) {
	t.Helper()

	attr := &VerbsQPAttr{
		State:           QPStateRTR,
		PathMTU:         MTU256,
		DestQPN:         remote.num,
		MaxDestRdAtomic: 1,
		MinRnrTimer:     0x12,
	}
	require.NoError(t, p.backend.ModifyQP(p.qp, attr, rtrRequired))
}

func (p *simPeer) connect(t *testing.T, remote *simPeer) {
	t.Helper()

	p.toInit(t)
	p.toRTR(t, remote)

	attr := &VerbsQPAttr{State: QPStateRTS, Timeout: 14, RetryCnt: 7, RnrRetry: 7, MaxRdAtomic: 1}
	require.NoError(t, p.backend.ModifyQP(p.qp, attr, rtsRequired))
}

func (p *simPeer) poll(t *testing.T) VerbsWorkCompletion {
	t.Helper()

	wcs, err := p.backend.PollCQ(p.cq, 1)
	require.NoError(t, err)
	require.Len(t, wcs, 1)

	return wcs[0]
}

func connectedSimPeers(t *testing.T, backend *SimulatedVerbsBackend) (*simPeer, *simPeer) {
	t.Helper()

	a := newSimPeer(t, backend)
	b := newSimPeer(t, backend)

	// Both sides must exist before either can reach RTR.
	a.toInit(t)
	b.toInit(t)
	a.toRTR(t, b)
	b.toRTR(t, a)

	for _, p := range []*simPeer{a, b} {
		attr := &VerbsQPAttr{State: QPStateRTS, Timeout: 14, RetryCnt: 7, RnrRetry: 7, MaxRdAtomic: 1}
		require.NoError(t, backend.ModifyQP(p.qp, attr, rtsRequired))
	}

	return a, b
}
