package rdma

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ConnectionAttributesSize is the length of the marshaled record.
const ConnectionAttributesSize = 34

// ConnectionAttributes is everything a peer needs to reach our buffer and QP.
//
// The wire layout is packed, host byte order:
//
//	offset  0  addr   uint64
//	offset  8  rkey   uint32
//	offset 12  qp_num uint32
//	offset 16  lid    uint16
//	offset 18  gid    [16]byte
//
// Both peers are assumed to share endianness.
type ConnectionAttributes struct {
	Addr      uint64
	RemoteKey uint32
	QPNumber  uint32
	LinkID    uint16
	GlobalID  [16]byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (a ConnectionAttributes) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ConnectionAttributesSize)
	a.put(buf)

	return buf, nil
}

func (a ConnectionAttributes) put(buf []byte) {
	binary.NativeEndian.PutUint64(buf[0:8], a.Addr)
	binary.NativeEndian.PutUint32(buf[8:12], a.RemoteKey)
	binary.NativeEndian.PutUint32(buf[12:16], a.QPNumber)
	binary.NativeEndian.PutUint16(buf[16:18], a.LinkID)
	copy(buf[18:34], a.GlobalID[:])
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (a *ConnectionAttributes) UnmarshalBinary(data []byte) error {
	if len(data) != ConnectionAttributesSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortAttributes, len(data), ConnectionAttributesSize)
	}

	a.Addr = binary.NativeEndian.Uint64(data[0:8])
	a.RemoteKey = binary.NativeEndian.Uint32(data[8:12])
	a.QPNumber = binary.NativeEndian.Uint32(data[12:16])
	a.LinkID = binary.NativeEndian.Uint16(data[16:18])
	copy(a.GlobalID[:], data[18:34])

	return nil
}

// Equal reports whether both records describe the same endpoint.
func (a ConnectionAttributes) Equal(other ConnectionAttributes) bool {
	return a == other
}

// GlobalIDString renders the GID as eight colon separated 16-bit groups.
func (a ConnectionAttributes) GlobalIDString() string {
	return FormatGID(a.GlobalID)
}

// FormatGID renders a GID as eight colon separated 16-bit groups.
func FormatGID(gid [16]byte) string {
	var sb strings.Builder

	for i := 0; i < len(gid); i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}

		fmt.Fprintf(&sb, "%02x%02x", gid[i], gid[i+1])
	}

	return sb.String()
}

func (a ConnectionAttributes) String() string {
	return fmt.Sprintf("addr=%#x rkey=%#x qpn=%#x lid=%d gid=%s",
		a.Addr, a.RemoteKey, a.QPNumber, a.LinkID, a.GlobalIDString())
}
