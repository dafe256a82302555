package httmsg

import (
	"encoding/binary"
	"fmt"
)

// In-order paddr indication, used with full reorder offload:
//
//	word 0: msg type | ext tid | offload | frag | peer id
//	word 1: vdev id | msdu count
//	then, per MSDU, two words:
//	        buffer physical address
//	        msdu length | fw desc | msdu info
const (
	InOrdPaddrHdrBytes  = 8
	InOrdPaddrMSDUBytes = 8
)

var (
	fInOrdOffload = bitfield{0, 0x00002000, 13}
	fInOrdFrag    = bitfield{0, 0x00004000, 14}
	fInOrdVdevID  = bitfield{1, 0x000000ff, 0}
	fInOrdMSDUCnt = bitfield{1, 0xffff0000, 16}
	fMSDULen      = bitfield{1, 0x0000ffff, 0}
	fMSDUFwDesc   = bitfield{1, 0x00ff0000, 16}
	fMSDUInfo     = bitfield{1, 0xff000000, 24}
)

// MSDUInfo describes one buffer of an in-order indication.
type MSDUInfo struct {
	PAddr  uint32
	Len    int
	FwDesc uint8
	Info   uint8
}

type InOrdPaddrInd struct {
	msg []byte
	n   int
}

func ParseInOrdPaddrInd(msg []byte) (*InOrdPaddrInd, error) {
	if len(msg) < InOrdPaddrHdrBytes {
		return nil, fmt.Errorf("rx_in_ord_paddr_ind header: %w", ErrShort)
	}
	if t := MsgType(fMsgType.get(msg)); t != TypeRxInOrdPaddrInd {
		return nil, fmt.Errorf("%w: %s is not rx_in_ord_paddr_ind", ErrUnknownType, t)
	}
	n := int(fInOrdMSDUCnt.get(msg))
	if len(msg) < InOrdPaddrHdrBytes+n*InOrdPaddrMSDUBytes {
		return nil, fmt.Errorf("rx_in_ord_paddr_ind with %d MSDUs in %d bytes: %w",
			n, len(msg), ErrShort)
	}
	return &InOrdPaddrInd{msg: msg, n: n}, nil
}

func (m *InOrdPaddrInd) Type() MsgType  { return TypeRxInOrdPaddrInd }
func (m *InOrdPaddrInd) ExtTID() uint8  { return uint8(fExtTID.get(m.msg)) }
func (m *InOrdPaddrInd) PeerID() uint16 { return uint16(fPeerID.get(m.msg)) }
func (m *InOrdPaddrInd) VdevID() uint8  { return uint8(fInOrdVdevID.get(m.msg)) }
func (m *InOrdPaddrInd) Offload() bool  { return fInOrdOffload.get(m.msg) != 0 }
func (m *InOrdPaddrInd) Frag() bool     { return fInOrdFrag.get(m.msg) != 0 }
func (m *InOrdPaddrInd) MSDUCount() int { return m.n }

// MSDU returns the i-th buffer entry.
func (m *InOrdPaddrInd) MSDU(i int) MSDUInfo {
	e := m.msg[InOrdPaddrHdrBytes+i*InOrdPaddrMSDUBytes:]
	return MSDUInfo{
		PAddr:  binary.LittleEndian.Uint32(e),
		Len:    int(fMSDULen.get(e)),
		FwDesc: uint8(fMSDUFwDesc.get(e)),
		Info:   uint8(fMSDUInfo.get(e)),
	}
}

type InOrdPaddrSpec struct {
	ExtTID  uint8
	PeerID  uint16
	VdevID  uint8
	Offload bool
	Frag    bool
	MSDUs   []MSDUInfo
}

func AppendInOrdPaddrInd(dst []byte, s *InOrdPaddrSpec) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, InOrdPaddrHdrBytes+len(s.MSDUs)*InOrdPaddrMSDUBytes)...)
	msg := dst[start:]

	fMsgType.put(msg, uint32(TypeRxInOrdPaddrInd))
	fExtTID.put(msg, uint32(s.ExtTID))
	fPeerID.put(msg, uint32(s.PeerID))
	fInOrdOffload.put(msg, flag(s.Offload))
	fInOrdFrag.put(msg, flag(s.Frag))
	fInOrdVdevID.put(msg, uint32(s.VdevID))
	fInOrdMSDUCnt.put(msg, uint32(len(s.MSDUs)))
	for i, u := range s.MSDUs {
		e := msg[InOrdPaddrHdrBytes+i*InOrdPaddrMSDUBytes:]
		binary.LittleEndian.PutUint32(e, u.PAddr)
		fMSDULen.put(e, uint32(u.Len))
		fMSDUFwDesc.put(e, uint32(u.FwDesc))
		fMSDUInfo.put(e, uint32(u.Info))
	}
	return dst
}
