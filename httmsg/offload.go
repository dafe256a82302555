package httmsg

import "fmt"

// Offload deliver indication:
//
//	word 0: msg type | msdu count
//
// The MSDUs themselves sit in the rx ring, each led by an 8 byte in-band
// header:
//
//	word 0: msdu length | peer id
//	word 1: vdev id | tid | fw desc
const OffloadHdrBytes = 8

var (
	fOffloadMSDUCnt = bitfield{0, 0xffff0000, 16}

	fOffHdrLen    = bitfield{0, 0x0000ffff, 0}
	fOffHdrPeerID = bitfield{0, 0xffff0000, 16}
	fOffHdrVdevID = bitfield{1, 0x000000ff, 0}
	fOffHdrTID    = bitfield{1, 0x0000ff00, 8}
	fOffHdrFwDesc = bitfield{1, 0x00ff0000, 16}
)

type OffloadDeliverInd struct {
	msg []byte
}

func ParseOffloadDeliverInd(msg []byte) (*OffloadDeliverInd, error) {
	if len(msg) < 4 {
		return nil, fmt.Errorf("rx_offload_deliver_ind header: %w", ErrShort)
	}
	if t := MsgType(fMsgType.get(msg)); t != TypeRxOffloadDeliverInd {
		return nil, fmt.Errorf("%w: %s is not rx_offload_deliver_ind", ErrUnknownType, t)
	}
	return &OffloadDeliverInd{msg: msg}, nil
}

func (m *OffloadDeliverInd) Type() MsgType  { return TypeRxOffloadDeliverInd }
func (m *OffloadDeliverInd) MSDUCount() int { return int(fOffloadMSDUCnt.get(m.msg)) }

func AppendOffloadDeliverInd(dst []byte, msduCount int) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	msg := dst[start:]
	fMsgType.put(msg, uint32(TypeRxOffloadDeliverInd))
	fOffloadMSDUCnt.put(msg, uint32(msduCount))
	return dst
}

// OffloadHdr is the in-band header of an offloaded MSDU.
type OffloadHdr struct {
	Len    int
	PeerID uint16
	VdevID uint8
	TID    uint8
	FwDesc uint8
}

func ParseOffloadHdr(b []byte) (OffloadHdr, error) {
	if len(b) < OffloadHdrBytes {
		return OffloadHdr{}, fmt.Errorf("offload msdu header: %w", ErrShort)
	}
	return OffloadHdr{
		Len:    int(fOffHdrLen.get(b)),
		PeerID: uint16(fOffHdrPeerID.get(b)),
		VdevID: uint8(fOffHdrVdevID.get(b)),
		TID:    uint8(fOffHdrTID.get(b)),
		FwDesc: uint8(fOffHdrFwDesc.get(b)),
	}, nil
}

// Put writes h into the first OffloadHdrBytes of b.
func (h OffloadHdr) Put(b []byte) {
	clear(b[:OffloadHdrBytes])
	fOffHdrLen.put(b, uint32(h.Len))
	fOffHdrPeerID.put(b, uint32(h.PeerID))
	fOffHdrVdevID.put(b, uint32(h.VdevID))
	fOffHdrTID.put(b, uint32(h.TID))
	fOffHdrFwDesc.put(b, uint32(h.FwDesc))
}
