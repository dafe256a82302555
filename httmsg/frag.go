package httmsg

import "fmt"

// Rx fragment indication:
//
//	word 0:  msg type | ext tid | flush valid | peer id
//	word 1:  flush start/end seq
//	word 2:  fw rx desc byte count
//	byte 12: fw rx desc bytes
const RxFragIndFwDescOffset = 12

var fFragFwDesc = bitfield{2, 0x0000ffff, 0}

// FragInd is a parsed rx fragment indication.
type FragInd struct {
	msg []byte
	fwCursor
}

func ParseFragInd(msg []byte) (*FragInd, error) {
	if len(msg) < RxFragIndFwDescOffset {
		return nil, fmt.Errorf("rx_frag_ind header: %w", ErrShort)
	}
	if t := MsgType(fMsgType.get(msg)); t != TypeRxFragInd {
		return nil, fmt.Errorf("%w: %s is not rx_frag_ind", ErrUnknownType, t)
	}
	n := int(fFragFwDesc.get(msg))
	if len(msg) < RxFragIndFwDescOffset+n {
		return nil, fmt.Errorf("rx_frag_ind with %d fw bytes in %d bytes: %w",
			n, len(msg), ErrShort)
	}
	return &FragInd{
		msg:      msg,
		fwCursor: fwCursor{bytes: msg[RxFragIndFwDescOffset : RxFragIndFwDescOffset+n]},
	}, nil
}

func (m *FragInd) Type() MsgType    { return TypeRxFragInd }
func (m *FragInd) ExtTID() uint8    { return uint8(fExtTID.get(m.msg)) }
func (m *FragInd) PeerID() uint16   { return uint16(fPeerID.get(m.msg)) }
func (m *FragInd) FwDescBytes() int { return len(m.bytes) }

func (m *FragInd) Flush() (r SeqRange, ok bool) {
	return SeqRange{uint8(fFlushStart.get(m.msg)), uint8(fFlushEnd.get(m.msg))},
		fFlushValid.get(m.msg) != 0
}

type FragIndSpec struct {
	ExtTID uint8
	PeerID uint16
	Flush  *SeqRange
	FwDesc []byte
}

func AppendFragInd(dst []byte, s *FragIndSpec) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, RxFragIndFwDescOffset+roundUp4(len(s.FwDesc)))...)
	msg := dst[start:]

	fMsgType.put(msg, uint32(TypeRxFragInd))
	fExtTID.put(msg, uint32(s.ExtTID))
	fPeerID.put(msg, uint32(s.PeerID))
	if s.Flush != nil {
		fFlushValid.put(msg, 1)
		fFlushStart.put(msg, uint32(s.Flush.Start))
		fFlushEnd.put(msg, uint32(s.Flush.End))
	}
	fFragFwDesc.put(msg, uint32(len(s.FwDesc)))
	copy(msg[RxFragIndFwDescOffset:], s.FwDesc)
	return dst
}
