package httmsg

import (
	"fmt"

	"github.com/romshark/wlanrx/rxdesc"
)

// Rx indication:
//
//	word 0:    msg type | ext tid | flush valid | release valid | peer id
//	word 1:    flush start/end seq | release start/end seq | num MPDU ranges
//	word 2..5: PPDU descriptor (word 2 bits 0..7: combined RSSI)
//	word 6:    fw rx desc byte count
//	byte 28:   fw rx desc bytes, one per MSDU, padded to a word
//	then:      one word per MPDU range (count, status)
//	then:      payload (high-latency rx descriptors)
const (
	RxIndHdrPrefixBytes = 8
	RxIndPPDUDescBytes  = 16
	RxIndFwDescOffset   = RxIndHdrPrefixBytes + RxIndPPDUDescBytes + 4
)

var (
	fMsgType      = bitfield{0, 0x000000ff, 0}
	fExtTID       = bitfield{0, 0x00001f00, 8}
	fFlushValid   = bitfield{0, 0x00002000, 13}
	fReleaseValid = bitfield{0, 0x00004000, 14}
	fPeerID       = bitfield{0, 0xffff0000, 16}

	fFlushStart   = bitfield{1, 0x0000003f, 0}
	fFlushEnd     = bitfield{1, 0x00000fc0, 6}
	fReleaseStart = bitfield{1, 0x0003f000, 12}
	fReleaseEnd   = bitfield{1, 0x00fc0000, 18}
	fNumRanges    = bitfield{1, 0xff000000, 24}

	fPPDURSSI    = bitfield{2, 0x000000ff, 0}
	fRxIndFwDesc = bitfield{6, 0x0000ffff, 0}

	fRangeCount  = bitfield{0, 0x000000ff, 0}
	fRangeStatus = bitfield{0, 0x0000ff00, 8}
)

// MPDU range status codes.
const (
	StatusOK          = 0x1
	StatusErrFCS      = 0x2
	StatusErrDup      = 0x3
	StatusErrReplay   = 0x4
	StatusErrInvPeer  = 0x5
	StatusUnauthPeer  = 0x6
	StatusOutOfSync   = 0x7
	StatusMgmtCtrl    = 0x8
	StatusTKIPMICErr  = 0x9
	StatusDecryptErr  = 0xa
	StatusMPDULenErr  = 0xb
	StatusEncryptReqd = 0xc
	StatusPrivacyErr  = 0xd
)

// MPDURange is a run of consecutive MPDUs sharing one status.
type MPDURange struct {
	Count  int
	Status uint8
}

type SeqRange struct {
	Start uint8
	End   uint8
}

// RxInd is a parsed rx indication. It carries the firmware byte cursor,
// so successive frame pops for the same indication continue where the
// previous one stopped.
type RxInd struct {
	msg []byte
	fwCursor
	ranges  []MPDURange
	payload []byte
}

func ParseRxInd(msg []byte) (*RxInd, error) {
	if len(msg) < RxIndFwDescOffset {
		return nil, fmt.Errorf("rx_ind header: %w", ErrShort)
	}
	if t := MsgType(fMsgType.get(msg)); t != TypeRxInd {
		return nil, fmt.Errorf("%w: %s is not rx_ind", ErrUnknownType, t)
	}

	n := int(fRxIndFwDesc.get(msg))
	end := RxIndFwDescOffset + n
	rangesOff := RxIndFwDescOffset + roundUp4(n)
	numRanges := int(fNumRanges.get(msg))
	payloadOff := rangesOff + 4*numRanges
	if len(msg) < payloadOff {
		return nil, fmt.Errorf("rx_ind with %d fw bytes and %d ranges in %d bytes: %w",
			n, numRanges, len(msg), ErrShort)
	}

	m := &RxInd{
		msg:      msg,
		fwCursor: fwCursor{bytes: msg[RxIndFwDescOffset:end]},
		ranges:   make([]MPDURange, numRanges),
		payload:  msg[payloadOff:],
	}
	for i := range m.ranges {
		w := msg[rangesOff+4*i:]
		m.ranges[i] = MPDURange{
			Count:  int(fRangeCount.get(w)),
			Status: uint8(fRangeStatus.get(w)),
		}
	}
	return m, nil
}

func (m *RxInd) Type() MsgType       { return TypeRxInd }
func (m *RxInd) ExtTID() uint8       { return uint8(fExtTID.get(m.msg)) }
func (m *RxInd) PeerID() uint16      { return uint16(fPeerID.get(m.msg)) }
func (m *RxInd) RSSI() uint8         { return uint8(fPPDURSSI.get(m.msg)) }
func (m *RxInd) FwDescBytes() int    { return len(m.bytes) }
func (m *RxInd) Ranges() []MPDURange { return m.ranges }
func (m *RxInd) Payload() []byte     { return m.payload }

// HLDesc returns the i-th high-latency rx descriptor carried in the
// payload. The descriptors are packed back to back.
func (m *RxInd) HLDesc(i int) (rxdesc.Desc, error) {
	size := rxdesc.HighLatency.Size
	if i < 0 || (i+1)*size > len(m.payload) {
		return rxdesc.View(rxdesc.HighLatency, nil)
	}
	return rxdesc.View(rxdesc.HighLatency, m.payload[i*size:(i+1)*size])
}

// Flush returns the sequence range to flush from the reorder buffer.
func (m *RxInd) Flush() (r SeqRange, ok bool) {
	return SeqRange{uint8(fFlushStart.get(m.msg)), uint8(fFlushEnd.get(m.msg))},
		fFlushValid.get(m.msg) != 0
}

// Release returns the sequence range to release from the reorder buffer.
func (m *RxInd) Release() (r SeqRange, ok bool) {
	return SeqRange{uint8(fReleaseStart.get(m.msg)), uint8(fReleaseEnd.get(m.msg))},
		fReleaseValid.get(m.msg) != 0
}

// NumMPDUs returns the total MPDU count over all ranges.
func (m *RxInd) NumMPDUs() (n int) {
	for _, r := range m.ranges {
		n += r.Count
	}
	return n
}

// RxIndSpec describes an rx indication to encode.
type RxIndSpec struct {
	ExtTID  uint8
	PeerID  uint16
	Flush   *SeqRange
	Release *SeqRange
	RSSI    uint8
	FwDesc  []byte
	Ranges  []MPDURange
	Payload []byte
}

// AppendRxInd appends the encoding of s to dst.
func AppendRxInd(dst []byte, s *RxIndSpec) []byte {
	size := RxIndFwDescOffset + roundUp4(len(s.FwDesc)) + 4*len(s.Ranges) + len(s.Payload)
	start := len(dst)
	dst = append(dst, make([]byte, size)...)
	msg := dst[start:]

	fMsgType.put(msg, uint32(TypeRxInd))
	fExtTID.put(msg, uint32(s.ExtTID))
	fPeerID.put(msg, uint32(s.PeerID))
	if s.Flush != nil {
		fFlushValid.put(msg, 1)
		fFlushStart.put(msg, uint32(s.Flush.Start))
		fFlushEnd.put(msg, uint32(s.Flush.End))
	}
	if s.Release != nil {
		fReleaseValid.put(msg, 1)
		fReleaseStart.put(msg, uint32(s.Release.Start))
		fReleaseEnd.put(msg, uint32(s.Release.End))
	}
	fNumRanges.put(msg, uint32(len(s.Ranges)))
	fPPDURSSI.put(msg, uint32(s.RSSI))
	fRxIndFwDesc.put(msg, uint32(len(s.FwDesc)))
	copy(msg[RxIndFwDescOffset:], s.FwDesc)

	off := RxIndFwDescOffset + roundUp4(len(s.FwDesc))
	for _, r := range s.Ranges {
		w := msg[off:]
		fRangeCount.put(w, uint32(r.Count))
		fRangeStatus.put(w, uint32(r.Status))
		off += 4
	}
	copy(msg[off:], s.Payload)
	return dst
}
