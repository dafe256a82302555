// Package httmsg parses and builds the target-to-host messages that tell
// the host which receive buffers the device has filled.
//
// All messages are sequences of little-endian 32-bit words. The first byte
// of every message is its type.
package httmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShort       = errors.New("httmsg: message too short")
	ErrUnknownType = errors.New("httmsg: unknown message type")
)

type MsgType uint8

const (
	TypeVersionConf         MsgType = 0x00
	TypeRxInd               MsgType = 0x01
	TypeRxFlush             MsgType = 0x02
	TypePeerMap             MsgType = 0x03
	TypePeerUnmap           MsgType = 0x04
	TypeRxFragInd           MsgType = 0x0a
	TypeRxOffloadDeliverInd MsgType = 0x11
	TypeRxInOrdPaddrInd     MsgType = 0x12
)

func (t MsgType) String() string {
	switch t {
	case TypeVersionConf:
		return "version_conf"
	case TypeRxInd:
		return "rx_ind"
	case TypeRxFlush:
		return "rx_flush"
	case TypePeerMap:
		return "peer_map"
	case TypePeerUnmap:
		return "peer_unmap"
	case TypeRxFragInd:
		return "rx_frag_ind"
	case TypeRxOffloadDeliverInd:
		return "rx_offload_deliver_ind"
	case TypeRxInOrdPaddrInd:
		return "rx_in_ord_paddr_ind"
	}
	return fmt.Sprintf("type_%#02x", uint8(t))
}

// Msg is a parsed rx message.
type Msg interface {
	Type() MsgType
}

// FwDescSource hands out the per-MSDU firmware descriptor bytes of an
// indication, one per call, in order.
type FwDescSource interface {
	// NextFwDesc returns the next byte. ok is false once the indication
	// has run out of bytes.
	NextFwDesc() (b uint8, ok bool)
}

// Type returns the type of msg without parsing the rest.
func Type(msg []byte) (MsgType, error) {
	if len(msg) < 4 {
		return 0, ErrShort
	}
	return MsgType(msg[0]), nil
}

// Parse parses one rx message.
func Parse(msg []byte) (Msg, error) {
	t, err := Type(msg)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeRxInd:
		return ParseRxInd(msg)
	case TypeRxFragInd:
		return ParseFragInd(msg)
	case TypeRxInOrdPaddrInd:
		return ParseInOrdPaddrInd(msg)
	case TypeRxOffloadDeliverInd:
		return ParseOffloadDeliverInd(msg)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
}

// bitfield is a value inside one message word.
type bitfield struct {
	word int
	mask uint32
	lsb  uint
}

func (f bitfield) get(msg []byte) uint32 {
	return (binary.LittleEndian.Uint32(msg[4*f.word:]) & f.mask) >> f.lsb
}

func (f bitfield) put(msg []byte, v uint32) {
	off := 4 * f.word
	w := binary.LittleEndian.Uint32(msg[off:])
	w = (w &^ f.mask) | ((v << f.lsb) & f.mask)
	binary.LittleEndian.PutUint32(msg[off:], w)
}

func flag(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

func roundUp4(n int) int { return (n + 3) &^ 3 }

// fwCursor walks the firmware descriptor byte array of an indication.
type fwCursor struct {
	bytes []byte
	idx   int
}

func (c *fwCursor) NextFwDesc() (uint8, bool) {
	if c.idx >= len(c.bytes) {
		c.idx++
		return 0, false
	}
	b := c.bytes[c.idx]
	c.idx++
	return b, true
}

// Consumed returns how many firmware bytes have been requested so far,
// including requests past the end.
func (c *fwCursor) Consumed() int { return c.idx }
