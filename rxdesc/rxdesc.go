// Package rxdesc reads the hardware rx descriptor that accompanies every
// received MSDU.
//
// The descriptor is a sequence of little-endian 32-bit words. Every field
// is extracted from its raw word with a mask and a shift; never map the
// descriptor onto a Go struct, because big-endian hosts rely on the DMA
// engine byte-swapping whole words.
package rxdesc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidPNLength = errors.New("rxdesc: invalid PN length")
	ErrShortDesc       = errors.New("rxdesc: descriptor shorter than layout")
)

// Decap formats reported in msdu_start.
const (
	DecapRaw        = 0
	DecapNativeWiFi = 1
	Decap8023       = 2
	DecapEthernet2  = 3
)

// Firmware action bits carried in the fw desc byte.
const (
	FwDiscard = 0x01
	FwForward = 0x02
	FwAnyErr  = 0x04
	FwDupErr  = 0x08
	FwInspect = 0x10
	FwMICErr  = 0x20
	FwExt     = 0x80
)

// Desc is a view of one rx descriptor.
type Desc struct {
	b []byte
	l *Layout
}

// View returns a descriptor view of b under layout l.
func View(l *Layout, b []byte) (Desc, error) {
	if len(b) < l.Size {
		return Desc{}, fmt.Errorf("%w: have %d, want %d (%s)", ErrShortDesc, len(b), l.Size, l.Name)
	}
	return Desc{b: b[:l.Size:l.Size], l: l}, nil
}

// MustView is like View but panics on a short buffer. Receive buffers are
// always allocated larger than the descriptor.
func MustView(l *Layout, b []byte) Desc {
	d, err := View(l, b)
	if err != nil {
		panic(err)
	}
	return d
}

// Layout returns the layout d was created with.
func (d Desc) Layout() *Layout { return d.l }

// Bytes returns the raw descriptor bytes.
func (d Desc) Bytes() []byte { return d.b }

func (d Desc) wordOffset(r region, w int) int { return d.l.offset(r) + 4*w }

func (d Desc) word(r region, w int) uint32 {
	return binary.LittleEndian.Uint32(d.b[d.wordOffset(r, w):])
}

func (d Desc) get(f field) uint32 {
	return (d.word(f.reg, f.word) & f.mask) >> f.lsb
}

func (d Desc) flag(f field) bool { return d.get(f) != 0 }

// set writes v into f, leaving the other bits of the word untouched.
func (d Desc) set(f field, v uint32) {
	off := d.wordOffset(f.reg, f.word)
	w := binary.LittleEndian.Uint32(d.b[off:])
	w = (w &^ f.mask) | ((v << f.lsb) & f.mask)
	binary.LittleEndian.PutUint32(d.b[off:], w)
}

func (d Desc) setFlag(f field, on bool) {
	if on {
		d.set(f, 1)
	} else {
		d.set(f, 0)
	}
}

func (d Desc) Retry() bool     { return d.flag(mpduRetry) }
func (d Desc) SeqNum() uint16  { return uint16(d.get(mpduSeqNum)) }
func (d Desc) TID() uint8      { return uint8(d.get(mpduTID)) }
func (d Desc) PeerIdx() uint16 { return uint16(d.get(mpduPeerIdx)) }
func (d Desc) Encrypted() bool { return d.flag(mpduEncrypted) }
func (d Desc) FromDS() bool    { return d.flag(mpduFrDS) }
func (d Desc) ToDS() bool      { return d.flag(mpduToDS) }

func (d Desc) EncryptType() uint8 { return uint8(d.get(mpduEncryptType)) }

// FirstMSDU reports whether this is the first MSDU of its MPDU.
func (d Desc) FirstMSDU() bool { return d.flag(msduEndFirstMSDU) }

// LastMSDU reports whether this MSDU completes its MPDU.
func (d Desc) LastMSDU() bool { return d.flag(msduEndLastMSDU) }

// HasMcastFlag reports whether IsMcast may be trusted: the hardware only
// fills the multicast bit in the first MSDU of an MPDU.
func (d Desc) HasMcastFlag() bool { return d.FirstMSDU() }

// IsMcast reports the multicast/broadcast bit. Only valid if HasMcastFlag.
func (d Desc) IsMcast() bool { return d.flag(attnMcastBcast) }

// IsFrag reports whether the MPDU is an 802.11 fragment.
func (d Desc) IsFrag() bool { return d.flag(attnFragment) }

// KeyID returns the key id octet. ok is false unless this is the first
// MSDU, the only place the hardware fills it.
func (d Desc) KeyID() (id uint8, ok bool) {
	if !d.FirstMSDU() {
		return 0, false
	}
	return uint8(d.get(msduEndKeyIDOct)), true
}

func (d Desc) FirstMPDU() bool    { return d.flag(attnFirstMPDU) }
func (d Desc) LastMPDU() bool     { return d.flag(attnLastMPDU) }
func (d Desc) MSDUDone() bool     { return d.flag(attnMSDUDone) }
func (d Desc) MSDULenErr() bool   { return d.flag(attnMSDULenErr) }
func (d Desc) MPDULenErr() bool   { return d.flag(attnMPDULenErr) }
func (d Desc) TKIPMICErr() bool   { return d.flag(attnTKIPMICErr) }
func (d Desc) DecryptErr() bool   { return d.flag(attnDecryptErr) }
func (d Desc) FCSErr() bool       { return d.flag(attnFCSErr) }
func (d Desc) IPCsumErr() bool    { return d.flag(attnIPCsumErr) }
func (d Desc) L4CsumErr() bool    { return d.flag(attnTCPUDPCsumErr) }
func (d Desc) MSDULen() int       { return int(d.get(msduLen)) }
func (d Desc) DecapFormat() int   { return int(d.get(msduDecapFormat)) }
func (d Desc) RingMoreCount() int { return int(d.get(fragRing2MoreCount)) }

// ClearAttention zeroes the attention word so a stale done bit from a
// previous use of the buffer is never mistaken for a fresh completion.
func (d Desc) ClearAttention() {
	binary.LittleEndian.PutUint32(d.b[d.wordOffset(regAttention, 0):], 0)
}

// HdrStatus returns the copy of the received 802.11 header.
func (d Desc) HdrStatus() []byte {
	off := d.l.offset(regHdrStatus)
	return d.b[off : off+HdrStatusBytes]
}

// FwDesc returns the firmware action byte.
func (d Desc) FwDesc() uint8 { return d.b[d.l.FwDescOffset()] }

// SetFwDesc stores the firmware action byte copied from an indication.
func (d Desc) SetFwDesc(v uint8) { d.b[d.l.FwDescOffset()] = v }

func (d Desc) Discard() bool { return d.FwDesc()&FwDiscard != 0 }
func (d Desc) Forward() bool { return d.FwDesc()&FwForward != 0 }
func (d Desc) Inspect() bool { return d.FwDesc()&FwInspect != 0 }
func (d Desc) MICErr() bool  { return d.FwDesc()&FwMICErr != 0 }

// Actions decodes the firmware action byte.
type Actions struct {
	Discard bool
	Forward bool
	Inspect bool
	AnyErr  bool
	DupErr  bool
	MICErr  bool
}

func (d Desc) Actions() Actions {
	v := d.FwDesc()
	return Actions{
		Discard: v&FwDiscard != 0,
		Forward: v&FwForward != 0,
		Inspect: v&FwInspect != 0,
		AnyErr:  v&FwAnyErr != 0,
		DupErr:  v&FwDupErr != 0,
		MICErr:  v&FwMICErr != 0,
	}
}
