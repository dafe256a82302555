package rxdesc

import (
	"fmt"

	"github.com/romshark/wlanrx/netbuf"
)

// PN is a packet number of up to 128 bits.
type PN struct {
	Lo uint64
	Hi uint64
}

// PN reconstructs the packet number of the given bit length (24, 48 or
// 128). Wider numbers are assembled from sub-fields spread over
// mpdu_start and msdu_end.
func (d Desc) PN(bits int) (PN, error) {
	switch bits {
	case 24:
		return PN{Lo: uint64(d.get(mpduPN31_0)) & 0xffffff}, nil
	case 48:
		return PN{Lo: d.pn48()}, nil
	case 128:
		return PN{
			Lo: d.pn48() | uint64(d.get(msduEndPN63_48))<<48,
			Hi: uint64(d.get(msduEndPN95_64)) | uint64(d.get(msduEndPN127_96))<<32,
		}, nil
	}
	return PN{}, fmt.Errorf("%w: %d", ErrInvalidPNLength, bits)
}

func (d Desc) pn48() uint64 {
	return uint64(d.get(mpduPN31_0)) | uint64(d.get(mpduPN47_32))<<32
}

// Preamble types reported in ppdu_start.
const (
	PreambleLegacy = 0x04
	PreambleHT     = 0x08
	PreambleVHT    = 0x0c
)

// Rate/PHY word class, bits 0..3 of RatePHY.
const (
	PhyOFDM = 0
	PhyCCK  = 1
	PhyHT   = 2
	PhyVHT  = 3
)

func (d Desc) RSSIComb() uint8     { return uint8(d.get(ppduRSSIComb)) }
func (d Desc) PreambleType() uint8 { return uint8(d.get(ppduPreambleType)) }

// LegacyRate returns the L-SIG rate code and the OFDM/CCK select bit.
func (d Desc) LegacyRate() (rate uint8, cck bool) {
	return uint8(d.get(ppduLSigRate)), d.flag(ppduLSigRateSel)
}

// RatePHY packs the PPDU rate information into one word:
//
//	legacy:   [3:0] OFDM/CCK  [7:4] L-SIG rate   [23:8] service
//	HT/VHT:   [3:0] HT/VHT    [15:4] SIG-A2 LSBs [31:16] SIG-A1 LSBs
func (d Desc) RatePHY() uint32 {
	pre := d.get(ppduPreambleType)
	if pre == PreambleLegacy {
		return d.get(ppduLSigRateSel) | d.get(ppduLSigRate)<<4 | d.get(ppduService)<<8
	}
	v := uint32(PhyHT)
	if pre&0x4 != 0 {
		v = PhyVHT
	}
	return v | (d.get(ppduSigA2)&0xfff)<<4 | (d.get(ppduSigA1)&0xffff)<<16
}

// TSF returns the PPDU end timestamp.
func (d Desc) TSF() uint32 { return d.get(ppduEndTSF) }

// Checksum maps the hardware checksum offload bits onto a verdict.
// Fragmented IP packets and non TCP/UDP payloads are not validated.
func (d Desc) Checksum() netbuf.Checksum {
	if d.flag(msduIPFrag) {
		return netbuf.Checksum{}
	}
	v4, v6 := d.flag(msduIPv4), d.flag(msduIPv6)
	tcp, udp := d.flag(msduTCP), d.flag(msduUDP)

	var l4 netbuf.L4
	switch {
	case v4 && tcp:
		l4 = netbuf.L4TCP
	case v4 && udp:
		l4 = netbuf.L4UDP
	case v6 && tcp:
		l4 = netbuf.L4TCPv6
	case v6 && udp:
		l4 = netbuf.L4UDPv6
	default:
		return netbuf.Checksum{}
	}

	res := netbuf.CsumOK
	if d.flag(attnTCPUDPCsumErr) {
		res = netbuf.CsumFail
	}
	return netbuf.Checksum{L4: l4, Result: res}
}
