package monitor

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/rxdesc"
)

// NoiseFloorDBm is the noise floor RSSI values are relative to.
const NoiseFloorDBm = -95

// L-SIG rate codes to rates in 500 kbps units.
var (
	ofdmRates = map[uint8]layers.RadioTapRate{
		0xb: 12, 0xf: 18, 0xa: 24, 0xe: 36,
		0x9: 48, 0xd: 72, 0x8: 96, 0xc: 108,
	}
	cckRates = map[uint8]layers.RadioTapRate{
		0x1: 22, 0x2: 11, 0x3: 4, 0x4: 2,
		0x5: 22, 0x6: 11, 0x7: 4,
	}
)

// RadioTap converts rs into a radiotap header. The rate field is only
// present for legacy PPDUs, the TSF only when rs carries a valid one.
func RadioTap(rs *RxStatus) layers.RadioTap {
	rt := layers.RadioTap{
		Present:          layers.RadioTapPresentDBMAntennaSignal,
		DBMAntennaSignal: int8(min(int(rs.RSSI)+NoiseFloorDBm, 127)),
	}
	if rs.TSFValid {
		rt.Present |= layers.RadioTapPresentTSFT
		rt.TSFT = uint64(rs.TSF)
	}
	if rs.Preamble == rxdesc.PreambleLegacy {
		table := ofdmRates
		if rs.CCK {
			table = cckRates
		}
		if r, ok := table[rs.LegacyRate]; ok {
			rt.Present |= layers.RadioTapPresentRate
			rt.Rate = r
		}
	}
	return rt
}

// PrependRadioTap writes the radiotap header for rs in front of mpdu's
// data. Heads synthesized by Restitch always have room; a raw mode head
// gives up the tail of its descriptor region.
func PrependRadioTap(mpdu *netbuf.Buf, rs *RxStatus) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := RadioTap(rs).SerializeTo(buf, opts); err != nil {
		return fmt.Errorf("serializing radiotap header: %w", err)
	}
	hdr := buf.Bytes()
	dst := mpdu.Push(len(hdr))
	if dst == nil {
		return fmt.Errorf("%w: need %d, have %d", ErrNoHeadroom, len(hdr), mpdu.Headroom())
	}
	copy(dst, hdr)
	return nil
}
