package rxdesc

// region names a sub-structure of the rx descriptor.
type region uint8

const (
	regFwDesc region = iota
	regAttention
	regFragInfo
	regMPDUStart
	regMSDUStart
	regMSDUEnd
	regMPDUEnd
	regPPDUStart
	regPPDUEnd
	regHdrStatus
	numRegions
)

// HdrStatusBytes is the size of the 802.11 header copy the hardware keeps
// in the descriptor.
const HdrStatusBytes = 64

// Layout gives the byte offset of every descriptor region. Two layouts
// exist and both are fixed by the hardware.
type Layout struct {
	Name string
	// Size is the number of descriptor bytes. In the low-latency layout
	// this is also the reservation in front of the payload.
	Size    int
	offsets [numRegions]int
}

// FwDescOffset returns the byte offset of the firmware action byte.
func (l *Layout) FwDescOffset() int { return l.offsets[regFwDesc] }

func (l *Layout) offset(r region) int { return l.offsets[r] }

// LowLatency is the layout where the descriptor sits at the head of each
// ring buffer, ahead of the payload.
var LowLatency = &Layout{
	Name: "low-latency",
	Size: 236,
	offsets: [numRegions]int{
		regFwDesc:    0,
		regAttention: 4,
		regFragInfo:  8,
		regMPDUStart: 12,
		regMSDUStart: 24,
		regMSDUEnd:   36,
		regMPDUEnd:   56,
		regPPDUStart: 60,
		regPPDUEnd:   100,
		regHdrStatus: 172,
	},
}

// HighLatency is the layout where the descriptor is carried inside the
// rx indication message, with the firmware byte at its tail.
var HighLatency = &Layout{
	Name: "high-latency",
	Size: 236,
	offsets: [numRegions]int{
		regMPDUStart: 0,
		regMSDUStart: 12,
		regMSDUEnd:   24,
		regMPDUEnd:   44,
		regAttention: 48,
		regFragInfo:  52,
		regPPDUStart: 56,
		regPPDUEnd:   96,
		regHdrStatus: 168,
		regFwDesc:    232,
	},
}

// field is a bit-packed value inside one little-endian descriptor word.
type field struct {
	reg  region
	word int
	mask uint32
	lsb  uint
}

var (
	attnFirstMPDU     = field{regAttention, 0, 0x00000001, 0}
	attnLastMPDU      = field{regAttention, 0, 0x00000002, 1}
	attnMcastBcast    = field{regAttention, 0, 0x00000004, 2}
	attnFragment      = field{regAttention, 0, 0x00002000, 13}
	attnMSDULenErr    = field{regAttention, 0, 0x00020000, 17}
	attnTCPUDPCsumErr = field{regAttention, 0, 0x00040000, 18}
	attnIPCsumErr     = field{regAttention, 0, 0x00080000, 19}
	attnMPDULenErr    = field{regAttention, 0, 0x08000000, 27}
	attnTKIPMICErr    = field{regAttention, 0, 0x10000000, 28}
	attnDecryptErr    = field{regAttention, 0, 0x20000000, 29}
	attnFCSErr        = field{regAttention, 0, 0x40000000, 30}
	attnMSDUDone      = field{regAttention, 0, 0x80000000, 31}

	fragRing2MoreCount = field{regFragInfo, 0, 0x00ff0000, 16}

	mpduPeerIdx     = field{regMPDUStart, 0, 0x000007ff, 0}
	mpduFrDS        = field{regMPDUStart, 0, 0x00000800, 11}
	mpduToDS        = field{regMPDUStart, 0, 0x00001000, 12}
	mpduEncrypted   = field{regMPDUStart, 0, 0x00002000, 13}
	mpduRetry       = field{regMPDUStart, 0, 0x00004000, 14}
	mpduSeqNum      = field{regMPDUStart, 0, 0x0fff0000, 16}
	mpduEncryptType = field{regMPDUStart, 0, 0xf0000000, 28}
	mpduPN31_0      = field{regMPDUStart, 1, 0xffffffff, 0}
	mpduPN47_32     = field{regMPDUStart, 2, 0x0000ffff, 0}
	mpduTID         = field{regMPDUStart, 2, 0xf0000000, 28}

	msduLen         = field{regMSDUStart, 0, 0x00003fff, 0}
	msduDecapFormat = field{regMSDUStart, 2, 0x00000300, 8}
	msduIPv4        = field{regMSDUStart, 2, 0x00000400, 10}
	msduIPv6        = field{regMSDUStart, 2, 0x00000800, 11}
	msduTCP         = field{regMSDUStart, 2, 0x00001000, 12}
	msduUDP         = field{regMSDUStart, 2, 0x00002000, 13}
	msduIPFrag      = field{regMSDUStart, 2, 0x00004000, 14}

	msduEndKeyIDOct  = field{regMSDUEnd, 1, 0x000000ff, 0}
	msduEndPN63_48   = field{regMSDUEnd, 1, 0xffff0000, 16}
	msduEndPN95_64   = field{regMSDUEnd, 2, 0xffffffff, 0}
	msduEndPN127_96  = field{regMSDUEnd, 3, 0xffffffff, 0}
	msduEndFirstMSDU = field{regMSDUEnd, 4, 0x00004000, 14}
	msduEndLastMSDU  = field{regMSDUEnd, 4, 0x00008000, 15}

	ppduRSSIComb     = field{regPPDUStart, 4, 0x000000ff, 0}
	ppduLSigRate     = field{regPPDUStart, 5, 0x0000000f, 0}
	ppduLSigRateSel  = field{regPPDUStart, 5, 0x00000010, 4}
	ppduPreambleType = field{regPPDUStart, 5, 0xff000000, 24}
	ppduSigA1        = field{regPPDUStart, 6, 0x00ffffff, 0}
	ppduSigA2        = field{regPPDUStart, 7, 0x00ffffff, 0}
	ppduService      = field{regPPDUStart, 9, 0x0000ffff, 0}

	ppduEndTSF = field{regPPDUEnd, 16, 0xffffffff, 0}
)
