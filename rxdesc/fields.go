package rxdesc

// Fields is the decoded content of a descriptor. It is what the device
// writes; Encode lets simulators and tests produce descriptors bit-exact
// with hardware.
type Fields struct {
	// attention
	FirstMPDU  bool
	LastMPDU   bool
	McastBcast bool
	Fragment   bool
	MSDULenErr bool
	MPDULenErr bool
	TKIPMICErr bool
	DecryptErr bool
	FCSErr     bool
	IPCsumErr  bool
	L4CsumErr  bool
	MSDUDone   bool

	// frag info
	RingMoreCount int

	// mpdu_start
	PeerIdx     uint16
	FromDS      bool
	ToDS        bool
	Encrypted   bool
	Retry       bool
	SeqNum      uint16
	EncryptType uint8
	TID         uint8
	PN          PN

	// msdu_start
	MSDULen     int
	DecapFormat int
	IPv4        bool
	IPv6        bool
	TCP         bool
	UDP         bool
	IPFrag      bool

	// msdu_end
	KeyID     uint8
	FirstMSDU bool
	LastMSDU  bool

	// ppdu_start
	RSSIComb       uint8
	LSigRate       uint8
	LSigRateSelect bool
	PreambleType   uint8
	SigA1          uint32
	SigA2          uint32
	Service        uint16

	// ppdu_end
	TSF uint32

	HdrStatus []byte
	FwDesc    uint8
}

// Encode writes f into d. Bytes not covered by a field are zeroed.
func (d Desc) Encode(f *Fields) {
	clear(d.b)

	d.setFlag(attnFirstMPDU, f.FirstMPDU)
	d.setFlag(attnLastMPDU, f.LastMPDU)
	d.setFlag(attnMcastBcast, f.McastBcast)
	d.setFlag(attnFragment, f.Fragment)
	d.setFlag(attnMSDULenErr, f.MSDULenErr)
	d.setFlag(attnMPDULenErr, f.MPDULenErr)
	d.setFlag(attnTKIPMICErr, f.TKIPMICErr)
	d.setFlag(attnDecryptErr, f.DecryptErr)
	d.setFlag(attnFCSErr, f.FCSErr)
	d.setFlag(attnIPCsumErr, f.IPCsumErr)
	d.setFlag(attnTCPUDPCsumErr, f.L4CsumErr)
	d.setFlag(attnMSDUDone, f.MSDUDone)

	d.set(fragRing2MoreCount, uint32(f.RingMoreCount))

	d.set(mpduPeerIdx, uint32(f.PeerIdx))
	d.setFlag(mpduFrDS, f.FromDS)
	d.setFlag(mpduToDS, f.ToDS)
	d.setFlag(mpduEncrypted, f.Encrypted)
	d.setFlag(mpduRetry, f.Retry)
	d.set(mpduSeqNum, uint32(f.SeqNum))
	d.set(mpduEncryptType, uint32(f.EncryptType))
	d.set(mpduTID, uint32(f.TID))
	d.set(mpduPN31_0, uint32(f.PN.Lo))
	d.set(mpduPN47_32, uint32(f.PN.Lo>>32))

	d.set(msduLen, uint32(f.MSDULen))
	d.set(msduDecapFormat, uint32(f.DecapFormat))
	d.setFlag(msduIPv4, f.IPv4)
	d.setFlag(msduIPv6, f.IPv6)
	d.setFlag(msduTCP, f.TCP)
	d.setFlag(msduUDP, f.UDP)
	d.setFlag(msduIPFrag, f.IPFrag)

	d.set(msduEndKeyIDOct, uint32(f.KeyID))
	d.set(msduEndPN63_48, uint32(f.PN.Lo>>48))
	d.set(msduEndPN95_64, uint32(f.PN.Hi))
	d.set(msduEndPN127_96, uint32(f.PN.Hi>>32))
	d.setFlag(msduEndFirstMSDU, f.FirstMSDU)
	d.setFlag(msduEndLastMSDU, f.LastMSDU)

	d.set(ppduRSSIComb, uint32(f.RSSIComb))
	d.set(ppduLSigRate, uint32(f.LSigRate))
	d.setFlag(ppduLSigRateSel, f.LSigRateSelect)
	d.set(ppduPreambleType, uint32(f.PreambleType))
	d.set(ppduSigA1, f.SigA1)
	d.set(ppduSigA2, f.SigA2)
	d.set(ppduService, uint32(f.Service))

	d.set(ppduEndTSF, f.TSF)

	copy(d.HdrStatus(), f.HdrStatus)
	d.SetFwDesc(f.FwDesc)
}

// Decode reads every field of d.
func (d Desc) Decode() Fields {
	pn, _ := d.PN(128)
	rate, sel := d.LegacyRate()
	var hdr []byte
	if hs := d.HdrStatus(); !allZero(hs) {
		hdr = append(hdr, hs...)
	}
	return Fields{
		FirstMPDU:  d.FirstMPDU(),
		LastMPDU:   d.LastMPDU(),
		McastBcast: d.IsMcast(),
		Fragment:   d.IsFrag(),
		MSDULenErr: d.MSDULenErr(),
		MPDULenErr: d.MPDULenErr(),
		TKIPMICErr: d.TKIPMICErr(),
		DecryptErr: d.DecryptErr(),
		FCSErr:     d.FCSErr(),
		IPCsumErr:  d.IPCsumErr(),
		L4CsumErr:  d.L4CsumErr(),
		MSDUDone:   d.MSDUDone(),

		RingMoreCount: d.RingMoreCount(),

		PeerIdx:     d.PeerIdx(),
		FromDS:      d.FromDS(),
		ToDS:        d.ToDS(),
		Encrypted:   d.Encrypted(),
		Retry:       d.Retry(),
		SeqNum:      d.SeqNum(),
		EncryptType: d.EncryptType(),
		TID:         d.TID(),
		PN:          pn,

		MSDULen:     d.MSDULen(),
		DecapFormat: d.DecapFormat(),
		IPv4:        d.flag(msduIPv4),
		IPv6:        d.flag(msduIPv6),
		TCP:         d.flag(msduTCP),
		UDP:         d.flag(msduUDP),
		IPFrag:      d.flag(msduIPFrag),

		KeyID:     uint8(d.get(msduEndKeyIDOct)),
		FirstMSDU: d.FirstMSDU(),
		LastMSDU:  d.LastMSDU(),

		RSSIComb:       d.RSSIComb(),
		LSigRate:       rate,
		LSigRateSelect: sel,
		PreambleType:   d.PreambleType(),
		SigA1:          d.get(ppduSigA1),
		SigA2:          d.get(ppduSigA2),
		Service:        uint16(d.get(ppduService)),

		TSF: d.TSF(),

		HdrStatus: hdr,
		FwDesc:    d.FwDesc(),
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
