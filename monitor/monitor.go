// Package monitor rebuilds whole 802.11 MPDUs from the MSDU chains the
// receive path pops, for delivery to monitor interfaces.
//
// The result is a head buffer with the MSDUs hanging off it as an
// extension list (see netbuf.Buf.Ext). In raw decap mode the head is the
// first MSDU itself; in the decapsulated modes a fresh head carries an
// 802.11 header synthesized from the header copy the hardware stashes in
// the rx descriptor, with headroom left for a radiotap header.
package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/romshark/wlanrx/internal/ratelog"
	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/rxdesc"
	"github.com/romshark/wlanrx/rxstat"
)

const (
	// FCSLen is the length of the frame check sequence trailing a raw MPDU.
	FCSLen = 4
	// MaxHeader is the headroom reserved in synthesized head buffers for a
	// PHY header.
	MaxHeader = 512

	dot11HdrLen   = 24
	addr4Len      = 6
	qosCtlLen     = 2
	llcLen        = 8
	amsduSubLen   = 14
	decapHdrLen   = 14
	qosAMSDUFlag  = 0x80
	ivPadAlignLen = 2
)

var (
	ErrEmpty        = errors.New("monitor: empty MSDU chain")
	ErrZeroLen      = errors.New("monitor: zero length MSDU")
	ErrShortTrailer = errors.New("monitor: last buffer shorter than FCS")
	ErrShortMSDU    = errors.New("monitor: MSDU shorter than its decap header")
	ErrNoTailroom   = errors.New("monitor: no tailroom for subframe header")
	ErrNoHeadroom   = errors.New("monitor: no headroom for radiotap header")
	ErrNoPool       = errors.New("monitor: no buffer pool")
)

// RxStatus is the PHY information of a received PPDU.
type RxStatus struct {
	// RSSI is the combined RSSI in dB above the noise floor.
	RSSI       uint8
	RatePHY    uint32
	Preamble   uint8
	LegacyRate uint8
	CCK        bool
	// TSF is only valid on the last MPDU of a PPDU.
	TSF      uint32
	TSFValid bool
}

func (rs *RxStatus) setPPDUStart(d rxdesc.Desc) {
	rs.RSSI = d.RSSIComb()
	rs.RatePHY = d.RatePHY()
	rs.Preamble = d.PreambleType()
	rs.LegacyRate, rs.CCK = d.LegacyRate()
	rs.TSF, rs.TSFValid = 0, false
}

type Config struct {
	Pool netbuf.Pool
	// Layout defaults to rxdesc.LowLatency.
	Layout *rxdesc.Layout
	Log    logrus.FieldLogger
	Stats  *rxstat.Counters
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Pool == nil {
		return ErrNoPool
	}
	if c.Layout == nil {
		c.Layout = rxdesc.LowLatency
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.Stats == nil {
		c.Stats = new(rxstat.Counters)
	}
	return nil
}

// Restitcher turns MSDU chains back into MPDUs.
//
// WARNING: not safe for concurrent use.
type Restitcher struct {
	conf    Config
	logFail *ratelog.Logger
}

func New(conf Config) (*Restitcher, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Restitcher{
		conf:    conf,
		logFail: ratelog.New(conf.Log.WithField("component", "monitor"), time.Second),
	}, nil
}

func (r *Restitcher) desc(b *netbuf.Buf) rxdesc.Desc {
	return rxdesc.MustView(r.conf.Layout, b.Raw())
}

// Restitch links the MSDU chain starting at head into one MPDU and fills
// rs from the chain's descriptors. The chain's buffers must still carry
// their rx descriptors, as popped by htt.Rx.PopFrame.
//
// With cloneNotReqd the input buffers themselves become part of the MPDU
// and their Next links are cleared on success; on failure they are freed.
// Otherwise the MPDU is built from clones and the input chain is left to
// the caller either way.
func (r *Restitcher) Restitch(head *netbuf.Buf, rs *RxStatus, cloneNotReqd bool) (*netbuf.Buf, error) {
	if head == nil {
		return nil, ErrEmpty
	}
	d := r.desc(head)
	if d.FirstMPDU() {
		rs.setPPDUStart(d)
	}

	s := stitch{pool: r.conf.Pool, desc: r.desc, noClone: cloneNotReqd, orig: head}
	var (
		mpdu *netbuf.Buf
		last = d
		err  error
	)
	if d.DecapFormat() == rxdesc.DecapRaw {
		mpdu, err = s.raw()
	} else {
		mpdu, last, err = s.decap(d)
	}
	if err != nil {
		s.fail()
		r.conf.Stats.Inc(rxstat.RestitchFailures)
		r.logFail.Debug(logrus.Fields{
			"error":      err,
			"decap":      d.DecapFormat(),
			"clone_reqd": !cloneNotReqd,
			"head_paddr": fmt.Sprintf("%#x", head.PAddr()),
		}, "MPDU restitch failed")
		return nil, err
	}

	if last.LastMPDU() {
		rs.TSF, rs.TSFValid = last.TSF(), true
	}
	if cloneNotReqd {
		for b := range head.Chain() {
			b.SetNext(nil)
		}
	}
	r.conf.Stats.Inc(rxstat.Restitched)
	return mpdu, nil
}

// Free releases an MPDU returned by Restitch together with its extension
// list.
func Free(p netbuf.Pool, mpdu *netbuf.Buf) {
	if mpdu == nil {
		return
	}
	for m := range mpdu.Ext() {
		p.Free(m)
	}
	p.Free(mpdu)
}

// stitch is the state of one restitch, kept so a failure can release
// exactly what was built.
type stitch struct {
	pool    netbuf.Pool
	desc    func(*netbuf.Buf) rxdesc.Desc
	noClone bool
	orig    *netbuf.Buf

	head      *netbuf.Buf
	allocated bool
	extHead   *netbuf.Buf
}

func (s *stitch) clone(b *netbuf.Buf) (*netbuf.Buf, error) {
	if s.noClone {
		return b, nil
	}
	c, err := s.pool.Clone(b)
	if err != nil {
		return nil, fmt.Errorf("cloning MSDU %#x: %w", b.PAddr(), err)
	}
	return c, nil
}

func (s *stitch) fail() {
	if !s.noClone {
		if s.head != nil {
			s.pool.Free(s.head)
		}
		for m := s.extHead; m != nil; {
			next := m.NextExt()
			s.pool.Free(m)
			m = next
		}
		return
	}
	if s.allocated {
		s.pool.Free(s.head)
	}
	netbuf.FreeChain(s.pool, s.orig)
}

func (s *stitch) raw() (*netbuf.Buf, error) {
	mpdu, err := s.clone(s.orig)
	if err != nil {
		return nil, err
	}
	s.head = mpdu
	if mpdu.Len() == 0 {
		return nil, ErrZeroLen
	}

	tail, extLen := mpdu, 0
	for orig := s.orig.Next(); orig != nil; orig = orig.Next() {
		m, err := s.clone(orig)
		if err != nil {
			return nil, err
		}
		if s.extHead == nil {
			s.extHead = m
		} else {
			tail.SetNextExt(m)
		}
		tail = m
		if m.Len() == 0 {
			return nil, ErrZeroLen
		}
		extLen += m.Len()
	}

	if tail.Len() < FCSLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortTrailer, tail.Len())
	}
	tail.Trim(FCSLen)
	if s.extHead != nil {
		mpdu.AppendExtList(s.extHead, extLen-FCSLen)
	}
	return mpdu, nil
}

// wifiHdrLen returns the length of the 802.11 header in hdr and whether
// its QoS control field flags an A-MSDU.
func wifiHdrLen(hdr []byte) (n int, amsdu bool) {
	n = dot11HdrLen
	if fl := layers.Dot11Flags(hdr[1]); fl.ToDS() && fl.FromDS() {
		n += addr4Len
	}
	if layers.Dot11Type(hdr[0] >> 2).QOS() {
		amsdu = hdr[n]&qosAMSDUFlag != 0
		n += qosCtlLen
	}
	return n, amsdu
}

// decap synthesizes the 802.11 header into a new head buffer and links
// every MSDU behind it, each preceded by its LLC (and A-MSDU subframe)
// header and padded to 4 bytes. It returns the descriptor of the last
// MSDU.
func (s *stitch) decap(d rxdesc.Desc) (*netbuf.Buf, rxdesc.Desc, error) {
	hdr := d.HdrStatus()
	hdrLen, amsdu := wifiHdrLen(hdr)
	llc := llcLen
	if amsdu {
		llc += amsduSubLen
	}

	mpdu, err := s.pool.Alloc(MaxHeader+hdrLen+llc, MaxHeader)
	if err != nil {
		return nil, d, fmt.Errorf("allocating MPDU head: %w", err)
	}
	s.head, s.allocated = mpdu, true
	copy(mpdu.Put(hdrLen), hdr[:hdrLen])

	// The stashed header is followed by the first MSDU's LLC header, after
	// a 2 byte pad if the header is not 4 byte aligned.
	status := hdr[hdrLen:]
	if hdrLen&3 != 0 {
		status = status[ivPadAlignLen:]
	}

	last, prev, pad := d, mpdu, 0
	for orig := s.orig; orig != nil; orig = orig.Next() {
		m, err := s.clone(orig)
		if err != nil {
			return nil, d, err
		}
		if orig == s.orig {
			s.extHead = m
		} else {
			prev.SetNextExt(m)
			last = s.desc(orig)
			status = last.HdrStatus()
		}

		dst := prev.Put(pad + llc)
		if dst == nil {
			return nil, d, ErrNoTailroom
		}
		clear(dst[:pad])
		copy(dst[pad:], status[:llc])

		if m.Pull(decapHdrLen) == nil {
			return nil, d, fmt.Errorf("%w: %d bytes", ErrShortMSDU, m.Len())
		}
		if pad = (llc + m.Len()) & 3; pad != 0 {
			pad = 4 - pad
		}
		prev = m
	}

	extLen := 0
	for m := s.extHead; m != nil; m = m.NextExt() {
		extLen += m.Len()
	}
	mpdu.AppendExtList(s.extHead, extLen)
	return mpdu, last, nil
}
