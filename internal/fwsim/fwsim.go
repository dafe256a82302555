// Package fwsim plays the device side of an rx ring: the DMA engine that
// fills posted buffers and the firmware that announces them with rx
// indications. It lets the receive path run without hardware.
package fwsim

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/wlanrx/httmsg"
	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/ring"
	"github.com/romshark/wlanrx/rxdesc"
)

var (
	ErrRingStarved = errors.New("fwsim: not enough posted buffers")
	ErrTooLong     = errors.New("fwsim: payload does not fit one buffer")
	ErrNoMSDUs     = errors.New("fwsim: no MSDUs")
)

type Config struct {
	Layout  *rxdesc.Layout
	BufSize int
	// InOrder makes the device advance target_idx and report buffers by
	// address.
	InOrder bool
	Log     logrus.FieldLogger
}

// MSDU is one MSDU as the device receives it.
type MSDU struct {
	Payload []byte
	// Desc is the descriptor template. The device fills in the done bit,
	// the length (unless Desc.MSDULen is set), the ring "more" count and
	// the first/last MSDU flags.
	Desc   rxdesc.Fields
	FwDesc uint8
	// NotDone leaves the descriptor's done bit clear.
	NotDone bool
}

// MPDU groups the MSDUs of one MPDU.
type MPDU struct {
	MSDUs  []MSDU
	Status uint8
}

// Device is the simulated device of one ring.
//
// WARNING: Device is not safe for concurrent use.
type Device struct {
	conf Config
	mem  netbuf.DeviceMemory
	ring ring.Device
	mask uint32
	log  logrus.FieldLogger

	// rdIdx is the next slot the device fills.
	rdIdx uint32
}

func New(mem netbuf.DeviceMemory, r *ring.Ring, conf Config) *Device {
	if conf.Layout == nil {
		conf.Layout = rxdesc.LowLatency
	}
	if conf.BufSize == 0 {
		conf.BufSize = 1920
	}
	if conf.Log == nil {
		conf.Log = logrus.StandardLogger()
	}
	return &Device{
		conf: conf,
		mem:  mem,
		ring: r.Device(),
		mask: r.Mask(),
		log:  conf.Log.WithField("component", "fwsim"),
	}
}

// PayloadCap is the payload room of one buffer.
func (d *Device) PayloadCap() int { return d.conf.BufSize - d.conf.Layout.Size }

// Available returns the number of posted buffers the device has not
// filled yet.
func (d *Device) Available() int {
	return int((d.ring.AllocIdx() - d.rdIdx) & d.mask)
}

// BuffersFor returns how many ring buffers an MSDU of n bytes occupies.
func (d *Device) BuffersFor(n int) int {
	return max(1, (n+d.PayloadCap()-1)/d.PayloadCap())
}

// next takes the next posted buffer.
func (d *Device) next() (paddr uint32, mem []byte, err error) {
	if d.Available() == 0 {
		return 0, nil, ErrRingStarved
	}
	paddr = d.ring.Slot(d.rdIdx)
	mem, err = d.mem.Resolve(uint64(paddr))
	if err != nil {
		return 0, nil, fmt.Errorf("slot %d: %w", d.rdIdx, err)
	}
	d.rdIdx = (d.rdIdx + 1) & d.mask
	if d.conf.InOrder {
		d.ring.SetTargetIdx(d.rdIdx)
	}
	return paddr, mem, nil
}

// writeMSDU DMAs one MSDU into as many buffers as it needs and returns
// their addresses.
func (d *Device) writeMSDU(m *MSDU, first, last bool) ([]uint32, error) {
	n := d.BuffersFor(len(m.Payload))
	if d.Available() < n {
		return nil, fmt.Errorf("%w: MSDU needs %d, have %d", ErrRingStarved, n, d.Available())
	}

	f := m.Desc
	f.MSDUDone = !m.NotDone
	if f.MSDULen == 0 {
		f.MSDULen = len(m.Payload)
	}
	f.RingMoreCount = n - 1
	f.FirstMSDU = first
	f.LastMSDU = last
	f.FwDesc = 0

	addrs := make([]uint32, 0, n)
	payload := m.Payload
	for i := range n {
		paddr, mem, err := d.next()
		if err != nil {
			return nil, err
		}
		desc, err := rxdesc.View(d.conf.Layout, mem)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			desc.Encode(&f)
		} else {
			desc.Encode(&rxdesc.Fields{MSDUDone: true})
		}
		c := copy(mem[d.conf.Layout.Size:], payload)
		payload = payload[c:]
		addrs = append(addrs, paddr)
	}
	return addrs, nil
}

// RxInd fills buffers in ring order with mpdus and returns the rx
// indication announcing them. dropFwDescs withholds that many firmware
// descriptor bytes from the end of the indication.
func (d *Device) RxInd(peerID uint16, tid uint8, mpdus []MPDU, dropFwDescs int) ([]byte, error) {
	if d.conf.InOrder {
		return nil, errors.New("fwsim: rx_ind in in-order mode")
	}
	spec := &httmsg.RxIndSpec{ExtTID: tid, PeerID: peerID}
	for _, mpdu := range mpdus {
		if len(mpdu.MSDUs) == 0 {
			return nil, ErrNoMSDUs
		}
		for i := range mpdu.MSDUs {
			m := &mpdu.MSDUs[i]
			if _, err := d.writeMSDU(m, i == 0, i == len(mpdu.MSDUs)-1); err != nil {
				return nil, err
			}
			spec.FwDesc = append(spec.FwDesc, m.FwDesc)
		}
		if n := len(spec.Ranges); n > 0 && spec.Ranges[n-1].Status == mpdu.Status {
			spec.Ranges[n-1].Count++
		} else {
			spec.Ranges = append(spec.Ranges, httmsg.MPDURange{Count: 1, Status: mpdu.Status})
		}
	}
	spec.FwDesc = spec.FwDesc[:max(0, len(spec.FwDesc)-dropFwDescs)]
	d.log.WithFields(logrus.Fields{
		"mpdus":   len(mpdus),
		"fw_desc": len(spec.FwDesc),
	}).Trace("rx_ind")
	return httmsg.AppendRxInd(nil, spec), nil
}

// FragInd fills buffers with one fragment and returns the rx fragment
// indication.
func (d *Device) FragInd(peerID uint16, tid uint8, frag MSDU) ([]byte, error) {
	if _, err := d.writeMSDU(&frag, true, true); err != nil {
		return nil, err
	}
	return httmsg.AppendFragInd(nil, &httmsg.FragIndSpec{
		ExtTID: tid,
		PeerID: peerID,
		FwDesc: []byte{frag.FwDesc},
	}), nil
}

// InOrdInd fills one buffer per MSDU and returns the in-order paddr
// indication. If reverse is set the buffers are reported in the opposite
// order they were filled.
func (d *Device) InOrdInd(peerID uint16, tid uint8, msdus []MSDU, reverse bool) ([]byte, error) {
	if !d.conf.InOrder {
		return nil, errors.New("fwsim: in-order indication in ring-order mode")
	}
	infos := make([]httmsg.MSDUInfo, len(msdus))
	for i := range msdus {
		m := &msdus[i]
		if len(m.Payload) > d.PayloadCap() {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(m.Payload))
		}
		addrs, err := d.writeMSDU(m, i == 0, i == len(msdus)-1)
		if err != nil {
			return nil, err
		}
		infos[i] = httmsg.MSDUInfo{PAddr: addrs[0], Len: len(m.Payload), FwDesc: m.FwDesc}
	}
	if reverse {
		for i, j := 0, len(infos)-1; i < j; i, j = i+1, j-1 {
			infos[i], infos[j] = infos[j], infos[i]
		}
	}
	return httmsg.AppendInOrdPaddrInd(nil, &httmsg.InOrdPaddrSpec{
		ExtTID: tid,
		PeerID: peerID,
		MSDUs:  infos,
	}), nil
}

// OffloadMSDU is an MSDU the firmware delivers on its own.
type OffloadMSDU struct {
	Payload []byte
	Hdr     httmsg.OffloadHdr
}

func (d *Device) writeOffload(m *OffloadMSDU) (uint32, error) {
	if len(m.Payload) > d.conf.BufSize-httmsg.OffloadHdrBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLong, len(m.Payload))
	}
	paddr, mem, err := d.next()
	if err != nil {
		return 0, err
	}
	h := m.Hdr
	h.Len = len(m.Payload)
	h.Put(mem)
	copy(mem[httmsg.OffloadHdrBytes:], m.Payload)
	return paddr, nil
}

// OffloadInd fills one buffer per MSDU, each led by the in-band header. In
// ring-order mode it returns an offload deliver indication, in in-order
// mode an in-order paddr indication with the offload flag set.
func (d *Device) OffloadInd(msdus []OffloadMSDU) ([]byte, error) {
	if !d.conf.InOrder {
		for i := range msdus {
			if _, err := d.writeOffload(&msdus[i]); err != nil {
				return nil, err
			}
		}
		return httmsg.AppendOffloadDeliverInd(nil, len(msdus)), nil
	}

	infos := make([]httmsg.MSDUInfo, len(msdus))
	for i := range msdus {
		paddr, err := d.writeOffload(&msdus[i])
		if err != nil {
			return nil, err
		}
		infos[i] = httmsg.MSDUInfo{PAddr: paddr, Len: len(msdus[i].Payload)}
	}
	return httmsg.AppendInOrdPaddrInd(nil, &httmsg.InOrdPaddrSpec{
		Offload: true,
		MSDUs:   infos,
	}), nil
}
