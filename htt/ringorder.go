package htt

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/wlanrx/httmsg"
	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/rxdesc"
	"github.com/romshark/wlanrx/rxstat"
)

// ringOrder pops buffers in the order they were posted.
type ringOrder struct {
	rx *Rx
}

func (s *ringOrder) pop() (*netbuf.Buf, error) {
	b, err := s.rx.ring.Pop()
	if err != nil {
		return nil, fatal(err, "popping rx buffer")
	}
	s.rx.reclaim(b)
	return b, nil
}

func (s *ringOrder) popFrame(msg httmsg.Msg) (Frame, error) {
	rx := s.rx

	var fw httmsg.FwDescSource
	switch m := msg.(type) {
	case *httmsg.RxInd:
		fw = m
	case *httmsg.FragInd:
		fw = m
	default:
		return Frame{}, fmt.Errorf("%w: %s", ErrUnexpectedMsg, msg.Type())
	}

	msdu, err := s.pop()
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Head: msdu}

	for {
		d := rx.desc(msdu)
		if err := rx.waitDone(msdu, d); err != nil {
			f.Tail = msdu
			return f, err
		}

		b, ok := fw.NextFwDesc()
		if !ok {
			// The firmware reports fewer descriptors than MSDUs for an
			// oversized A-MSDU. Deliver the rest.
			rx.stats.Inc(rxstat.FwDescUnderrun)
			rx.logUnderrun.Warn(logrus.Fields{
				"paddr": fmt.Sprintf("%#x", msdu.PAddr()),
			}, "rx indication ran out of firmware descriptors")
		}
		d.SetFwDesc(b)
		msdu.SetCsum(d.Checksum())

		msduLen := d.MSDULen()
		more := d.RingMoreCount()

		msdu.Pull(rx.layout.Size)
		switch {
		case d.MPDULenErr() || more > 0:
			// Length unreliable, keep the full buffer.
		case msduLen > ZeroLenErratumLen:
			rx.stats.Inc(rxstat.ZeroLenErratum)
			rx.logErratum.Debug(logrus.Fields{"msdu_len": msduLen}, "zero length PHY error erratum")
		default:
			msdu.SetLen(min(msduLen, rx.payloadCap))
		}
		rx.stats.Inc(rxstat.MSDUs)
		rx.stats.Add(rxstat.Bytes, uint64(msdu.Len()))

		if more > 0 {
			f.Chained = true
			rx.stats.Inc(rxstat.ChainedMSDUs)
		}
		for ; more > 0; more-- {
			next, err := s.pop()
			if err != nil {
				f.Tail = msdu
				return f, err
			}
			msduLen -= rx.payloadCap
			msdu.SetNext(next)
			msdu = next

			if more == 1 {
				// The hardware length can be inconsistent with the number
				// of buffers.
				rx.setPayloadLen(next, msduLen)
			} else {
				rx.setPayloadLen(next, rx.payloadCap)
			}
			rx.stats.Add(rxstat.Bytes, uint64(next.Len()))
		}

		if d.LastMSDU() {
			msdu.SetNext(nil)
			break
		}
		next, err := s.pop()
		if err != nil {
			f.Tail = msdu
			return f, err
		}
		msdu.SetNext(next)
		msdu = next
	}
	f.Tail = msdu
	return f, nil
}

func (s *ringOrder) mpduDescListNext(*netbuf.Buf) (rxdesc.Desc, error) {
	b := s.rx.ring.NextDesc()
	if b == nil {
		return rxdesc.Desc{}, fmt.Errorf("%w: no buffer at descriptor index", ErrWrongMode)
	}
	return s.rx.desc(b), nil
}

func (s *ringOrder) drain(release func(*netbuf.Buf)) {
	s.rx.ring.Drain(release)
}

// waitDone checks that the device finished writing d. A missing done bit
// is re-read a bounded number of times after invalidating the CPU cache.
func (rx *Rx) waitDone(b *netbuf.Buf, d rxdesc.Desc) error {
	if d.MSDUDone() {
		return nil
	}
	rx.logDoneBit.Warn(logrus.Fields{
		"paddr": fmt.Sprintf("%#x", b.PAddr()),
	}, "rx descriptor not done, retrying")

	for range rx.conf.DoneBitRetries {
		rx.stats.Inc(rxstat.DoneBitRetries)
		time.Sleep(rx.conf.DoneBitDelay)
		rx.pool.SyncForCPU(b)
		if d.MSDUDone() {
			return nil
		}
	}
	return fatal(ErrDoneBit, "buffer %#x after %d retries", b.PAddr(), rx.conf.DoneBitRetries)
}
