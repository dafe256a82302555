package htt

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/wlanrx/httmsg"
	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/rxdesc"
	"github.com/romshark/wlanrx/rxstat"
)

// inOrder pops buffers by the physical address the device reports.
type inOrder struct {
	rx *Rx
}

func (s *inOrder) pop(paddr uint32) (*netbuf.Buf, error) {
	rx := s.rx
	rx.hashMu.Lock()
	b, err := rx.hash.LookupRemove(paddr)
	rx.hashMu.Unlock()
	if err != nil {
		return nil, fatal(err, "device returned buffer %#x", paddr)
	}
	rx.reclaim(b)
	return b, nil
}

func (s *inOrder) popFrame(msg httmsg.Msg) (Frame, error) {
	rx := s.rx
	ind, ok := msg.(*httmsg.InOrdPaddrInd)
	if !ok {
		return Frame{}, fmt.Errorf("%w: %s", ErrUnexpectedMsg, msg.Type())
	}

	n := ind.MSDUCount()
	if ind.Offload() {
		rx.stats.Inc(rxstat.OffloadInds)
		if rx.deps.OffloadDeliver != nil {
			rx.deps.OffloadDeliver(n, ind)
			return Frame{}, nil
		}
		return Frame{}, rx.dropOffload(ind)
	}
	if n == 0 {
		return Frame{}, nil
	}

	tid, peerID := ind.ExtTID(), ind.PeerID()
	var head, prev *netbuf.Buf
	for i := range n {
		info := ind.MSDU(i)
		msdu, err := s.pop(info.PAddr)
		if err != nil {
			netbuf.FreeChain(rx.pool, head)
			return Frame{}, err
		}

		d := rx.desc(msdu)
		d.SetFwDesc(info.FwDesc)
		rx.setPayloadLen(msdu, info.Len)

		if d.MICErr() {
			rx.stats.Inc(rxstat.MICErrors)
			rx.log.WithFields(logrus.Fields{
				"tid":     tid,
				"peer_id": peerID,
				"paddr":   fmt.Sprintf("%#x", info.PAddr),
			}).Debug("dropping MSDU with MIC error")
			if rx.deps.MICError != nil {
				rx.deps.MICError(tid, peerID, d, msdu)
			}
			rx.pool.Free(msdu)
			continue
		}

		msdu.SetCsum(d.Checksum())
		rx.stats.Inc(rxstat.MSDUs)
		rx.stats.Add(rxstat.Bytes, uint64(msdu.Len()))

		if prev == nil {
			head = msdu
		} else {
			prev.SetNext(msdu)
		}
		prev = msdu
	}
	if prev != nil {
		prev.SetNext(nil)
	}
	return Frame{Head: head, Tail: prev}, nil
}

func (s *inOrder) mpduDescListNext(b *netbuf.Buf) (rxdesc.Desc, error) {
	if b == nil {
		return rxdesc.Desc{}, fmt.Errorf("%w: in-order mode needs the buffer", ErrWrongMode)
	}
	return s.rx.desc(b), nil
}

func (s *inOrder) drain(release func(*netbuf.Buf)) {
	s.rx.hashMu.Lock()
	defer s.rx.hashMu.Unlock()
	s.rx.hash.Deinit(release)
}
