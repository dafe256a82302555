package htt

import (
	"fmt"

	"github.com/romshark/wlanrx/httmsg"
	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/rxstat"
)

// OffloadMSDU is an MSDU the firmware processed on its own. Buf's view
// starts after the in-band header.
type OffloadMSDU struct {
	Buf    *netbuf.Buf
	VdevID uint8
	PeerID uint16
	TID    uint8
	FwDesc uint8
}

// PopOffloadMSDU pops the next offloaded MSDU in ring order, after an
// offload deliver indication. Ring-order mode only.
func (rx *Rx) PopOffloadMSDU() (OffloadMSDU, error) {
	s, ok := rx.pop.(*ringOrder)
	if !ok {
		return OffloadMSDU{}, ErrWrongMode
	}
	b, err := s.pop()
	if err != nil {
		return OffloadMSDU{}, err
	}
	// Keep the descriptor read index in step with the buffer read index.
	_, _ = s.mpduDescListNext(nil)
	return rx.stripOffloadHdr(b)
}

// PopOffloadPaddr pops the i-th MSDU of an offloaded in-order indication.
// In-order mode only.
func (rx *Rx) PopOffloadPaddr(ind *httmsg.InOrdPaddrInd, i int) (OffloadMSDU, error) {
	s, ok := rx.pop.(*inOrder)
	if !ok {
		return OffloadMSDU{}, ErrWrongMode
	}
	if i < 0 || i >= ind.MSDUCount() {
		return OffloadMSDU{}, fmt.Errorf("offload MSDU %d of %d: %w", i, ind.MSDUCount(), httmsg.ErrShort)
	}
	b, err := s.pop(ind.MSDU(i).PAddr)
	if err != nil {
		return OffloadMSDU{}, err
	}
	return rx.stripOffloadHdr(b)
}

func (rx *Rx) stripOffloadHdr(b *netbuf.Buf) (OffloadMSDU, error) {
	h, err := httmsg.ParseOffloadHdr(b.Data())
	if err != nil {
		rx.pool.Free(b)
		return OffloadMSDU{}, err
	}
	b.Pull(httmsg.OffloadHdrBytes)
	b.SetLen(min(h.Len, b.Len()))

	rx.stats.Inc(rxstat.OffloadMSDUs)
	rx.stats.Add(rxstat.Bytes, uint64(b.Len()))
	return OffloadMSDU{
		Buf:    b,
		VdevID: h.VdevID,
		PeerID: h.PeerID,
		TID:    h.TID,
		FwDesc: h.FwDesc,
	}, nil
}

// dropOffload pops and frees every MSDU of an offloaded indication nobody
// wants, so the address hash stays in sync with the device.
func (rx *Rx) dropOffload(ind *httmsg.InOrdPaddrInd) error {
	for i := range ind.MSDUCount() {
		m, err := rx.PopOffloadPaddr(ind, i)
		if err != nil {
			return err
		}
		rx.pool.Free(m.Buf)
	}
	return nil
}
