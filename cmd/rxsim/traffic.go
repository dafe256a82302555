//go:build linux

package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/romshark/wlanrx/httmsg"
	"github.com/romshark/wlanrx/internal/fwsim"
	"github.com/romshark/wlanrx/ratelimit"
	"github.com/romshark/wlanrx/rxdesc"
)

// minMSDUSize fits the decapsulated ethernet header.
const minMSDUSize = 14

const starvedPoll = 50 * time.Microsecond

// traffic generates the indications of one ring.
type traffic struct {
	conf    *Config
	dev     *fwsim.Device
	peerID  uint16
	inOrder bool
	seq     uint64
	payload []byte
	hdr     []byte
}

func newTraffic(conf *Config, dev *fwsim.Device, peerID uint16) *traffic {
	t := &traffic{
		conf:    conf,
		dev:     dev,
		peerID:  peerID,
		inOrder: conf.Rings.FullReorderOffload,
		payload: make([]byte, conf.Traffic.MSDUSize),
	}

	// Ethernet II header: dst, src, IPv4.
	copy(t.payload, []byte{
		0x02, 0x00, 0x00, 0x00, 0x00, 0x01,
		0x02, 0x00, 0x00, 0x00, byte(peerID >> 8), byte(peerID),
		0x08, 0x00,
	})

	// QoS-less data frame to the DS followed by its LLC/SNAP header.
	t.hdr = make([]byte, 0, 32)
	t.hdr = append(t.hdr, 0x08, 0x01, 0x00, 0x00)
	t.hdr = append(t.hdr, t.payload[0:6]...)  // BSSID
	t.hdr = append(t.hdr, t.payload[6:12]...) // SA
	t.hdr = append(t.hdr, t.payload[0:6]...)  // DA
	t.hdr = append(t.hdr, 0x00, 0x00)
	t.hdr = append(t.hdr, 0xaa, 0xaa, 0x03, 0x00, 0x00, 0x00, 0x08, 0x00)
	return t
}

// buffers returns how many ring buffers one indication occupies.
func (t *traffic) buffers() int {
	tc := &t.conf.Traffic
	return tc.MPDUs * tc.MSDUs * t.dev.BuffersFor(tc.MSDUSize)
}

func (t *traffic) msdu(firstMPDU, lastMPDU bool) fwsim.MSDU {
	t.seq++
	m := fwsim.MSDU{
		Payload: t.payload,
		FwDesc:  rxdesc.FwForward,
		Desc: rxdesc.Fields{
			FirstMPDU:    firstMPDU,
			LastMPDU:     lastMPDU,
			PeerIdx:      t.peerID,
			ToDS:         true,
			SeqNum:       uint16(t.seq & 0xfff),
			DecapFormat:  rxdesc.DecapEthernet2,
			IPv4:         true,
			UDP:          true,
			RSSIComb:     50,
			LSigRate:     0xb,
			PreambleType: rxdesc.PreambleLegacy,
			TSF:          uint32(t.seq),
			HdrStatus:    t.hdr,
		},
	}
	if every := t.conf.Traffic.MICErrorEvery; t.inOrder && every > 0 &&
		t.seq%uint64(every) == 0 {
		m.FwDesc = rxdesc.FwMICErr
	}
	return m
}

// next writes the payload of the next indication into the ring and
// returns the indication message.
func (t *traffic) next() ([]byte, error) {
	tc := &t.conf.Traffic
	if t.inOrder {
		msdus := make([]fwsim.MSDU, tc.MPDUs*tc.MSDUs)
		for i := range msdus {
			msdus[i] = t.msdu(i == 0, i == len(msdus)-1)
		}
		return t.dev.InOrdInd(t.peerID, 0, msdus, false)
	}
	mpdus := make([]fwsim.MPDU, tc.MPDUs)
	for i := range mpdus {
		msdus := make([]fwsim.MSDU, tc.MSDUs)
		for j := range msdus {
			msdus[j] = t.msdu(true, true)
		}
		mpdus[i] = fwsim.MPDU{MSDUs: msdus, Status: httmsg.StatusOK}
	}
	return t.dev.RxInd(t.peerID, 0, mpdus, 0)
}

// produce feeds count indications into r.ind and closes it. It waits for
// the host to post enough buffers before each indication so the device
// never writes half of one.
func produce(
	ctx context.Context,
	r *ring,
	th *ratelimit.Throttle,
	count uint64,
	produced *atomic.Uint64,
) error {
	defer close(r.ind)

	need := r.traffic.buffers()
	poll := time.NewTicker(starvedPoll)
	defer poll.Stop()

	for i := range count {
		if err := th.WaitN(ctx, 1); err != nil {
			return err
		}
		for r.dev.Available() < need {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-poll.C:
			}
		}
		ind, err := r.traffic.next()
		if err != nil {
			return fmt.Errorf("generating indication %d on %s: %w", i, r.rx.Name(), err)
		}
		select {
		case r.ind <- ind:
			produced.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
