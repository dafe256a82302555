package httmsg_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/romshark/wlanrx/httmsg"
	"github.com/romshark/wlanrx/rxdesc"
)

func TestRxIndLayout(t *testing.T) {
	msg := httmsg.AppendRxInd(nil, &httmsg.RxIndSpec{
		ExtTID:  3,
		PeerID:  0x1234,
		Release: &httmsg.SeqRange{Start: 1, End: 9},
		RSSI:    55,
		FwDesc:  []byte{0x02, 0x01, 0x82},
		Ranges: []httmsg.MPDURange{
			{Count: 2, Status: httmsg.StatusOK},
			{Count: 1, Status: httmsg.StatusErrFCS},
		},
	})

	// Word 0: type 1, ext tid 3, release valid, peer 0x1234.
	if w := binary.LittleEndian.Uint32(msg); w != 0x1234_4301 {
		t.Fatalf("word 0 = %#08x", w)
	}
	if w := binary.LittleEndian.Uint32(msg[24:]); w != 3 {
		t.Fatalf("fw byte count word = %d", w)
	}
	if msg[28] != 0x02 || msg[29] != 0x01 || msg[30] != 0x82 {
		t.Fatalf("fw bytes = % x", msg[28:31])
	}
	// 3 fw bytes pad to 4, ranges start at byte 32.
	if w := binary.LittleEndian.Uint32(msg[32:]); w != 0x0102 {
		t.Fatalf("range 0 = %#x", w)
	}
	if len(msg) != 40 {
		t.Fatalf("len = %d", len(msg))
	}

	m, err := httmsg.Parse(msg)
	if err != nil {
		t.Fatal(err)
	}
	ind, ok := m.(*httmsg.RxInd)
	if !ok {
		t.Fatalf("parsed %T", m)
	}
	if ind.ExtTID() != 3 || ind.PeerID() != 0x1234 || ind.RSSI() != 55 {
		t.Fatalf("tid=%d peer=%#x rssi=%d", ind.ExtTID(), ind.PeerID(), ind.RSSI())
	}
	if _, ok := ind.Flush(); ok {
		t.Fatal("flush reported valid")
	}
	if r, ok := ind.Release(); !ok || r != (httmsg.SeqRange{Start: 1, End: 9}) {
		t.Fatalf("release = %+v, %t", r, ok)
	}
	if ind.NumMPDUs() != 3 {
		t.Fatalf("mpdus = %d", ind.NumMPDUs())
	}
	want := []httmsg.MPDURange{{2, httmsg.StatusOK}, {1, httmsg.StatusErrFCS}}
	if diff := cmp.Diff(want, ind.Ranges()); diff != "" {
		t.Fatalf("ranges (-want +got):\n%s", diff)
	}
}

// TestFwCursorPersists checks that the byte cursor survives across callers
// and reports exhaustion without panicking.
func TestFwCursorPersists(t *testing.T) {
	msg := httmsg.AppendRxInd(nil, &httmsg.RxIndSpec{FwDesc: []byte{7, 8}})
	ind, err := httmsg.ParseRxInd(msg)
	if err != nil {
		t.Fatal(err)
	}
	var src httmsg.FwDescSource = ind
	for _, want := range []byte{7, 8} {
		b, ok := src.NextFwDesc()
		if !ok || b != want {
			t.Fatalf("NextFwDesc = %d, %t; want %d", b, ok, want)
		}
	}
	if _, ok := src.NextFwDesc(); ok {
		t.Fatal("cursor did not report exhaustion")
	}
	if ind.Consumed() != 3 {
		t.Fatalf("consumed = %d", ind.Consumed())
	}
}

func TestFragInd(t *testing.T) {
	msg := httmsg.AppendFragInd(nil, &httmsg.FragIndSpec{
		ExtTID: 17,
		PeerID: 9,
		Flush:  &httmsg.SeqRange{Start: 4, End: 5},
		FwDesc: []byte{0x10},
	})
	if msg[12] != 0x10 {
		t.Fatalf("fw byte at 12 = %#x", msg[12])
	}
	ind, err := httmsg.ParseFragInd(msg)
	if err != nil {
		t.Fatal(err)
	}
	if ind.ExtTID() != 17 || ind.PeerID() != 9 || ind.FwDescBytes() != 1 {
		t.Fatalf("tid=%d peer=%d fw=%d", ind.ExtTID(), ind.PeerID(), ind.FwDescBytes())
	}
	if r, ok := ind.Flush(); !ok || r.Start != 4 || r.End != 5 {
		t.Fatalf("flush = %+v, %t", r, ok)
	}
	if b, ok := ind.NextFwDesc(); !ok || b != 0x10 {
		t.Fatalf("NextFwDesc = %#x, %t", b, ok)
	}
}

func TestInOrdPaddrInd(t *testing.T) {
	spec := &httmsg.InOrdPaddrSpec{
		ExtTID:  2,
		PeerID:  77,
		VdevID:  1,
		Offload: true,
		MSDUs: []httmsg.MSDUInfo{
			{PAddr: 0x1000_0000, Len: 1500, FwDesc: 2, Info: 3},
			{PAddr: 0x1000_1000, Len: 60},
		},
	}
	msg := httmsg.AppendInOrdPaddrInd(nil, spec)
	if len(msg) != 8+2*8 {
		t.Fatalf("len = %d", len(msg))
	}
	ind, err := httmsg.ParseInOrdPaddrInd(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !ind.Offload() || ind.Frag() || ind.PeerID() != 77 || ind.ExtTID() != 2 || ind.VdevID() != 1 {
		t.Fatal("header fields misread")
	}
	got := make([]httmsg.MSDUInfo, ind.MSDUCount())
	for i := range got {
		got[i] = ind.MSDU(i)
	}
	if diff := cmp.Diff(spec.MSDUs, got); diff != "" {
		t.Fatalf("msdus (-want +got):\n%s", diff)
	}
}

func TestOffload(t *testing.T) {
	msg := httmsg.AppendOffloadDeliverInd(nil, 5)
	ind, err := httmsg.ParseOffloadDeliverInd(msg)
	if err != nil {
		t.Fatal(err)
	}
	if ind.MSDUCount() != 5 {
		t.Fatalf("count = %d", ind.MSDUCount())
	}

	h := httmsg.OffloadHdr{Len: 1400, PeerID: 3, VdevID: 2, TID: 6, FwDesc: 0x82}
	b := make([]byte, httmsg.OffloadHdrBytes)
	h.Put(b)
	got, err := httmsg.ParseOffloadHdr(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("hdr = %+v, want %+v", got, h)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  []byte
		want error
	}{
		{"empty", nil, httmsg.ErrShort},
		{"unknown", []byte{0x7f, 0, 0, 0}, httmsg.ErrUnknownType},
		{"rx_ind truncated", []byte{0x01, 0, 0, 0, 0, 0, 0, 0}, httmsg.ErrShort},
		{
			"rx_ind ranges missing",
			httmsg.AppendRxInd(nil, &httmsg.RxIndSpec{
				Ranges: []httmsg.MPDURange{{Count: 1}},
			})[:httmsg.RxIndFwDescOffset],
			httmsg.ErrShort,
		},
		{
			"in_ord truncated",
			httmsg.AppendInOrdPaddrInd(nil, &httmsg.InOrdPaddrSpec{
				MSDUs: make([]httmsg.MSDUInfo, 3),
			})[:20],
			httmsg.ErrShort,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := httmsg.Parse(tc.msg); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRxIndHighLatencyDescs(t *testing.T) {
	size := rxdesc.HighLatency.Size
	payload := make([]byte, 2*size)
	for i, seq := range []uint16{7, 8} {
		d := rxdesc.MustView(rxdesc.HighLatency, payload[i*size:(i+1)*size])
		d.Encode(&rxdesc.Fields{SeqNum: seq, MSDULen: 100 * int(seq), MSDUDone: true})
	}
	msg := httmsg.AppendRxInd(nil, &httmsg.RxIndSpec{
		FwDesc:  []byte{rxdesc.FwForward, rxdesc.FwForward},
		Ranges:  []httmsg.MPDURange{{Count: 2, Status: httmsg.StatusOK}},
		Payload: payload,
	})
	ind, err := httmsg.ParseRxInd(msg)
	if err != nil {
		t.Fatal(err)
	}

	var got [][2]int
	for i := range 2 {
		d, err := ind.HLDesc(i)
		if err != nil {
			t.Fatal(err)
		}
		if !d.MSDUDone() {
			t.Fatalf("descriptor %d: done bit lost", i)
		}
		got = append(got, [2]int{int(d.SeqNum()), d.MSDULen()})
	}
	if diff := cmp.Diff([][2]int{{7, 700}, {8, 800}}, got); diff != "" {
		t.Fatalf("descriptors (-want +got):\n%s", diff)
	}
	if _, err := ind.HLDesc(2); !errors.Is(err, rxdesc.ErrShortDesc) {
		t.Fatalf("HLDesc(2): %v", err)
	}
}
