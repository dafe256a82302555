package htt_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/romshark/wlanrx/htt"
	"github.com/romshark/wlanrx/httmsg"
	"github.com/romshark/wlanrx/internal/fwsim"
	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/paddrhash"
	"github.com/romshark/wlanrx/rxdesc"
	"github.com/romshark/wlanrx/rxstat"
)

// fakeTimer stands in for the refill retry timer.
type fakeTimer struct {
	mu     sync.Mutex
	fn     func()
	armed  bool
	delay  time.Duration
	resets int
}

func (f *fakeTimer) Reset(d time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.armed
	f.armed, f.delay = true, d
	f.resets++
	return was
}

func (f *fakeTimer) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.armed
	f.armed = false
	return was
}

func (f *fakeTimer) Fire() {
	f.mu.Lock()
	f.armed = false
	fn := f.fn
	f.mu.Unlock()
	fn()
}

type env struct {
	pool  *netbuf.HeapPool
	rx    *htt.Rx
	dev   *fwsim.Device
	timer *fakeTimer
}

type option func(*htt.Config, *htt.Deps)

func newEnv(t *testing.T, pool *netbuf.HeapPool, inOrder bool, opts ...option) *env {
	t.Helper()
	if pool == nil {
		pool = netbuf.NewHeapPool()
	}
	log, _ := test.NewNullLogger()
	e := &env{pool: pool, timer: new(fakeTimer)}
	conf := htt.Config{
		FullReorderOffload: inOrder,
		DoneBitRetries:     2,
		DoneBitDelay:       time.Nanosecond,
		Log:                log,
		NewTimer: func(fn func()) htt.Timer {
			e.timer.fn = fn
			return e.timer
		},
	}
	deps := htt.Deps{Pool: pool}
	for _, o := range opts {
		o(&conf, &deps)
	}
	rx, err := htt.Attach(conf, deps)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rx.Detach() })
	e.rx = rx
	e.dev = fwsim.New(pool, rx.Ring(), fwsim.Config{InOrder: inOrder, Log: log})
	return e
}

// parse takes a device call's results directly: parse(t)(dev.RxInd(...)).
func parse(t *testing.T) func(raw []byte, err error) httmsg.Msg {
	return func(raw []byte, err error) httmsg.Msg {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		m, err := httmsg.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
}

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func chainData(f htt.Frame) (lens []int, data []byte) {
	for b := range f.Head.Chain() {
		lens = append(lens, b.Len())
		data = append(data, b.Data()...)
	}
	return lens, data
}

func desc(t *testing.T, b *netbuf.Buf) rxdesc.Desc {
	t.Helper()
	return rxdesc.MustView(rxdesc.LowLatency, b.Raw())
}

func TestAttachFillsRing(t *testing.T) {
	e := newEnv(t, nil, false)
	if e.rx.Ring().Size() != 128 {
		t.Fatalf("ring size = %d", e.rx.Ring().Size())
	}
	if e.rx.FillLevel() != 127 || e.rx.FillCount() != 127 {
		t.Fatalf("fill level %d, count %d", e.rx.FillLevel(), e.rx.FillCount())
	}
	if q := e.rx.Ring().ElemsQueued(); q != 127 {
		t.Fatalf("queued = %d", q)
	}
	st := e.pool.Stats()
	if st.Live != 127 || st.Mapped != 127 {
		t.Fatalf("pool stats %+v", st)
	}
	if got := e.rx.Stats().Load(rxstat.Posted); got != 127 {
		t.Fatalf("posted = %d", got)
	}
}

func TestAttachValidation(t *testing.T) {
	_, err := htt.Attach(htt.Config{BufSize: 100}, htt.Deps{Pool: netbuf.NewHeapPool()})
	if !errors.Is(err, htt.ErrBufSizeTooSmall) {
		t.Fatalf("err = %v", err)
	}
	_, err = htt.Attach(htt.Config{}, htt.Deps{})
	if !errors.Is(err, htt.ErrNoPool) {
		t.Fatalf("err = %v", err)
	}
}

func TestPopFrameThreeMSDUs(t *testing.T) {
	e := newEnv(t, nil, false)
	sizes := []int{100, 200, 300}
	var msdus []fwsim.MSDU
	var want []byte
	for i, n := range sizes {
		p := payload(n, byte(i))
		msdus = append(msdus, fwsim.MSDU{Payload: p, FwDesc: rxdesc.FwForward})
		want = append(want, p...)
	}
	msg := parse(t)(e.dev.RxInd(1, 0, []fwsim.MPDU{{MSDUs: msdus, Status: httmsg.StatusOK}}, 0))

	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	if f.Chained {
		t.Fatal("chained reported")
	}
	lens, data := chainData(f)
	if diff := cmp.Diff(sizes, lens); diff != "" {
		t.Fatalf("lengths (-want +got):\n%s", diff)
	}
	if !bytes.Equal(want, data) {
		t.Fatal("payload mismatch")
	}
	if f.Tail.Next() != nil || f.Head.ChainLen() != 3 {
		t.Fatal("chain not terminated at tail")
	}
	for b := range f.Head.Chain() {
		if b.Mapped() != 0 {
			t.Fatal("popped buffer still mapped")
		}
		if !desc(t, b).Forward() {
			t.Fatal("firmware descriptor not copied")
		}
	}

	if e.rx.FillCount() != 124 {
		t.Fatalf("fill count = %d", e.rx.FillCount())
	}
	e.rx.Replenish()
	if e.rx.FillCount() != 127 {
		t.Fatalf("fill count after replenish = %d", e.rx.FillCount())
	}
	netbuf.FreeChain(e.pool, f.Head)
}

func TestPopFrameChainedMSDU(t *testing.T) {
	e := newEnv(t, nil, false)
	capacity := e.rx.PayloadCap()
	p := payload(2000, 7)
	msg := parse(t)(e.dev.RxInd(1, 0, []fwsim.MPDU{{
		MSDUs: []fwsim.MSDU{{Payload: p}},
	}}, 0))

	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Chained {
		t.Fatal("chained not reported")
	}
	lens, data := chainData(f)
	if diff := cmp.Diff([]int{capacity, 2000 - capacity}, lens); diff != "" {
		t.Fatalf("lengths (-want +got):\n%s", diff)
	}
	if !bytes.Equal(p, data) {
		t.Fatal("payload mismatch")
	}
	if got := e.rx.Stats().Load(rxstat.ChainedMSDUs); got != 1 {
		t.Fatalf("chained msdus = %d", got)
	}
}

func TestPopFrameChainedLengthClamped(t *testing.T) {
	e := newEnv(t, nil, false)
	// The descriptor claims more than two buffers can hold.
	msg := parse(t)(e.dev.RxInd(1, 0, []fwsim.MPDU{{
		MSDUs: []fwsim.MSDU{{
			Payload: payload(2000, 0),
			Desc:    rxdesc.Fields{MSDULen: 0x2000},
		}},
	}}, 0))
	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Tail.Len(); got != e.rx.PayloadCap() {
		t.Fatalf("tail length = %d, want %d", got, e.rx.PayloadCap())
	}
}

func TestPopFrameChainedLengthUnderflow(t *testing.T) {
	e := newEnv(t, nil, false)
	// The descriptor claims less than the first buffer already holds.
	msg := parse(t)(e.dev.RxInd(1, 0, []fwsim.MPDU{{
		MSDUs: []fwsim.MSDU{{
			Payload: payload(2000, 0),
			Desc:    rxdesc.Fields{MSDULen: 100},
		}},
	}}, 0))
	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	lens, _ := chainData(f)
	want := []int{e.rx.PayloadCap(), e.rx.PayloadCap()}
	if diff := cmp.Diff(want, lens); diff != "" {
		t.Fatalf("lengths (-want +got):\n%s", diff)
	}
	netbuf.FreeChain(e.pool, f.Head)
}

func TestFwDescCursorAcrossPops(t *testing.T) {
	e := newEnv(t, nil, false)
	msg := parse(t)(e.dev.RxInd(3, 4, []fwsim.MPDU{
		{MSDUs: []fwsim.MSDU{{Payload: payload(60, 0), FwDesc: rxdesc.FwForward, Desc: rxdesc.Fields{SeqNum: 10}}}},
		{MSDUs: []fwsim.MSDU{{Payload: payload(60, 1), FwDesc: rxdesc.FwDiscard, Desc: rxdesc.Fields{SeqNum: 11}}}},
	}, 0))

	for _, want := range []struct {
		seq     uint16
		discard bool
	}{{10, false}, {11, true}} {
		f, err := e.rx.PopFrame(msg)
		if err != nil {
			t.Fatal(err)
		}
		if d := desc(t, f.Head); d.Discard() != want.discard {
			t.Fatalf("seq %d: discard = %t", want.seq, d.Discard())
		}
		d, err := e.rx.MPDUDescListNext(nil)
		if err != nil {
			t.Fatal(err)
		}
		if d.SeqNum() != want.seq {
			t.Fatalf("MPDU descriptor seq = %d, want %d", d.SeqNum(), want.seq)
		}
	}
}

func TestFwDescUnderrun(t *testing.T) {
	e := newEnv(t, nil, false)
	msg := parse(t)(e.dev.RxInd(1, 0, []fwsim.MPDU{{MSDUs: []fwsim.MSDU{
		{Payload: payload(40, 0), FwDesc: rxdesc.FwForward},
		{Payload: payload(40, 1), FwDesc: rxdesc.FwDiscard},
	}}}, 1))

	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got := desc(t, f.Tail).FwDesc(); got != 0 {
		t.Fatalf("fw desc = %#x, want accept", got)
	}
	if got := e.rx.Stats().Load(rxstat.FwDescUnderrun); got != 1 {
		t.Fatalf("underruns = %d", got)
	}
}

func TestLengthNotTrimmed(t *testing.T) {
	for _, tc := range []struct {
		name    string
		f       rxdesc.Fields
		counter rxstat.Counter
	}{
		{"zero length erratum", rxdesc.Fields{MSDULen: htt.ZeroLenErratumLen + 1}, rxstat.ZeroLenErratum},
		{"mpdu length error", rxdesc.Fields{MPDULenErr: true}, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, nil, false)
			msg := parse(t)(e.dev.RxInd(1, 0, []fwsim.MPDU{{
				MSDUs: []fwsim.MSDU{{Payload: payload(50, 0), Desc: tc.f}},
			}}, 0))
			f, err := e.rx.PopFrame(msg)
			if err != nil {
				t.Fatal(err)
			}
			if f.Head.Len() != e.rx.PayloadCap() {
				t.Fatalf("length = %d, want untrimmed %d", f.Head.Len(), e.rx.PayloadCap())
			}
			if tc.counter >= 0 && e.rx.Stats().Load(tc.counter) != 1 {
				t.Fatalf("%s not counted", tc.counter)
			}
		})
	}
}

func TestDoneBitNeverSet(t *testing.T) {
	e := newEnv(t, nil, false)
	msg := parse(t)(e.dev.RxInd(1, 0, []fwsim.MPDU{{
		MSDUs: []fwsim.MSDU{{Payload: payload(50, 0), NotDone: true}},
	}}, 0))
	f, err := e.rx.PopFrame(msg)
	if !errors.Is(err, htt.ErrFatal) || !errors.Is(err, htt.ErrDoneBit) {
		t.Fatalf("err = %v", err)
	}
	if f.Head == nil {
		t.Fatal("popped buffer not handed back")
	}
	if got := e.rx.Stats().Load(rxstat.DoneBitRetries); got != 2 {
		t.Fatalf("retries = %d", got)
	}
}

func TestDoneBitLate(t *testing.T) {
	// The descriptor becomes visible after the first cache invalidation.
	pool := netbuf.NewHeapPool(netbuf.WithSyncHook(func(b *netbuf.Buf) {
		d := rxdesc.MustView(rxdesc.LowLatency, b.Raw())
		f := d.Decode()
		f.MSDUDone = true
		d.Encode(&f)
	}))
	e := newEnv(t, pool, false)
	msg := parse(t)(e.dev.RxInd(1, 0, []fwsim.MPDU{{
		MSDUs: []fwsim.MSDU{{Payload: payload(50, 0), NotDone: true}},
	}}, 0))
	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	if f.Head.Len() != 50 {
		t.Fatalf("length = %d", f.Head.Len())
	}
	if got := e.rx.Stats().Load(rxstat.DoneBitRetries); got != 1 {
		t.Fatalf("retries = %d", got)
	}
}

func TestChecksumResult(t *testing.T) {
	e := newEnv(t, nil, false)
	msg := parse(t)(e.dev.RxInd(1, 0, []fwsim.MPDU{{
		MSDUs: []fwsim.MSDU{{
			Payload: payload(80, 0),
			Desc:    rxdesc.Fields{IPv4: true, TCP: true},
		}},
	}}, 0))
	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := netbuf.Checksum{L4: netbuf.L4TCP, Result: netbuf.CsumOK}
	if f.Head.Csum() != want {
		t.Fatalf("csum = %+v", f.Head.Csum())
	}
}

func TestInOrderMICErrorSplice(t *testing.T) {
	type micCall struct {
		tid  uint8
		peer uint16
		len  int
	}
	var calls []micCall
	e := newEnv(t, nil, true, func(_ *htt.Config, d *htt.Deps) {
		d.MICError = func(tid uint8, peer uint16, _ rxdesc.Desc, b *netbuf.Buf) {
			calls = append(calls, micCall{tid, peer, b.Len()})
		}
	})

	p1, p2, p3 := payload(100, 1), payload(200, 2), payload(300, 3)
	msg := parse(t)(e.dev.InOrdInd(42, 5, []fwsim.MSDU{
		{Payload: p1},
		{Payload: p2, FwDesc: rxdesc.FwMICErr},
		{Payload: p3},
	}, false))
	live := e.pool.Stats().Live

	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	lens, data := chainData(f)
	if diff := cmp.Diff([]int{100, 300}, lens); diff != "" {
		t.Fatalf("lengths (-want +got):\n%s", diff)
	}
	if !bytes.Equal(append(p1, p3...), data) {
		t.Fatal("payload mismatch")
	}
	if diff := cmp.Diff([]micCall{{5, 42, 200}}, calls, cmp.AllowUnexported(micCall{})); diff != "" {
		t.Fatalf("MIC calls (-want +got):\n%s", diff)
	}
	if got := e.pool.Stats().Live; got != live-1 {
		t.Fatalf("live buffers = %d, want %d", got, live-1)
	}
	if f.Tail.Next() != nil {
		t.Fatal("tail not terminated")
	}
}

func TestInOrderMICErrorOnlyMSDU(t *testing.T) {
	e := newEnv(t, nil, true)
	msg := parse(t)(e.dev.InOrdInd(1, 0, []fwsim.MSDU{
		{Payload: payload(10, 0), FwDesc: rxdesc.FwMICErr},
	}, false))
	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	if f.Head != nil || f.Tail != nil {
		t.Fatal("frame not empty")
	}
}

func TestInOrderOutOfOrder(t *testing.T) {
	e := newEnv(t, nil, true)
	msg := parse(t)(e.dev.InOrdInd(1, 0, []fwsim.MSDU{
		{Payload: payload(10, 0)},
		{Payload: payload(20, 0)},
		{Payload: payload(30, 0)},
	}, true))
	f, err := e.rx.PopFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	lens, _ := chainData(f)
	if diff := cmp.Diff([]int{30, 20, 10}, lens); diff != "" {
		t.Fatalf("lengths (-want +got):\n%s", diff)
	}
	if e.rx.HashStats().Live != 127-3 {
		t.Fatalf("hash live = %d", e.rx.HashStats().Live)
	}
	if got := e.rx.Ring().ElemsQueuedInOrder(); got != 127-3 {
		t.Fatalf("in-order elems = %d", got)
	}
}

func TestInOrderZeroMSDUs(t *testing.T) {
	e := newEnv(t, nil, true)
	msg := parse(t)(httmsg.AppendInOrdPaddrInd(nil, &httmsg.InOrdPaddrSpec{}), nil)
	f, err := e.rx.PopFrame(msg)
	if err != nil || f.Head != nil {
		t.Fatalf("frame %+v, err %v", f, err)
	}
	if e.rx.FillCount() != 127 {
		t.Fatal("buffers consumed")
	}
}

func TestInOrderLookupMissIsFatal(t *testing.T) {
	e := newEnv(t, nil, true)
	good := parse(t)(e.dev.InOrdInd(1, 0, []fwsim.MSDU{{Payload: payload(10, 0)}}, false))
	valid := good.(*httmsg.InOrdPaddrInd).MSDU(0)
	msg := parse(t)(httmsg.AppendInOrdPaddrInd(nil, &httmsg.InOrdPaddrSpec{
		MSDUs: []httmsg.MSDUInfo{valid, {PAddr: 0xdead_0000, Len: 10}},
	}), nil)
	live := e.pool.Stats().Live

	f, err := e.rx.PopFrame(msg)
	if !errors.Is(err, htt.ErrFatal) || !errors.Is(err, paddrhash.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if f.Head != nil {
		t.Fatal("partial chain returned")
	}
	if got := e.pool.Stats().Live; got != live-1 {
		t.Fatalf("partial chain not freed: live %d, want %d", got, live-1)
	}
}

func TestWrongMessageForMode(t *testing.T) {
	e := newEnv(t, nil, true)
	msg := parse(t)(httmsg.AppendRxInd(nil, &httmsg.RxIndSpec{}), nil)
	if _, err := e.rx.PopFrame(msg); !errors.Is(err, htt.ErrUnexpectedMsg) {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.rx.PopOffloadMSDU(); !errors.Is(err, htt.ErrWrongMode) {
		t.Fatalf("err = %v", err)
	}
}

func TestRefillBackpressure(t *testing.T) {
	pool := netbuf.NewHeapPool(netbuf.WithLimit(50))
	e := newEnv(t, pool, false)

	if e.rx.FillCount() != 50 {
		t.Fatalf("fill count = %d", e.rx.FillCount())
	}
	if got := e.rx.Stats().Load(rxstat.RefillNoMem); got != 1 {
		t.Fatalf("refill nomem = %d", got)
	}
	if !e.timer.armed || e.timer.delay != htt.DefaultRetryDelay {
		t.Fatalf("retry timer armed=%t delay=%s", e.timer.armed, e.timer.delay)
	}

	pool.SetLimit(0)
	e.timer.Fire()
	if e.rx.FillCount() != 127 {
		t.Fatalf("fill count after retry = %d", e.rx.FillCount())
	}
	if got := e.rx.Stats().Load(rxstat.RefillRetries); got != 1 {
		t.Fatalf("retries = %d", got)
	}
	if e.timer.armed {
		t.Fatal("timer re-armed after successful refill")
	}
}

func TestInOrderHashBackpressure(t *testing.T) {
	pool := netbuf.NewHeapPool(netbuf.WithLimit(10))
	e := newEnv(t, pool, true)
	if e.rx.FillCount() != 10 || e.rx.HashStats().Live != 10 {
		t.Fatalf("fill count %d, hash live %d", e.rx.FillCount(), e.rx.HashStats().Live)
	}
	if got := pool.Stats().Mapped; got != 10 {
		t.Fatalf("mapped = %d", got)
	}
}

func TestOffloadRingOrder(t *testing.T) {
	e := newEnv(t, nil, false)
	p := payload(90, 3)
	msg := parse(t)(e.dev.OffloadInd([]fwsim.OffloadMSDU{{
		Payload: p,
		Hdr:     httmsg.OffloadHdr{PeerID: 7, VdevID: 1, TID: 2, FwDesc: rxdesc.FwForward},
	}}))
	ind := msg.(*httmsg.OffloadDeliverInd)
	if ind.MSDUCount() != 1 {
		t.Fatalf("count = %d", ind.MSDUCount())
	}

	m, err := e.rx.PopOffloadMSDU()
	if err != nil {
		t.Fatal(err)
	}
	if m.PeerID != 7 || m.VdevID != 1 || m.TID != 2 || m.FwDesc != rxdesc.FwForward {
		t.Fatalf("offload msdu = %+v", m)
	}
	if !bytes.Equal(p, m.Buf.Data()) {
		t.Fatal("payload mismatch")
	}
}

func TestOffloadInOrderDefaultDrops(t *testing.T) {
	e := newEnv(t, nil, true)
	msg := parse(t)(e.dev.OffloadInd([]fwsim.OffloadMSDU{
		{Payload: payload(10, 0)},
		{Payload: payload(20, 0)},
	}))
	live := e.pool.Stats().Live

	f, err := e.rx.PopFrame(msg)
	if err != nil || f.Head != nil {
		t.Fatalf("frame %+v, err %v", f, err)
	}
	if got := e.pool.Stats().Live; got != live-2 {
		t.Fatalf("live = %d, want %d", got, live-2)
	}
	if got := e.rx.Stats().Load(rxstat.OffloadInds); got != 1 {
		t.Fatalf("offload inds = %d", got)
	}
}

func TestOffloadInOrderHandler(t *testing.T) {
	var got [][]byte
	var rx *htt.Rx
	e := newEnv(t, nil, true, func(_ *htt.Config, d *htt.Deps) {
		d.OffloadDeliver = func(n int, ind *httmsg.InOrdPaddrInd) {
			for i := range n {
				m, err := rx.PopOffloadPaddr(ind, i)
				if err != nil {
					t.Error(err)
					return
				}
				got = append(got, bytes.Clone(m.Buf.Data()))
			}
		}
	})
	rx = e.rx
	p1, p2 := payload(10, 1), payload(20, 2)
	msg := parse(t)(e.dev.OffloadInd([]fwsim.OffloadMSDU{{Payload: p1}, {Payload: p2}}))
	if _, err := e.rx.PopFrame(msg); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]byte{p1, p2}, got); diff != "" {
		t.Fatalf("payloads (-want +got):\n%s", diff)
	}
}

func TestDetachReleasesEverything(t *testing.T) {
	for _, inOrder := range []bool{false, true} {
		pool := netbuf.NewHeapPool()
		e := newEnv(t, pool, inOrder)
		if err := e.rx.Detach(); err != nil {
			t.Fatal(err)
		}
		if st := pool.Stats(); st.Live != 0 || st.Mapped != 0 {
			t.Fatalf("in-order=%t: pool stats after detach %+v", inOrder, st)
		}
		if err := e.rx.Detach(); !errors.Is(err, htt.ErrDetached) {
			t.Fatalf("second detach: %v", err)
		}
		if _, err := e.rx.PopFrame(nil); !errors.Is(err, htt.ErrDetached) {
			t.Fatalf("pop after detach: %v", err)
		}
	}
}

func TestRunProcessor(t *testing.T) {
	e := newEnv(t, nil, false)
	ind := make(chan []byte, 2)
	raw, err := e.dev.RxInd(3, 1, []fwsim.MPDU{
		{MSDUs: []fwsim.MSDU{{Payload: payload(64, 0)}}, Status: httmsg.StatusOK},
		{MSDUs: []fwsim.MSDU{{Payload: payload(64, 1)}}, Status: httmsg.StatusErrFCS},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	ind <- raw
	raw, err = e.dev.FragInd(3, 1, fwsim.MSDU{Payload: payload(32, 2)})
	if err != nil {
		t.Fatal(err)
	}
	ind <- raw
	close(ind)

	type got struct {
		Status uint8
		PeerID uint16
		TID    uint8
		Frag   bool
		Len    int
	}
	var deliveries []got
	err = htt.RunProcessor(context.Background(),
		[]htt.Queue{{Rx: e.rx, Indications: htt.IndicationChan(ind)}},
		func(d htt.Delivery) error {
			if d.Rx != e.rx {
				t.Error("delivery from unknown ring")
			}
			deliveries = append(deliveries, got{d.Status, d.PeerID, d.TID, d.Frag, d.Frame.Head.Len()})
			netbuf.FreeChain(e.pool, d.Frame.Head)
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}

	want := []got{
		{httmsg.StatusOK, 3, 1, false, 64},
		{httmsg.StatusErrFCS, 3, 1, false, 64},
		{httmsg.StatusOK, 3, 1, true, 32},
	}
	if diff := cmp.Diff(want, deliveries); diff != "" {
		t.Fatalf("deliveries (-want +got):\n%s", diff)
	}
	if e.rx.FillCount() != 127 || e.pool.Stats().Live != 127 {
		t.Fatalf("fill %d, live %d", e.rx.FillCount(), e.pool.Stats().Live)
	}
}

func TestRunProcessorStopsOnDeliverError(t *testing.T) {
	e := newEnv(t, nil, false)
	ind := make(chan []byte, 1)
	raw, err := e.dev.RxInd(0, 0, []fwsim.MPDU{
		{MSDUs: []fwsim.MSDU{{Payload: payload(10, 0)}}, Status: httmsg.StatusOK},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	ind <- raw

	errStop := errors.New("stop")
	err = htt.RunProcessor(context.Background(),
		[]htt.Queue{{Rx: e.rx, Indications: htt.IndicationChan(ind)}},
		func(d htt.Delivery) error {
			netbuf.FreeChain(e.pool, d.Frame.Head)
			return errStop
		})
	if !errors.Is(err, errStop) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunProcessorCanceled(t *testing.T) {
	e := newEnv(t, nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := htt.RunProcessor(ctx,
		[]htt.Queue{{Rx: e.rx, Indications: htt.IndicationChan(make(chan []byte))}},
		func(htt.Delivery) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
