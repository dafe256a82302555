package paddrhash_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/paddrhash"
)

// sameBucket returns n addresses that all hash to the bucket of base.
// Bits above 24 feed neither term of the hash after masking.
func sameBucket(base uint32, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = base + uint32(i)<<24
	}
	return out
}

func newBufs(t *testing.T, n int) []*netbuf.Buf {
	t.Helper()
	pool := netbuf.NewHeapPool()
	out := make([]*netbuf.Buf, n)
	for i := range out {
		b, err := pool.Alloc(16, 0)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = b
	}
	return out
}

func TestHash(t *testing.T) {
	for _, tc := range []struct {
		addr uint32
		want uint32
	}{
		{0, 0},
		{0x10, 1},
		{0x4000, (1 ^ 0x400) & 1023},
		{0x1234_5670, ((0x1234_5670 >> 14) ^ (0x1234_5670 >> 4)) & 1023},
	} {
		if got := paddrhash.Hash(tc.addr); got != tc.want {
			t.Errorf("Hash(%#x) = %d, want %d", tc.addr, got, tc.want)
		}
	}
	addrs := sameBucket(0x1000_0780, 4)
	for _, a := range addrs[1:] {
		if paddrhash.Hash(a) != paddrhash.Hash(addrs[0]) {
			t.Fatalf("%#x and %#x hash differently", a, addrs[0])
		}
	}
}

func TestRoundTrip(t *testing.T) {
	tbl := paddrhash.New(paddrhash.WithCookies())
	bufs := newBufs(t, 1)

	if err := tbl.Insert(0x1000_0040, bufs[0]); err != nil {
		t.Fatal(err)
	}
	got, err := tbl.LookupRemove(0x1000_0040)
	if err != nil {
		t.Fatal(err)
	}
	if got != bufs[0] {
		t.Fatal("lookup returned a different buffer")
	}
	if _, err := tbl.LookupRemove(0x1000_0040); !errors.Is(err, paddrhash.ErrNotFound) {
		t.Fatalf("second lookup: %v", err)
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len = %d", tbl.Len())
	}
}

func TestCollisionsDoNotMix(t *testing.T) {
	tbl := paddrhash.New()
	addrs := sameBucket(0x1000_0800, 5)
	bufs := newBufs(t, len(addrs))
	for i, a := range addrs {
		if err := tbl.Insert(a, bufs[i]); err != nil {
			t.Fatal(err)
		}
	}
	// Look up out of insertion order.
	for _, i := range []int{3, 0, 4, 1, 2} {
		got, err := tbl.LookupRemove(addrs[i])
		if err != nil {
			t.Fatal(err)
		}
		if got != bufs[i] {
			t.Fatalf("address %#x returned buffer of another address", addrs[i])
		}
	}
}

func TestFreeListReuse(t *testing.T) {
	tbl := paddrhash.New()
	addrs := sameBucket(0x2000_0100, paddrhash.EntriesPerBucket+1)
	bufs := newBufs(t, len(addrs))

	// Cycling through pre-allocated capacity never allocates.
	for range 3 {
		for i := range paddrhash.EntriesPerBucket {
			if err := tbl.Insert(addrs[i], bufs[i]); err != nil {
				t.Fatal(err)
			}
		}
		for i := range paddrhash.EntriesPerBucket {
			if _, err := tbl.LookupRemove(addrs[i]); err != nil {
				t.Fatal(err)
			}
		}
	}
	if s := tbl.Stats(); s.OverflowAllocs != 0 {
		t.Fatalf("unexpected overflow allocations: %d", s.OverflowAllocs)
	}

	for i := range paddrhash.EntriesPerBucket {
		_ = tbl.Insert(addrs[i], bufs[i])
	}

	// Removing one first keeps the 11th insert on the free list.
	if _, err := tbl.LookupRemove(addrs[0]); err != nil {
		t.Fatal(err)
	}
	last := paddrhash.EntriesPerBucket
	if err := tbl.Insert(addrs[last], bufs[last]); err != nil {
		t.Fatal(err)
	}
	if s := tbl.Stats(); s.OverflowAllocs != 0 {
		t.Fatalf("insert after removal allocated: %d", s.OverflowAllocs)
	}

	// The 11th concurrent entry overflows.
	if err := tbl.Insert(addrs[0], bufs[0]); err != nil {
		t.Fatal(err)
	}
	want := paddrhash.Stats{
		Live:           paddrhash.EntriesPerBucket + 1,
		OverflowLive:   1,
		OverflowAllocs: 1,
		LongestBucket:  paddrhash.EntriesPerBucket + 1,
	}
	if diff := cmp.Diff(want, tbl.Stats()); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}

	// The overflow entry is dropped, not recycled, when looked up.
	if _, err := tbl.LookupRemove(addrs[0]); err != nil {
		t.Fatal(err)
	}
	if s := tbl.Stats(); s.OverflowLive != 0 {
		t.Fatalf("overflow entry still live: %+v", s)
	}
}

func TestOverflowLimit(t *testing.T) {
	tbl := paddrhash.New(paddrhash.WithOverflowLimit(1))
	addrs := sameBucket(0x3000_0000, paddrhash.EntriesPerBucket+2)
	bufs := newBufs(t, len(addrs))
	for i := range paddrhash.EntriesPerBucket + 1 {
		if err := tbl.Insert(addrs[i], bufs[i]); err != nil {
			t.Fatal(err)
		}
	}
	err := tbl.Insert(addrs[len(addrs)-1], bufs[len(bufs)-1])
	if !errors.Is(err, paddrhash.ErrNoEntry) {
		t.Fatalf("expected ErrNoEntry, got %v", err)
	}
}

func TestDeinitReleasesInFlight(t *testing.T) {
	tbl := paddrhash.New()
	addrs := []uint32{0x1000_0000, 0x1000_0800, 0x1000_1000}
	bufs := newBufs(t, len(addrs))
	for i, a := range addrs {
		_ = tbl.Insert(a, bufs[i])
	}
	_, _ = tbl.LookupRemove(addrs[1])

	released := map[*netbuf.Buf]bool{}
	tbl.Deinit(func(b *netbuf.Buf) { released[b] = true })
	if diff := cmp.Diff(map[*netbuf.Buf]bool{bufs[0]: true, bufs[2]: true}, released); diff != "" {
		t.Fatalf("released (-want +got):\n%s", diff)
	}
}

func TestDump(t *testing.T) {
	tbl := paddrhash.New()
	bufs := newBufs(t, 1)
	_ = tbl.Insert(0x1000_0010, bufs[0])

	var buf bytes.Buffer
	if err := tbl.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "0x10000010") {
		t.Fatalf("dump does not list the address:\n%s", buf.String())
	}
	if n := strings.Count(buf.String(), "\n"); n != 1 {
		t.Fatalf("dump lists %d buckets, want 1", n)
	}
}
