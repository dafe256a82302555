// Package paddrhash maps the DMA address of a posted receive buffer back to
// its handle. It is used when the device returns buffers by address rather
// than in ring order.
//
// The table has a fixed number of buckets. Each bucket owns a small array
// of pre-allocated entries kept on a free list, so inserts on the hot path
// do not allocate unless a bucket holds more than EntriesPerBucket buffers
// at once.
//
// Table is not safe for concurrent use.
package paddrhash

import (
	"errors"
	"fmt"
	"io"

	"github.com/romshark/wlanrx/netbuf"
)

const (
	NumBuckets       = 1024
	EntriesPerBucket = 10

	entryCookie = 0xdeed
)

var (
	ErrNotFound = errors.New("paddrhash: no buffer posted at address")
	ErrNoEntry  = errors.New("paddrhash: overflow entry limit reached")
	ErrCorrupt  = errors.New("paddrhash: entry cookie mismatch")
)

// Hash returns the bucket index for paddr.
func Hash(paddr uint32) uint32 {
	return ((paddr >> 14) ^ (paddr >> 4)) & (NumBuckets - 1)
}

type entry struct {
	paddr  uint32
	buf    *netbuf.Buf
	pooled bool
	cookie uint16

	prev, next *entry
}

// list is a circular doubly linked list threaded through its entries,
// with root as the sentinel.
type list struct {
	root entry
	len  int
}

func (l *list) init() {
	l.root.prev = &l.root
	l.root.next = &l.root
}

func (l *list) pushBack(e *entry) {
	last := l.root.prev
	e.prev = last
	e.next = &l.root
	last.next = e
	l.root.prev = e
	l.len++
}

func (l *list) remove(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
	l.len--
}

// popFront removes and returns the first entry, or nil if l is empty.
func (l *list) popFront() *entry {
	if l.len == 0 {
		return nil
	}
	e := l.root.next
	l.remove(e)
	return e
}

type bucket struct {
	live list
	free list
	pool [EntriesPerBucket]entry
}

// Stats describes table occupancy.
type Stats struct {
	Live           int
	OverflowLive   int
	OverflowAllocs uint64
	LongestBucket  int
}

type Table struct {
	buckets []bucket

	live           int
	overflowLive   int
	overflowAllocs uint64
	overflowLimit  int
	cookies        bool
}

type Option func(*Table)

// WithOverflowLimit caps the number of overflow entries live at once.
// Inserts that would exceed it fail with ErrNoEntry. Zero means no cap.
func WithOverflowLimit(n int) Option {
	return func(t *Table) { t.overflowLimit = n }
}

// WithCookies stamps every entry with a validity cookie and checks it on
// removal.
func WithCookies() Option {
	return func(t *Table) { t.cookies = true }
}

// New returns an empty table with every bucket's free list populated.
func New(opts ...Option) *Table {
	t := &Table{buckets: make([]bucket, NumBuckets)}
	for _, o := range opts {
		o(t)
	}
	for i := range t.buckets {
		b := &t.buckets[i]
		b.live.init()
		b.free.init()
		for j := range b.pool {
			b.pool[j].pooled = true
			b.free.pushBack(&b.pool[j])
		}
	}
	return t
}

// Insert records that b is posted at paddr.
func (t *Table) Insert(paddr uint32, b *netbuf.Buf) error {
	bkt := &t.buckets[Hash(paddr)]

	e := bkt.free.popFront()
	if e == nil {
		if t.overflowLimit > 0 && t.overflowLive >= t.overflowLimit {
			return fmt.Errorf("inserting %#x: %w", paddr, ErrNoEntry)
		}
		e = &entry{}
		t.overflowLive++
		t.overflowAllocs++
	}

	e.paddr = paddr
	e.buf = b
	if t.cookies {
		e.cookie = entryCookie
	}
	bkt.live.pushBack(e)
	t.live++
	return nil
}

// LookupRemove removes the entry for paddr and returns its buffer.
// A miss means the device returned an address that was never posted.
func (t *Table) LookupRemove(paddr uint32) (*netbuf.Buf, error) {
	bkt := &t.buckets[Hash(paddr)]

	for e := bkt.live.root.next; e != &bkt.live.root; e = e.next {
		if e.paddr != paddr {
			continue
		}
		if t.cookies && e.cookie != entryCookie {
			return nil, fmt.Errorf("entry %#x: %w", paddr, ErrCorrupt)
		}
		b := e.buf
		bkt.live.remove(e)
		t.live--
		t.recycle(bkt, e)
		return b, nil
	}
	return nil, fmt.Errorf("looking up %#x: %w", paddr, ErrNotFound)
}

func (t *Table) recycle(bkt *bucket, e *entry) {
	e.buf = nil
	e.cookie = 0
	if e.pooled {
		bkt.free.pushBack(e)
		return
	}
	t.overflowLive--
}

// Len returns the number of buffers in flight.
func (t *Table) Len() int { return t.live }

func (t *Table) Stats() Stats {
	s := Stats{
		Live:           t.live,
		OverflowLive:   t.overflowLive,
		OverflowAllocs: t.overflowAllocs,
	}
	for i := range t.buckets {
		s.LongestBucket = max(s.LongestBucket, t.buckets[i].live.len)
	}
	return s
}

// Deinit hands every buffer still in flight to release and empties the
// table. The table must not be used afterwards.
func (t *Table) Deinit(release func(*netbuf.Buf)) {
	for i := range t.buckets {
		bkt := &t.buckets[i]
		for e := bkt.live.popFront(); e != nil; e = bkt.live.popFront() {
			if release != nil && e.buf != nil {
				release(e.buf)
			}
			t.live--
			t.recycle(bkt, e)
		}
	}
	t.buckets = nil
}

// Dump writes the in-flight addresses of every non-empty bucket to w.
func (t *Table) Dump(w io.Writer) error {
	for i := range t.buckets {
		bkt := &t.buckets[i]
		if bkt.live.len == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "bucket %4d (%d):", i, bkt.live.len); err != nil {
			return err
		}
		for e := bkt.live.root.next; e != &bkt.live.root; e = e.next {
			mark := ""
			if !e.pooled {
				mark = "*"
			}
			if _, err := fmt.Fprintf(w, " %#08x%s", e.paddr, mark); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
