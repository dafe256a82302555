// Package netbuf provides DMA-capable receive buffers and the pools that
// allocate, map and release them.
//
// A Buf is a logical view (offset + length) onto a backing block of memory
// whose first bytes hold the hardware rx descriptor. Clones share the
// backing block; the block is returned to its pool once every view on it
// has been freed.
//
// Buffers are linked two ways:
//
//   - next: the MSDU chain produced by the frame assembler.
//   - ext:  the extension list of a restitched MPDU, hanging off its head.
package netbuf

import (
	"errors"
	"iter"
	"sync/atomic"
)

var (
	ErrNoMem         = errors.New("netbuf: out of DMA memory")
	ErrTooLarge      = errors.New("netbuf: requested size exceeds frame size")
	ErrAlreadyMapped = errors.New("netbuf: buffer already mapped")
	ErrUnknownAddr   = errors.New("netbuf: address not owned by pool")
)

// Direction is the DMA mapping direction.
type Direction uint8

const (
	_ Direction = iota
	FromDevice
	ToDevice
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case FromDevice:
		return "from-device"
	case ToDevice:
		return "to-device"
	case Bidirectional:
		return "bidirectional"
	}
	return ""
}

// L4 identifies the protocol a hardware checksum result applies to.
type L4 uint8

const (
	L4None L4 = iota
	L4TCP
	L4UDP
	L4TCPv6
	L4UDPv6
)

// CsumResult is the outcome of hardware checksum validation.
type CsumResult uint8

const (
	CsumNone CsumResult = iota
	CsumOK
	CsumFail
)

// Checksum is the hardware checksum offload verdict attached to a buffer.
type Checksum struct {
	L4     L4
	Result CsumResult
}

// block is the backing memory shared by a buffer and its clones.
type block struct {
	mem    []byte
	paddr  uint64
	refs   atomic.Int32
	mapped Direction
	owner  releaser
	// index is the arena frame number, or -1 for blocks that do not
	// count against a pool's capacity.
	index int
}

type releaser interface {
	release(*block)
}

// Buf is a handle onto a receive buffer.
//
// WARNING: Buf is not safe for concurrent use.
type Buf struct {
	blk  *block
	off  int
	n    int
	next *Buf

	extHead *Buf
	extNext *Buf
	extLen  int

	csum Checksum
}

func newBuf(blk *block, headroom int) *Buf {
	blk.refs.Store(1)
	return &Buf{blk: blk, off: headroom}
}

// PAddr returns the device-visible address of the start of the backing block.
func (b *Buf) PAddr() uint64 { return b.blk.paddr }

// Raw returns the entire backing block, starting with the descriptor region.
func (b *Buf) Raw() []byte { return b.blk.mem }

// Data returns the current logical view.
func (b *Buf) Data() []byte { return b.blk.mem[b.off : b.off+b.n] }

// Len returns the length of the logical view.
func (b *Buf) Len() int { return b.n }

// Cap returns the size of the backing block.
func (b *Buf) Cap() int { return len(b.blk.mem) }

// Headroom returns the number of bytes in front of the logical view.
func (b *Buf) Headroom() int { return b.off }

// Tailroom returns the number of bytes after the logical view.
func (b *Buf) Tailroom() int { return len(b.blk.mem) - b.off - b.n }

// SetLen sets the length of the logical view, starting at its current
// offset. It panics if n does not fit in the backing block.
func (b *Buf) SetLen(n int) {
	if n < 0 || b.off+n > len(b.blk.mem) {
		panic("netbuf: SetLen out of range")
	}
	b.n = n
}

// Pull advances the start of the view by n bytes and returns the removed
// bytes. It returns nil if fewer than n bytes are in the view.
func (b *Buf) Pull(n int) []byte {
	if n < 0 || n > b.n {
		return nil
	}
	p := b.blk.mem[b.off : b.off+n]
	b.off += n
	b.n -= n
	return p
}

// Push extends the view n bytes towards the front and returns the new
// bytes. It returns nil if there is not enough headroom.
func (b *Buf) Push(n int) []byte {
	if n < 0 || n > b.off {
		return nil
	}
	b.off -= n
	b.n += n
	return b.blk.mem[b.off : b.off+n]
}

// Put extends the view n bytes at the tail and returns the new bytes.
// It returns nil if there is not enough tailroom.
func (b *Buf) Put(n int) []byte {
	if n < 0 || n > b.Tailroom() {
		return nil
	}
	p := b.blk.mem[b.off+b.n : b.off+b.n+n]
	b.n += n
	return p
}

// Trim removes n bytes from the tail of the view.
func (b *Buf) Trim(n int) {
	b.n = max(b.n-n, 0)
}

// Next returns the next buffer of the MSDU chain.
func (b *Buf) Next() *Buf { return b.next }

// SetNext links next after b in the MSDU chain.
func (b *Buf) SetNext(next *Buf) { b.next = next }

// Chain returns a restartable iterator over b and every buffer linked
// after it. The link is read before yielding, so the caller may free or
// relink the yielded buffer.
func (b *Buf) Chain() iter.Seq[*Buf] {
	return func(yield func(*Buf) bool) {
		for cur := b; cur != nil; {
			next := cur.next
			if !yield(cur) {
				return
			}
			cur = next
		}
	}
}

// ChainLen returns the number of buffers in the chain starting at b.
func (b *Buf) ChainLen() (n int) {
	for range b.Chain() {
		n++
	}
	return n
}

// NextExt returns the following member of the extension list b belongs to.
func (b *Buf) NextExt() *Buf { return b.extNext }

// SetNextExt links next after b in an extension list.
func (b *Buf) SetNextExt(next *Buf) { b.extNext = next }

// AppendExtList attaches the extension list starting at head to b.
// extLen is the sum of the data lengths of all list members.
func (b *Buf) AppendExtList(head *Buf, extLen int) {
	b.extHead = head
	b.extLen = extLen
}

// ExtLen returns the number of data bytes in the extension list.
func (b *Buf) ExtLen() int { return b.extLen }

// TotalLen returns the data length of b plus its extension list.
func (b *Buf) TotalLen() int { return b.n + b.extLen }

// Ext returns an iterator over the extension list attached to b.
func (b *Buf) Ext() iter.Seq[*Buf] {
	return func(yield func(*Buf) bool) {
		for cur := b.extHead; cur != nil; {
			next := cur.extNext
			if !yield(cur) {
				return
			}
			cur = next
		}
	}
}

// Flatten copies the data of b followed by its extension list into a
// single slice.
func (b *Buf) Flatten() []byte {
	out := make([]byte, 0, b.TotalLen())
	out = append(out, b.Data()...)
	for m := range b.Ext() {
		out = append(out, m.Data()...)
	}
	return out
}

// Csum returns the hardware checksum verdict.
func (b *Buf) Csum() Checksum { return b.csum }

// SetCsum records the hardware checksum verdict.
func (b *Buf) SetCsum(c Checksum) { b.csum = c }

// Mapped reports the direction b's block is currently mapped for DMA,
// or zero if it is not mapped.
func (b *Buf) Mapped() Direction { return b.blk.mapped }

func (b *Buf) clone() *Buf {
	b.blk.refs.Add(1)
	return &Buf{blk: b.blk, off: b.off, n: b.n, csum: b.csum}
}

// release drops b's reference and returns the block to its owner once
// no references remain.
func (b *Buf) release() {
	if b.blk.refs.Add(-1) == 0 {
		b.blk.owner.release(b.blk)
	}
	b.next, b.extHead, b.extNext = nil, nil, nil
}

// Coherent is a small DMA-coherent region, used for index cells that both
// the host and the device read and write.
type Coherent struct {
	Mem   []byte
	PAddr uint64
}

// Pool provides the DMA memory services the receive path consumes.
type Pool interface {
	// Alloc returns a buffer backed by at least size bytes, with an empty
	// view starting headroom bytes into the block.
	Alloc(size, headroom int) (*Buf, error)
	// Free releases b. The backing block is recycled once all clones
	// sharing it have been released.
	Free(b *Buf)
	// Clone returns a new view sharing b's backing block.
	Clone(b *Buf) (*Buf, error)
	// Map makes b's block visible to the device.
	Map(b *Buf, dir Direction) error
	// Unmap makes the whole of b's block visible to the CPU again.
	Unmap(b *Buf, dir Direction)
	// SyncForCPU invalidates CPU caches for b's block.
	SyncForCPU(b *Buf)

	AllocCoherent(size int) (Coherent, error)
	FreeCoherent(c Coherent)
}

// DeviceMemory is the device's view of pool memory: the block at a given
// DMA address.
type DeviceMemory interface {
	Resolve(paddr uint64) ([]byte, error)
}

// FreeChain frees every buffer of the MSDU chain starting at head.
func FreeChain(p Pool, head *Buf) {
	if head == nil {
		return
	}
	for b := range head.Chain() {
		p.Free(b)
	}
}
