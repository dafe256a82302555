package netbuf

import (
	"fmt"
	"sync"
)

const (
	DefaultHeapBaseAddr = 0x1000_0000
	heapAddrAlign       = 64
)

// HeapPool is a portable Pool backed by the Go heap. DMA addresses are
// synthetic: each live block gets a unique 32-bit address, and released
// addresses are reused for blocks of the same size.
//
// HeapPool is safe for concurrent use.
type HeapPool struct {
	lock sync.Mutex

	limit    int
	live     int
	nextAddr uint64
	freeAddr map[int][]uint64
	blocks   map[uint64]*block
	mapped   int
	allocs   uint64
	failures uint64

	onSync func(*Buf)
}

type HeapOption func(*HeapPool)

// WithLimit caps the number of blocks live at the same time.
// Allocations beyond the cap fail with ErrNoMem.
func WithLimit(n int) HeapOption {
	return func(p *HeapPool) { p.limit = n }
}

// WithBaseAddr sets the first synthetic DMA address.
func WithBaseAddr(addr uint64) HeapOption {
	return func(p *HeapPool) { p.nextAddr = addr }
}

// WithSyncHook registers fn to run on every SyncForCPU, standing in for
// the device finishing a late descriptor write.
func WithSyncHook(fn func(*Buf)) HeapOption {
	return func(p *HeapPool) { p.onSync = fn }
}

func NewHeapPool(opts ...HeapOption) *HeapPool {
	p := &HeapPool{
		nextAddr: DefaultHeapBaseAddr,
		freeAddr: make(map[int][]uint64),
		blocks:   make(map[uint64]*block),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetLimit changes the live block cap. Zero disables the cap.
func (p *HeapPool) SetLimit(n int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.limit = n
}

func (p *HeapPool) Alloc(size, headroom int) (*Buf, error) {
	return p.alloc(size, headroom, true)
}

func (p *HeapPool) alloc(size, headroom int, limited bool) (*Buf, error) {
	if headroom > size {
		return nil, fmt.Errorf("headroom %d exceeds size %d: %w", headroom, size, ErrTooLarge)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if limited && p.limit > 0 && p.live >= p.limit {
		p.failures++
		return nil, ErrNoMem
	}

	var addr uint64
	if free := p.freeAddr[size]; len(free) > 0 {
		addr = free[len(free)-1]
		p.freeAddr[size] = free[:len(free)-1]
	} else {
		addr = p.nextAddr
		p.nextAddr += uint64((size + heapAddrAlign - 1) &^ (heapAddrAlign - 1))
		if p.nextAddr > 1<<32 {
			return nil, ErrNoMem
		}
	}

	blk := &block{mem: make([]byte, size), paddr: addr, owner: p, index: -1}
	p.blocks[addr] = blk
	if limited {
		blk.index = 0
		p.live++
	}
	p.allocs++
	return newBuf(blk, headroom), nil
}

func (p *HeapPool) release(blk *block) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.blocks[blk.paddr] != blk {
		return
	}
	delete(p.blocks, blk.paddr)
	size := len(blk.mem)
	p.freeAddr[size] = append(p.freeAddr[size], blk.paddr)
	if blk.mapped != 0 {
		blk.mapped = 0
		p.mapped--
	}
	if blk.index >= 0 {
		p.live--
	}
}

func (p *HeapPool) Free(b *Buf) {
	if b == nil {
		return
	}
	b.release()
}

func (p *HeapPool) Clone(b *Buf) (*Buf, error) {
	return b.clone(), nil
}

func (p *HeapPool) Map(b *Buf, dir Direction) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if b.blk.mapped != 0 {
		return ErrAlreadyMapped
	}
	b.blk.mapped = dir
	p.mapped++
	return nil
}

func (p *HeapPool) Unmap(b *Buf, dir Direction) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if b.blk.mapped == 0 {
		return
	}
	b.blk.mapped = 0
	p.mapped--
}

func (p *HeapPool) SyncForCPU(b *Buf) {
	if p.onSync != nil {
		p.onSync(b)
	}
}

func (p *HeapPool) AllocCoherent(size int) (Coherent, error) {
	b, err := p.alloc(size, 0, false)
	if err != nil {
		return Coherent{}, err
	}
	return Coherent{Mem: b.Raw(), PAddr: b.PAddr()}, nil
}

func (p *HeapPool) FreeCoherent(c Coherent) {
	p.lock.Lock()
	blk := p.blocks[c.PAddr]
	p.lock.Unlock()
	if blk != nil {
		p.release(blk)
	}
}

// Resolve implements DeviceMemory.
func (p *HeapPool) Resolve(paddr uint64) ([]byte, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	blk := p.blocks[paddr]
	if blk == nil {
		return nil, fmt.Errorf("resolving %#x: %w", paddr, ErrUnknownAddr)
	}
	return blk.mem, nil
}

// HeapStats is a point-in-time view of a HeapPool.
type HeapStats struct {
	Live     int
	Mapped   int
	Allocs   uint64
	Failures uint64
}

func (p *HeapPool) Stats() HeapStats {
	p.lock.Lock()
	defer p.lock.Unlock()
	return HeapStats{
		Live:     p.live,
		Mapped:   p.mapped,
		Allocs:   p.allocs,
		Failures: p.failures,
	}
}
