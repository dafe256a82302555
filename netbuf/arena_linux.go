//go:build linux

package netbuf

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	DefaultArenaFrames       = 4096
	DefaultArenaFrameSize    = 2048
	DefaultArenaCoherentSize = 64 << 10
	DefaultArenaBaseAddr     = 0x1000
)

type ArenaConfig struct {
	// NumFrames is the total number of frames in the arena.
	NumFrames uint32
	// FrameSize is the size of each frame in bytes.
	FrameSize uint32
	// CoherentSize is the size of the region carved up for index cells.
	CoherentSize uint32
	// BaseAddr is the DMA address of the first frame.
	BaseAddr uint64
	// Lock pins the arena in RAM.
	Lock bool
}

func (c *ArenaConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultArenaFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultArenaFrameSize
	}
	if c.CoherentSize == 0 {
		c.CoherentSize = DefaultArenaCoherentSize
	}
	if c.BaseAddr == 0 {
		c.BaseAddr = DefaultArenaBaseAddr
	}
	return nil
}

// ArenaPool is a Pool backed by one anonymous, page-backed mapping split
// into fixed-size frames. A frame's DMA address is BaseAddr plus its byte
// offset in the arena. Allocation fails with ErrNoMem once every frame is
// in use, which is how ring refill sees backpressure.
//
// ArenaPool is safe for concurrent use.
type ArenaPool struct {
	conf ArenaConfig

	lock       sync.Mutex
	mem        []byte
	blocks     []block
	freeFrames []uint32
	freeCount  uint32
	mapped     int

	coherent    []byte
	coherentOff int
}

// NewArenaPool maps the arena and pushes every frame onto the free stack.
func NewArenaPool(conf ArenaConfig) (*ArenaPool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	size := int(conf.NumFrames) * int(conf.FrameSize)
	mem, err := mmapArena(size)
	if err != nil {
		return nil, fmt.Errorf("mapping arena: %w", err)
	}
	coherent, err := mmapArena(int(conf.CoherentSize))
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("mapping coherent region: %w", err)
	}
	if conf.Lock {
		if err := unix.Mlock(mem); err != nil {
			_ = unix.Munmap(mem)
			_ = unix.Munmap(coherent)
			return nil, fmt.Errorf("locking arena: %w", err)
		}
	}

	p := &ArenaPool{
		conf:       conf,
		mem:        mem,
		blocks:     make([]block, conf.NumFrames),
		freeFrames: make([]uint32, conf.NumFrames),
		freeCount:  conf.NumFrames,
		coherent:   coherent,
	}
	fs := int(conf.FrameSize)
	for i := range p.blocks {
		p.blocks[i] = block{
			mem:   mem[i*fs : (i+1)*fs : (i+1)*fs],
			paddr: conf.BaseAddr + uint64(i*fs),
			owner: p,
			index: i,
		}
		p.freeFrames[i] = uint32(i)
	}
	return p, nil
}

// mmapArena maps an anonymous, page-backed region.
func mmapArena(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
}

// FreeFrames returns the number of frames available for allocation.
func (p *ArenaPool) FreeFrames() uint32 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.freeCount
}

func (p *ArenaPool) Alloc(size, headroom int) (*Buf, error) {
	if size > int(p.conf.FrameSize) || headroom > size {
		return nil, ErrTooLarge
	}

	p.lock.Lock()
	if p.freeCount == 0 {
		p.lock.Unlock()
		return nil, ErrNoMem
	}
	p.freeCount--
	blk := &p.blocks[p.freeFrames[p.freeCount]]
	// Only the requested size is visible; the rest of the frame is slack.
	blk.mem = blk.mem[:size:size]
	p.lock.Unlock()

	return newBuf(blk, headroom), nil
}

func (p *ArenaPool) release(blk *block) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if blk.mapped != 0 {
		blk.mapped = 0
		p.mapped--
	}
	fs := int(p.conf.FrameSize)
	blk.mem = p.mem[blk.index*fs : (blk.index+1)*fs : (blk.index+1)*fs]
	p.freeFrames[p.freeCount] = uint32(blk.index)
	p.freeCount++
}

func (p *ArenaPool) Free(b *Buf) {
	if b != nil {
		b.release()
	}
}

func (p *ArenaPool) Clone(b *Buf) (*Buf, error) {
	return b.clone(), nil
}

func (p *ArenaPool) Map(b *Buf, dir Direction) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if b.blk.mapped != 0 {
		return ErrAlreadyMapped
	}
	b.blk.mapped = dir
	p.mapped++
	return nil
}

func (p *ArenaPool) Unmap(b *Buf, dir Direction) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if b.blk.mapped == 0 {
		return
	}
	b.blk.mapped = 0
	p.mapped--
}

// SyncForCPU is a no-op: the arena is cache-coherent host memory.
func (p *ArenaPool) SyncForCPU(b *Buf) {}

// AllocCoherent carves size bytes, 64-byte aligned, off the coherent
// region. Regions are reclaimed only by Close.
func (p *ArenaPool) AllocCoherent(size int) (Coherent, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	off := (p.coherentOff + 63) &^ 63
	if off+size > len(p.coherent) {
		return Coherent{}, ErrNoMem
	}
	p.coherentOff = off + size
	base := p.conf.BaseAddr + uint64(len(p.mem))
	return Coherent{
		Mem:   p.coherent[off : off+size : off+size],
		PAddr: base + uint64(off),
	}, nil
}

func (p *ArenaPool) FreeCoherent(c Coherent) {}

// Resolve implements DeviceMemory for frames currently allocated.
func (p *ArenaPool) Resolve(paddr uint64) ([]byte, error) {
	if paddr < p.conf.BaseAddr {
		return nil, fmt.Errorf("resolving %#x: %w", paddr, ErrUnknownAddr)
	}
	off := paddr - p.conf.BaseAddr
	fs := uint64(p.conf.FrameSize)
	if off%fs != 0 || off/fs >= uint64(len(p.blocks)) {
		return nil, fmt.Errorf("resolving %#x: %w", paddr, ErrUnknownAddr)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	blk := &p.blocks[off/fs]
	if blk.refs.Load() == 0 {
		return nil, fmt.Errorf("resolving %#x: frame not allocated: %w", paddr, ErrUnknownAddr)
	}
	return blk.mem, nil
}

// Close unmaps the arena. All buffers must have been freed.
func (p *ArenaPool) Close() error {
	var errs []error
	if p.mem != nil {
		if err := unix.Munmap(p.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping arena: %w", err))
		}
		p.mem = nil
	}
	if p.coherent != nil {
		if err := unix.Munmap(p.coherent); err != nil {
			errs = append(errs, fmt.Errorf("unmapping coherent region: %w", err))
		}
		p.coherent = nil
	}
	return errors.Join(errs...)
}
