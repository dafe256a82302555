// Package ring implements the host side of a receive DMA ring: a
// power-of-two array of buffer addresses shared with the device, plus the
// producer and consumer index words.
//
// Index ownership:
//
//   - alloc_idx:  written by the host after posting a buffer, read by the device.
//   - target_idx: written by the device in in-order mode, read by the host.
//   - sw_rd_idx:  host-private read index in ring-order mode.
package ring

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/romshark/wlanrx/netbuf"
)

const (
	SizeMin = 128
	SizeMax = 2048

	// AvgFrameBytes is the assumed average received frame size.
	AvgFrameBytes = 1000
	// HostLatencyMaxMS is the longest the host may take to service the ring.
	HostLatencyMaxMS = 20
	// HostLatencyWorstLikelyMS is the service latency the fill level targets.
	HostLatencyWorstLikelyMS = 10

	// SlotBytes is the size of one slot: a 32-bit buffer address.
	SlotBytes = 4
	// IdxBytes is the size of an index word.
	IdxBytes = 4
)

var (
	ErrSizeNotPowerOfTwo = errors.New("ring: size must be a power of two")
	ErrSlotsTooSmall     = errors.New("ring: slot region too small")
	ErrIdxRegionTooSmall = errors.New("ring: index region too small")
	ErrEmpty             = errors.New("ring: no elements queued")
	ErrAddrRange         = errors.New("ring: address does not fit a 32-bit slot")
)

// Size returns the number of ring slots needed to absorb throughputMbps for
// HostLatencyMaxMS, clamped to [SizeMin, SizeMax] and rounded up to a power
// of two.
func Size(throughputMbps uint32) uint32 {
	size := uint64(throughputMbps) * 1000 / (8 * AvgFrameBytes) * HostLatencyMaxMS
	size = min(max(size, SizeMin), SizeMax)
	return roundUpPow2(uint32(size))
}

// FillLevel returns the number of buffers to keep posted for
// throughputMbps, based on HostLatencyWorstLikelyMS and floored at SizeMin.
// The result is always below size, so a full ring is never confused with an
// empty one.
func FillLevel(throughputMbps, size uint32) uint32 {
	level := uint64(throughputMbps) * 1000 / (8 * AvgFrameBytes) * HostLatencyWorstLikelyMS
	level = min(max(level, SizeMin), SizeMax)
	return min(uint32(level), size-1)
}

func roundUpPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

// Mem is the DMA-visible memory backing a ring.
type Mem struct {
	// Slots holds Size 32-bit buffer addresses.
	Slots []byte
	// AllocIdx holds the producer index word.
	AllocIdx []byte
	// TargetIdx holds the device's index word. Nil in ring-order mode.
	TargetIdx []byte
}

// Ring is a receive DMA ring.
//
// WARNING: Ring is not safe for concurrent use on the host side. The
// device may run concurrently; it only touches the slots published by
// alloc_idx and the target_idx word.
type Ring struct {
	size uint32
	mask uint32

	slots     []uint32
	allocIdx  *uint32
	targetIdx *uint32

	// cachedProd is the host's copy of alloc_idx.
	cachedProd uint32
	swRdIdx    uint32
	swRdDesc   uint32

	// bufs is indexed by slot. Only kept in ring-order mode.
	bufs []*netbuf.Buf
}

// New builds a ring of size slots over mem. If trackBufs is set, the ring
// remembers the buffer posted at each slot so it can be popped in ring
// order.
func New(size uint32, mem Mem, trackBufs bool) (*Ring, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrSizeNotPowerOfTwo
	}
	if len(mem.Slots) < int(size)*SlotBytes {
		return nil, fmt.Errorf("%w: have %d, want %d",
			ErrSlotsTooSmall, len(mem.Slots), int(size)*SlotBytes)
	}
	if len(mem.AllocIdx) < IdxBytes {
		return nil, ErrIdxRegionTooSmall
	}

	r := &Ring{
		size:     size,
		mask:     size - 1,
		slots:    unsafe.Slice((*uint32)(unsafe.Pointer(&mem.Slots[0])), size),
		allocIdx: (*uint32)(unsafe.Pointer(&mem.AllocIdx[0])),
	}
	if mem.TargetIdx != nil {
		if len(mem.TargetIdx) < IdxBytes {
			return nil, ErrIdxRegionTooSmall
		}
		r.targetIdx = (*uint32)(unsafe.Pointer(&mem.TargetIdx[0]))
		atomic.StoreUint32(r.targetIdx, 0)
	}
	if trackBufs {
		r.bufs = make([]*netbuf.Buf, size)
	}
	atomic.StoreUint32(r.allocIdx, 0)
	return r, nil
}

func (r *Ring) Size() uint32 { return r.size }
func (r *Ring) Mask() uint32 { return r.mask }

// Post writes paddr into the next slot and publishes it to the device.
// The slot is written before alloc_idx is advanced, so the device never
// sees a half-written slot.
func (r *Ring) Post(paddr uint64, b *netbuf.Buf) error {
	if paddr > 0xffffffff {
		return fmt.Errorf("posting %#x: %w", paddr, ErrAddrRange)
	}
	idx := r.cachedProd
	r.slots[idx] = uint32(paddr)
	if r.bufs != nil {
		r.bufs[idx] = b
	}
	r.cachedProd = (idx + 1) & r.mask
	atomic.StoreUint32(r.allocIdx, r.cachedProd)
	return nil
}

// AllocIdx returns the published producer index.
func (r *Ring) AllocIdx() uint32 { return atomic.LoadUint32(r.allocIdx) }

// TargetIdx returns the device's index. Zero in ring-order mode.
func (r *Ring) TargetIdx() uint32 {
	if r.targetIdx == nil {
		return 0
	}
	return atomic.LoadUint32(r.targetIdx)
}

// SwRdIdx returns the host read index used in ring-order mode.
func (r *Ring) SwRdIdx() uint32 { return r.swRdIdx }

// ElemsQueued returns the number of posted buffers not yet popped in
// ring order.
func (r *Ring) ElemsQueued() uint32 {
	return (r.AllocIdx() - r.swRdIdx) & r.mask
}

// ElemsQueuedInOrder returns the number of posted buffers the device has
// not consumed yet.
func (r *Ring) ElemsQueuedInOrder() uint32 {
	return (r.AllocIdx() - r.TargetIdx()) & r.mask
}

// Pop returns the buffer at the read index and advances it.
// It must only be used in ring-order mode.
func (r *Ring) Pop() (*netbuf.Buf, error) {
	if r.ElemsQueued() == 0 {
		return nil, ErrEmpty
	}
	b := r.bufs[r.swRdIdx]
	r.swRdIdx = (r.swRdIdx + 1) & r.mask
	return b, nil
}

// NextDesc returns the buffer the MPDU descriptor read index points at and
// moves that index up to the buffer read index.
func (r *Ring) NextDesc() *netbuf.Buf {
	b := r.bufs[r.swRdDesc]
	r.swRdDesc = r.swRdIdx
	return b
}

// Drain pops every buffer still queued in ring order and passes it to fn.
func (r *Ring) Drain(fn func(*netbuf.Buf)) {
	for r.ElemsQueued() != 0 {
		b, _ := r.Pop()
		fn(b)
	}
}

// Device returns the device-side view of the ring.
func (r *Ring) Device() Device { return Device{r: r} }

// Device is the device's side of a ring: it reads published slots and, in
// in-order mode, advances target_idx as it consumes them.
type Device struct{ r *Ring }

// Slot returns the address posted at slot idx.
func (d Device) Slot(idx uint32) uint32 { return d.r.slots[idx&d.r.mask] }

// AllocIdx returns the producer index as published by the host.
func (d Device) AllocIdx() uint32 { return d.r.AllocIdx() }

// TargetIdx returns the device's own index.
func (d Device) TargetIdx() uint32 { return d.r.TargetIdx() }

// SetTargetIdx publishes the device's index. No-op in ring-order mode.
func (d Device) SetTargetIdx(idx uint32) {
	if d.r.targetIdx != nil {
		atomic.StoreUint32(d.r.targetIdx, idx&d.r.mask)
	}
}
