// Package htt is the host side of the receive DMA ring: it keeps the ring
// filled with buffers for the device and turns rx indications from the
// firmware back into chains of received MSDUs.
//
// Two ring addressing modes exist. In ring-order mode buffers come back in
// the order they were posted. With full reorder offload (in-order mode)
// the device returns buffers by physical address, which the host maps
// back to buffers through a paddrhash.Table.
package htt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/wlanrx/httmsg"
	"github.com/romshark/wlanrx/internal/ratelog"
	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/paddrhash"
	"github.com/romshark/wlanrx/ring"
	"github.com/romshark/wlanrx/rxdesc"
	"github.com/romshark/wlanrx/rxstat"
)

var (
	// ErrFatal marks a host/device desynchronization. The ring cannot be
	// used any further and must be reset by the owner.
	ErrFatal = errors.New("htt: fatal rx ring error")

	ErrDoneBit       = errors.New("htt: rx descriptor done bit not set")
	ErrUnexpectedMsg = errors.New("htt: message not valid for this ring mode")
	ErrWrongMode     = errors.New("htt: operation not valid for this ring mode")
	ErrDetached      = errors.New("htt: rx ring detached")
)

func fatal(cause error, format string, a ...any) error {
	return fmt.Errorf("%w: %w: "+format, append([]any{ErrFatal, cause}, a...)...)
}

// Deps are the collaborators an Rx calls into.
type Deps struct {
	Pool netbuf.Pool

	// MICError is called for every MSDU an in-order indication flags with
	// a MIC failure. b is freed when the call returns.
	MICError func(tid uint8, peerID uint16, d rxdesc.Desc, b *netbuf.Buf)

	// OffloadDeliver handles an in-order indication whose MSDUs were
	// fully processed by the firmware. It must pop every MSDU with
	// PopOffloadPaddr. If nil, the MSDUs are popped and dropped.
	OffloadDeliver func(msduCount int, ind *httmsg.InOrdPaddrInd)
}

// Frame is the result of popping one indication's worth of MSDUs.
type Frame struct {
	Head *netbuf.Buf
	Tail *netbuf.Buf
	// Chained reports whether any MSDU spanned more than one ring buffer.
	Chained bool
}

// popper is the ring addressing mode, chosen once at Attach.
type popper interface {
	popFrame(msg httmsg.Msg) (Frame, error)
	mpduDescListNext(b *netbuf.Buf) (rxdesc.Desc, error)
	drain(release func(*netbuf.Buf))
}

// Rx is one attached rx ring.
//
// WARNING: PopFrame, PopOffloadMSDU, PopOffloadPaddr and MPDUDescListNext
// are not safe for concurrent use; one goroutine must process a ring's
// indications. Replenish may be called from any goroutine.
type Rx struct {
	conf   Config
	deps   Deps
	pool   netbuf.Pool
	layout *rxdesc.Layout
	log    logrus.FieldLogger
	stats  *rxstat.Counters

	ring      *ring.Ring
	fillLevel int
	fillCnt   atomic.Int32
	// payloadCap is the payload room of one buffer behind its descriptor.
	payloadCap int

	slotsMem  netbuf.Coherent
	allocMem  netbuf.Coherent
	targetMem netbuf.Coherent

	// hashMu serializes the refill path and the pop path on hash.
	hashMu sync.Mutex
	hash   *paddrhash.Table

	pop popper

	gate     refillGate
	retry    Timer
	detached atomic.Bool

	logNoMem    *ratelog.Logger
	logUnderrun *ratelog.Logger
	logErratum  *ratelog.Logger
	logDoneBit  *ratelog.Logger
}

// Attach sizes and allocates the ring, selects the addressing mode and
// performs the initial fill.
func Attach(conf Config, deps Deps) (*Rx, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if deps.Pool == nil {
		return nil, ErrNoPool
	}

	size := ring.Size(conf.MaxThroughputMbps)
	rx := &Rx{
		conf:       conf,
		deps:       deps,
		pool:       deps.Pool,
		layout:     conf.Layout,
		stats:      conf.Stats,
		fillLevel:  int(ring.FillLevel(conf.MaxThroughputMbps, size)),
		payloadCap: conf.BufSize - conf.Layout.Size,
	}
	rx.log = conf.Log.WithField("ring", conf.Name)
	rx.logNoMem = ratelog.New(rx.log, time.Second)
	rx.logUnderrun = ratelog.New(rx.log, time.Second)
	rx.logErratum = ratelog.New(rx.log, time.Second)
	rx.logDoneBit = ratelog.New(rx.log, time.Second)

	if err := rx.allocRing(size); err != nil {
		return nil, err
	}

	if conf.FullReorderOffload {
		opts := []paddrhash.Option{paddrhash.WithOverflowLimit(int(size))}
		if conf.HashCookies {
			opts = append(opts, paddrhash.WithCookies())
		}
		rx.hash = paddrhash.New(opts...)
		rx.pop = &inOrder{rx: rx}
	} else {
		rx.pop = &ringOrder{rx: rx}
	}

	rx.retry = conf.NewTimer(rx.onRetry)

	rx.log.WithFields(logrus.Fields{
		"ring_size":            size,
		"fill_level":           rx.fillLevel,
		"full_reorder_offload": conf.FullReorderOffload,
		"layout":               conf.Layout.Name,
	}).Info("rx ring attached")

	rx.Replenish()
	return rx, nil
}

func (rx *Rx) allocRing(size uint32) (err error) {
	var allocated []netbuf.Coherent
	defer func() {
		if err != nil {
			for _, c := range allocated {
				rx.pool.FreeCoherent(c)
			}
		}
	}()
	alloc := func(n int, what string) (netbuf.Coherent, error) {
		c, err := rx.pool.AllocCoherent(n)
		if err != nil {
			return c, fmt.Errorf("allocating %s: %w", what, err)
		}
		allocated = append(allocated, c)
		return c, nil
	}

	if rx.slotsMem, err = alloc(int(size)*ring.SlotBytes, "ring slots"); err != nil {
		return err
	}
	if rx.allocMem, err = alloc(ring.IdxBytes, "alloc index"); err != nil {
		return err
	}
	mem := ring.Mem{Slots: rx.slotsMem.Mem, AllocIdx: rx.allocMem.Mem}
	if rx.conf.FullReorderOffload {
		if rx.targetMem, err = alloc(ring.IdxBytes, "target index"); err != nil {
			return err
		}
		mem.TargetIdx = rx.targetMem.Mem
	}

	rx.ring, err = ring.New(size, mem, !rx.conf.FullReorderOffload)
	if err != nil {
		return fmt.Errorf("creating ring: %w", err)
	}
	return nil
}

// Detach cancels the retry timer, releases every buffer still posted to
// the device and frees the ring memory.
func (rx *Rx) Detach() error {
	if !rx.detached.CompareAndSwap(false, true) {
		return ErrDetached
	}
	rx.retry.Stop()

	// Wait out a refill pass that may still be running.
	for !rx.gate.enter() {
		time.Sleep(time.Millisecond)
	}

	var released int
	rx.pop.drain(func(b *netbuf.Buf) {
		rx.pool.Unmap(b, netbuf.FromDevice)
		rx.pool.Free(b)
		released++
	})
	rx.fillCnt.Store(0)

	rx.pool.FreeCoherent(rx.slotsMem)
	rx.pool.FreeCoherent(rx.allocMem)
	if rx.targetMem.Mem != nil {
		rx.pool.FreeCoherent(rx.targetMem)
	}

	rx.log.WithField("released", released).Info("rx ring detached")
	return nil
}

// Ring returns the underlying DMA ring.
func (rx *Rx) Ring() *ring.Ring { return rx.ring }

func (rx *Rx) Layout() *rxdesc.Layout  { return rx.layout }
func (rx *Rx) Stats() *rxstat.Counters { return rx.stats }
func (rx *Rx) Name() string            { return rx.conf.Name }
func (rx *Rx) InOrder() bool           { return rx.hash != nil }

// FillLevel returns the number of buffers the ring is kept filled to.
func (rx *Rx) FillLevel() int { return rx.fillLevel }

// FillCount returns the number of buffers currently posted to the device.
func (rx *Rx) FillCount() int { return int(rx.fillCnt.Load()) }

// PayloadCap returns the payload capacity of one ring buffer.
func (rx *Rx) PayloadCap() int { return rx.payloadCap }

// HashStats returns the address hash statistics. Zero in ring-order mode.
func (rx *Rx) HashStats() paddrhash.Stats {
	if rx.hash == nil {
		return paddrhash.Stats{}
	}
	rx.hashMu.Lock()
	defer rx.hashMu.Unlock()
	return rx.hash.Stats()
}

// PopFrame pops the MSDUs described by one rx indication (ring-order
// mode: *httmsg.RxInd or *httmsg.FragInd; in-order mode:
// *httmsg.InOrdPaddrInd) and returns them as a chain linked with Next.
//
// The ring is not refilled; call Replenish once the indication has been
// consumed. An error wrapping ErrFatal means the ring is out of sync with
// the device. A ring-order fatal error still returns the buffers popped so
// far so the caller can release them.
func (rx *Rx) PopFrame(msg httmsg.Msg) (Frame, error) {
	if rx.detached.Load() {
		return Frame{}, ErrDetached
	}
	f, err := rx.pop.popFrame(msg)
	if err != nil {
		return f, err
	}
	if f.Head != nil {
		rx.stats.Inc(rxstat.Frames)
	}
	return f, nil
}

// MPDUDescListNext returns the descriptor of the next MPDU. In ring-order
// mode the descriptor read index trails the buffer read index and b is
// ignored; in in-order mode b's own descriptor is returned.
func (rx *Rx) MPDUDescListNext(b *netbuf.Buf) (rxdesc.Desc, error) {
	return rx.pop.mpduDescListNext(b)
}

// desc returns the descriptor at the head of b's block.
func (rx *Rx) desc(b *netbuf.Buf) rxdesc.Desc {
	return rxdesc.MustView(rx.layout, b.Raw())
}

// reclaim makes a popped buffer CPU visible again with its view covering
// the whole block.
func (rx *Rx) reclaim(b *netbuf.Buf) {
	rx.fillCnt.Add(-1)
	b.SetNext(nil)
	b.Push(b.Headroom())
	b.SetLen(rx.conf.BufSize)
	rx.pool.Unmap(b, netbuf.FromDevice)
}

// setPayloadLen drops the descriptor from b's view and sets the payload
// length. A length that under- or overflows one buffer means the whole
// buffer.
func (rx *Rx) setPayloadLen(b *netbuf.Buf, n int) {
	b.Pull(rx.layout.Size)
	if n < 0 || n > rx.payloadCap {
		n = rx.payloadCap
	}
	b.SetLen(n)
}
