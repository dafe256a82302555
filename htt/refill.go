package htt

import (
	"sync/atomic"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/romshark/wlanrx/netbuf"
	"github.com/romshark/wlanrx/rxstat"
)

const (
	refillIdle int32 = iota
	refillFilling
	refillPending
)

// refillGate lets one goroutine fill the ring at a time. A request that
// arrives while a fill is running is not dropped: it queues exactly one
// more pass, however many such requests arrive.
//
//	Idle    --enter-->  Filling
//	Filling --enter-->  Pending
//	Pending --enter-->  Pending
//	Filling --done--->  Idle
//	Pending --done--->  Filling (fill again)
type refillGate struct {
	state atomic.Int32
}

// enter reports whether the caller must fill.
func (g *refillGate) enter() bool {
	for {
		switch g.state.Load() {
		case refillIdle:
			if g.state.CompareAndSwap(refillIdle, refillFilling) {
				return true
			}
		case refillFilling:
			if g.state.CompareAndSwap(refillFilling, refillPending) {
				return false
			}
		default:
			return false
		}
	}
}

// done ends a fill pass and reports whether another one was requested
// meanwhile. If so the caller still owns the gate and must fill again.
func (g *refillGate) done() (again bool) {
	for {
		if g.state.CompareAndSwap(refillFilling, refillIdle) {
			return false
		}
		if g.state.CompareAndSwap(refillPending, refillFilling) {
			return true
		}
	}
}

// Replenish tops the ring up to its fill level. Concurrent calls collapse
// into the running pass plus at most one more. Allocation failures are not
// reported; they arm the retry timer and leave the ring under-filled.
func (rx *Rx) Replenish() {
	if rx.detached.Load() || !rx.gate.enter() {
		return
	}
	for {
		rx.fill(rx.fillLevel - int(rx.fillCnt.Load()))
		if !rx.gate.done() {
			return
		}
	}
}

func (rx *Rx) onRetry() {
	if rx.detached.Load() {
		return
	}
	rx.stats.Inc(rxstat.RefillRetries)
	rx.Replenish()
}

// fill posts up to n fresh buffers. It stops at the first buffer that
// cannot be allocated, mapped or tracked.
func (rx *Rx) fill(n int) {
	if rx.detached.Load() {
		return
	}
	posted := 0
	for ; n > 0; n-- {
		b, err := rx.pool.Alloc(rx.conf.BufSize, 0)
		if err != nil {
			rx.backpressure(err, "allocating rx buffer")
			break
		}

		rx.desc(b).ClearAttention()
		b.SetLen(rx.conf.BufSize)

		if err := rx.pool.Map(b, netbuf.FromDevice); err != nil {
			rx.pool.Free(b)
			rx.backpressure(err, "mapping rx buffer")
			break
		}

		paddr := b.PAddr()
		if rx.hash != nil {
			rx.hashMu.Lock()
			err = rx.hash.Insert(uint32(paddr), b)
			rx.hashMu.Unlock()
			if err != nil {
				rx.pool.Unmap(b, netbuf.FromDevice)
				rx.pool.Free(b)
				rx.backpressure(err, "tracking rx buffer")
				break
			}
		}

		if err := rx.ring.Post(paddr, b); err != nil {
			if rx.hash != nil {
				rx.hashMu.Lock()
				_, _ = rx.hash.LookupRemove(uint32(paddr))
				rx.hashMu.Unlock()
			}
			rx.pool.Unmap(b, netbuf.FromDevice)
			rx.pool.Free(b)
			rx.log.WithError(err).Error("posting rx buffer")
			break
		}

		rx.fillCnt.Add(1)
		posted++
	}
	if posted > 0 {
		rx.stats.Add(rxstat.Posted, uint64(posted))
	}
}

// backpressure arms the retry timer after a failed refill.
func (rx *Rx) backpressure(err error, what string) {
	rx.stats.Inc(rxstat.RefillNoMem)

	d := rx.conf.RetryBackOff.NextBackOff()
	rx.logNoMem.Warn(logrus.Fields{
		"error":      err,
		"fill_count": rx.fillCnt.Load(),
		"fill_level": rx.fillLevel,
		"retry_in":   d,
	}, what)

	rx.retry.Stop()
	if d != backoff.Stop {
		rx.retry.Reset(d)
	}
}
